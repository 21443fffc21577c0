package remote

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/kioskworks/station/system"
)

// Client wraps the enrollment authority's HTTP API. Implementations must
// tolerate transient transport failures internally; callers only ever see a
// final record or a terminal error.
type Client interface {
	// Enroll submits this machine's identity to the authority. Re-submitting
	// an already known hardware id is safe and returns the current record.
	Enroll(ctx context.Context, req EnrollmentRequest) (EnrollmentRecord, error)

	// GetEnrollmentStatus fetches the authority's current decision for the
	// given hardware id.
	GetEnrollmentStatus(ctx context.Context, hardwareID string) (EnrollmentRecord, error)

	// AwaitDecision polls until the authority approves or rejects the
	// request, resubmitting from scratch if the credential window expires
	// while waiting.
	AwaitDecision(ctx context.Context, req EnrollmentRequest) (EnrollmentRecord, error)
}

type client struct {
	httpClient   *http.Client
	baseUrl      string
	headers      map[string]string
	retries      int
	pollInterval time.Duration
}

// New returns a client for the enrollment authority at the given base URL.
func New(base string, opts ...ClientOption) Client {
	c := &client{
		baseUrl: strings.TrimSuffix(base, "/"),
		httpClient: &http.Client{
			Timeout: time.Second * 30,
		},
		retries:      3,
		pollInterval: time.Second * 30,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ClientOption func(*client)

// WithHTTPClient sets the underlying http.Client, primarily so the request
// timeout can follow the configuration file.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *client) {
		c.httpClient = httpClient
	}
}

// WithCustomHeaders sets additional headers sent on every request to the
// authority, e.g. access-proxy service tokens.
func WithCustomHeaders(headers map[string]string) ClientOption {
	return func(c *client) {
		c.headers = headers
	}
}

// WithPollInterval overrides the delay between status polls while an
// enrollment request is pending.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *client) {
		c.pollInterval = d
	}
}

// request makes a single HTTP request against the authority and unmarshals a
// successful response into out. Connection failures and 5xx responses are
// retried with an exponential backoff since an unprovisioned machine has
// nothing better to do; 4xx responses are returned immediately.
func (c *client) request(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.WithMessage(err, "remote: failed to encode request body")
		}
		payload = b
	}

	attempt := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseUrl+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "Station/"+system.Version)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}

		res, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if res.StatusCode >= 500 {
			return errors.Errorf("remote: authority returned status %d for %s", res.StatusCode, path)
		}
		if res.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			return backoff.Permanent(errors.Errorf("remote: request to %s failed with status %d: %s", path, res.StatusCode, strings.TrimSpace(string(b))))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return errors.WithMessage(err, "remote: failed to decode authority response")
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.retries)), ctx)
	return backoff.RetryNotify(attempt, policy, func(err error, d time.Duration) {
		log.WithError(err).WithField("retry_in", d).Warn("request to enrollment authority failed, retrying")
	})
}
