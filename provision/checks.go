package provision

import (
	"context"
	"net"
	"net/http"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/beevik/ntp"
	"github.com/cenkalti/backoff/v4"
)

// checkInternet is the hard gate in front of every provisioning run: nothing
// beyond it can succeed without a working uplink. Each probe URL is tried in
// order; attempts are retried on a constant backoff up to the configured
// bound, after which the whole sequence restarts.
func (p *Provisioner) checkInternet(ctx context.Context) error {
	client := &http.Client{Timeout: time.Second * 10}

	attempt := func() error {
		for _, u := range p.probeURLs {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
			if err != nil {
				continue
			}
			res, err := client.Do(req)
			if err != nil {
				log.WithError(err).WithField("url", u).Debug("connectivity probe failed")
				continue
			}
			res.Body.Close()
			if res.StatusCode < 500 {
				return nil
			}
		}
		return errors.New("provision: no connectivity probe succeeded")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second*3), uint64(p.probeRetries)), ctx)
	return backoff.RetryNotify(attempt, policy, func(err error, d time.Duration) {
		log.WithField("retry_in", d).Warn("waiting for internet connectivity")
	})
}

// checkDNS resolves a single well-known host as a sanity check. Failure is
// logged but never blocks provisioning: the mesh client can reach its control
// server through IP literals even on networks with broken resolvers.
func (p *Provisioner) checkDNS(ctx context.Context) {
	if p.dnsProbeHost == "" {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	if _, err := net.DefaultResolver.LookupHost(rctx, p.dnsProbeHost); err != nil {
		log.WithError(err).WithField("host", p.dnsProbeHost).Warn("dns resolution is not working, continuing anyway")
		return
	}
	log.WithField("host", p.dnsProbeHost).Debug("dns sanity check passed")
}

// checkClock queries NTP once to detect gross clock skew before the first TLS
// handshake with the enrollment authority. A kiosk fresh out of the box can
// have a dead RTC battery; certificate validation fails confusingly in that
// case, so at least leave a pointer in the log. Non-fatal.
func (p *Provisioner) checkClock(ctx context.Context) {
	if p.ntpServer == "" {
		return
	}
	res, err := ntp.Query(p.ntpServer)
	if err != nil {
		log.WithError(err).WithField("server", p.ntpServer).Debug("ntp query failed, skipping clock sanity check")
		return
	}
	offset := res.ClockOffset
	if offset < 0 {
		offset = -offset
	}
	if offset > p.maxClockSkew {
		log.WithFields(log.Fields{
			"offset": res.ClockOffset,
			"server": p.ntpServer,
		}).Warn("system clock is badly skewed, TLS validation against the authority may fail")
		return
	}
	log.WithField("offset", res.ClockOffset).Debug("clock sanity check passed")
}
