// Package provision drives the one-shot, first-boot sequence that turns a
// freshly imaged machine into an authenticated fleet member: hardware
// identity, enrollment approval, mesh membership, completion marker.
//
// The sequence is intentionally restart-from-the-top: every step is
// idempotent, so restarting the whole run after any failure is strictly as
// correct as resuming mid-sequence and far simpler to reason about.
package provision

import (
	"context"
	"os"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"

	"github.com/kioskworks/station/config"
	"github.com/kioskworks/station/identity"
	"github.com/kioskworks/station/mesh"
	"github.com/kioskworks/station/remote"
	"github.com/kioskworks/station/system"
)

// Provisioner runs the first-boot provisioning sequence. It is constructed
// once by the early-boot supervisor and runs single-threaded to completion;
// the blocked console login is the backpressure that keeps an unprovisioned
// machine out of service.
type Provisioner struct {
	client    remote.Client
	connector *mesh.Connector
	inventory func(ctx context.Context) system.HardwareInventory

	identityPath string
	markerPath   string
	hostname     string
	controlURL   string

	retryDelay   time.Duration
	probeURLs    []string
	probeRetries int
	dnsProbeHost string
	ntpServer    string
	maxClockSkew time.Duration
}

type Option func(*Provisioner)

// WithClient overrides the enrollment authority client.
func WithClient(c remote.Client) Option {
	return func(p *Provisioner) { p.client = c }
}

// WithConnector overrides the mesh connector.
func WithConnector(c *mesh.Connector) Option {
	return func(p *Provisioner) { p.connector = c }
}

// WithInventory overrides the hardware inventory source.
func WithInventory(fn func(ctx context.Context) system.HardwareInventory) Option {
	return func(p *Provisioner) { p.inventory = fn }
}

// WithRetryDelay overrides the delay between whole-sequence restarts.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Provisioner) { p.retryDelay = d }
}

// New builds a provisioner from the global configuration. Options exist so
// tests can swap the authority client, mesh connector, and inventory source
// for fakes.
func New(cfg *config.Configuration, opts ...Option) *Provisioner {
	hostname := cfg.Mesh.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	p := &Provisioner{
		client: remote.New(
			cfg.Remote.Location,
			remote.WithCustomHeaders(cfg.Remote.CustomHeaders),
			remote.WithPollInterval(time.Duration(cfg.Remote.PollInterval)*time.Second),
		),
		connector:    mesh.NewConnector(mesh.NewRunner(cfg.Mesh.ClientBinary), cfg.Mesh.ControlURL, cfg.Mesh.Tag),
		inventory:    system.CollectInventory,
		identityPath: cfg.System.GetIdentityPath(),
		markerPath:   cfg.System.GetProvisionMarkerPath(),
		hostname:     hostname,
		controlURL:   cfg.Mesh.ControlURL,
		retryDelay:   time.Duration(cfg.Provision.RetryDelay) * time.Second,
		probeURLs:    cfg.Provision.ProbeURLs,
		probeRetries: cfg.Provision.ProbeRetries,
		dnsProbeHost: cfg.Provision.DNSProbeHost,
		ntpServer:    cfg.Provision.NTPServer,
		maxClockSkew: time.Duration(cfg.Provision.MaxClockSkew) * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provisioned reports whether this machine has already completed first-boot
// provisioning.
func (p *Provisioner) Provisioned() bool {
	_, err := os.Stat(p.markerPath)
	return err == nil
}

// Run drives the provisioning sequence to completion, restarting the whole
// sequence after the configured delay whenever a step fails. Only two
// conditions end the loop early: an authority rejection, which requires an
// operator to intervene, and an identity mismatch, which is a fleet policy
// decision the daemon refuses to make on its own.
func (p *Provisioner) Run(ctx context.Context) error {
	for {
		err := p.attempt(ctx)
		if err == nil {
			return nil
		}

		var rejection *remote.RejectionError
		if errors.As(err, &rejection) {
			log.WithField("reason", rejection.Reason).Error("enrollment terminally rejected, stopping automatic provisioning")
			return err
		}
		if errors.Is(err, identity.ErrFingerprintMismatch) {
			log.Error("hardware no longer matches the stored identity, refusing to proceed; remove the identity file to re-enroll this chassis")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.WithError(err).WithField("retry_in", p.retryDelay).Warn("provisioning attempt failed, restarting the sequence")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retryDelay):
		}
	}
}

// attempt executes one pass of the full sequence.
func (p *Provisioner) attempt(ctx context.Context) error {
	if p.Provisioned() {
		log.Debug("provisioning marker already present, nothing to do")
		return nil
	}

	// Machines cloned from a golden image can carry a valid mesh session
	// without a local marker. If live status already shows us on the expected
	// control server, adopt it rather than bothering the authority again.
	if status, err := p.connector.Status(ctx); err == nil && status.Connected(p.controlURL) {
		log.WithField("hostname", status.Self.HostName).Info("live mesh session already present, adopting it and marking provisioned")
		return p.writeMarker()
	}

	if err := p.checkInternet(ctx); err != nil {
		return err
	}
	p.checkDNS(ctx)
	p.checkClock(ctx)

	inv := p.inventory(ctx)
	id, err := identity.LoadOrCreate(p.identityPath, inv, p.hostname)
	if err != nil {
		return err
	}

	record, err := p.client.AwaitDecision(ctx, remote.EnrollmentRequest{
		HardwareID:    id.HardwareID,
		Hostname:      p.hostname,
		MainboardUUID: inv.MainboardUUID,
		MACAddresses:  inv.MACAddresses,
	})
	if err != nil {
		return err
	}

	if err := p.connector.EnsureConnected(ctx, record.AuthKey, p.hostname); err != nil {
		return err
	}

	return p.writeMarker()
}

func (p *Provisioner) writeMarker() error {
	if err := os.WriteFile(p.markerPath, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o600); err != nil {
		return errors.WithMessage(err, "provision: failed to write completion marker")
	}
	log.WithField("path", p.markerPath).Info("provisioning complete")
	return nil
}
