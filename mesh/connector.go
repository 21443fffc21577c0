package mesh

import (
	"context"

	"emperror.dev/errors"
	"github.com/apex/log"
)

// Connector ensures this machine is an authenticated member of the mesh
// network under the requested device name. All decisions are made against the
// client's live status, never against cached state, so a repaired or cloned
// machine converges without side effects.
type Connector struct {
	runner     Runner
	controlURL string
	tag        string
}

// NewConnector returns a connector for the given control server. The tag is
// applied on full connects for control-server ACL scoping.
func NewConnector(runner Runner, controlURL, tag string) *Connector {
	return &Connector{
		runner:     runner,
		controlURL: controlURL,
		tag:        tag,
	}
}

// Status fetches the live state of the mesh client.
func (c *Connector) Status(ctx context.Context) (Status, error) {
	out, err := c.runner.Run(ctx, "status", "--json")
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(out)
}

// EnsureConnected makes the machine a member of the mesh under hostname,
// using authKey if a new login is required.
//
// Ordering matters here: an already-correct connection must produce zero
// mutating calls, and a correct connection under the wrong name is renamed in
// place rather than torn down, since a full reconnect invalidates the
// device's mesh IP and any routes the control server attached to it.
func (c *Connector) EnsureConnected(ctx context.Context, authKey, hostname string) error {
	status, err := c.Status(ctx)
	if err != nil {
		// A missing or stopped client daemon also surfaces here; fall
		// through to a full connect which starts a fresh session.
		log.WithError(err).Warn("could not read mesh client status, attempting a full connect")
		return c.connect(ctx, authKey, hostname)
	}

	if status.Connected(c.controlURL) {
		if status.NameMatches(hostname) {
			log.WithFields(log.Fields{
				"hostname": hostname,
				"control":  c.controlURL,
			}).Info("already connected to mesh under the expected name, nothing to do")
			return nil
		}
		return c.rename(ctx, hostname)
	}

	return c.connect(ctx, authKey, hostname)
}

// rename changes the device name on the existing session without touching
// login state.
func (c *Connector) rename(ctx context.Context, hostname string) error {
	log.WithField("hostname", hostname).Info("connected to the expected control server under a different name, renaming in place")
	if _, err := c.runner.Run(ctx, "set", "--hostname="+hostname); err != nil {
		return err
	}
	return c.verify(ctx, hostname)
}

// connect performs a full (re)connect. Any prior session state is explicitly
// replaced and remote-advertised routes are refused; the kiosk only ever
// needs to reach the control plane, not the rest of the fleet's subnets.
func (c *Connector) connect(ctx context.Context, authKey, hostname string) error {
	if authKey == "" {
		return errors.New("mesh: a full connect is required but no auth key is available")
	}

	args := []string{
		"up",
		"--login-server=" + c.controlURL,
		"--auth-key=" + authKey,
		"--hostname=" + hostname,
		"--reset",
		"--accept-routes=false",
	}
	if c.tag != "" {
		args = append(args, "--advertise-tags="+c.tag)
	}

	log.WithFields(log.Fields{
		"hostname": hostname,
		"control":  c.controlURL,
	}).Info("connecting to mesh control server")
	if _, err := c.runner.Run(ctx, args...); err != nil {
		return err
	}
	return c.verify(ctx, hostname)
}

// verify re-reads live status after a mutating action; the step is only
// complete once the client actually reports a running session under the
// expected name.
func (c *Connector) verify(ctx context.Context, hostname string) error {
	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if !status.Connected(c.controlURL) {
		return errors.Errorf("mesh: client reports backend state %q after connect", status.BackendState)
	}
	if !status.NameMatches(hostname) {
		return errors.Errorf("mesh: device registered as %q, expected %q", status.Self.HostName, hostname)
	}
	log.WithField("hostname", status.Self.HostName).Info("mesh connection verified")
	return nil
}
