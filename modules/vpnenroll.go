package modules

import (
	"context"
	"os"

	"emperror.dev/errors"

	"github.com/kioskworks/station/config"
	"github.com/kioskworks/station/mesh"
)

const VPNEnrollModule = "vpn-enroll"

// VPNEnroll enrolls the kiosk's VPN profile on the mesh. First-boot
// provisioning already joins the machine to the mesh; this module exists for
// fleets where the kiosk role needs its own tagged session, and as the
// operator-facing repair action when a session was revoked after imaging.
type VPNEnroll struct {
	connector *mesh.Connector
	hostname  string

	// authKey resolves the pre-authorized key, supporting env and file://
	// indirection so the secret never sits in the configuration file itself.
	authKey func() (string, error)
}

// NewVPNEnroll builds the vpn-enroll installer from configuration.
func NewVPNEnroll(cfg *config.Configuration) *VPNEnroll {
	hostname := cfg.Mesh.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	key := cfg.Modules.VPNEnroll.AuthKey
	return &VPNEnroll{
		connector: mesh.NewConnector(mesh.NewRunner(cfg.Mesh.ClientBinary), cfg.Mesh.ControlURL, cfg.Mesh.Tag),
		hostname:  hostname,
		authKey: func() (string, error) {
			return config.Expand(key)
		},
	}
}

func (v *VPNEnroll) Name() string { return VPNEnrollModule }

func (v *VPNEnroll) Description() string {
	return "Enrolls this kiosk's VPN profile on the mesh network."
}

// Install ensures the kiosk holds a live, correctly named mesh session. The
// underlying connector is idempotent, so a healthy session completes without
// side effects and a missing one triggers a fresh login with the
// pre-authorized key.
func (v *VPNEnroll) Install(ctx context.Context) (Result, error) {
	key, err := v.authKey()
	if err != nil {
		return Result{}, errors.WithMessage(err, "failed to resolve the VPN auth key")
	}
	if err := v.connector.EnsureConnected(ctx, key, v.hostname); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusCompleted, Message: "VPN enrollment verified"}, nil
}

// Reconcile only confirms a live session; it never initiates a login, that
// is the operator's explicit install action.
func (v *VPNEnroll) Reconcile(ctx context.Context, current Status) (Result, error) {
	status, err := v.connector.Status(ctx)
	if err != nil {
		return Result{Status: current}, err
	}
	if status.Self.Online && status.NameMatches(v.hostname) {
		return Result{Status: StatusCompleted, Message: "VPN enrollment verified"}, nil
	}
	return Result{Status: current}, nil
}
