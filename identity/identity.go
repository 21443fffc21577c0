package identity

import (
	"os"
	"path/filepath"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/goccy/go-json"

	"github.com/kioskworks/station/system"
)

// ErrFingerprintMismatch is returned when a previously stored identity does
// not match the fingerprint computed from the current hardware. This usually
// means chassis components were swapped after provisioning; it is never
// resolved automatically since either re-enrolling under a new identity or
// keeping the old one is a fleet policy decision.
var ErrFingerprintMismatch = errors.Sentinel("identity: stored hardware id does not match computed fingerprint")

// DeviceIdentity is the durable identity of a physical kiosk machine. It is
// written exactly once per chassis and treated as immutable afterwards.
type DeviceIdentity struct {
	HardwareID string `json:"hardware_id"`

	// RawComponents is the labeled component string the hardware id was
	// derived from, kept for mismatch diagnostics.
	RawComponents string `json:"raw_components"`

	// KioskID is the operator-chosen hostname token for this machine.
	KioskID string `json:"kiosk_id"`

	// ShortID and LegacyID are compatibility digests, see Fingerprint.
	ShortID  string `json:"short_id"`
	LegacyID string `json:"legacy_id"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Load reads a previously persisted identity from path. A missing file is
// reported as os.ErrNotExist for the caller to branch on.
func Load(path string) (DeviceIdentity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return DeviceIdentity{}, err
	}
	var id DeviceIdentity
	if err := json.Unmarshal(b, &id); err != nil {
		return DeviceIdentity{}, errors.WithMessage(err, "identity: failed to parse stored identity file")
	}
	return id, nil
}

// LoadOrCreate returns the stored identity for this machine, generating and
// persisting one from the provided inventory on first run.
//
// When an identity already exists its hardware id is compared against the
// freshly computed fingerprint; a divergence returns ErrFingerprintMismatch
// together with the stored identity. The stored file is never silently
// overwritten.
func LoadOrCreate(path string, inv system.HardwareInventory, kioskID string) (DeviceIdentity, error) {
	fp := Generate(inv)

	stored, err := Load(path)
	if err == nil {
		if stored.HardwareID != fp.HardwareID {
			log.WithFields(log.Fields{
				"stored":   stored.HardwareID,
				"computed": fp.HardwareID,
			}).Error("stored identity diverges from computed hardware fingerprint")
			return stored, ErrFingerprintMismatch
		}
		return stored, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return DeviceIdentity{}, err
	}

	id := DeviceIdentity{
		HardwareID:    fp.HardwareID,
		RawComponents: fp.Components,
		KioskID:       kioskID,
		ShortID:       fp.Short,
		LegacyID:      fp.MD5,
		GeneratedAt:   time.Now().UTC(),
	}
	if err := save(path, id); err != nil {
		return DeviceIdentity{}, err
	}
	log.WithField("hardware_id", id.HardwareID).Info("generated new hardware identity for this machine")
	return id, nil
}

func save(path string, id DeviceIdentity) error {
	b, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return errors.WithMessage(err, "identity: failed to encode identity")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.WithMessage(err, "identity: failed to create identity directory")
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return errors.WithMessage(err, "identity: failed to write identity file")
	}
	return nil
}
