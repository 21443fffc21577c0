package remote

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EnrollmentStatus is the decision state of a machine's enrollment request as
// reported by the authority. Unexpected values decode to StatusUnknown so a
// newer server vocabulary never crashes an older daemon.
type EnrollmentStatus string

const (
	StatusPending  EnrollmentStatus = "pending"
	StatusApproved EnrollmentStatus = "approved"
	StatusRejected EnrollmentStatus = "rejected"
	StatusExpired  EnrollmentStatus = "expired"
	StatusUnknown  EnrollmentStatus = "unknown"
)

func (s *EnrollmentStatus) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch EnrollmentStatus(v) {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
		*s = EnrollmentStatus(v)
	default:
		*s = StatusUnknown
	}
	return nil
}

// EnrollmentRequest is the payload submitted to the authority when asking for
// this machine to be admitted to the fleet.
type EnrollmentRequest struct {
	HardwareID    string   `json:"hardware_id"`
	Hostname      string   `json:"hostname"`
	MainboardUUID string   `json:"mainboard_uuid"`
	MACAddresses  []string `json:"mac_addresses"`
}

// EnrollmentRecord is the authority's view of an enrollment request. AuthKey
// is only present once the request has been approved and is held in memory
// just long enough for the mesh connector to consume it.
type EnrollmentRecord struct {
	HardwareID string           `json:"hardware_id"`
	Status     EnrollmentStatus `json:"status"`
	AuthKey    string           `json:"auth_key,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// RejectionError is returned when the authority terminally rejects an
// enrollment request. The reason is operator-facing and must be surfaced
// verbatim; the daemon never retries the identical request on its own.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("remote: enrollment rejected by authority: %s", e.Reason)
}
