package remote

import (
	"context"
	"time"

	"github.com/apex/log"
)

// Enroll submits the machine identity to the authority. The server treats a
// re-submission of a known hardware id as a lookup, so calling this from a
// restarted provisioning run never creates a duplicate pending record.
func (c *client) Enroll(ctx context.Context, req EnrollmentRequest) (EnrollmentRecord, error) {
	var record EnrollmentRecord
	if err := c.request(ctx, "POST", "/enroll", req, &record); err != nil {
		return EnrollmentRecord{}, err
	}
	return record, nil
}

// GetEnrollmentStatus fetches the current decision for a hardware id.
func (c *client) GetEnrollmentStatus(ctx context.Context, hardwareID string) (EnrollmentRecord, error) {
	var record EnrollmentRecord
	if err := c.request(ctx, "GET", "/enroll/"+hardwareID+"/status", nil, &record); err != nil {
		return EnrollmentRecord{}, err
	}
	return record, nil
}

// AwaitDecision drives an enrollment request to a terminal decision. The
// request is submitted once, then the status endpoint is polled on a fixed
// interval for as long as the authority reports pending. An expired record
// means the credential window lapsed before it was consumed, so the request
// is resubmitted from scratch rather than polled further.
//
// Transient poll failures are logged and retried on the same interval; only
// a canceled context or a terminal decision ends the loop.
func (c *client) AwaitDecision(ctx context.Context, req EnrollmentRequest) (EnrollmentRecord, error) {
	record, err := c.Enroll(ctx, req)
	if err != nil {
		return EnrollmentRecord{}, err
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		switch record.Status {
		case StatusApproved:
			log.WithField("hardware_id", record.HardwareID).Info("enrollment approved by authority")
			return record, nil
		case StatusRejected:
			return record, &RejectionError{Reason: record.Reason}
		case StatusExpired:
			log.WithField("hardware_id", req.HardwareID).Warn("enrollment credential window expired before it was consumed, resubmitting")
			if r, err := c.Enroll(ctx, req); err != nil {
				log.WithError(err).Warn("failed to resubmit expired enrollment, will retry on next interval")
			} else {
				record = r
				continue
			}
		case StatusPending:
			log.WithField("hardware_id", req.HardwareID).Debug("enrollment still pending approval")
		default:
			log.WithField("status", record.Status).Warn("authority reported an unrecognized enrollment status, continuing to poll")
		}

		select {
		case <-ctx.Done():
			return record, ctx.Err()
		case <-ticker.C:
		}

		if r, err := c.GetEnrollmentStatus(ctx, req.HardwareID); err != nil {
			// A flaky link must not abort the wait; the machine has no
			// fallback other than to keep asking.
			log.WithError(err).Warn("failed to poll enrollment status, retrying on next interval")
		} else {
			record = r
		}
	}
}
