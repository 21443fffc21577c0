package modules

// Status is a module's install lifecycle state. Transitions are monotonic per
// attempt: pending → installing → one of the terminal or interactive states.
// A new attempt may only be started from pending or failed.
type Status string

const (
	// StatusPending is the lazy default for a module that has never been
	// installed on this machine.
	StatusPending Status = "pending"

	// StatusInstalling means an accepted install attempt is running
	// out-of-band. At most one attempt per module is ever in flight.
	StatusInstalling Status = "installing"

	// StatusCompleted is the normal terminal success state.
	StatusCompleted Status = "completed"

	// StatusFailed carries an operator-facing cause; a retry is permitted.
	StatusFailed Status = "failed"

	// StatusRebootRequired means the installation applied but needs a reboot
	// to take effect. Post-reboot reconciliation flips it to completed once
	// the real system state has resolved.
	StatusRebootRequired Status = "reboot_required"

	// StatusSecureBootPending means a machine-owner-key enrollment is queued
	// and requires an interactive firmware step on next boot. Automation
	// cannot complete it; the message holds the exact steps and the one-time
	// password the operator must type.
	StatusSecureBootPending Status = "secure_boot_pending"
)

// ParseStatus maps a stored string onto the closed status vocabulary. Rows
// written by a newer daemon fall back to pending rather than crashing a
// consumer with an unexpected string.
func ParseStatus(v string) Status {
	switch Status(v) {
	case StatusPending, StatusInstalling, StatusCompleted, StatusFailed, StatusRebootRequired, StatusSecureBootPending:
		return Status(v)
	}
	return StatusPending
}

// Terminal reports whether the status ends an install attempt. The two
// interactive states are terminal for the attempt even though the module is
// not yet usable; only a human can move it further.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRebootRequired, StatusSecureBootPending:
		return true
	}
	return false
}

// CanStartInstall reports whether a new install attempt may begin from this
// state.
func (s Status) CanStartInstall() bool {
	return s == StatusPending || s == StatusFailed
}

// AwaitingOperator reports whether the module is parked on a human action.
func (s Status) AwaitingOperator() bool {
	return s == StatusRebootRequired || s == StatusSecureBootPending
}
