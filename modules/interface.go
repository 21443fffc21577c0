package modules

import (
	"context"
)

// Result is the outcome of a finished install attempt or a reconciliation
// probe. Status must be one of the terminal or interactive states; Message is
// shown verbatim to the operator.
type Result struct {
	Status  Status
	Message string
}

// Installer performs the actual installation work for a single module. The
// manager owns all state transitions; installers only report outcomes.
type Installer interface {
	// Name returns the unique identifier for this module.
	Name() string

	// Description returns a human-readable description of what this module
	// installs.
	Description() string

	// Install runs the installation to its attempt-terminal outcome. A
	// returned error marks the module failed with the error text as the
	// operator-facing message.
	Install(ctx context.Context) (Result, error)

	// Reconcile re-checks real system state for a module parked in an
	// interactive state, typically after a reboot. Returning the current
	// status unchanged is the common case.
	Reconcile(ctx context.Context, current Status) (Result, error)
}
