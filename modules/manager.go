package modules

import (
	"context"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gammazero/workerpool"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kioskworks/station/internal/database"
	"github.com/kioskworks/station/internal/models"
	"github.com/kioskworks/station/system"
)

var (
	// ErrUnknownModule is returned for a module name no installer was
	// registered under.
	ErrUnknownModule = errors.Sentinel("modules: unknown module")

	// ErrInstallInProgress is returned when an install attempt is already in
	// flight for the module.
	ErrInstallInProgress = errors.Sentinel("modules: an install is already in progress for this module")

	// ErrAlreadyCompleted is returned when the module is installed; installs
	// are not re-entrant, an explicit reset is a separate action.
	ErrAlreadyCompleted = errors.Sentinel("modules: module is already installed")

	// ErrAwaitingOperator is returned when the module is parked on a reboot
	// or firmware step that must happen before anything else can.
	ErrAwaitingOperator = errors.Sentinel("modules: module is waiting on an operator action")
)

// State is a module's current lifecycle state as consumed by the API and the
// panel pollers.
type State struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetupProgress is the aggregate install progress across all registered
// modules, computed on demand and never persisted.
type SetupProgress struct {
	CompletedCount int  `json:"completed_count"`
	TotalCount     int  `json:"total_count"`
	AllComplete    bool `json:"all_complete"`
}

// Manager tracks the install lifecycle of every registered module. It is the
// single writer for module status rows; the installing transition is made
// atomically under the manager lock so concurrent install requests race
// safely to exactly one accepted attempt.
type Manager struct {
	mu         sync.Mutex
	installers map[string]Installer
	inflight   map[string]string
	pool       *workerpool.WorkerPool
	scheduler  gocron.Scheduler
	// Guards against overlapping sweeps when a reconciliation probe takes
	// longer than the scheduler interval.
	reconciling *system.AtomicBool
}

// NewManager creates a module manager. Install work runs on a small worker
// pool; different modules install independently and concurrently.
func NewManager() *Manager {
	return &Manager{
		installers:  make(map[string]Installer),
		inflight:    make(map[string]string),
		pool:        workerpool.New(4),
		reconciling: system.NewAtomicBool(false),
	}
}

// Register registers an installer with the manager.
func (m *Manager) Register(installer Installer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := installer.Name()
	if _, exists := m.installers[name]; exists {
		return errors.Errorf("modules: installer %s is already registered", name)
	}
	m.installers[name] = installer
	log.WithField("module", name).Info("module installer registered")
	return nil
}

// Get retrieves an installer by module name.
func (m *Manager) Get(name string) (Installer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	installer, exists := m.installers[name]
	return installer, exists
}

// List returns all registered installers.
func (m *Manager) List() []Installer {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Installer, 0, len(m.installers))
	for _, installer := range m.installers {
		result = append(result, installer)
	}
	return result
}

// StartInstall accepts or rejects an install request for the named module.
// The check of the current status and the transition to installing happen
// under one lock, so of N concurrent requests exactly one is accepted. The
// accepted request returns immediately; the work itself runs out-of-band and
// callers observe it through Status.
func (m *Manager) StartInstall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	installer, exists := m.installers[name]
	if !exists {
		return ErrUnknownModule
	}

	state := m.loadState(name)
	if !state.Status.CanStartInstall() {
		switch {
		case state.Status == StatusInstalling:
			return ErrInstallInProgress
		case state.Status == StatusCompleted:
			return ErrAlreadyCompleted
		default:
			return ErrAwaitingOperator
		}
	}

	attemptID := uuid.New().String()
	if err := m.persist(name, StatusInstalling, "", attemptID); err != nil {
		return err
	}
	m.inflight[name] = attemptID

	m.pool.Submit(func() {
		m.execute(installer, attemptID)
	})
	log.WithFields(log.Fields{"module": name, "attempt": attemptID}).Info("accepted install request")
	return nil
}

// execute runs a single accepted install attempt to its terminal state.
// Installer panics and errors both land in the failed state; nothing an
// installer does may take the daemon down.
func (m *Manager) execute(installer Installer, attemptID string) {
	name := installer.Name()
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"module": name, "panic": r}).Error("module installer panicked")
			m.finish(name, attemptID, Result{Status: StatusFailed, Message: "installer crashed unexpectedly, check the daemon log"})
		}
	}()

	log.WithField("module", name).Info("beginning installation process for module")
	result, err := installer.Install(context.Background())
	if err != nil {
		log.WithField("module", name).WithError(err).Warn("module installation failed")
		m.finish(name, attemptID, Result{Status: StatusFailed, Message: err.Error()})
		return
	}
	if !result.Status.Terminal() {
		log.WithFields(log.Fields{"module": name, "status": result.Status}).Error("installer returned a non-terminal status")
		m.finish(name, attemptID, Result{Status: StatusFailed, Message: "installer returned an invalid outcome"})
		return
	}
	log.WithFields(log.Fields{"module": name, "status": result.Status}).Info("module installation finished")
	m.finish(name, attemptID, result)
}

// finish records an attempt outcome, unless a newer attempt has superseded
// this one in the meantime.
func (m *Manager) finish(name, attemptID string, result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.inflight[name]; !ok || current != attemptID {
		log.WithFields(log.Fields{"module": name, "attempt": attemptID}).Warn("discarding outcome of superseded install attempt")
		return
	}
	delete(m.inflight, name)

	if err := m.persist(name, result.Status, result.Message, attemptID); err != nil {
		log.WithField("module", name).WithError(err).Error("failed to persist module install outcome")
	}
}

// Status returns the current lifecycle state of the named module.
func (m *Manager) Status(name string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.installers[name]; !exists {
		return State{}, ErrUnknownModule
	}
	return m.loadState(name), nil
}

// States returns the state of every registered module.
func (m *Manager) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]State, 0, len(m.installers))
	for name := range m.installers {
		states = append(states, m.loadState(name))
	}
	return states
}

// Progress computes the aggregate setup progress across all modules.
func (m *Manager) Progress() SetupProgress {
	m.mu.Lock()
	defer m.mu.Unlock()

	progress := SetupProgress{TotalCount: len(m.installers)}
	for name := range m.installers {
		if m.loadState(name).Status == StatusCompleted {
			progress.CompletedCount++
		}
	}
	progress.AllComplete = progress.TotalCount > 0 && progress.CompletedCount == progress.TotalCount
	return progress
}

// Reset returns a module to pending so it can be installed again. This is the
// explicit administrative action referenced by the install contract; it is
// refused while an attempt is in flight.
func (m *Manager) Reset(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.installers[name]; !exists {
		return ErrUnknownModule
	}
	if m.loadState(name).Status == StatusInstalling {
		return ErrInstallInProgress
	}
	delete(m.inflight, name)
	return m.persist(name, StatusPending, "", "")
}

// Reconcile re-checks real system state for every module. Two things happen
// here: rows stuck at installing with no live worker (the daemon restarted
// mid-install) are flipped to failed so the operator can retry, and modules
// parked on a reboot or firmware step are probed to see whether the human
// action has since happened.
func (m *Manager) Reconcile(ctx context.Context) {
	if !m.reconciling.SwapIf(true) {
		log.Debug("a reconciliation sweep is already running, skipping")
		return
	}
	defer m.reconciling.Store(false)

	m.mu.Lock()
	pending := make(map[string]State)
	for name := range m.installers {
		state := m.loadState(name)
		if state.Status == StatusInstalling {
			if _, live := m.inflight[name]; !live {
				log.WithField("module", name).Warn("found interrupted install attempt, marking failed for retry")
				if err := m.persist(name, StatusFailed, "the daemon restarted while this module was installing, try again", ""); err != nil {
					log.WithField("module", name).WithError(err).Error("failed to persist interrupted install state")
				}
			}
			continue
		}
		if state.Status.AwaitingOperator() {
			pending[name] = state
		}
	}
	m.mu.Unlock()

	// Probing runs outside the lock; installers may shell out and take their
	// time. The manager lock is re-taken per outcome.
	for name, state := range pending {
		installer, _ := m.Get(name)
		if installer == nil {
			continue
		}
		result, err := installer.Reconcile(ctx, state.Status)
		if err != nil {
			log.WithField("module", name).WithError(err).Warn("module reconciliation probe failed")
			continue
		}
		if result.Status == state.Status {
			continue
		}
		log.WithFields(log.Fields{
			"module": name,
			"from":   state.Status,
			"to":     result.Status,
		}).Info("module state resolved by reconciliation")

		m.mu.Lock()
		if err := m.persist(name, result.Status, result.Message, ""); err != nil {
			log.WithField("module", name).WithError(err).Error("failed to persist reconciled module state")
		}
		m.mu.Unlock()
	}
}

// StartReconciler schedules periodic reconciliation sweeps. The first sweep
// runs immediately to recover interrupted installs from before a restart.
func (m *Manager) StartReconciler(ctx context.Context, interval time.Duration) error {
	m.Reconcile(ctx)

	s, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "modules: failed to create reconciliation scheduler")
	}
	if _, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { m.Reconcile(ctx) }),
	); err != nil {
		return errors.Wrap(err, "modules: failed to schedule reconciliation job")
	}
	s.Start()
	m.scheduler = s
	return nil
}

// Shutdown stops the reconciler and waits for in-flight install workers.
func (m *Manager) Shutdown() {
	if m.scheduler != nil {
		_ = m.scheduler.Shutdown()
	}
	m.pool.StopWait()
}

// loadState reads a module's row, defaulting to pending when none exists.
// Callers must hold the manager lock.
func (m *Manager) loadState(name string) State {
	var row models.ModuleInstallState
	err := database.Instance().Where("name = ?", name).First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.WithField("module", name).WithError(err).Error("failed to read module state row")
		}
		return State{Name: name, Status: StatusPending}
	}
	return State{
		Name:      row.Name,
		Status:    ParseStatus(row.Status),
		Message:   row.Message,
		UpdatedAt: row.UpdatedAt,
	}
}

// persist upserts a module's row. Callers must hold the manager lock.
func (m *Manager) persist(name string, status Status, message, attemptID string) error {
	var row models.ModuleInstallState
	err := database.Instance().Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.ModuleInstallState{
			Name:      name,
			Status:    string(status),
			Message:   message,
			AttemptID: attemptID,
		}
		return errors.Wrap(database.Instance().Create(&row).Error, "modules: failed to create module state row")
	} else if err != nil {
		return errors.Wrap(err, "modules: failed to query module state row")
	}

	row.Status = string(status)
	row.Message = message
	row.AttemptID = attemptID
	return errors.Wrap(database.Instance().Save(&row).Error, "modules: failed to update module state row")
}
