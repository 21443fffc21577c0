package modules

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kioskworks/station/internal/database"
	"github.com/kioskworks/station/internal/models"
)

// newTestDatabase points the package store at a throwaway in-memory database.
// A named shared-cache DSN is required so every pooled connection sees the
// same database.
func newTestDatabase(t *testing.T) {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&models.ModuleInstallState{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	database.SetInstance(db)
}

type fakeInstaller struct {
	name      string
	install   func(ctx context.Context) (Result, error)
	reconcile func(ctx context.Context, current Status) (Result, error)
}

func (f *fakeInstaller) Name() string        { return f.name }
func (f *fakeInstaller) Description() string { return "test module" }

func (f *fakeInstaller) Install(ctx context.Context) (Result, error) {
	if f.install == nil {
		return Result{Status: StatusCompleted}, nil
	}
	return f.install(ctx)
}

func (f *fakeInstaller) Reconcile(ctx context.Context, current Status) (Result, error) {
	if f.reconcile == nil {
		return Result{Status: current}, nil
	}
	return f.reconcile(ctx, current)
}

// waitForStatus polls until the module reaches the wanted status or the
// deadline passes.
func waitForStatus(t *testing.T, m *Manager, name string, want Status) State {
	t.Helper()
	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		state, err := m.Status(name)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if state.Status == want {
			return state
		}
		time.Sleep(time.Millisecond * 10)
	}
	state, _ := m.Status(name)
	t.Fatalf("module %s never reached %s, stuck at %s", name, want, state.Status)
	return State{}
}

func TestStartInstallUnknownModule(t *testing.T) {
	newTestDatabase(t)
	m := NewManager()
	defer m.Shutdown()

	if err := m.StartInstall("nope"); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
}

func TestStartInstallRunsToCompletion(t *testing.T) {
	newTestDatabase(t)
	m := NewManager()
	defer m.Shutdown()

	_ = m.Register(&fakeInstaller{name: "demo", install: func(ctx context.Context) (Result, error) {
		return Result{Status: StatusCompleted, Message: "done"}, nil
	}})

	if err := m.StartInstall("demo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state := waitForStatus(t, m, "demo", StatusCompleted)
	if state.Message != "done" {
		t.Errorf("expected the installer message to be persisted, got %q", state.Message)
	}

	if err := m.StartInstall("demo"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("a completed module must refuse reinstallation, got %v", err)
	}
}

func TestConcurrentStartInstallAcceptsExactlyOne(t *testing.T) {
	newTestDatabase(t)
	m := NewManager()
	defer m.Shutdown()

	release := make(chan struct{})
	_ = m.Register(&fakeInstaller{name: "demo", install: func(ctx context.Context) (Result, error) {
		<-release
		return Result{Status: StatusCompleted}, nil
	}})

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.StartInstall("demo")
		}()
	}
	wg.Wait()
	close(results)

	var accepted, rejected int
	for err := range results {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrInstallInProgress):
			rejected++
		default:
			t.Errorf("unexpected error from concurrent StartInstall: %v", err)
		}
	}
	if accepted != 1 {
		t.Errorf("expected exactly one accepted install, got %d", accepted)
	}
	if rejected != workers-1 {
		t.Errorf("expected %d rejections, got %d", workers-1, rejected)
	}

	close(release)
	waitForStatus(t, m, "demo", StatusCompleted)
}

func TestInstallFailureCarriesMessage(t *testing.T) {
	newTestDatabase(t)
	m := NewManager()
	defer m.Shutdown()

	_ = m.Register(&fakeInstaller{name: "demo", install: func(ctx context.Context) (Result, error) {
		return Result{}, errors.New("package download failed")
	}})

	_ = m.StartInstall("demo")
	state := waitForStatus(t, m, "demo", StatusFailed)
	if state.Message != "package download failed" {
		t.Errorf("expected the failure cause as the message, got %q", state.Message)
	}

	// A failed module may be retried directly.
	if err := m.StartInstall("demo"); err != nil {
		t.Fatalf("a failed module must allow a retry, got %v", err)
	}
	waitForStatus(t, m, "demo", StatusFailed)
}

func TestInstallerPanicMarksFailed(t *testing.T) {
	newTestDatabase(t)
	m := NewManager()
	defer m.Shutdown()

	_ = m.Register(&fakeInstaller{name: "demo", install: func(ctx context.Context) (Result, error) {
		panic("boom")
	}})

	_ = m.StartInstall("demo")
	waitForStatus(t, m, "demo", StatusFailed)
}

func TestStartInstallRefusedWhileAwaitingOperator(t *testing.T) {
	newTestDatabase(t)
	m := NewManager()
	defer m.Shutdown()

	_ = m.Register(&fakeInstaller{name: "demo", install: func(ctx context.Context) (Result, error) {
		return Result{Status: StatusRebootRequired, Message: "reboot me"}, nil
	}})

	_ = m.StartInstall("demo")
	waitForStatus(t, m, "demo", StatusRebootRequired)

	if err := m.StartInstall("demo"); !errors.Is(err, ErrAwaitingOperator) {
		t.Fatalf("expected ErrAwaitingOperator, got %v", err)
	}
}

func TestReconcileRecoversInterruptedInstall(t *testing.T) {
	newTestDatabase(t)
	m := NewManager()
	defer m.Shutdown()

	_ = m.Register(&fakeInstaller{name: "demo"})

	// Simulate a daemon crash: a row stuck at installing with no live worker.
	row := models.ModuleInstallState{Name: "demo", Status: string(StatusInstalling), AttemptID: "dead-attempt"}
	if err := database.Instance().Create(&row).Error; err != nil {
		t.Fatalf("failed to seed row: %v", err)
	}

	m.Reconcile(context.Background())

	state, err := m.Status("demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != StatusFailed {
		t.Errorf("an orphaned install must be flipped to failed, got %s", state.Status)
	}
	if state.Message == "" {
		t.Errorf("expected an operator-facing explanation for the failure")
	}
}

func TestReconcileResolvesOperatorStates(t *testing.T) {
	newTestDatabase(t)
	m := NewManager()
	defer m.Shutdown()

	_ = m.Register(&fakeInstaller{name: "demo", reconcile: func(ctx context.Context, current Status) (Result, error) {
		return Result{Status: StatusCompleted, Message: "module loaded after reboot"}, nil
	}})

	row := models.ModuleInstallState{Name: "demo", Status: string(StatusRebootRequired)}
	if err := database.Instance().Create(&row).Error; err != nil {
		t.Fatalf("failed to seed row: %v", err)
	}

	m.Reconcile(context.Background())

	state, _ := m.Status("demo")
	if state.Status != StatusCompleted {
		t.Errorf("expected reconciliation to resolve the reboot, got %s", state.Status)
	}
}

func TestResetReturnsModuleToPending(t *testing.T) {
	newTestDatabase(t)
	m := NewManager()
	defer m.Shutdown()

	_ = m.Register(&fakeInstaller{name: "demo"})
	_ = m.StartInstall("demo")
	waitForStatus(t, m, "demo", StatusCompleted)

	if err := m.Reset("demo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, _ := m.Status("demo")
	if state.Status != StatusPending {
		t.Errorf("expected pending after reset, got %s", state.Status)
	}
	if err := m.StartInstall("demo"); err != nil {
		t.Fatalf("a reset module must be installable again, got %v", err)
	}
	waitForStatus(t, m, "demo", StatusCompleted)
}

func TestProgressAggregation(t *testing.T) {
	newTestDatabase(t)
	m := NewManager()
	defer m.Shutdown()

	_ = m.Register(&fakeInstaller{name: "a"})
	_ = m.Register(&fakeInstaller{name: "b"})

	p := m.Progress()
	if p.TotalCount != 2 || p.CompletedCount != 0 || p.AllComplete {
		t.Fatalf("unexpected initial progress: %+v", p)
	}

	_ = m.StartInstall("a")
	waitForStatus(t, m, "a", StatusCompleted)
	p = m.Progress()
	if p.CompletedCount != 1 || p.AllComplete {
		t.Fatalf("unexpected progress after one install: %+v", p)
	}

	_ = m.StartInstall("b")
	waitForStatus(t, m, "b", StatusCompleted)
	p = m.Progress()
	if !p.AllComplete {
		t.Fatalf("expected all complete, got %+v", p)
	}
}
