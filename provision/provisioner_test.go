package provision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"emperror.dev/errors"

	"github.com/kioskworks/station/config"
	"github.com/kioskworks/station/identity"
	"github.com/kioskworks/station/mesh"
	"github.com/kioskworks/station/remote"
	"github.com/kioskworks/station/system"
)

type fakeClient struct {
	mu     sync.Mutex
	calls  int
	decide func(req remote.EnrollmentRequest) (remote.EnrollmentRecord, error)
}

func (f *fakeClient) AwaitDecision(_ context.Context, req remote.EnrollmentRequest) (remote.EnrollmentRecord, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.decide(req)
}

func (f *fakeClient) Enroll(ctx context.Context, req remote.EnrollmentRequest) (remote.EnrollmentRecord, error) {
	return f.AwaitDecision(ctx, req)
}

func (f *fakeClient) GetEnrollmentStatus(_ context.Context, hardwareID string) (remote.EnrollmentRecord, error) {
	return remote.EnrollmentRecord{HardwareID: hardwareID, Status: remote.StatusPending}, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptedRunner plays back mesh client status outputs in order and accepts
// every mutating call.
type scriptedRunner struct {
	statuses []string
	calls    [][]string
}

func (r *scriptedRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	r.calls = append(r.calls, args)
	if len(args) > 0 && args[0] == "status" {
		if len(r.statuses) == 0 {
			return nil, errors.New("mesh client not running")
		}
		out := r.statuses[0]
		if len(r.statuses) > 1 {
			r.statuses = r.statuses[1:]
		}
		return []byte(out), nil
	}
	return []byte("ok"), nil
}

const meshLoggedOut = `{"BackendState":"NeedsLogin","ControlURL":"","Self":{"HostName":"","Online":false}}`
const meshConnected = `{"BackendState":"Running","ControlURL":"https://mesh.example.com","Self":{"HostName":"kiosk-test-01.example.ts.net","Online":true}}`

func testInventory(context.Context) system.HardwareInventory {
	return system.HardwareInventory{
		MainboardSerial: "MB-TEST-1",
		MemorySerials:   []string{"RAM-1"},
		DiskSerials:     []string{"DISK-1"},
	}
}

// newTestConfig returns a configuration with every network-touching check
// either pointed at the local probe server or disabled.
func newTestConfig(t *testing.T, probeURL string) *config.Configuration {
	t.Helper()
	cfg, err := config.NewAtPath("/dev/null")
	if err != nil {
		t.Fatalf("failed to build configuration: %v", err)
	}
	cfg.System.RootDirectory = t.TempDir()
	cfg.Mesh.Hostname = "kiosk-test-01"
	cfg.Mesh.ControlURL = "https://mesh.example.com"
	cfg.Provision.ProbeURLs = []string{probeURL}
	cfg.Provision.ProbeRetries = 0
	cfg.Provision.DNSProbeHost = ""
	cfg.Provision.NTPServer = ""
	return cfg
}

func newProbeServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestRunFullSequence(t *testing.T) {
	probe := newProbeServer(t)
	cfg := newTestConfig(t, probe.URL)

	var enrolled remote.EnrollmentRequest
	client := &fakeClient{decide: func(req remote.EnrollmentRequest) (remote.EnrollmentRecord, error) {
		enrolled = req
		return remote.EnrollmentRecord{HardwareID: req.HardwareID, Status: remote.StatusApproved, AuthKey: "tskey-test"}, nil
	}}
	runner := &scriptedRunner{statuses: []string{meshLoggedOut, meshLoggedOut, meshConnected}}

	p := New(cfg,
		WithClient(client),
		WithConnector(mesh.NewConnector(runner, cfg.Mesh.ControlURL, cfg.Mesh.Tag)),
		WithInventory(testInventory),
		WithRetryDelay(time.Millisecond),
	)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !p.Provisioned() {
		t.Errorf("expected the completion marker to be written")
	}
	id, err := identity.Load(cfg.System.GetIdentityPath())
	if err != nil {
		t.Fatalf("expected a persisted identity: %v", err)
	}
	if enrolled.HardwareID != id.HardwareID {
		t.Errorf("the enrolled hardware id must match the persisted identity")
	}
	if enrolled.Hostname != "kiosk-test-01" {
		t.Errorf("expected the configured hostname in the enrollment, got %q", enrolled.Hostname)
	}

	// The mesh connect must have consumed the issued key.
	var sawUp bool
	for _, call := range runner.calls {
		if call[0] == "up" {
			sawUp = true
		}
	}
	if !sawUp {
		t.Errorf("expected a mesh connect to happen")
	}
}

func TestRunIsIdempotentOnceProvisioned(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1/unreachable")
	if err := os.WriteFile(cfg.System.GetProvisionMarkerPath(), []byte("done\n"), 0o600); err != nil {
		t.Fatalf("failed to seed marker: %v", err)
	}

	client := &fakeClient{decide: func(remote.EnrollmentRequest) (remote.EnrollmentRecord, error) {
		t.Error("the authority must not be contacted on a provisioned machine")
		return remote.EnrollmentRecord{}, errors.New("unexpected call")
	}}
	runner := &scriptedRunner{}

	p := New(cfg,
		WithClient(client),
		WithConnector(mesh.NewConnector(runner, cfg.Mesh.ControlURL, cfg.Mesh.Tag)),
		WithInventory(testInventory),
		WithRetryDelay(time.Millisecond),
	)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("no mesh client calls expected on a provisioned machine, got %v", runner.calls)
	}
}

func TestRunAdoptsLiveMeshSession(t *testing.T) {
	// A golden-image clone: no marker on disk but the mesh session is live.
	cfg := newTestConfig(t, "http://127.0.0.1:1/unreachable")

	client := &fakeClient{decide: func(remote.EnrollmentRequest) (remote.EnrollmentRecord, error) {
		t.Error("the authority must not be contacted when a live session exists")
		return remote.EnrollmentRecord{}, errors.New("unexpected call")
	}}
	runner := &scriptedRunner{statuses: []string{meshConnected}}

	p := New(cfg,
		WithClient(client),
		WithConnector(mesh.NewConnector(runner, cfg.Mesh.ControlURL, cfg.Mesh.Tag)),
		WithInventory(testInventory),
		WithRetryDelay(time.Millisecond),
	)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Provisioned() {
		t.Errorf("expected the live session to be adopted and marked provisioned")
	}
}

func TestRunStopsOnRejection(t *testing.T) {
	probe := newProbeServer(t)
	cfg := newTestConfig(t, probe.URL)

	client := &fakeClient{decide: func(req remote.EnrollmentRequest) (remote.EnrollmentRecord, error) {
		return remote.EnrollmentRecord{}, &remote.RejectionError{Reason: "hardware id already enrolled"}
	}}
	runner := &scriptedRunner{}

	p := New(cfg,
		WithClient(client),
		WithConnector(mesh.NewConnector(runner, cfg.Mesh.ControlURL, cfg.Mesh.Tag)),
		WithInventory(testInventory),
		WithRetryDelay(time.Millisecond),
	)

	err := p.Run(context.Background())
	var rejection *remote.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected the rejection to end the loop, got %v", err)
	}
	if client.callCount() != 1 {
		t.Errorf("a rejection must never be retried automatically, got %d attempts", client.callCount())
	}
	if p.Provisioned() {
		t.Errorf("a rejected machine must not be marked provisioned")
	}
}

func TestRunStopsOnIdentityMismatch(t *testing.T) {
	probe := newProbeServer(t)
	cfg := newTestConfig(t, probe.URL)

	// Persist an identity for different hardware before provisioning runs.
	other := system.HardwareInventory{MainboardSerial: "MB-OTHER"}
	if _, err := identity.LoadOrCreate(cfg.System.GetIdentityPath(), other, "kiosk-test-01"); err != nil {
		t.Fatalf("failed to seed identity: %v", err)
	}

	client := &fakeClient{decide: func(remote.EnrollmentRequest) (remote.EnrollmentRecord, error) {
		t.Error("the authority must not be contacted on a hardware mismatch")
		return remote.EnrollmentRecord{}, errors.New("unexpected call")
	}}
	runner := &scriptedRunner{}

	p := New(cfg,
		WithClient(client),
		WithConnector(mesh.NewConnector(runner, cfg.Mesh.ControlURL, cfg.Mesh.Tag)),
		WithInventory(testInventory),
		WithRetryDelay(time.Millisecond),
	)

	if err := p.Run(context.Background()); !errors.Is(err, identity.ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch to end the loop, got %v", err)
	}
}

func TestRunRestartsSequenceOnTransientFailure(t *testing.T) {
	probe := newProbeServer(t)
	cfg := newTestConfig(t, probe.URL)

	client := &fakeClient{}
	client.decide = func(req remote.EnrollmentRequest) (remote.EnrollmentRecord, error) {
		if client.callCount() == 1 {
			return remote.EnrollmentRecord{}, errors.New("authority briefly unreachable")
		}
		return remote.EnrollmentRecord{HardwareID: req.HardwareID, Status: remote.StatusApproved, AuthKey: "tskey-test"}, nil
	}
	runner := &scriptedRunner{statuses: []string{
		meshLoggedOut, // adopt check, attempt 1
		meshLoggedOut, // adopt check, attempt 2
		meshLoggedOut, // connect decision
		meshConnected, // verify
	}}

	p := New(cfg,
		WithClient(client),
		WithConnector(mesh.NewConnector(runner, cfg.Mesh.ControlURL, cfg.Mesh.Tag)),
		WithInventory(testInventory),
		WithRetryDelay(time.Millisecond),
	)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("expected the sequence to recover, got %v", err)
	}
	if client.callCount() != 2 {
		t.Errorf("expected exactly 2 enrollment attempts, got %d", client.callCount())
	}
}
