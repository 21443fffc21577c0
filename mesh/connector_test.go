package mesh

import (
	"context"
	"strings"
	"testing"

	"emperror.dev/errors"
)

// fakeRunner scripts the mesh client: status calls return the queued outputs
// in order and every invocation is recorded for assertions.
type fakeRunner struct {
	statuses []string
	calls    [][]string
}

func (r *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	r.calls = append(r.calls, args)
	if len(args) > 0 && args[0] == "status" {
		if len(r.statuses) == 0 {
			return nil, errors.New("no status scripted")
		}
		out := r.statuses[0]
		if len(r.statuses) > 1 {
			r.statuses = r.statuses[1:]
		}
		return []byte(out), nil
	}
	return []byte("ok"), nil
}

func (r *fakeRunner) mutations() [][]string {
	var out [][]string
	for _, call := range r.calls {
		if len(call) > 0 && call[0] != "status" {
			out = append(out, call)
		}
	}
	return out
}

const statusConnected = `{"BackendState":"Running","ControlURL":"https://mesh.example.com","Self":{"HostName":"kiosk-berlin-01.example.ts.net","Online":true}}`
const statusWrongName = `{"BackendState":"Running","ControlURL":"https://mesh.example.com","Self":{"HostName":"old-name","Online":true}}`
const statusLoggedOut = `{"BackendState":"NeedsLogin","ControlURL":"","Self":{"HostName":"","Online":false}}`

func TestEnsureConnectedIsIdempotent(t *testing.T) {
	r := &fakeRunner{statuses: []string{statusConnected}}
	c := NewConnector(r, "https://mesh.example.com", "tag:kiosk")

	if err := c.EnsureConnected(context.Background(), "tskey-abc", "kiosk-berlin-01"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.mutations()) != 0 {
		t.Errorf("a healthy connection must produce zero mutating calls, got %v", r.mutations())
	}
}

func TestEnsureConnectedRenamesInsteadOfReconnecting(t *testing.T) {
	r := &fakeRunner{statuses: []string{statusWrongName, statusConnected}}
	c := NewConnector(r, "https://mesh.example.com", "tag:kiosk")

	if err := c.EnsureConnected(context.Background(), "tskey-abc", "kiosk-berlin-01"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	muts := r.mutations()
	if len(muts) != 1 {
		t.Fatalf("expected exactly one mutating call, got %v", muts)
	}
	if muts[0][0] != "set" || muts[0][1] != "--hostname=kiosk-berlin-01" {
		t.Errorf("expected an in-place rename, got %v", muts[0])
	}
	for _, call := range r.calls {
		if call[0] == "up" {
			t.Errorf("a wrong name must never trigger a full reconnect")
		}
	}
}

func TestEnsureConnectedPerformsFullConnect(t *testing.T) {
	r := &fakeRunner{statuses: []string{statusLoggedOut, statusConnected}}
	c := NewConnector(r, "https://mesh.example.com", "tag:kiosk")

	if err := c.EnsureConnected(context.Background(), "tskey-abc", "kiosk-berlin-01"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	muts := r.mutations()
	if len(muts) != 1 || muts[0][0] != "up" {
		t.Fatalf("expected a single up invocation, got %v", muts)
	}
	joined := strings.Join(muts[0], " ")
	for _, want := range []string{
		"--login-server=https://mesh.example.com",
		"--auth-key=tskey-abc",
		"--hostname=kiosk-berlin-01",
		"--reset",
		"--accept-routes=false",
		"--advertise-tags=tag:kiosk",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected connect args to contain %q, got %q", want, joined)
		}
	}
}

func TestEnsureConnectedRequiresAuthKeyForConnect(t *testing.T) {
	r := &fakeRunner{statuses: []string{statusLoggedOut}}
	c := NewConnector(r, "https://mesh.example.com", "")

	if err := c.EnsureConnected(context.Background(), "", "kiosk-berlin-01"); err == nil {
		t.Fatal("expected an error when a connect is needed without an auth key")
	}
	if len(r.mutations()) != 0 {
		t.Errorf("no mutation may be attempted without a key, got %v", r.mutations())
	}
}

func TestEnsureConnectedVerifiesAfterMutation(t *testing.T) {
	// The rename applies but the follow-up status still shows the old name.
	r := &fakeRunner{statuses: []string{statusWrongName, statusWrongName}}
	c := NewConnector(r, "https://mesh.example.com", "")

	if err := c.EnsureConnected(context.Background(), "tskey-abc", "kiosk-berlin-01"); err == nil {
		t.Fatal("expected verification to fail when the name did not change")
	}
}

func TestStatusConnected(t *testing.T) {
	s, err := ParseStatus([]byte(statusConnected))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Connected("https://mesh.example.com") {
		t.Errorf("expected a running session on the same control server to count as connected")
	}
	if !s.Connected("https://MESH.example.com/") {
		t.Errorf("control server comparison must ignore case and trailing slash")
	}
	if s.Connected("https://other.example.com") {
		t.Errorf("a session on a different control server must not count as connected")
	}
}

func TestStatusNameMatches(t *testing.T) {
	s, _ := ParseStatus([]byte(statusConnected))
	if !s.NameMatches("kiosk-berlin-01") {
		t.Errorf("a fully qualified live name must match on its first label")
	}
	if !s.NameMatches("KIOSK-Berlin-01") {
		t.Errorf("name comparison must be case-insensitive")
	}
	if s.NameMatches("kiosk-berlin-02") {
		t.Errorf("different names must not match")
	}
}

func TestRedactArgsHidesAuthKey(t *testing.T) {
	out := redactArgs([]string{"up", "--auth-key=tskey-secret", "--hostname=a"})
	for _, a := range out {
		if strings.Contains(a, "tskey-secret") {
			t.Fatalf("auth key leaked into log args: %v", out)
		}
	}
}
