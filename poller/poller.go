// Package poller drives the progress views shown while a kiosk installs its
// modules. It mirrors what the panel frontend does against the daemon API: a
// fast per-module poller for each install the caller is watching, plus a
// slower page-wide sweep that catches installs the caller never saw start,
// such as one resumed after a page reload.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"golang.org/x/sync/singleflight"

	"github.com/kioskworks/station/modules"
)

// Default polling cadences. Module polls are frequent because they back a
// visible progress indicator; the sweep exists only as a safety net.
const (
	DefaultModuleInterval = time.Second * 3
	DefaultSweepInterval  = time.Second * 5
)

// Source is where the poller reads state from. The module manager satisfies
// it directly for the on-box panel; a thin HTTP adapter satisfies it for a
// remote one.
type Source interface {
	Status(name string) (modules.State, error)
	States() []modules.State
	Progress() modules.SetupProgress
}

// Update is delivered to the listener whenever polled state changes.
type Update struct {
	State    modules.State
	Progress modules.SetupProgress
}

// Listener receives state changes observed by the poller. Calls are made from
// the poller's own goroutines and must not block.
type Listener func(Update)

// Poller watches module install progress through a Source. Watches on
// individual modules stop themselves once the module reaches a state that no
// longer changes without new input; the page-wide sweep keeps running until
// the poller is closed or no module is installing any more.
type Poller struct {
	source Source
	notify Listener

	moduleInterval time.Duration
	sweepInterval  time.Duration

	// Concurrent pollers asking about the same module collapse into a single
	// source read.
	flight singleflight.Group

	mu        sync.Mutex
	watches   map[string]chan struct{}
	last      map[string]modules.State
	suspended bool
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

// WithModuleInterval overrides the per-module polling cadence.
func WithModuleInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.moduleInterval = d
	}
}

// WithSweepInterval overrides the page-wide sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.sweepInterval = d
	}
}

// New creates a poller reading from the given source and delivering changes
// to the listener.
func New(source Source, notify Listener, opts ...Option) *Poller {
	p := &Poller{
		source:         source,
		notify:         notify,
		moduleInterval: DefaultModuleInterval,
		sweepInterval:  DefaultSweepInterval,
		watches:        make(map[string]chan struct{}),
		last:           make(map[string]modules.State),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Watch begins fast polling for a single module, typically right after an
// install request was accepted. Watching an already-watched module is a
// no-op.
func (p *Poller) Watch(ctx context.Context, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed() {
		return
	}
	if _, exists := p.watches[name]; exists {
		return
	}
	stop := make(chan struct{})
	p.watches[name] = stop

	p.wg.Add(1)
	go p.pollModule(ctx, name, stop)
}

// Run drives the page-wide sweep until the context is cancelled, the poller
// is closed, or no module reports installing any more. It spawns watches for
// any module found installing, which is how installs started before this
// process attached get picked up. A nil return does not mean setup succeeded,
// only that nothing will change again without new input; the caller reads the
// source's Progress to tell the two apart.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		if done := p.sweep(ctx); done {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-p.closed:
			return nil
		case <-ticker.C:
		}
	}
}

// Suspend pauses delivery and polling, mirroring a hidden panel tab. Watches
// stay registered and resume where they left off.
func (p *Poller) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = true
}

// Resume reverses Suspend; every watch picks up again on its next tick.
func (p *Poller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = false
}

// Close stops all polling and waits for the watch goroutines to exit.
func (p *Poller) Close() {
	p.mu.Lock()
	if !p.isClosed() {
		close(p.closed)
	}
	for name, stop := range p.watches {
		close(stop)
		delete(p.watches, name)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// pollModule is the fast loop behind a single watch. It stops itself once the
// module settles into a state that only an operator action or a new install
// request can change.
func (p *Poller) pollModule(ctx context.Context, name string, stop chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.moduleInterval)
	defer ticker.Stop()

	for {
		if settled := p.pollOnce(name); settled {
			p.unwatch(name)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// pollOnce reads one module's state, notifies on change, and reports whether
// the watch should stop. Reads for the same module in the same instant are
// deduplicated across watches.
func (p *Poller) pollOnce(name string) bool {
	p.mu.Lock()
	if p.suspended {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	v, err, _ := p.flight.Do(name, func() (interface{}, error) {
		state, err := p.source.Status(name)
		if err != nil {
			return nil, err
		}
		return state, nil
	})
	if err != nil {
		// Transient source errors keep the watch alive; the module may well
		// still be installing.
		log.WithField("module", name).WithError(err).Debug("module status poll failed")
		return false
	}
	state := v.(modules.State)

	p.mu.Lock()
	previous, seen := p.last[name]
	changed := !seen || previous.Status != state.Status || previous.Message != state.Message
	p.last[name] = state
	p.mu.Unlock()

	if changed {
		p.notify(Update{State: state, Progress: p.source.Progress()})
	}
	// Installing is the only state worth fast-polling; everything else
	// changes through an operator action or a new install request, both of
	// which re-register the watch.
	return state.Status != modules.StatusInstalling
}

// sweep is one page-wide pass. It reports true when no module is installing:
// whatever states the others settled in, failed or parked on an operator step
// included, nothing changes again without new input, so the sweep has nothing
// left to catch.
func (p *Poller) sweep(ctx context.Context) bool {
	p.mu.Lock()
	if p.suspended {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	installing := 0
	for _, state := range p.source.States() {
		if state.Status == modules.StatusInstalling {
			installing++
			p.Watch(ctx, state.Name)
		}
	}
	return installing == 0
}

func (p *Poller) unwatch(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stop, exists := p.watches[name]; exists {
		close(stop)
		delete(p.watches, name)
	}
}

// FormatProgress renders aggregate progress the way the panel shows it, e.g.
// "modules installed: 2/3". Kept here so the CLI and any console UI agree.
func FormatProgress(progress modules.SetupProgress) string {
	s := fmt.Sprintf("modules installed: %d/%d", progress.CompletedCount, progress.TotalCount)
	if progress.AllComplete {
		s += " (setup complete)"
	}
	return s
}
