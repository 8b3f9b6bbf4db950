package bundle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InstallSource records what asked for a bundle.
type InstallSource string

const (
	SourceOnDemand  InstallSource = "ondemand"
	SourceScheduler InstallSource = "scheduler"
	SourceOffline   InstallSource = "offline"
	SourceCLI       InstallSource = "cli"
)

// Policy is captured at bundle creation and never changes.
type Policy struct {
	OfflineOnly   bool          `json:"offlineOnly,omitempty"`
	InstallSource InstallSource `json:"installSource,omitempty"`
	// Priority only orders bundles for display and metrics labels.
	Priority int `json:"priority,omitempty"`
}

// Bundle is an ordered set of apps advanced together. The bundle state is
// always derived from the app states and is never assigned directly.
type Bundle struct {
	ID        string
	SessionID string
	Policy    Policy
	CreatedAt time.Time

	mu          sync.RWMutex
	apps        []*App
	claimed     bool
	started     bool
	paused      bool
	cancelled   bool
	state       BundleState
	revision    uint64
	completedAt time.Time
	changed     chan struct{}
	done        chan struct{}
	wake        chan struct{}
}

// New creates a bundle in the Init state. Empty id or sessionID are generated.
func New(id, sessionID string, specs []AppSpec, policy Policy) (*Bundle, error) {
	if len(specs) == 0 {
		return nil, errors.New("bundle requires at least one app")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	seen := make(map[string]bool, len(specs))
	apps := make([]*App, 0, len(specs))
	for i, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("app %d has an empty id", i)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate app id %q", spec.ID)
		}
		seen[spec.ID] = true
		apps = append(apps, newApp(i, spec))
	}
	if policy.InstallSource == "" {
		policy.InstallSource = SourceOnDemand
	}

	return &Bundle{
		ID:        id,
		SessionID: sessionID,
		Policy:    policy,
		CreatedAt: time.Now(),
		apps:      apps,
		state:     BundleInit,
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Len returns the number of apps.
func (b *Bundle) Len() int { return len(b.apps) }

// State returns the current derived bundle state.
func (b *Bundle) State() BundleState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Revision increases on every observable change.
func (b *Bundle) Revision() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.revision
}

// Start moves the bundle out of Init, or resumes it from Stopped.
func (b *Bundle) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BundleInit:
		b.started = true
	case BundleStopped:
		b.setPausedLocked(false)
	default:
		return fmt.Errorf("%w: %s", ErrNotStartable, b.state)
	}
	b.changeLocked()
	b.signal()
	return nil
}

// Pause stops the scheduler from issuing new operations. In-flight operations
// finish and their results are applied.
func (b *Bundle) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return ErrTerminal
	}
	b.setPausedLocked(true)
	b.changeLocked()
	b.signal()
	return nil
}

// Resume clears a previous Pause.
func (b *Bundle) Resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return ErrTerminal
	}
	b.setPausedLocked(false)
	b.changeLocked()
	b.signal()
	return nil
}

// Cancel requests irreversible cancellation. Apps with an operation in flight
// are marked Cancelled by the scheduler once that operation unwinds. A bundle
// that was never started is cancelled immediately. Cancelling a finished
// bundle is a no-op.
func (b *Bundle) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return
	}

	b.cancelled = true
	for _, a := range b.apps {
		if !a.State.Terminal() {
			a.cancelled = true
		}
	}
	if !b.started {
		for _, a := range b.apps {
			if !a.State.Terminal() {
				_ = a.MarkCancelled()
			}
		}
	}
	b.changeLocked()
	b.signal()
}

// Claim marks the bundle as driven by a scheduler. It returns false when
// another scheduler already holds it.
func (b *Bundle) Claim() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed {
		return false
	}
	b.claimed = true
	return true
}

// Unclaim releases a previous Claim.
func (b *Bundle) Unclaim() {
	b.mu.Lock()
	b.claimed = false
	b.mu.Unlock()
}

// Started reports whether Start was called.
func (b *Bundle) Started() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started
}

// Paused reports whether the bundle is paused.
func (b *Bundle) Paused() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.paused
}

// CancelRequested reports whether Cancel was called.
func (b *Bundle) CancelRequested() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cancelled
}

// Update runs fn with exclusive access to the apps and recomputes the bundle
// state afterwards. Only the scheduler driving the bundle calls it.
func (b *Bundle) Update(fn func(apps []*App) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return ErrTerminal
	}
	err := fn(b.apps)
	b.changeLocked()
	return err
}

// Apply runs fn against the app at index.
func (b *Bundle) Apply(index int, fn func(*App) error) error {
	if index < 0 || index >= len(b.apps) {
		return fmt.Errorf("app index %d out of range", index)
	}
	return b.Update(func(apps []*App) error {
		return fn(apps[index])
	})
}

// Changed returns a channel closed on the next change.
func (b *Bundle) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

// Done is closed once the bundle reaches a terminal state.
func (b *Bundle) Done() <-chan struct{} { return b.done }

// Wake delivers control requests (pause, resume, cancel) to the scheduler.
func (b *Bundle) Wake() <-chan struct{} { return b.wake }

// Wait blocks until the bundle is terminal or ctx ends.
func (b *Bundle) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-b.done:
		return b.Snapshot(), nil
	case <-ctx.Done():
		return b.Snapshot(), ctx.Err()
	}
}

func (b *Bundle) setPausedLocked(paused bool) {
	b.paused = paused
	for _, a := range b.apps {
		if !a.State.Terminal() {
			a.paused = paused
		}
	}
}

func (b *Bundle) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// changeLocked recomputes the derived state and notifies watchers.
func (b *Bundle) changeLocked() {
	states := make([]AppState, len(b.apps))
	inFlight := false
	for i, a := range b.apps {
		states[i] = a.State
		if a.InFlight {
			inFlight = true
		}
	}

	s := Reduce(states)
	if !s.Terminal() {
		switch {
		case !b.started:
			s = BundleInit
		case b.paused && !inFlight:
			s = BundleStopped
		}
	}

	b.state = s
	b.revision++
	if s.Terminal() && b.completedAt.IsZero() {
		b.completedAt = time.Now()
		close(b.done)
	}
	close(b.changed)
	b.changed = make(chan struct{})
}

// Snapshot is a consistent read-only copy of a bundle.
type Snapshot struct {
	ID              string        `json:"bundleId"`
	SessionID       string        `json:"sessionId"`
	State           BundleState   `json:"state"`
	Policy          Policy        `json:"policy"`
	Revision        uint64        `json:"revision"`
	Paused          bool          `json:"paused,omitempty"`
	CancelRequested bool          `json:"cancelRequested,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	Apps            []AppSnapshot `json:"apps"`
}

// Snapshot returns a deep copy taken under the bundle lock, so it never
// observes a partially applied transition.
func (b *Bundle) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{
		ID:              b.ID,
		SessionID:       b.SessionID,
		State:           b.state,
		Policy:          b.Policy,
		Revision:        b.revision,
		Paused:          b.paused,
		CancelRequested: b.cancelled,
		CreatedAt:       b.CreatedAt,
		Apps:            make([]AppSnapshot, len(b.apps)),
	}
	if !b.completedAt.IsZero() {
		t := b.completedAt
		snap.CompletedAt = &t
	}
	for i, a := range b.apps {
		snap.Apps[i] = a.snapshot()
	}
	return snap
}

// App returns the snapshot of the app with the given id.
func (s Snapshot) App(id string) (AppSnapshot, bool) {
	for _, a := range s.Apps {
		if a.ID == id {
			return a, true
		}
	}
	return AppSnapshot{}, false
}

// Summary counts app outcomes.
type Summary struct {
	Installed int  `json:"installed"`
	NoUpdate  int  `json:"noUpdate"`
	Failed    int  `json:"failed"`
	Cancelled int  `json:"cancelled"`
	Pending   int  `json:"pending"`
	Reboot    bool `json:"rebootRequired,omitempty"`
}

// Summarize counts outcomes across the snapshot's apps.
func (s Snapshot) Summarize() Summary {
	var sum Summary
	for _, a := range s.Apps {
		switch a.State {
		case StateInstallComplete:
			sum.Installed++
		case StateNoUpdateAvailable:
			sum.NoUpdate++
		case StateError:
			sum.Failed++
		case StateCancelled:
			sum.Cancelled++
		default:
			sum.Pending++
		}
		if a.RebootRequired {
			sum.Reboot = true
		}
	}
	return sum
}
