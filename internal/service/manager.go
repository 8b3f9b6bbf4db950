package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/worker"
)

var log = logging.L("service")

var (
	// ErrUnknownBundle is returned for a bundle id the manager does not hold.
	ErrUnknownBundle = errors.New("unknown bundle")
	// ErrNoApps is returned when a bundle would contain no apps.
	ErrNoApps = errors.New("no apps to update")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bundle manager is closed")
)

const defaultRetention = time.Hour

// AppSource resolves app ids into bundle specs.
type AppSource interface {
	EnumerateRegisteredApps(ctx context.Context) ([]bundle.AppSpec, error)
	Specs(ctx context.Context, ids []string) ([]bundle.AppSpec, error)
}

// Runner drives a bundle to completion.
type Runner interface {
	Run(ctx context.Context, b *bundle.Bundle) (bundle.Snapshot, error)
}

// Purger removes a finished session's downloads.
type Purger interface {
	Purge(sessionID string) error
}

type entry struct {
	b        *bundle.Bundle
	launched bool
}

// Manager owns every bundle created by the service, keyed by bundle id.
// Started bundles run on their own goroutine; finished bundles stay
// queryable for the retention window.
type Manager struct {
	apps      AppSource
	runner    Runner
	purger    Purger
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	bundles map[string]*entry
	closed  bool
}

// ManagerConfig wires a Manager. Purger is optional.
type ManagerConfig struct {
	Apps      AppSource
	Runner    Runner
	Purger    Purger
	Retention time.Duration
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	m := &Manager{
		apps:      cfg.Apps,
		runner:    cfg.Runner,
		purger:    cfg.Purger,
		retention: cfg.Retention,
		bundles:   make(map[string]*entry),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// CreateBundle builds a bundle in Init for appIDs, or for every registered
// app when appIDs is empty.
func (m *Manager) CreateBundle(ctx context.Context, appIDs []string, policy bundle.Policy) (*bundle.Bundle, error) {
	var (
		specs []bundle.AppSpec
		err   error
	)
	if len(appIDs) == 0 {
		specs, err = m.apps.EnumerateRegisteredApps(ctx)
	} else {
		specs, err = m.apps.Specs(ctx, appIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve apps: %w", err)
	}
	if len(specs) == 0 {
		return nil, ErrNoApps
	}
	if policy.InstallSource == "" {
		policy.InstallSource = bundle.SourceOnDemand
	}

	b, err := bundle.New("", "", specs, policy)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.bundles[b.ID] = &entry{b: b}
	logging.WithBundle(log, b.ID, b.SessionID).Info("bundle created",
		"apps", b.Len(), "source", policy.InstallSource)
	return b, nil
}

// Get returns the bundle with id.
func (m *Manager) Get(id string) (*bundle.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.bundles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBundle, id)
	}
	return e.b, nil
}

// Start starts a bundle in Init and hands it to the runner, or resumes a
// Stopped bundle that is already running.
func (m *Manager) Start(id string) (bundle.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return bundle.Snapshot{}, ErrClosed
	}
	e, ok := m.bundles[id]
	if !ok {
		return bundle.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownBundle, id)
	}
	if err := e.b.Start(); err != nil {
		return e.b.Snapshot(), err
	}
	if !e.launched {
		e.launched = true
		m.wg.Add(1)
		go m.drive(e.b)
	}
	return e.b.Snapshot(), nil
}

func (m *Manager) drive(b *bundle.Bundle) {
	defer m.wg.Done()
	logger := logging.WithBundle(log, b.ID, b.SessionID)
	started := time.Now()

	snap, err := m.runner.Run(m.ctx, b)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bundle run failed", logging.KeyError, err)
	}
	sum := snap.Summarize()
	logger.Info("bundle finished",
		"state", snap.State.String(),
		"installed", sum.Installed,
		"noUpdate", sum.NoUpdate,
		"failed", sum.Failed,
		"cancelled", sum.Cancelled,
		"rebootRequired", sum.Reboot,
		logging.KeyDurationMs, time.Since(started).Milliseconds())

	if m.purger != nil {
		if err := m.purger.Purge(b.SessionID); err != nil {
			logger.Warn("purging downloads", logging.KeyError, err)
		}
	}
}

// Pause pauses a bundle.
func (m *Manager) Pause(id string) (bundle.Snapshot, error) {
	return m.control(id, (*bundle.Bundle).Pause)
}

// Resume clears a previous pause.
func (m *Manager) Resume(id string) (bundle.Snapshot, error) {
	return m.control(id, (*bundle.Bundle).Resume)
}

// Cancel requests cancellation. Cancelling a finished bundle is a no-op.
func (m *Manager) Cancel(id string) (bundle.Snapshot, error) {
	return m.control(id, func(b *bundle.Bundle) error {
		b.Cancel()
		return nil
	})
}

// QueryState returns the bundle's current snapshot.
func (m *Manager) QueryState(id string) (bundle.Snapshot, error) {
	return m.control(id, func(*bundle.Bundle) error { return nil })
}

func (m *Manager) control(id string, fn func(*bundle.Bundle) error) (bundle.Snapshot, error) {
	b, err := m.Get(id)
	if err != nil {
		return bundle.Snapshot{}, err
	}
	err = fn(b)
	return b.Snapshot(), err
}

// Wait blocks until the bundle is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (bundle.Snapshot, error) {
	b, err := m.Get(id)
	if err != nil {
		return bundle.Snapshot{}, err
	}
	return b.Wait(ctx)
}

// List returns snapshots of every held bundle, newest first.
func (m *Manager) List() []bundle.Snapshot {
	m.mu.RLock()
	out := make([]bundle.Snapshot, 0, len(m.bundles))
	for _, e := range m.bundles {
		out = append(out, e.b.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetRetention changes how long finished bundles stay queryable.
func (m *Manager) SetRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.retention = d
	m.mu.Unlock()
}

// Prune drops terminal bundles that completed more than the retention window
// before now, and returns how many were removed.
func (m *Manager) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.bundles {
		snap := e.b.Snapshot()
		if !snap.State.Terminal() || snap.CompletedAt == nil {
			continue
		}
		if now.Sub(*snap.CompletedAt) >= m.retention {
			delete(m.bundles, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug("pruned finished bundles", "count", removed)
	}
	return removed
}

// RunPruner prunes at interval until ctx ends.
func (m *Manager) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Prune(now)
		}
	}
}

// Close cancels every running bundle and waits for their runners to return
// or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for bundles: %w", ctx.Err())
	}
}

var _ Runner = (*worker.Worker)(nil)
