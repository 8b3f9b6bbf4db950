package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/logging"
)

const defaultInitialDelay = time.Minute

// Scheduler creates a bundle for every registered app at a fixed interval.
// A tick is skipped while the previous scheduled bundle is still running.
type Scheduler struct {
	manager      *Manager
	initialDelay time.Duration

	mu       sync.Mutex
	interval time.Duration
	last     *bundle.Bundle
	reset    chan struct{}
}

func NewScheduler(m *Manager, interval, initialDelay time.Duration) *Scheduler {
	if initialDelay <= 0 {
		initialDelay = defaultInitialDelay
	}
	return &Scheduler{
		manager:      m,
		interval:     interval,
		initialDelay: initialDelay,
		reset:        make(chan struct{}, 1),
	}
}

// SetInterval changes the check interval. The next check is rescheduled one
// new interval from now.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.mu.Lock()
	changed := d > 0 && d != s.interval
	if changed {
		s.interval = d
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	log.Info("check interval changed", "interval", d.String())
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Interval returns the current check interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Run triggers checks until ctx ends. The first check runs after the initial
// delay.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.initialDelay)
	defer timer.Stop()
	log.Info("update scheduler started", "interval", s.Interval().String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.Interval())
		case <-timer.C:
			s.Trigger(ctx)
			timer.Reset(s.Interval())
		}
	}
}

// Trigger starts a scheduled bundle now. It returns nil when the previous
// scheduled bundle is still running or no apps are registered.
func (s *Scheduler) Trigger(ctx context.Context) *bundle.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != nil && !s.last.State().Terminal() {
		logging.WithBundle(log, s.last.ID, s.last.SessionID).Info("previous scheduled check still running, skipping")
		return nil
	}

	b, err := s.manager.CreateBundle(ctx, nil, bundle.Policy{InstallSource: bundle.SourceScheduler})
	if errors.Is(err, ErrNoApps) {
		log.Debug("no registered apps, skipping scheduled check")
		return nil
	}
	if err != nil {
		log.Error("scheduled check failed", logging.KeyError, err)
		return nil
	}
	if _, err := s.manager.Start(b.ID); err != nil {
		logging.WithBundle(log, b.ID, b.SessionID).Error("starting scheduled bundle", logging.KeyError, err)
		return nil
	}
	s.last = b
	return b
}
