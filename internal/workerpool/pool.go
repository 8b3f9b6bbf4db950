// Package workerpool bounds how many operations run at once.
package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("workerpool")

// ErrStopped is returned by SubmitWait once Shutdown has begun.
var ErrStopped = errors.New("worker pool stopped")

// Task is a unit of work. Its context is cancelled when the pool shuts down.
type Task func(ctx context.Context)

// Pool runs at most workers tasks at once and admits up to queue more that
// wait their turn. Admitted tasks always run, even after Shutdown starts.
type Pool struct {
	admit *semaphore.Weighted
	exec  *semaphore.Weighted

	ctx  context.Context
	stop context.CancelFunc

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func New(workers, queue int) *Pool {
	workers = max(workers, 1)
	queue = max(queue, 1)
	p := &Pool{
		admit: semaphore.NewWeighted(int64(workers + queue)),
		exec:  semaphore.NewWeighted(int64(workers)),
	}
	p.ctx, p.stop = context.WithCancel(context.Background())
	log.Debug("worker pool started", "workers", workers, "queue", queue)
	return p
}

// Context is cancelled once Shutdown begins.
func (p *Pool) Context() context.Context { return p.ctx }

// Submit admits task without blocking. It reports false when the pool is
// full or stopped.
func (p *Pool) Submit(task Task) bool {
	if !p.admit.TryAcquire(1) {
		log.Warn("worker pool full, task rejected")
		return false
	}
	if !p.start(task) {
		p.admit.Release(1)
		return false
	}
	return true
}

// SubmitWait admits task, waiting for room until ctx ends or the pool stops.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	wait, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	if err := p.admit.Acquire(wait, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrStopped
	}
	if !p.start(task) {
		p.admit.Release(1)
		return ErrStopped
	}
	return nil
}

func (p *Pool) start(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	p.wg.Add(1)
	go p.run(task)
	return true
}

func (p *Pool) run(task Task) {
	defer p.wg.Done()
	defer p.admit.Release(1)
	// Background: admitted tasks run to completion even while stopping.
	_ = p.exec.Acquire(context.Background(), 1)
	defer p.exec.Release(1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}

// Shutdown refuses new tasks, cancels the pool context and waits for
// admitted tasks until ctx ends.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
	}
}
