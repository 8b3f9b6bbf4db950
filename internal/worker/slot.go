package worker

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// InstallSlot serializes installer execution. One slot is shared by every
// bundle in the process.
type InstallSlot struct {
	sem  *semaphore.Weighted
	busy atomic.Bool
}

func NewInstallSlot() *InstallSlot {
	return &InstallSlot{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the slot is free or ctx ends.
func (s *InstallSlot) Acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.busy.Store(true)
	return nil
}

// Release frees the slot.
func (s *InstallSlot) Release() {
	s.busy.Store(false)
	s.sem.Release(1)
}

// Busy reports whether an installer currently holds the slot.
func (s *InstallSlot) Busy() bool {
	return s.busy.Load()
}
