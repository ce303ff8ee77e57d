package processor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Arbiter serializes use of the fulfilment resource and keeps maintenance routines
// and worker drain cycles from overlapping.
type Arbiter struct {
	resource    *semaphore.Weighted
	maintenance *semaphore.Weighted

	mu                sync.Mutex
	draining          bool
	maintenanceActive bool
	// idle is closed whenever no drain cycle is running
	idle chan struct{}
}

// NewArbiter creates an arbiter with both permits free
func NewArbiter() *Arbiter {
	idle := make(chan struct{})
	close(idle)
	return &Arbiter{
		resource:    semaphore.NewWeighted(1),
		maintenance: semaphore.NewWeighted(1),
		idle:        idle,
	}
}

// AcquireResource blocks until the resource permit is free or ctx is done
func (a *Arbiter) AcquireResource(ctx context.Context) error {
	return a.resource.Acquire(ctx, 1)
}

// ReleaseResource returns the resource permit
func (a *Arbiter) ReleaseResource() {
	a.resource.Release(1)
}

// ResourceAvailable reports whether the resource permit could be taken right now
func (a *Arbiter) ResourceAvailable() bool {
	if !a.resource.TryAcquire(1) {
		return false
	}
	a.resource.Release(1)
	return true
}

// MaintenanceLocked reports whether a maintenance routine holds its permit
func (a *Arbiter) MaintenanceLocked() bool {
	if !a.maintenance.TryAcquire(1) {
		return true
	}
	a.maintenance.Release(1)
	return false
}

// BeginDrain marks the start of a worker drain cycle. It returns false while a
// maintenance routine is running, in which case the worker skips the cycle.
func (a *Arbiter) BeginDrain() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.maintenanceActive || a.draining {
		return false
	}
	a.draining = true
	a.idle = make(chan struct{})
	return true
}

// EndDrain signals that the drain cycle finished
func (a *Arbiter) EndDrain() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.draining {
		return
	}
	a.draining = false
	close(a.idle)
}

// RunMaintenance takes the maintenance permit, waits for any running drain cycle to finish
// and then runs fn. No drain cycle starts while fn runs.
func (a *Arbiter) RunMaintenance(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := a.maintenance.Acquire(ctx, 1); err != nil {
		return err
	}
	defer a.maintenance.Release(1)

	for {
		a.mu.Lock()
		if !a.draining {
			a.maintenanceActive = true
			a.mu.Unlock()
			break
		}
		idle := a.idle
		a.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() {
		a.mu.Lock()
		a.maintenanceActive = false
		a.mu.Unlock()
	}()

	start := time.Now()
	log.Debug().Str("routine", name).Msg("Maintenance started")
	err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Str("routine", name).Dur("duration", time.Since(start)).Msg("Maintenance failed")
		return err
	}
	log.Info().Str("routine", name).Dur("duration", time.Since(start)).Msg("Maintenance completed")
	return nil
}
