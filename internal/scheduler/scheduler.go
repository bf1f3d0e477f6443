// Package scheduler wraps robfig/cron/v3 to drive the guardian sweep, the
// schema-view existence tripwire, and a placeholder reporting-cadence
// hook on their configured intervals.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/mccabetrow/dragonfly-api/internal/logging"
)

// Scheduler owns the cron runtime and every job registered on it.
type Scheduler struct {
	cron *cron.Cron
	log  *logging.Logger
}

// New builds a Scheduler at minute granularity (no WithSeconds — every
// job here runs on a ≥60s cadence, matching the source intervals).
func New(log *logging.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log,
	}
}

// JobFunc is a scheduled unit of work; errors are logged by the wrapper,
// never propagated, so one bad tick never stops the cron runtime.
type JobFunc func(ctx context.Context) error

// AddJob registers fn on spec (standard 5-field cron syntax, or the
// "@every 1m"-style descriptors robfig/cron supports).
func (s *Scheduler) AddJob(spec, name string, fn JobFunc) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if err := fn(ctx); err != nil {
			s.log.WithError(err).WithFields(map[string]any{"job": name}).Error("scheduled job failed")
		}
	})
	return err
}

// Start launches the cron runtime in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron runtime and waits for any running job to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}
