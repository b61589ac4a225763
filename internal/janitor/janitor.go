// Package janitor prunes aged terminal deliveries and the events they
// leave behind, on a cron schedule. Open deliveries are never touched,
// whatever their age.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Store interface {
	// PruneTerminalDeliveries deletes succeeded, failed and cancelled rows
	// last touched before the cutoff. Returns the number deleted.
	PruneTerminalDeliveries(ctx context.Context, olderThan time.Time) (int64, error)
	// PruneOrphanEvents deletes events older than the cutoff that no
	// delivery references anymore.
	PruneOrphanEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

type MetricsSink interface {
	DeliveriesPruned(count int)
}

// Config holds janitor configuration.
type Config struct {
	// Schedule is a five-field cron expression.
	// Default: 03:00 daily.
	Schedule string

	// Retention is how long terminal deliveries are kept.
	// Default: 30 days.
	Retention time.Duration
}

// DefaultConfig returns the default janitor configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:  "0 3 * * *",
		Retention: 30 * 24 * time.Hour,
	}
}

type Janitor struct {
	cfg      Config
	store    Store
	schedule cron.Schedule
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
	log      zerolog.Logger
}

// New creates a Janitor. The cron expression is validated here; an
// invalid schedule is a configuration error, not a runtime surprise.
func New(cfg Config, store Store, log zerolog.Logger) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse prune schedule: %w", err)
	}

	return &Janitor{
		cfg:      cfg,
		store:    store,
		schedule: schedule,
		clock:    time.Now,
		log:      log,
	}, nil
}

func (j *Janitor) WithMetrics(sink MetricsSink) *Janitor {
	j.metrics = sink
	return j
}

// WithClock overrides the time source for tests.
func (j *Janitor) WithClock(clock func() time.Time) *Janitor {
	j.clock = clock
	return j
}

// Run fires the prune cycle per the cron schedule. It blocks until ctx
// is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	j.log.Info().Str("schedule", j.cfg.Schedule).Dur("retention", j.cfg.Retention).Msg("janitor started")

	for {
		next := j.schedule.Next(j.clock())
		timer := time.NewTimer(next.Sub(j.clock()))

		select {
		case <-ctx.Done():
			timer.Stop()
			j.log.Info().Msg("janitor stopped")
			return
		case <-timer.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle executes one prune pass.
func (j *Janitor) RunCycle(ctx context.Context) {
	cutoff := j.clock().UTC().Add(-j.cfg.Retention)

	deliveries, err := j.store.PruneTerminalDeliveries(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("delivery prune failed")
		return
	}

	events, err := j.store.PruneOrphanEvents(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("event prune failed")
		return
	}

	if j.metrics != nil && deliveries > 0 {
		j.metrics.DeliveriesPruned(int(deliveries))
	}
	if deliveries > 0 || events > 0 {
		j.log.Info().Int64("deliveries", deliveries).Int64("events", events).
			Time("cutoff", cutoff).Msg("prune completed")
	}
}
