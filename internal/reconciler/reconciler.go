// Package reconciler recovers stale delivery claims.
//
// A claim goes stale when a worker marks a row in_flight and then dies
// before recording an outcome (crash, deploy, network partition). The
// reconciler periodically moves such rows back to retrying so another
// worker picks them up. A requeued attempt that actually reached the
// endpoint is re-sent byte-identical, so receivers dedupe on the event
// id.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Store interface {
	// RequeueStaleClaims moves in_flight rows claimed before the cutoff
	// back to retrying, due immediately. Returns the number requeued.
	RequeueStaleClaims(ctx context.Context, claimedBefore, now time.Time, limit int) (int64, error)
}

type MetricsSink interface {
	StaleRequeued(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 1 minute.
	Interval time.Duration

	// ClaimTimeout is the age after which an in_flight claim is considered
	// abandoned. Must exceed the sender timeout by a wide margin.
	// Default: 5 minutes.
	ClaimTimeout time.Duration

	// BatchSize is the maximum number of claims to requeue per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Minute,
		ClaimTimeout: 5 * time.Minute,
		BatchSize:    100,
	}
}

// Reconciler detects abandoned claims and requeues them.
type Reconciler struct {
	cfg     Config
	store   Store
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
	log     zerolog.Logger
}

// New creates a new Reconciler.
func New(cfg Config, store Store, log zerolog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultConfig().ClaimTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Reconciler{
		cfg:   cfg,
		store: store,
		clock: time.Now,
		log:   log,
	}
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// WithClock overrides the time source for tests.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.cfg.Interval).Dur("claim_timeout", r.cfg.ClaimTimeout).
		Int("batch", r.cfg.BatchSize).Msg("reconciler started")

	// Run immediately on startup, then on ticker
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation pass.
func (r *Reconciler) RunCycle(ctx context.Context) {
	now := r.clock().UTC()
	cutoff := now.Add(-r.cfg.ClaimTimeout)

	requeued, err := r.store.RequeueStaleClaims(ctx, cutoff, now, r.cfg.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		r.log.Error().Err(err).Msg("stale claim requeue failed")
		return
	}
	if requeued == 0 {
		return
	}

	if r.metrics != nil {
		r.metrics.StaleRequeued(int(requeued))
	}
	r.log.Warn().Int64("requeued", requeued).Time("cutoff", cutoff).Msg("requeued stale claims")
}
