// Package analytics keeps windowed delivery outcome counters in Redis
// for per-tenant reporting. It is best effort: a Redis outage degrades
// reporting, never delivery.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hooklinehq/hookline/internal/domain"
)

// DefaultRetention is how long an outcome bucket lives.
const DefaultRetention = 30 * 24 * time.Hour

type Config struct {
	Window    time.Duration // counter bucket size
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:    time.Hour,
		Retention: DefaultRetention,
	}
}

type RedisSink struct {
	client *redis.Client
	cfg    Config
	clock  func() time.Time
	log    zerolog.Logger
}

func NewRedisSink(client *redis.Client, cfg Config, log zerolog.Logger) *RedisSink {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &RedisSink{
		client: client,
		cfg:    cfg,
		clock:  time.Now,
		log:    log,
	}
}

// WithClock overrides the time source for tests.
func (s *RedisSink) WithClock(clock func() time.Time) *RedisSink {
	s.clock = clock
	return s
}

// Record increments the tenant's outcome counter for the delivery's
// event type in the current time bucket. Failures are logged and
// swallowed.
func (s *RedisSink) Record(ctx context.Context, d domain.Delivery, success bool) {
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	key := buildKey(d.TenantID, d.EventType, outcome, s.clock(), s.cfg.Window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.cfg.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("analytics write failed")
	}
}

// Counts returns the outcome counters for a tenant and event type over
// the last n buckets, newest first. Missing buckets count as zero.
func (s *RedisSink) Counts(ctx context.Context, tenantID, eventType, outcome string, n int) ([]int64, error) {
	now := s.clock()
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, buildKey(tenantID, eventType, outcome, now.Add(-time.Duration(i)*s.cfg.Window), s.cfg.Window))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	counts := make([]int64, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			fmt.Sscanf(str, "%d", &counts[i])
		}
	}
	return counts, nil
}

func buildKey(tenantID, eventType, outcome string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("t:%s:e:%s:%s:%s", tenantID, eventType, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
