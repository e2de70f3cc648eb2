// Package sensorcache resolves sensor keys to registry rows through three
// tiers: an in-process map warmed at startup, a shared Redis tier with a
// TTL, and finally the Postgres registry. Resolutions found in an outer
// tier are written through to the inner ones.
package sensorcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/schema"
)

// ErrUnknownSensor marks a key with no registry row. Callers dead-letter
// the message rather than retrying.
var ErrUnknownSensor = errors.New("sensorcache: unknown sensor")

// Registry is the persistent source of truth.
type Registry interface {
	SensorByKey(ctx context.Context, key schema.SensorKey) (*schema.Sensor, error)
	AllSensors(ctx context.Context) ([]schema.Sensor, error)
}

// RedisClient is the slice of go-redis the cache consumes.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Cache is safe for concurrent use.
type Cache struct {
	redis    RedisClient
	registry Registry
	ttl      time.Duration
	met      *metrics.CacheMetrics
	logger   *slog.Logger

	mu    sync.RWMutex
	local map[schema.SensorKey]*schema.Sensor
}

// New assembles a Cache. Call Warm before serving traffic.
func New(rdb RedisClient, reg Registry, ttl time.Duration, met *metrics.CacheMetrics, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		redis:    rdb,
		registry: reg,
		ttl:      ttl,
		met:      met,
		logger:   logger,
		local:    make(map[schema.SensorKey]*schema.Sensor),
	}
}

// Warm loads the whole registry into the process tier so steady-state
// lookups never leave the process.
func (c *Cache) Warm(ctx context.Context) error {
	sensors, err := c.registry.AllSensors(ctx)
	if err != nil {
		return fmt.Errorf("warm sensor cache: %w", err)
	}
	c.mu.Lock()
	for i := range sensors {
		s := sensors[i]
		c.local[s.Key] = &s
		c.warnNarrowDeadband(&s)
	}
	n := len(c.local)
	c.mu.Unlock()
	c.logger.Info("sensor cache warmed", "sensors", n)
	return nil
}

// warnNarrowDeadband flags percent-form deadbands on thresholds near zero,
// where the clearing margin collapses and the alarm chatters.
func (c *Cache) warnNarrowDeadband(s *schema.Sensor) {
	if s.DeadbandAbs > 0 {
		return
	}
	for _, b := range s.Thresholds {
		if math.Abs(b.Value) < 1.0 {
			c.logger.Warn("percent deadband is unstable near zero; consider deadband_abs",
				"sensor", s.Key.String(), "level", string(b.Level), "threshold", b.Value)
		}
	}
}

// Resolve returns the sensor for a key, or ErrUnknownSensor.
func (c *Cache) Resolve(ctx context.Context, key schema.SensorKey) (*schema.Sensor, error) {
	c.mu.RLock()
	s, ok := c.local[key]
	c.mu.RUnlock()
	if ok {
		c.met.Hits.WithLabelValues("local").Inc()
		return s, nil
	}

	if s := c.fromRedis(ctx, key); s != nil {
		c.met.Hits.WithLabelValues("redis").Inc()
		c.storeLocal(key, s)
		return s, nil
	}

	s, err := c.registry.SensorByKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrUnknownSensor) {
			c.met.Misses.Inc()
		}
		return nil, err
	}
	c.met.Hits.WithLabelValues("registry").Inc()
	c.storeLocal(key, s)
	c.storeRedis(ctx, key, s)
	return s, nil
}

// Invalidate drops a key from the process tier, forcing the next Resolve
// through Redis and the registry. Used when sensor metadata changes.
func (c *Cache) Invalidate(key schema.SensorKey) {
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()
}

func (c *Cache) storeLocal(key schema.SensorKey, s *schema.Sensor) {
	c.mu.Lock()
	c.local[key] = s
	c.mu.Unlock()
}

func redisKey(key schema.SensorKey) string {
	return fmt.Sprintf("mcs:sensor:%s/%s/%s/%s", key.Site, key.Block, key.Subsystem, key.Tag)
}

func (c *Cache) fromRedis(ctx context.Context, key schema.SensorKey) *schema.Sensor {
	raw, err := c.redis.Get(ctx, redisKey(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis sensor lookup failed", "key", redisKey(key), "error", err)
		}
		return nil
	}
	var s schema.Sensor
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		c.logger.Warn("corrupt redis sensor entry", "key", redisKey(key), "error", err)
		return nil
	}
	return &s
}

func (c *Cache) storeRedis(ctx context.Context, key schema.SensorKey, s *schema.Sensor) {
	body, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKey(key), body, c.ttl).Err(); err != nil {
		c.logger.Warn("redis sensor write-through failed", "key", redisKey(key), "error", err)
	}
}
