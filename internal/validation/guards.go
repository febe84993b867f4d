package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// ReplayGuard remembers (miner, nonce, hash) triples for a sliding window.
type ReplayGuard interface {
	// Mark records the triple and reports whether it was new.
	Mark(ctx context.Context, minerID string, nonce uint32, hash string) (bool, error)
}

// RateGuard caps how fast one miner may submit.
type RateGuard interface {
	Allow(ctx context.Context, minerID string, at time.Time) (bool, error)
}

func replayKey(minerID string, nonce uint32, hash string) string {
	return fmt.Sprintf("%s/%08x/%s", minerID, nonce, hash)
}

// MemoryReplayGuard keeps the window in a ttlcache.
type MemoryReplayGuard struct {
	seen *ttlcache.Cache[string, struct{}]
}

// NewMemoryReplayGuard creates a guard for window.
func NewMemoryReplayGuard(window time.Duration) *MemoryReplayGuard {
	return &MemoryReplayGuard{
		seen: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](window),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
}

// Mark implements ReplayGuard.
func (g *MemoryReplayGuard) Mark(_ context.Context, minerID string, nonce uint32, hash string) (bool, error) {
	_, loaded := g.seen.GetOrSet(replayKey(minerID, nonce, hash), struct{}{})
	return !loaded, nil
}

// Run evicts expired entries until ctx ends.
func (g *MemoryReplayGuard) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		g.seen.Stop()
	}()
	g.seen.Start()
}

// Len returns the number of remembered triples.
func (g *MemoryReplayGuard) Len() int { return g.seen.Len() }

// MemoryRateGuard keeps a token bucket per miner. Idle miners' buckets are
// evicted after idle.
type MemoryRateGuard struct {
	limit    rate.Limit
	burst    int
	limiters *ttlcache.Cache[string, *rate.Limiter]
}

// NewMemoryRateGuard allows perSecond submissions with the given burst.
func NewMemoryRateGuard(perSecond float64, burst int, idle time.Duration) *MemoryRateGuard {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &MemoryRateGuard{
		limit: rate.Limit(perSecond),
		burst: burst,
		limiters: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](idle),
		),
	}
}

// Allow implements RateGuard.
func (g *MemoryRateGuard) Allow(_ context.Context, minerID string, at time.Time) (bool, error) {
	var limiter *rate.Limiter
	if item := g.limiters.Get(minerID); item != nil {
		limiter = item.Value()
	} else {
		item, _ := g.limiters.GetOrSet(minerID, rate.NewLimiter(g.limit, g.burst))
		limiter = item.Value()
	}
	return limiter.AllowN(at, 1), nil
}

// Run evicts idle buckets until ctx ends.
func (g *MemoryRateGuard) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		g.limiters.Stop()
	}()
	g.limiters.Start()
}

// SharedStore is the slice of the Redis client the distributed guards use.
type SharedStore interface {
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// RedisReplayGuard shares the replay window between pool instances.
type RedisReplayGuard struct {
	store  SharedStore
	window time.Duration
}

// NewRedisReplayGuard creates a guard backed by store.
func NewRedisReplayGuard(store SharedStore, window time.Duration) *RedisReplayGuard {
	return &RedisReplayGuard{store: store, window: window}
}

// Mark implements ReplayGuard.
func (g *RedisReplayGuard) Mark(ctx context.Context, minerID string, nonce uint32, hash string) (bool, error) {
	return g.store.SetIfAbsent(ctx, "share:"+replayKey(minerID, nonce, hash), g.window)
}

// RedisRateGuard counts submissions per miner per second across instances.
type RedisRateGuard struct {
	store SharedStore
	limit int64
}

// NewRedisRateGuard allows limit submissions per miner per second.
func NewRedisRateGuard(store SharedStore, limit int64) *RedisRateGuard {
	return &RedisRateGuard{store: store, limit: limit}
}

// Allow implements RateGuard.
func (g *RedisRateGuard) Allow(ctx context.Context, minerID string, at time.Time) (bool, error) {
	key := fmt.Sprintf("rate:%s:%d", minerID, at.Unix())
	return g.store.CheckRateLimit(ctx, key, g.limit, 2*time.Second)
}
