// Package redis provides the shared Redis state for poold replicas: share
// replay marks, per-miner rate limits, counters and hashrate samples.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ConfigFromURL parses a redis:// URL into a Config.
func ConfigFromURL(url string) (*Config, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	return &Config{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, nil
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Replay protection

// SetIfAbsent sets key with a TTL and reports whether it was newly set
func (c *Client) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set key: %w", err)
	}
	return ok, nil
}

// Statistics and counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// SetHashrate adds a hashrate sample for a miner and drops samples older
// than window
func (c *Client) SetHashrate(ctx context.Context, minerID string, hashrate float64, at time.Time, window time.Duration) error {
	key := hashrateKey(minerID)
	timestamp := at.Unix()

	// Store as sorted set with timestamp as score
	member := redis.Z{
		Score:  float64(timestamp),
		Member: sampleMember(at, hashrate),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(timestamp-int64(window.Seconds()), 10))
	pipe.Expire(ctx, key, window*2) // Keep data a bit longer than window

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}

	return nil
}

// GetAverageHashrate calculates average hashrate over a time window
func (c *Client) GetAverageHashrate(ctx context.Context, minerID string, window time.Duration) (float64, error) {
	minScore := time.Now().Add(-window).Unix()

	// Get all hashrate values in the time window
	values, err := c.rdb.ZRangeByScore(ctx, hashrateKey(minerID), &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()

	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}

	return averageSamples(values), nil
}

// Rate limiting

// CheckRateLimit checks if an action is rate limited
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	count, err := c.IncrementCounter(ctx, key, window)
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return count <= limit, nil
}

func hashrateKey(minerID string) string {
	return "hashrate:" + minerID
}

// sampleMember makes each sample unique; equal values at different times
// would otherwise collapse into one set member.
func sampleMember(at time.Time, hashrate float64) string {
	return strconv.FormatInt(at.UnixNano(), 10) + ":" + strconv.FormatFloat(hashrate, 'f', -1, 64)
}

func averageSamples(members []string) float64 {
	var total float64
	var n int
	for _, m := range members {
		_, value, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		if hashrate, err := strconv.ParseFloat(value, 64); err == nil {
			total += hashrate
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
