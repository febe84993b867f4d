package validation

import (
	"context"
	"sync"
	"time"
)

// DifficultyOracle supplies the minimum share difficulty.
type DifficultyOracle interface {
	Floor(ctx context.Context) (float64, error)
}

// StaticOracle is a fixed floor.
type StaticOracle float64

// Floor implements DifficultyOracle.
func (o StaticOracle) Floor(context.Context) (float64, error) { return float64(o), nil }

// NetworkDifficulty reports the current network difficulty.
type NetworkDifficulty interface {
	GetDifficulty(ctx context.Context) (float64, error)
}

// RPCDifficultyOracle derives the floor from the node's network difficulty:
// max(min, network * fraction). The network value is cached for ttl, and
// the last good value is kept when the node is unreachable.
type RPCDifficultyOracle struct {
	node     NetworkDifficulty
	min      float64
	fraction float64
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	network float64
	fetched time.Time
}

// NewRPCDifficultyOracle creates an oracle. A zero fraction pins the floor
// to min.
func NewRPCDifficultyOracle(node NetworkDifficulty, minDifficulty, fraction float64, ttl time.Duration) *RPCDifficultyOracle {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RPCDifficultyOracle{
		node:     node,
		min:      minDifficulty,
		fraction: fraction,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Floor implements DifficultyOracle.
func (o *RPCDifficultyOracle) Floor(ctx context.Context) (float64, error) {
	if o.fraction <= 0 {
		return o.min, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fetched.IsZero() || o.now().Sub(o.fetched) >= o.ttl {
		network, err := o.node.GetDifficulty(ctx)
		switch {
		case err == nil:
			o.network, o.fetched = network, o.now()
		case o.fetched.IsZero():
			return 0, err
		}
	}
	return max(o.min, o.network*o.fraction), nil
}
