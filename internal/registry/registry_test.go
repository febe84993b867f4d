package registry

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/bridgepool/internal/sigverify"
	"github.com/bardlex/bridgepool/pkg/errors"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func identity(seed byte) string {
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return sigverify.Identity(key.PubKey())
}

func newRegistry(t *testing.T) (*Registry, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	r, err := New(2, 3, sink, nil)
	require.NoError(t, err)
	return r, sink
}

func TestAddRemove(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r, sink := newRegistry(t)

	a, b := identity(1), identity(2)
	require.NoError(r.Add(ctx, a, 40))
	require.NoError(r.Add(ctx, b, 60))
	require.Equal(uint64(100), r.TotalPower())
	require.True(r.IsActive(a))
	require.Equal(uint64(40), r.Power(a))

	err := r.Add(ctx, a, 10)
	require.ErrorIs(err, errors.ErrAlreadyActive)
	require.Equal(uint64(100), r.TotalPower())

	require.NoError(r.Remove(ctx, a))
	require.False(r.IsActive(a))
	require.Equal(uint64(60), r.TotalPower())

	require.ErrorIs(r.Remove(ctx, a), errors.ErrNotActive)

	require.Len(sink.events, 3)
	require.Equal(EventValidatorAdded, sink.events[0].Kind)
	require.Equal(EventValidatorRemoved, sink.events[2].Kind)
	require.Equal(uint64(60), sink.events[2].TotalPower)
	for i, ev := range sink.events {
		require.Equal(uint64(i+1), ev.Sequence)
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	r, sink := newRegistry(t)

	require.Error(t, r.Add(ctx, identity(1), 0))
	require.Error(t, r.Add(ctx, "not-a-key", 10))
	require.Empty(t, sink.events)
}

func TestIdentityNormalization(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r, _ := newRegistry(t)

	id := identity(3)
	upper := bytes.ToUpper([]byte(id))
	require.NoError(r.Add(ctx, string(upper), 5))
	require.True(r.IsActive(id))
	require.ErrorIs(r.Add(ctx, id, 5), errors.ErrAlreadyActive)
}

func TestThresholdPower(t *testing.T) {
	tests := []struct {
		total, num, den, want uint64
	}{
		{100, 2, 3, 67},
		{99, 2, 3, 66},
		{3, 2, 3, 2},
		{1, 2, 3, 1},
		{0, 2, 3, 1},
		{100, 1, 1, 100},
		{^uint64(0), 2, 3, 12297829382473034410},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ThresholdPower(tt.total, tt.num, tt.den), "total=%d", tt.total)
	}
}

func TestSnapshotIsFrozen(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r, _ := newRegistry(t)

	a, b, c := identity(1), identity(2), identity(3)
	require.NoError(r.Add(ctx, a, 40))
	require.NoError(r.Add(ctx, b, 30))
	require.NoError(r.Add(ctx, c, 30))

	snap := r.Snapshot()
	require.Equal(uint64(100), snap.TotalPower())
	require.Equal(uint64(67), snap.Threshold())

	require.NoError(r.Remove(ctx, c))
	require.NoError(r.SetThreshold(ctx, 1, 2))

	p, ok := snap.Power(c)
	require.True(ok)
	require.Equal(uint64(30), p)
	require.Equal(uint64(67), snap.Threshold())
	require.ElementsMatch([]string{a, b, c}, snap.Identities())

	fresh := r.Snapshot()
	require.Equal(uint64(70), fresh.TotalPower())
	require.Equal(uint64(35), fresh.Threshold())
	_, ok = fresh.Power(c)
	require.False(ok)
}

func TestSetThresholdValidation(t *testing.T) {
	ctx := context.Background()
	r, sink := newRegistry(t)

	require.Error(t, r.SetThreshold(ctx, 0, 3))
	require.Error(t, r.SetThreshold(ctx, 4, 3))
	require.Error(t, r.SetThreshold(ctx, 1, 0))
	require.Empty(t, sink.events)

	require.NoError(t, r.SetThreshold(ctx, 3, 4))
	num, den := r.Threshold()
	require.Equal(t, uint64(3), num)
	require.Equal(t, uint64(4), den)
	require.Equal(t, EventThresholdChanged, sink.events[0].Kind)
}

func TestNewSnapshot(t *testing.T) {
	snap := NewSnapshot(map[string]uint64{"a": 40, "b": 30}, 0)
	require.Equal(t, uint64(70), snap.TotalPower())
	require.Equal(t, uint64(1), snap.Threshold())
	require.True(t, snap.Reached(1))
}

func TestConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	r, sink := newRegistry(t)

	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			_ = r.Add(ctx, identity(seed), uint64(seed))
			_ = r.Snapshot()
		}(byte(i))
	}
	wg.Wait()

	require.Equal(t, uint64(32*33/2), r.TotalPower())
	require.Len(t, r.Validators(), 32)
	require.Len(t, sink.events, 32)

	// sequence order matches mutation order even when delivery interleaves
	bySeq := make(map[uint64]Event, len(sink.events))
	for _, ev := range sink.events {
		bySeq[ev.Sequence] = ev
	}
	require.Len(t, bySeq, 32)
	var prev uint64
	for seq := uint64(1); seq <= 32; seq++ {
		ev, ok := bySeq[seq]
		require.True(t, ok, "missing sequence %d", seq)
		require.Equal(t, prev+ev.Power, ev.TotalPower)
		prev = ev.TotalPower
	}
}

type fakePublisher struct {
	topic, key string
	value      any
}

func (p *fakePublisher) PublishJSON(_ context.Context, topic, key string, v any) error {
	p.topic, p.key, p.value = topic, key, v
	return nil
}

func TestTopicSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewTopicSink(pub, "bridge.validator_events")

	require.NoError(t, sink.Emit(context.Background(), Event{Kind: EventThresholdChanged}))
	require.Equal(t, "bridge.validator_events", pub.topic)
	require.Equal(t, string(EventThresholdChanged), pub.key)

	require.NoError(t, sink.Emit(context.Background(), Event{Kind: EventValidatorAdded, Identity: "02ab"}))
	require.Equal(t, "02ab", pub.key)
}
