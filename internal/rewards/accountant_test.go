package rewards

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/bridgepool/pkg/errors"
)

var day1 = time.Date(2026, 3, 1, 5, 30, 0, 0, time.UTC)

func testParams() Params {
	return Params{
		PeriodLength: 24 * time.Hour,
		SlotLength:   time.Hour,
	}
}

func recovered(t *testing.T, store Store) *Accountant {
	t.Helper()
	a := NewAccountant(testParams(), 5000, store)
	require.NoError(t, a.Recover(context.Background(), day1))
	return a
}

// flakyStore fails ClosePeriod a set number of times.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) ClosePeriod(ctx context.Context, closed *PeriodSnapshot, next *Period) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New(errors.ErrorTypeDatabase, "close_period", "connection reset")
	}
	s.mu.Unlock()
	return s.MemoryStore.ClosePeriod(ctx, closed, next)
}

func TestAccountant_RecoverStartsAlignedPeriod(t *testing.T) {
	store := NewMemoryStore()
	a := recovered(t, store)

	cur := a.Current()
	assert.Equal(t, uint64(1), cur.ID)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), cur.Start)
	assert.Equal(t, cur.Start.Add(24*time.Hour), cur.End)
	assert.Equal(t, uint64(5000), cur.RewardPool)

	open, ok, err := store.OpenPeriod(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), open.ID)
}

func TestAccountant_RecordBeforeRecover(t *testing.T) {
	a := NewAccountant(testParams(), 5000, NewMemoryStore())
	assert.Error(t, a.RecordShare("alice", 1, day1))
	assert.Error(t, a.AddReward(10))
	_, err := a.Rollover(context.Background(), day1)
	assert.Error(t, err)
}

func TestAccountant_RecordShare(t *testing.T) {
	a := recovered(t, NewMemoryStore())
	start := a.Current().Start

	require.NoError(t, a.RecordShare("alice", 1, start.Add(10*time.Minute)))
	require.NoError(t, a.RecordShare("alice", 2, start.Add(20*time.Minute)))
	require.NoError(t, a.RecordShare("alice", 0.5, start.Add(90*time.Minute)))
	require.NoError(t, a.RecordShare("bob", 1, start.Add(30*time.Minute)))

	alice, ok := a.Miner("alice")
	require.True(t, ok)
	assert.Equal(t, uint64(3), alice.Shares)
	assert.Equal(t, uint64(3500), alice.Work)
	assert.Equal(t, uint64(2), alice.ActiveSlots)
	assert.Equal(t, start.Add(90*time.Minute), alice.LastShare)
	assert.Equal(t, start.Add(10*time.Minute), alice.ParticipationStart)

	_, ok = a.Miner("carol")
	assert.False(t, ok)

	require.NoError(t, a.AddReward(625))
	assert.Equal(t, uint64(4), a.Current().TotalShares)
	assert.Equal(t, uint64(5625), a.Current().RewardPool)
}

func TestAccountant_Rollover(t *testing.T) {
	store := NewMemoryStore()
	a := recovered(t, store)
	first := a.Current()

	require.NoError(t, a.RecordShare("alice", 1, first.Start.Add(time.Hour)))
	require.NoError(t, a.RecordShare("carol", 1, first.Start.Add(2*time.Hour)))

	closed, err := a.Rollover(context.Background(), first.End.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, closed)

	closed, err = a.Rollover(context.Background(), first.End)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, first.ID, closed[0].ID)
	assert.True(t, closed[0].Closed)

	snap, err := store.Snapshot(context.Background(), first.ID)
	require.NoError(t, err)
	assert.True(t, snap.Closed)
	assert.Equal(t, uint64(2), snap.TotalShares)
	require.Len(t, snap.Miners, 2)

	second := a.Current()
	assert.Equal(t, first.ID+1, second.ID)
	assert.Equal(t, first.End, second.Start)
	assert.Zero(t, second.TotalShares)
	assert.Equal(t, uint64(5000), second.RewardPool)

	// continuing miners keep their participation start
	require.NoError(t, a.RecordShare("alice", 1, second.Start.Add(time.Hour)))
	require.NoError(t, a.RecordShare("bob", 1, second.Start.Add(time.Hour)))
	alice, _ := a.Miner("alice")
	assert.Equal(t, first.Start.Add(time.Hour), alice.ParticipationStart)
	bob, _ := a.Miner("bob")
	assert.Equal(t, second.Start.Add(time.Hour), bob.ParticipationStart)

	// carol skipped a period and starts over
	_, err = a.Rollover(context.Background(), second.End)
	require.NoError(t, err)
	third := a.Current()
	require.NoError(t, a.RecordShare("carol", 1, third.Start.Add(time.Minute)))
	carol, _ := a.Miner("carol")
	assert.Equal(t, third.Start.Add(time.Minute), carol.ParticipationStart)
}

func TestAccountant_RolloverCatchesUp(t *testing.T) {
	store := NewMemoryStore()
	a := recovered(t, store)
	start := a.Current().Start

	closed, err := a.Rollover(context.Background(), start.Add(3*24*time.Hour+time.Minute))
	require.NoError(t, err)
	require.Len(t, closed, 3)
	for i, p := range closed {
		assert.Equal(t, uint64(i+1), p.ID)
	}
	assert.Equal(t, uint64(4), a.Current().ID)

	open, ok, err := store.OpenPeriod(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(4), open.ID)
}

func TestAccountant_RolloverRetriesFailedClose(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	a := recovered(t, store)
	first := a.Current()
	require.NoError(t, a.RecordShare("alice", 1, first.Start.Add(time.Minute)))

	closed, err := a.Rollover(context.Background(), first.End)
	require.Error(t, err)
	assert.Empty(t, closed)
	assert.Equal(t, first.ID+1, a.Current().ID)

	_, err = store.Snapshot(context.Background(), first.ID)
	require.NoError(t, err)

	closed, err = a.Rollover(context.Background(), first.End)
	require.NoError(t, err)
	require.Len(t, closed, 1)

	snap, err := store.Snapshot(context.Background(), first.ID)
	require.NoError(t, err)
	assert.True(t, snap.Closed)
	assert.Equal(t, uint64(1), snap.TotalShares)
}

func TestAccountant_FlushAndRecover(t *testing.T) {
	store := NewMemoryStore()
	a := recovered(t, store)
	start := a.Current().Start

	require.NoError(t, a.RecordShare("alice", 2, start.Add(time.Minute)))
	require.NoError(t, a.RecordShare("alice", 2, start.Add(2*time.Minute)))
	require.NoError(t, a.Flush(context.Background()))

	restarted := recovered(t, store)
	assert.Equal(t, a.Current(), restarted.Current())
	alice, ok := restarted.Miner("alice")
	require.True(t, ok)
	assert.Equal(t, uint64(2), alice.Shares)
	assert.Equal(t, uint64(4000), alice.Work)

	// still in the first slot
	require.NoError(t, restarted.RecordShare("alice", 2, start.Add(3*time.Minute)))
	alice, _ = restarted.Miner("alice")
	assert.Equal(t, uint64(1), alice.ActiveSlots)
}

func TestAccountant_RecoverKeepsParticipation(t *testing.T) {
	store := NewMemoryStore()
	a := recovered(t, store)
	first := a.Current()
	require.NoError(t, a.RecordShare("alice", 1, first.Start.Add(time.Minute)))
	_, err := a.Rollover(context.Background(), first.End)
	require.NoError(t, err)

	restarted := NewAccountant(testParams(), 5000, store)
	require.NoError(t, restarted.Recover(context.Background(), first.End.Add(time.Hour)))
	require.NoError(t, restarted.RecordShare("alice", 1, first.End.Add(time.Hour)))
	alice, _ := restarted.Miner("alice")
	assert.Equal(t, first.Start.Add(time.Minute), alice.ParticipationStart)
}

func TestAccountant_ConcurrentRecording(t *testing.T) {
	a := recovered(t, NewMemoryStore())
	start := a.Current().Start

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				_ = a.RecordShare("miner", 1, start.Add(time.Duration(w*100+i)*time.Second))
			}
		}()
	}
	wg.Wait()

	m, _ := a.Miner("miner")
	assert.Equal(t, uint64(800), m.Shares)
	assert.Equal(t, uint64(800), a.Current().TotalShares)
}

func TestAccountant_SettlementDeterministic(t *testing.T) {
	store := NewMemoryStore()
	a := recovered(t, store)
	p := a.Current()
	for i := range 50 {
		miner := []string{"a", "b", "c"}[i%3]
		require.NoError(t, a.RecordShare(miner, float64(i%5+1), p.Start.Add(time.Duration(i)*17*time.Minute)))
	}
	_, err := a.Rollover(context.Background(), p.End)
	require.NoError(t, err)

	snap1, err := store.Snapshot(context.Background(), p.ID)
	require.NoError(t, err)
	snap2, err := store.Snapshot(context.Background(), p.ID)
	require.NoError(t, err)

	got1 := Compute(snap1, a.Params(), snap1.RewardPool)
	got2 := Compute(snap2, a.Params(), snap2.RewardPool)
	assert.Equal(t, got1, got2)
	assert.LessOrEqual(t, sumGross(got1), snap1.RewardPool)
}
