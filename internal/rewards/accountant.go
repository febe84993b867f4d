package rewards

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bardlex/bridgepool/internal/metrics"
	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/log"
)

// Option customizes an Accountant.
type Option func(*Accountant)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(a *Accountant) { a.logger = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Pool) Option { return func(a *Accountant) { a.metrics = m } }

type pendingClose struct {
	closed *PeriodSnapshot
	next   *Period
}

// Accountant aggregates accepted shares into the current period and closes
// periods as their end passes. Share recording never touches the store;
// Flush and Rollover persist outside the period lock.
type Accountant struct {
	params          Params
	rewardPerPeriod uint64
	store           Store
	logger          *log.Logger
	metrics         *metrics.Pool

	// persist serializes store writes
	persist sync.Mutex

	mu            sync.Mutex
	cur           *PeriodSnapshot
	miners        map[string]*MinerStats
	participation map[string]time.Time
	pending       []pendingClose
}

// NewAccountant creates an accountant. Call Recover before recording.
func NewAccountant(params Params, rewardPerPeriod uint64, store Store, opts ...Option) *Accountant {
	if params.PeriodLength <= 0 {
		params.PeriodLength = 24 * time.Hour
	}
	if params.SlotLength <= 0 || params.SlotLength > params.PeriodLength {
		params.SlotLength = params.PeriodLength
	}
	a := &Accountant{
		params:          params,
		rewardPerPeriod: rewardPerPeriod,
		store:           store,
		logger:          log.Nop(),
		participation:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithComponent("rewards")
	return a
}

// Params returns the reward rules.
func (a *Accountant) Params() Params { return a.params }

// Recover loads the open period, or starts the first one aligned to the
// period length, then closes any periods that ended while stopped.
func (a *Accountant) Recover(ctx context.Context, now time.Time) error {
	open, ok, err := a.store.OpenPeriod(ctx)
	if err != nil {
		return err
	}
	if !ok {
		start := now.UTC().Truncate(a.params.PeriodLength)
		open = &PeriodSnapshot{Period: Period{
			ID:         1,
			Start:      start,
			End:        start.Add(a.params.PeriodLength),
			RewardPool: a.rewardPerPeriod,
		}}
		if err := a.store.SaveOpenPeriod(ctx, open); err != nil {
			return err
		}
	}

	participation := make(map[string]time.Time)
	if open.ID > 1 {
		prev, err := a.store.Snapshot(ctx, open.ID-1)
		switch {
		case err == nil:
			for _, m := range prev.Miners {
				participation[m.MinerID] = m.ParticipationStart
			}
		case !errors.IsCode(err, errors.CodePeriodNotFound):
			return err
		}
	}

	a.mu.Lock()
	a.cur = open
	a.miners = make(map[string]*MinerStats, len(open.Miners))
	for i := range open.Miners {
		m := open.Miners[i]
		a.miners[m.MinerID] = &m
	}
	a.cur.Miners = nil
	a.participation = participation
	a.mu.Unlock()

	a.logger.WithPeriod(open.ID).Info("reward period loaded",
		"start", open.Start, "end", open.End, "miners", len(open.Miners), "shares", open.TotalShares)

	_, err = a.Rollover(ctx, now)
	return err
}

// RecordShare adds one accepted share to the current period. Shares
// stamped after the period end but recorded before the next Rollover
// count toward the period that was current when they arrived.
func (a *Accountant) RecordShare(minerID string, difficulty float64, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cur == nil {
		return errors.New(errors.ErrorTypeInternal, "record_share", "accountant not recovered")
	}

	m, ok := a.miners[minerID]
	if !ok {
		start, continuing := a.participation[minerID]
		if !continuing || start.IsZero() {
			start = at
		}
		m = &MinerStats{MinerID: minerID, ParticipationStart: start}
		a.miners[minerID] = m
	}

	slot := a.slotOf(at)
	if m.Shares == 0 || slot > a.slotOf(m.LastShare) {
		m.ActiveSlots++
	}
	m.Shares++
	m.Work += WorkUnits(difficulty)
	if at.After(m.LastShare) {
		m.LastShare = at
	}
	a.cur.TotalShares++

	if a.metrics != nil {
		a.metrics.SetPeriod(a.cur.ID, a.cur.TotalShares)
	}
	return nil
}

func (a *Accountant) slotOf(at time.Time) uint64 {
	if at.Before(a.cur.Start) {
		return 0
	}
	return uint64(at.Sub(a.cur.Start) / a.params.SlotLength)
}

// AddReward grows the current period's reward pool.
func (a *Accountant) AddReward(amount uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return errors.New(errors.ErrorTypeInternal, "add_reward", "accountant not recovered")
	}
	a.cur.RewardPool += amount
	return nil
}

// Current returns the open period.
func (a *Accountant) Current() Period {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return Period{}
	}
	return a.cur.Period
}

// Miner returns a miner's running stats in the open period.
func (a *Accountant) Miner(minerID string) (MinerStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.miners[minerID]
	if !ok {
		return MinerStats{}, false
	}
	return *m, true
}

// Snapshot copies the open period's running totals, or returns nil before
// Recover.
func (a *Accountant) Snapshot() *PeriodSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return nil
	}
	return a.snapshotLocked()
}

// snapshotLocked copies the open period. Called with a.mu held.
func (a *Accountant) snapshotLocked() *PeriodSnapshot {
	snap := &PeriodSnapshot{Period: a.cur.Period, Miners: make([]MinerStats, 0, len(a.miners))}
	for _, m := range a.miners {
		snap.Miners = append(snap.Miners, *m)
	}
	sort.Slice(snap.Miners, func(i, j int) bool { return snap.Miners[i].MinerID < snap.Miners[j].MinerID })
	return snap
}

// Flush persists the open period's running totals.
func (a *Accountant) Flush(ctx context.Context) error {
	a.persist.Lock()
	defer a.persist.Unlock()

	a.mu.Lock()
	if a.cur == nil {
		a.mu.Unlock()
		return nil
	}
	snap := a.snapshotLocked()
	a.mu.Unlock()

	return a.store.SaveOpenPeriod(ctx, snap)
}

// Rollover closes every period whose end is at or before now and opens
// its successor. Closed periods are persisted in order; one that fails to
// persist is retried on the next call.
func (a *Accountant) Rollover(ctx context.Context, now time.Time) ([]Period, error) {
	a.persist.Lock()
	defer a.persist.Unlock()

	a.mu.Lock()
	if a.cur == nil {
		a.mu.Unlock()
		return nil, errors.New(errors.ErrorTypeInternal, "rollover", "accountant not recovered")
	}
	for !now.Before(a.cur.End) {
		closed := a.snapshotLocked()
		closed.Closed = true

		participation := make(map[string]time.Time, len(closed.Miners))
		for _, m := range closed.Miners {
			participation[m.MinerID] = m.ParticipationStart
		}

		next := &Period{
			ID:         closed.ID + 1,
			Start:      closed.End,
			End:        closed.End.Add(a.params.PeriodLength),
			RewardPool: a.rewardPerPeriod,
		}
		a.pending = append(a.pending, pendingClose{closed: closed, next: next})
		a.cur = &PeriodSnapshot{Period: *next}
		a.miners = make(map[string]*MinerStats)
		a.participation = participation
	}
	pending := append([]pendingClose(nil), a.pending...)
	a.mu.Unlock()

	var closed []Period
	for _, pc := range pending {
		if err := a.store.ClosePeriod(ctx, pc.closed, pc.next); err != nil {
			a.dropPending(len(closed))
			return closed, errors.Wrap(err, errors.ErrorTypeDatabase, "rollover", "failed to persist closed period").
				WithContext("period_id", pc.closed.ID)
		}
		closed = append(closed, pc.closed.Period)
		a.logger.WithPeriod(pc.closed.ID).Info("reward period closed",
			"shares", pc.closed.TotalShares, "miners", len(pc.closed.Miners), "pool", pc.closed.RewardPool)
	}
	a.dropPending(len(closed))
	return closed, nil
}

func (a *Accountant) dropPending(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = a.pending[n:]
}

// Run rolls periods over and flushes the open one every interval until ctx
// ends. Each closed period is passed to onClose, oldest first.
func (a *Accountant) Run(ctx context.Context, interval time.Duration, onClose func(context.Context, Period)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			closed, err := a.Rollover(ctx, now)
			if err != nil {
				a.logger.WithError(err).Error("period rollover failed")
			}
			if onClose != nil {
				for _, p := range closed {
					onClose(ctx, p)
				}
			}
			if err := a.Flush(ctx); err != nil {
				a.logger.WithError(err).Warn("period flush failed")
			}
		}
	}
}
