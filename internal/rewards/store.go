package rewards

import (
	"context"
	"sort"
	"sync"

	"github.com/bardlex/bridgepool/pkg/errors"
)

// Store persists reward periods.
type Store interface {
	// OpenPeriod returns the period that has not been closed yet.
	OpenPeriod(ctx context.Context) (*PeriodSnapshot, bool, error)
	// SaveOpenPeriod upserts the running totals of the open period.
	SaveOpenPeriod(ctx context.Context, snap *PeriodSnapshot) error
	// ClosePeriod stores the final inputs of closed and opens next, atomically.
	ClosePeriod(ctx context.Context, closed *PeriodSnapshot, next *Period) error
	// Snapshot loads a period with its inputs.
	Snapshot(ctx context.Context, periodID uint64) (*PeriodSnapshot, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	periods map[uint64]*PeriodSnapshot
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{periods: make(map[uint64]*PeriodSnapshot)}
}

// OpenPeriod implements Store.
func (s *MemoryStore) OpenPeriod(context.Context) (*PeriodSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open *PeriodSnapshot
	for _, p := range s.periods {
		if !p.Closed && (open == nil || p.ID > open.ID) {
			open = p
		}
	}
	if open == nil {
		return nil, false, nil
	}
	return CloneSnapshot(open), true, nil
}

// SaveOpenPeriod implements Store.
func (s *MemoryStore) SaveOpenPeriod(_ context.Context, snap *PeriodSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.periods[snap.ID]; ok && cur.Closed {
		return errors.New(errors.ErrorTypeDatabase, "save_open_period", "period already closed").
			WithContext("period_id", snap.ID)
	}
	s.periods[snap.ID] = CloneSnapshot(snap)
	return nil
}

// ClosePeriod implements Store.
func (s *MemoryStore) ClosePeriod(_ context.Context, closed *PeriodSnapshot, next *Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.periods[closed.ID]; ok && cur.Closed {
		return errors.New(errors.ErrorTypeDatabase, "close_period", "period already closed").
			WithContext("period_id", closed.ID)
	}
	s.periods[closed.ID] = CloneSnapshot(closed)
	if _, ok := s.periods[next.ID]; !ok {
		s.periods[next.ID] = &PeriodSnapshot{Period: *next}
	}
	return nil
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(_ context.Context, periodID uint64) (*PeriodSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periods[periodID]
	if !ok {
		return nil, errors.NewCode(errors.ErrorTypeValidation, errors.CodePeriodNotFound, "snapshot", "period not found").
			WithContext("period_id", periodID)
	}
	return CloneSnapshot(p), nil
}

// CloneSnapshot deep-copies snap with miners sorted by id.
func CloneSnapshot(snap *PeriodSnapshot) *PeriodSnapshot {
	out := &PeriodSnapshot{Period: snap.Period, Miners: make([]MinerStats, len(snap.Miners))}
	copy(out.Miners, snap.Miners)
	sort.Slice(out.Miners, func(i, j int) bool { return out.Miners[i].MinerID < out.Miners[j].MinerID })
	return out
}
