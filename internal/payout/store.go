package payout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu            sync.Mutex
	accounts      map[string]Account
	distributions map[uint64]*Distribution
	payouts       map[uint64][]Payout
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      make(map[string]Account),
		distributions: make(map[uint64]*Distribution),
		payouts:       make(map[uint64][]Payout),
	}
}

// Accounts implements Store.
func (s *MemoryStore) Accounts(_ context.Context, minerIDs []string) (map[string]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Account, len(minerIDs))
	for _, id := range minerIDs {
		if a, ok := s.accounts[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

// RecordDistribution implements Store.
func (s *MemoryStore) RecordDistribution(_ context.Context, d *Distribution, accounts []Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.distributions[d.PeriodID]; ok {
		return alreadyDistributed(d.PeriodID)
	}
	cp := *d
	s.distributions[d.PeriodID] = &cp
	s.payouts[d.PeriodID] = append([]Payout(nil), d.Payouts...)
	for _, a := range accounts {
		s.accounts[a.MinerID] = a
	}
	return nil
}

// PendingPayouts implements Store.
func (s *MemoryStore) PendingPayouts(_ context.Context, periodID uint64) ([]Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Payout
	for _, p := range s.payouts[periodID] {
		if p.Status == StatusPending {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinerID < out[j].MinerID })
	return out, nil
}

// MarkPaid implements Store.
func (s *MemoryStore) MarkPaid(_ context.Context, periodID uint64, txID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.payouts[periodID]
	for i := range ps {
		if ps[i].Status == StatusPending {
			ps[i].Status = StatusPaid
			ps[i].TxID = txID
			ps[i].PaidAt = at
		}
	}
	return nil
}

// Account returns one miner's account.
func (s *MemoryStore) Account(minerID string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[minerID]
	return a, ok
}

// Payouts returns every payout of a period.
func (s *MemoryStore) Payouts(periodID uint64) []Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Payout(nil), s.payouts[periodID]...)
}

// Distributed reports whether a period has been settled.
func (s *MemoryStore) Distributed(periodID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.distributions[periodID]
	return ok
}
