package bridge

import (
	"context"
	"sort"
	"sync"

	"github.com/bardlex/bridgepool/pkg/errors"
)

// Record is the durable form of a transfer, including the validator snapshot
// and collected signatures.
type Record struct {
	Transfer   Transfer
	Powers     map[string]uint64
	Signatures map[string]StoredSignature
}

// StoredSignature is one validator signature kept for audit.
type StoredSignature struct {
	Signature []byte
	Counted   bool
}

// Store persists ledger state. Every status change is written through the
// store before the in-memory record changes, so a failed write leaves the
// ledger untouched.
type Store interface {
	CreateTransfer(ctx context.Context, rec *Record) error
	UpdateTransfer(ctx context.Context, t *Transfer) error
	AddSignature(ctx context.Context, transferID, identity string, sig StoredSignature, power uint64) error
	LoadTransfers(ctx context.Context) ([]*Record, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// CreateTransfer implements Store.
func (s *MemoryStore) CreateTransfer(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Transfer.ID]; ok {
		return errors.New(errors.ErrorTypeDatabase, "create_transfer", "transfer already stored").
			WithContext("transfer_id", rec.Transfer.ID)
	}
	s.records[rec.Transfer.ID] = cloneRecord(rec)
	return nil
}

// UpdateTransfer implements Store.
func (s *MemoryStore) UpdateTransfer(_ context.Context, t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[t.ID]
	if !ok {
		return errors.NewCode(errors.ErrorTypeDatabase, errors.CodeTransferNotFound, "update_transfer", "transfer not stored").
			WithContext("transfer_id", t.ID)
	}
	rec.Transfer = *t
	return nil
}

// AddSignature implements Store.
func (s *MemoryStore) AddSignature(_ context.Context, transferID, identity string, sig StoredSignature, power uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[transferID]
	if !ok {
		return errors.NewCode(errors.ErrorTypeDatabase, errors.CodeTransferNotFound, "add_signature", "transfer not stored").
			WithContext("transfer_id", transferID)
	}
	rec.Signatures[identity] = StoredSignature{Signature: append([]byte(nil), sig.Signature...), Counted: sig.Counted}
	if sig.Counted {
		rec.Transfer.Power = power
		rec.Transfer.Signers++
	}
	return nil
}

// LoadTransfers implements Store. Records come back ordered by creation time.
func (s *MemoryStore) LoadTransfers(_ context.Context) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Transfer.CreatedAt.Before(out[j].Transfer.CreatedAt)
	})
	return out, nil
}

// Get returns a copy of the stored record.
func (s *MemoryStore) Get(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

func cloneRecord(rec *Record) *Record {
	cp := &Record{
		Transfer:   rec.Transfer,
		Powers:     make(map[string]uint64, len(rec.Powers)),
		Signatures: make(map[string]StoredSignature, len(rec.Signatures)),
	}
	for k, v := range rec.Powers {
		cp.Powers[k] = v
	}
	for k, v := range rec.Signatures {
		cp.Signatures[k] = StoredSignature{Signature: append([]byte(nil), v.Signature...), Counted: v.Counted}
	}
	return cp
}
