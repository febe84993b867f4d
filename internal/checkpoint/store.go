// Package checkpoint remembers, per source chain, the next block the
// relayer has to scan and the deposits it saw but has not yet handed to
// the bridge engine.
package checkpoint

import (
	"encoding/binary"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/bardlex/bridgepool/pkg/errors"
)

const (
	keyPrefix     = "next-block/"
	pendingPrefix = "pending/"
)

// Store is the relayer's checkpoint interface. Pending entries are opaque
// event encodings keyed by source chain and deposit nonce.
type Store interface {
	NextBlock(chainID uint32) (uint64, bool, error)
	SetNextBlock(chainID uint32, next uint64) error

	PutPending(chainID uint32, nonce uint64, event []byte) error
	DeletePending(chainID uint32, nonce uint64) error
	Pending(chainID uint32) ([][]byte, error)
}

// PebbleStore keeps checkpoints in a local pebble database.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) the checkpoint database under dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(filepath.Join(dir, "relayer-checkpoints"), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "open_checkpoints", "opening pebble db").
			WithContext("dir", dir)
	}
	return &PebbleStore{db: db}, nil
}

func key(chainID uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte(keyPrefix), chainID)
}

// NextBlock returns the stored checkpoint. ok is false when none exists.
func (s *PebbleStore) NextBlock(chainID uint32) (uint64, bool, error) {
	value, closer, err := s.db.Get(key(chainID))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, errors.ErrorTypeDatabase, "get_checkpoint", "reading checkpoint").
			WithContext("chain", chainID)
	}
	defer func() { _ = closer.Close() }()

	if len(value) != 8 {
		return 0, false, errors.New(errors.ErrorTypeDatabase, "get_checkpoint", "corrupt checkpoint value").
			WithContext("chain", chainID).
			WithContext("length", len(value))
	}
	return binary.BigEndian.Uint64(value), true, nil
}

// SetNextBlock durably stores the checkpoint.
func (s *PebbleStore) SetNextBlock(chainID uint32, next uint64) error {
	value := binary.BigEndian.AppendUint64(nil, next)
	if err := s.db.Set(key(chainID), value, pebble.Sync); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "set_checkpoint", "writing checkpoint").
			WithContext("chain", chainID).
			WithContext("next", next)
	}
	return nil
}

func pendingKey(chainID uint32, nonce uint64) []byte {
	return binary.BigEndian.AppendUint64(pendingChainPrefix(chainID), nonce)
}

func pendingChainPrefix(chainID uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte(pendingPrefix), chainID)
}

// PutPending durably records an event awaiting submission.
func (s *PebbleStore) PutPending(chainID uint32, nonce uint64, event []byte) error {
	if err := s.db.Set(pendingKey(chainID, nonce), event, pebble.Sync); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "put_pending", "writing pending event").
			WithContext("chain", chainID).
			WithContext("nonce", nonce)
	}
	return nil
}

// DeletePending forgets an event. Missing entries are not an error.
func (s *PebbleStore) DeletePending(chainID uint32, nonce uint64) error {
	if err := s.db.Delete(pendingKey(chainID, nonce), pebble.Sync); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "delete_pending", "deleting pending event").
			WithContext("chain", chainID).
			WithContext("nonce", nonce)
	}
	return nil
}

// Pending returns the chain's pending events in nonce order.
func (s *PebbleStore) Pending(chainID uint32) ([][]byte, error) {
	lower := pendingChainPrefix(chainID)
	upper := pendingChainPrefix(chainID + 1)
	if chainID == ^uint32(0) {
		upper = []byte(pendingPrefix[:len(pendingPrefix)-1] + "0")
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "list_pending", "opening iterator").
			WithContext("chain", chainID)
	}
	defer func() { _ = iter.Close() }()

	var events [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		events = append(events, append([]byte(nil), iter.Value()...))
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "list_pending", "iterating pending events").
			WithContext("chain", chainID)
	}
	return events, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

type pendingID struct {
	chain uint32
	nonce uint64
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	next    map[uint32]uint64
	pending map[pendingID][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{next: make(map[uint32]uint64), pending: make(map[pendingID][]byte)}
}

// NextBlock implements Store.
func (s *MemoryStore) NextBlock(chainID uint32) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.next[chainID]
	return n, ok, nil
}

// SetNextBlock implements Store.
func (s *MemoryStore) SetNextBlock(chainID uint32, next uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[chainID] = next
	return nil
}

// PutPending implements Store.
func (s *MemoryStore) PutPending(chainID uint32, nonce uint64, event []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pendingID{chainID, nonce}] = append([]byte(nil), event...)
	return nil
}

// DeletePending implements Store.
func (s *MemoryStore) DeletePending(chainID uint32, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, pendingID{chainID, nonce})
	return nil
}

// Pending implements Store.
func (s *MemoryStore) Pending(chainID uint32) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonces := make([]uint64, 0, len(s.pending))
	for id := range s.pending {
		if id.chain == chainID {
			nonces = append(nonces, id.nonce)
		}
	}
	slices.Sort(nonces)

	events := make([][]byte, 0, len(nonces))
	for _, n := range nonces {
		events = append(events, append([]byte(nil), s.pending[pendingID{chainID, n}]...))
	}
	return events, nil
}
