package bridge

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/bardlex/bridgepool/internal/registry"
)

// entry is one transfer in the arena. All fields are guarded by mu.
type entry struct {
	mu       sync.Mutex
	t        Transfer
	snapshot *registry.Snapshot
	sigs     map[string]StoredSignature

	// inFlight is set while the destination call runs without mu held.
	inFlight bool
	// receipt from a destination call whose Completed write failed. A later
	// finalize persists it instead of calling the destination again.
	unsavedReceipt string
}

func (e *entry) copyTransfer() Transfer {
	return e.t
}

type expiryItem struct {
	created time.Time
	id      string
}

func expiryLess(a, b expiryItem) bool {
	if !a.created.Equal(b.created) {
		return a.created.Before(b.created)
	}
	return a.id < b.id
}

type volumeKey struct {
	chain uint32
	day   int64
}

// ledger is the transfer arena plus its indexes. Lookups are lock-free;
// each record is serialized by its own mutex.
type ledger struct {
	entries sync.Map // transfer id -> *entry
	nonces  sync.Map // nonceKey -> transfer id

	expMu  sync.Mutex
	expiry *btree.BTreeG[expiryItem] // pending transfers by creation time

	volMu   sync.Mutex
	volumes map[volumeKey]uint64
}

func newLedger() *ledger {
	return &ledger{
		expiry:  btree.NewG(16, expiryLess),
		volumes: make(map[volumeKey]uint64),
	}
}

// reserveNonce claims (chain, nonce) for id. It returns the id already
// holding the nonce when the claim fails.
func (l *ledger) reserveNonce(key nonceKey, id string) (string, bool) {
	existing, loaded := l.nonces.LoadOrStore(key, id)
	if loaded {
		return existing.(string), false
	}
	return id, true
}

func (l *ledger) releaseNonce(key nonceKey, id string) {
	l.nonces.CompareAndDelete(key, id)
}

func (l *ledger) lookupNonce(key nonceKey) (string, bool) {
	id, ok := l.nonces.Load(key)
	if !ok {
		return "", false
	}
	return id.(string), true
}

func (l *ledger) get(id string) (*entry, bool) {
	e, ok := l.entries.Load(id)
	if !ok {
		return nil, false
	}
	return e.(*entry), true
}

func (l *ledger) put(e *entry) {
	l.entries.Store(e.t.ID, e)
}

func (l *ledger) trackExpiry(created time.Time, id string) {
	l.expMu.Lock()
	l.expiry.ReplaceOrInsert(expiryItem{created: created, id: id})
	l.expMu.Unlock()
}

func (l *ledger) untrackExpiry(created time.Time, id string) {
	l.expMu.Lock()
	l.expiry.Delete(expiryItem{created: created, id: id})
	l.expMu.Unlock()
}

// createdBefore lists pending transfer ids created strictly before cutoff,
// oldest first.
func (l *ledger) createdBefore(cutoff time.Time) []string {
	l.expMu.Lock()
	defer l.expMu.Unlock()

	var ids []string
	l.expiry.AscendLessThan(expiryItem{created: cutoff}, func(it expiryItem) bool {
		ids = append(ids, it.id)
		return true
	})
	return ids
}

// reserveVolume adds amount to the chain's volume for the UTC day of at.
// A zero limit disables the check.
func (l *ledger) reserveVolume(chain uint32, at time.Time, amount, limit uint64) bool {
	key := volumeKey{chain: chain, day: dayOf(at)}

	l.volMu.Lock()
	defer l.volMu.Unlock()

	used := l.volumes[key]
	if limit > 0 && (used+amount < used || used+amount > limit) {
		return false
	}
	l.volumes[key] = used + amount
	return true
}

func (l *ledger) releaseVolume(chain uint32, at time.Time, amount uint64) {
	key := volumeKey{chain: chain, day: dayOf(at)}

	l.volMu.Lock()
	defer l.volMu.Unlock()

	if l.volumes[key] <= amount {
		delete(l.volumes, key)
		return
	}
	l.volumes[key] -= amount
}

func (l *ledger) volume(chain uint32, at time.Time) uint64 {
	l.volMu.Lock()
	defer l.volMu.Unlock()
	return l.volumes[volumeKey{chain: chain, day: dayOf(at)}]
}

func dayOf(t time.Time) int64 {
	return t.UTC().Unix() / 86400
}
