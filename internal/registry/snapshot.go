package registry

import "sort"

// Snapshot is an immutable view of the validator set taken when a transfer
// is submitted. Later registry changes never alter it.
type Snapshot struct {
	powers    map[string]uint64
	total     uint64
	threshold uint64
}

// NewSnapshot builds a snapshot from explicit values, used when a transfer
// is restored from storage.
func NewSnapshot(powers map[string]uint64, threshold uint64) *Snapshot {
	cp := make(map[string]uint64, len(powers))
	var total uint64
	for id, p := range powers {
		cp[id] = p
		total += p
	}
	if threshold == 0 {
		threshold = 1
	}
	return &Snapshot{powers: cp, total: total, threshold: threshold}
}

// Power returns the power of identity at snapshot time.
func (s *Snapshot) Power(identity string) (uint64, bool) {
	p, ok := s.powers[identity]
	return p, ok
}

// TotalPower at snapshot time.
func (s *Snapshot) TotalPower() uint64 { return s.total }

// Threshold is the power needed for quorum.
func (s *Snapshot) Threshold() uint64 { return s.threshold }

// Reached reports whether power meets the threshold.
func (s *Snapshot) Reached(power uint64) bool {
	return power >= s.threshold
}

// Powers returns a copy of the per-validator powers.
func (s *Snapshot) Powers() map[string]uint64 {
	cp := make(map[string]uint64, len(s.powers))
	for id, p := range s.powers {
		cp[id] = p
	}
	return cp
}

// Identities returns the members in sorted order.
func (s *Snapshot) Identities() []string {
	ids := make([]string, 0, len(s.powers))
	for id := range s.powers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
