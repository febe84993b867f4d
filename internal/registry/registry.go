// Package registry tracks the active validator set, its voting power and the
// approval threshold, and publishes an audit event for every change.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/bardlex/bridgepool/internal/sigverify"
	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/log"
)

// Validator is an active member of the set.
type Validator struct {
	Identity string `json:"identity"`
	Power    uint64 `json:"power"`
}

// Registry is safe for concurrent use. Reads take a shared lock.
type Registry struct {
	mu           sync.RWMutex
	powers       map[string]uint64
	total        uint64
	thresholdNum uint64
	thresholdDen uint64
	seq          uint64

	sink   EventSink
	logger *log.Logger
	now    func() time.Time
}

// New creates an empty registry with threshold num/den of total power.
func New(num, den uint64, sink EventSink, logger *log.Logger) (*Registry, error) {
	if err := checkFraction(num, den); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Registry{
		powers:       make(map[string]uint64),
		thresholdNum: num,
		thresholdDen: den,
		sink:         sink,
		logger:       logger.WithComponent("registry"),
		now:          time.Now,
	}, nil
}

func checkFraction(num, den uint64) error {
	if den == 0 || num == 0 || num > den {
		return errors.New(errors.ErrorTypeValidation, "set_threshold", "threshold must be a fraction in (0, 1]").
			WithContext("num", num).WithContext("den", den)
	}
	return nil
}

// Add activates identity with the given voting power.
func (r *Registry) Add(ctx context.Context, identity string, power uint64) error {
	identity = sigverify.NormalizeIdentity(identity)
	if power == 0 {
		return errors.New(errors.ErrorTypeValidation, "add_validator", "voting power must be positive").
			WithContext("identity", identity)
	}
	if _, err := sigverify.ParseIdentity(identity); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "add_validator", "identity is not a compressed public key")
	}

	r.mu.Lock()
	if _, ok := r.powers[identity]; ok {
		r.mu.Unlock()
		return errors.NewCode(errors.ErrorTypeValidation, errors.CodeAlreadyActive, "add_validator", "validator already active").
			WithContext("identity", identity)
	}
	if r.total+power < r.total {
		r.mu.Unlock()
		return errors.New(errors.ErrorTypeValidation, "add_validator", "total voting power overflows")
	}
	r.powers[identity] = power
	r.total += power
	ev := r.eventLocked(EventValidatorAdded, identity, power)
	r.mu.Unlock()

	r.emit(ctx, ev)
	return nil
}

// Remove deactivates identity. Snapshots already taken are unaffected.
func (r *Registry) Remove(ctx context.Context, identity string) error {
	identity = sigverify.NormalizeIdentity(identity)

	r.mu.Lock()
	power, ok := r.powers[identity]
	if !ok {
		r.mu.Unlock()
		return errors.NewCode(errors.ErrorTypeValidation, errors.CodeNotActive, "remove_validator", "validator not active").
			WithContext("identity", identity)
	}
	delete(r.powers, identity)
	r.total -= power
	ev := r.eventLocked(EventValidatorRemoved, identity, power)
	r.mu.Unlock()

	r.emit(ctx, ev)
	return nil
}

// SetThreshold changes the approval fraction for transfers submitted from now on.
func (r *Registry) SetThreshold(ctx context.Context, num, den uint64) error {
	if err := checkFraction(num, den); err != nil {
		return err
	}

	r.mu.Lock()
	r.thresholdNum, r.thresholdDen = num, den
	ev := r.eventLocked(EventThresholdChanged, "", 0)
	r.mu.Unlock()

	r.emit(ctx, ev)
	return nil
}

// TotalPower returns the summed power of active validators.
func (r *Registry) TotalPower() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// IsActive reports whether identity is in the active set.
func (r *Registry) IsActive(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.powers[sigverify.NormalizeIdentity(identity)]
	return ok
}

// Power returns the voting power of identity, or zero if inactive.
func (r *Registry) Power(identity string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.powers[sigverify.NormalizeIdentity(identity)]
}

// Threshold returns the current fraction.
func (r *Registry) Threshold() (num, den uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.thresholdNum, r.thresholdDen
}

// Validators lists the active set ordered by identity.
func (r *Registry) Validators() []Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Validator, 0, len(r.powers))
	for id, p := range r.powers {
		out = append(out, Validator{Identity: id, Power: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Snapshot freezes the current powers and threshold.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	powers := make(map[string]uint64, len(r.powers))
	for id, p := range r.powers {
		powers[id] = p
	}
	return &Snapshot{
		powers:    powers,
		total:     r.total,
		threshold: ThresholdPower(r.total, r.thresholdNum, r.thresholdDen),
	}
}

// ThresholdPower returns ceil(total*num/den), never less than one.
func ThresholdPower(total, num, den uint64) uint64 {
	if den == 0 {
		return 1
	}
	product := new(uint256.Int).Mul(uint256.NewInt(total), uint256.NewInt(num))
	d := uint256.NewInt(den)
	q, rem := new(uint256.Int), new(uint256.Int)
	q.DivMod(product, d, rem)
	if !rem.IsZero() {
		q.AddUint64(q, 1)
	}
	if q.IsZero() {
		return 1
	}
	return q.Uint64()
}

func (r *Registry) eventLocked(kind EventKind, identity string, power uint64) Event {
	r.seq++
	return Event{
		Sequence:     r.seq,
		Kind:         kind,
		Identity:     identity,
		Power:        power,
		TotalPower:   r.total,
		ThresholdNum: r.thresholdNum,
		ThresholdDen: r.thresholdDen,
		At:           r.now().UTC(),
	}
}

func (r *Registry) emit(ctx context.Context, ev Event) {
	logger := r.logger.WithFields("event", string(ev.Kind), "total_power", ev.TotalPower)
	if ev.Identity != "" {
		logger = logger.WithValidator(ev.Identity)
	}
	logger.Info("validator set changed", "power", ev.Power,
		"threshold_num", ev.ThresholdNum, "threshold_den", ev.ThresholdDen)

	if err := r.sink.Emit(ctx, ev); err != nil {
		logger.WithError(err).Error("failed to publish validator event")
	}
}
