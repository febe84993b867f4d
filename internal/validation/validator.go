// Package validation checks mining shares before they earn rewards: the
// job must be known, the difficulty above the floor, the proof of work
// recomputed and met, and the submission neither a replay nor a flood.
package validation

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/bridgepool/internal/metrics"
	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/log"
)

// lockStripes bounds the per-miner lock table.
const lockStripes = 256

// Recorder receives accepted shares.
type Recorder interface {
	RecordShare(minerID string, difficulty float64, at time.Time) error
}

// Option customizes a Validator.
type Option func(*Validator)

// WithRecorder forwards accepted shares to r.
func WithRecorder(r Recorder) Option { return func(v *Validator) { v.recorder = r } }

// WithMetrics counts verdicts.
func WithMetrics(m *metrics.Pool) Option { return func(v *Validator) { v.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(v *Validator) { v.logger = l } }

// WithClock sets the time used for shares without a submission time.
func WithClock(now func() time.Time) Option { return func(v *Validator) { v.now = now } }

// Validator applies every share check. Submissions from one miner are
// serialized; different miners proceed in parallel.
type Validator struct {
	jobs     *JobCache
	oracle   DifficultyOracle
	replay   ReplayGuard
	rate     RateGuard
	recorder Recorder
	metrics  *metrics.Pool
	logger   *log.Logger
	now      func() time.Time

	stripes [lockStripes]sync.Mutex
}

// NewValidator creates a validator over the given job cache and guards.
func NewValidator(jobs *JobCache, oracle DifficultyOracle, replay ReplayGuard, rateGuard RateGuard, opts ...Option) *Validator {
	v := &Validator{
		jobs:   jobs,
		oracle: oracle,
		replay: replay,
		rate:   rateGuard,
		logger: log.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.WithComponent("validation")
	return v
}

func (v *Validator) lock(minerID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(minerID))
	return &v.stripes[h.Sum32()%lockStripes]
}

// Validate checks s and, when it passes, records it. A rejected share
// returns an InvalidShare error carrying the reason; any other error means
// a guard or the difficulty oracle could not be consulted and the share
// was not recorded.
func (v *Validator) Validate(ctx context.Context, s Share) (Verdict, error) {
	at := s.SubmittedAt
	if at.IsZero() {
		at = v.now()
	}

	mu := v.lock(s.MinerID)
	mu.Lock()
	defer mu.Unlock()

	verdict, err := v.check(ctx, s, at)
	if err == nil && v.recorder != nil {
		if rerr := v.recorder.RecordShare(s.MinerID, s.Difficulty, at); rerr != nil {
			err = errors.Wrap(rerr, errors.ErrorTypeInternal, "validate_share", "failed to record share").
				WithContext("miner", s.MinerID)
			verdict.Accepted = false
		}
	}

	status := "accepted"
	switch {
	case verdict.Reason != "":
		status = string(verdict.Reason)
	case err != nil:
		status = "error"
	}
	if v.metrics != nil {
		v.metrics.Share(status)
	}
	v.logger.WithMiner(s.MinerID).LogShareSubmission(s.MinerID, s.JobID, s.Difficulty, status)
	if verdict.BlockCandidate {
		v.logger.WithMiner(s.MinerID).Info("block candidate found", "job_id", s.JobID, "hash", verdict.Hash.String())
	}

	return verdict, err
}

func (v *Validator) check(ctx context.Context, s Share, at time.Time) (Verdict, error) {
	if s.MinerID == "" || s.JobID == "" {
		return reject(ReasonMalformed, s, "miner and job are required")
	}
	claimed, err := chainhash.NewHashFromStr(s.Hash)
	if err != nil {
		return reject(ReasonMalformed, s, "claimed hash is not a block hash")
	}

	job, ok := v.jobs.Get(s.JobID)
	if !ok {
		return reject(ReasonUnknownJob, s, "job not found")
	}
	if !job.ExpiresAt.IsZero() && at.After(job.ExpiresAt) {
		return reject(ReasonStaleJob, s, "job has expired")
	}

	floor, err := v.oracle.Floor(ctx)
	if err != nil {
		return Verdict{}, errors.Wrap(err, errors.ErrorTypeNetwork, "validate_share", "difficulty floor unavailable")
	}
	if s.Difficulty < floor {
		return reject(ReasonLowDifficulty, s, fmt.Sprintf("difficulty too low: %g < %g", s.Difficulty, floor))
	}

	hash := headerHash(job, s.Nonce)
	verdict := Verdict{Hash: hash}
	if hash != *claimed {
		return rejectWith(verdict, ReasonHashMismatch, s, "hash does not match header")
	}
	if !HashMeetsTarget(hash, DifficultyToTarget(s.Difficulty)) {
		return rejectWith(verdict, ReasonTargetNotMet, s, "hash does not meet difficulty target")
	}

	allowed, err := v.rate.Allow(ctx, s.MinerID, at)
	if err != nil {
		return Verdict{}, errors.Wrap(err, errors.ErrorTypeNetwork, "validate_share", "rate guard unavailable")
	}
	if !allowed {
		return rejectWith(verdict, ReasonRateLimited, s, "submission rate exceeded")
	}

	// marked last so a share rejected above can be resubmitted
	fresh, err := v.replay.Mark(ctx, s.MinerID, s.Nonce, hash.String())
	if err != nil {
		return Verdict{}, errors.Wrap(err, errors.ErrorTypeNetwork, "validate_share", "replay guard unavailable")
	}
	if !fresh {
		return rejectWith(verdict, ReasonDuplicate, s, "share already submitted")
	}

	verdict.Accepted = true
	verdict.BlockCandidate = job.NetworkDifficulty > 0 &&
		HashMeetsTarget(hash, DifficultyToTarget(job.NetworkDifficulty))
	return verdict, nil
}

func reject(reason RejectReason, s Share, msg string) (Verdict, error) {
	return rejectWith(Verdict{}, reason, s, msg)
}

func rejectWith(v Verdict, reason RejectReason, s Share, msg string) (Verdict, error) {
	v.Accepted = false
	v.Reason = reason
	return v, errors.NewCode(errors.ErrorTypeValidation, errors.CodeInvalidShare, "validate_share", msg).
		WithContext("reason", string(reason)).
		WithContext("miner", s.MinerID).
		WithContext("job_id", s.JobID)
}

// ReasonOf extracts the reject reason from an InvalidShare error.
func ReasonOf(err error) RejectReason {
	if !errors.IsCode(err, errors.CodeInvalidShare) {
		return ""
	}
	reason, _ := errors.GetContext(err)["reason"].(string)
	return RejectReason(reason)
}
