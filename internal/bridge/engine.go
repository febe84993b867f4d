package bridge

import (
	"context"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"github.com/bardlex/bridgepool/internal/alert"
	"github.com/bardlex/bridgepool/internal/metrics"
	"github.com/bardlex/bridgepool/internal/registry"
	"github.com/bardlex/bridgepool/internal/sigverify"
	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/log"
)

// Snapshotter supplies the validator set frozen into each new transfer.
type Snapshotter interface {
	Snapshot() *registry.Snapshot
}

// Executor performs the destination-chain completion call for an approved
// transfer and returns a receipt reference.
type Executor interface {
	Execute(ctx context.Context, t Transfer) (string, error)
}

// Observer is told about every committed status change.
type Observer interface {
	TransferChanged(ctx context.Context, t Transfer, from Status)
}

// Config holds engine policy.
type Config struct {
	QuorumWindow time.Duration
	FeeBps       uint64
	DailyLimit   uint64 // per source chain and UTC day, 0 disables
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithObserver registers a status observer.
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithAlerts sets the operator alert sink.
func WithAlerts(s alert.Sink) Option { return func(e *Engine) { e.alerts = s } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Bridge) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine aggregates validator signatures and drives transfers through
// Pending, Approved and Completed. Operations on different transfers never
// contend on a shared lock.
type Engine struct {
	cfg        Config
	validators Snapshotter
	verifier   *sigverify.Verifier
	store      Store
	executor   Executor

	ledger *ledger
	paused atomic.Bool

	observer Observer
	alerts   alert.Sink
	metrics  *metrics.Bridge
	logger   *log.Logger
	now      func() time.Time
}

// NewEngine wires an engine. store and executor are required.
func NewEngine(cfg Config, validators Snapshotter, verifier *sigverify.Verifier, store Store, executor Executor, opts ...Option) *Engine {
	if cfg.QuorumWindow <= 0 {
		cfg.QuorumWindow = 24 * time.Hour
	}
	if verifier == nil {
		verifier = sigverify.NewVerifier(0)
	}
	e := &Engine{
		cfg:        cfg,
		validators: validators,
		verifier:   verifier,
		store:      store,
		executor:   executor,
		ledger:     newLedger(),
		logger:     log.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.alerts == nil {
		e.alerts = alert.NewLogSink(e.logger)
	}
	e.logger = e.logger.WithComponent("bridge")
	return e
}

// TransferID returns the id a request will be stored under.
func TransferID(m sigverify.Message) string {
	d := sigverify.Digest(m)
	return hex.EncodeToString(d[:])
}

// Submit records a new pending transfer. A (source chain, nonce) pair that
// was seen before is rejected with DuplicateNonce and the existing record
// is left untouched.
func (e *Engine) Submit(ctx context.Context, req Request) (Transfer, error) {
	if e.paused.Load() {
		return Transfer{}, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeBridgePaused, "submit", "bridge is paused")
	}
	if err := validateRequest(req); err != nil {
		return Transfer{}, err
	}

	id := TransferID(req.Message)
	key := nonceKey{chain: req.SourceChain, nonce: req.Nonce}
	if existing, ok := e.ledger.reserveNonce(key, id); !ok {
		return Transfer{}, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeDuplicateNonce, "submit", "nonce already used on source chain").
			WithContext("source_chain", req.SourceChain).
			WithContext("nonce", req.Nonce).
			WithContext("transfer_id", existing)
	}

	now := e.now().UTC()
	if !e.ledger.reserveVolume(req.SourceChain, now, req.Amount, e.cfg.DailyLimit) {
		e.ledger.releaseNonce(key, id)
		return Transfer{}, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeDailyLimitExceeded, "submit", "daily volume limit exceeded").
			WithContext("source_chain", req.SourceChain).
			WithContext("limit", e.cfg.DailyLimit)
	}

	snap := e.validators.Snapshot()
	if snap.TotalPower() == 0 {
		e.ledger.releaseVolume(req.SourceChain, now, req.Amount)
		e.ledger.releaseNonce(key, id)
		return Transfer{}, errors.New(errors.ErrorTypeConsensus, "submit", "validator set is empty")
	}

	t := Transfer{
		ID:        id,
		Message:   req.Message,
		SourceTx:  req.SourceTx,
		Fee:       feeFor(req.Amount, e.cfg.FeeBps),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPending,
		Threshold: snap.Threshold(),
	}
	en := &entry{t: t, snapshot: snap, sigs: make(map[string]StoredSignature)}

	if err := e.store.CreateTransfer(ctx, &Record{Transfer: t, Powers: snap.Powers(), Signatures: map[string]StoredSignature{}}); err != nil {
		e.ledger.releaseVolume(req.SourceChain, now, req.Amount)
		e.ledger.releaseNonce(key, id)
		return Transfer{}, errors.Wrap(err, errors.ErrorTypeDatabase, "submit", "failed to persist transfer").
			WithContext("transfer_id", id)
	}

	e.ledger.put(en)
	e.ledger.trackExpiry(t.CreatedAt, id)

	e.logger.WithTransfer(id, t.SourceChain, t.DestChain).Info("transfer submitted",
		"nonce", t.Nonce, "amount", t.Amount, "fee", t.Fee, "threshold", t.Threshold)
	e.committed(ctx, t, "")
	return t, nil
}

func validateRequest(req Request) error {
	switch {
	case req.Amount == 0:
		return errors.New(errors.ErrorTypeValidation, "submit", "amount must be nonzero")
	case strings.TrimSpace(req.Asset) == "":
		return errors.New(errors.ErrorTypeValidation, "submit", "asset is required")
	case strings.TrimSpace(req.Recipient) == "":
		return errors.New(errors.ErrorTypeValidation, "submit", "recipient is required")
	case req.SourceChain == req.DestChain:
		return errors.New(errors.ErrorTypeValidation, "submit", "source and destination chain must differ").
			WithContext("chain", req.SourceChain)
	}
	return nil
}

// feeFor returns floor(amount * bps / 10000) without overflow.
func feeFor(amount, bps uint64) uint64 {
	if bps == 0 {
		return 0
	}
	fee := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(bps))
	fee.Div(fee, uint256.NewInt(10_000))
	return fee.Uint64()
}

// AddSignature records a validator signature over the transfer digest.
// Signers outside the submission snapshot get UnknownValidator, bad
// signatures get InvalidSignature; neither affects the transfer.
func (e *Engine) AddSignature(ctx context.Context, id, identity string, signature []byte) (SignatureResult, error) {
	en, ok := e.ledger.get(id)
	if !ok {
		return SignatureResult{}, notFound("add_signature", id)
	}
	identity = sigverify.NormalizeIdentity(identity)

	// snapshot and message are immutable after submit
	power, member := en.snapshot.Power(identity)
	if !member {
		e.countSignature("unknown_validator")
		return SignatureResult{}, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeUnknownValidator, "add_signature", "signer not in validator snapshot").
			WithContext("transfer_id", id).
			WithContext("validator", identity)
	}
	digest := sigverify.Digest(en.t.Message)
	if !e.verifier.Verify(digest, signature, identity) {
		e.countSignature("invalid_signature")
		return SignatureResult{}, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeInvalidSignature, "add_signature", "signature does not verify").
			WithContext("transfer_id", id).
			WithContext("validator", identity)
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	cur := en.t
	if cur.Status == StatusRejected || cur.Status == StatusExpired {
		return SignatureResult{}, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeInvalidTransition, "add_signature", "transfer is closed").
			WithContext("transfer_id", id).
			WithContext("status", string(cur.Status))
	}

	result := SignatureResult{Power: cur.Power, Threshold: cur.Threshold, Reached: cur.QuorumReached(), Status: cur.Status}
	if _, seen := en.sigs[identity]; seen {
		e.countSignature("duplicate")
		return result, nil
	}

	counted := cur.Status == StatusPending && !cur.QuorumReached()
	next := cur
	if counted {
		next.Power += power
		next.Signers++
	}
	stored := StoredSignature{Signature: append([]byte(nil), signature...), Counted: counted}
	if err := e.store.AddSignature(ctx, id, identity, stored, next.Power); err != nil {
		return SignatureResult{}, errors.Wrap(err, errors.ErrorTypeDatabase, "add_signature", "failed to persist signature").
			WithContext("transfer_id", id)
	}
	en.sigs[identity] = stored
	en.t = next

	if counted {
		e.countSignature("counted")
	} else {
		e.countSignature("audit")
	}
	e.logger.WithTransfer(id, next.SourceChain, next.DestChain).WithValidator(identity).Debug("signature recorded",
		"counted", counted, "power", next.Power, "threshold", next.Threshold)

	return SignatureResult{
		Power:     next.Power,
		Threshold: next.Threshold,
		Reached:   next.QuorumReached(),
		Counted:   counted,
		Status:    next.Status,
	}, nil
}

// Finalize approves a transfer that has reached quorum and performs the
// destination call. On success the transfer is Completed; on failure it
// stays Approved and DestinationSubmissionFailed is returned so the caller
// can retry. Calling Finalize on a Completed transfer returns it unchanged.
func (e *Engine) Finalize(ctx context.Context, id string) (Transfer, error) {
	en, ok := e.ledger.get(id)
	if !ok {
		return Transfer{}, notFound("finalize", id)
	}

	en.mu.Lock()
	cur := en.t
	switch {
	case cur.Status == StatusCompleted:
		en.mu.Unlock()
		return cur, nil
	case cur.Status == StatusRejected || cur.Status == StatusExpired:
		en.mu.Unlock()
		return cur, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeInvalidTransition, "finalize", "transfer is closed").
			WithContext("transfer_id", id).
			WithContext("status", string(cur.Status))
	case en.inFlight:
		en.mu.Unlock()
		return cur, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeFinalizeInProgress, "finalize", "destination call already in flight").
			WithContext("transfer_id", id)
	case e.paused.Load():
		en.mu.Unlock()
		return cur, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeBridgePaused, "finalize", "bridge is paused").
			WithContext("transfer_id", id)
	case cur.Status == StatusPending && !cur.QuorumReached():
		en.mu.Unlock()
		return cur, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeQuorumNotReached, "finalize", "accumulated power below threshold").
			WithContext("transfer_id", id).
			WithContext("power", cur.Power).
			WithContext("threshold", cur.Threshold)
	}

	if cur.Status == StatusPending {
		next := cur
		next.Status = StatusApproved
		next.UpdatedAt = e.now().UTC()
		if err := e.save(ctx, en, next); err != nil {
			en.mu.Unlock()
			return cur, errors.Wrap(err, errors.ErrorTypeDatabase, "finalize", "failed to persist approval").
				WithContext("transfer_id", id)
		}
		e.ledger.untrackExpiry(cur.CreatedAt, id)
		e.committed(ctx, next, StatusPending)
		cur = next
	}

	if en.unsavedReceipt != "" {
		defer en.mu.Unlock()
		return e.complete(ctx, en, en.unsavedReceipt)
	}

	en.inFlight = true
	en.mu.Unlock()

	start := time.Now()
	receipt, execErr := e.executor.Execute(ctx, cur)
	if e.metrics != nil {
		e.metrics.ObserveFinalize(time.Since(start).Seconds())
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	en.inFlight = false

	if execErr != nil {
		return e.destinationFailed(ctx, en, execErr)
	}
	return e.complete(ctx, en, receipt)
}

// complete persists Completed. Called with en.mu held.
func (e *Engine) complete(ctx context.Context, en *entry, receipt string) (Transfer, error) {
	cur := en.t
	next := cur
	next.Status = StatusCompleted
	next.Receipt = receipt
	next.UpdatedAt = e.now().UTC()

	if err := e.save(ctx, en, next); err != nil {
		en.unsavedReceipt = receipt
		e.alerts.Raise(ctx, alert.Alert{
			Severity: alert.SeverityCritical,
			Source:   "bridge",
			At:       e.now().UTC(),
			Subject:  cur.ID,
			Message:  "destination call succeeded but completion was not persisted",
			Fields:   map[string]any{"receipt": receipt, "error": err.Error()},
		})
		return cur, errors.Wrap(err, errors.ErrorTypeDatabase, "finalize", "failed to persist completion").
			WithContext("transfer_id", cur.ID).
			WithContext("receipt", receipt)
	}
	en.unsavedReceipt = ""

	e.logger.WithTransfer(next.ID, next.SourceChain, next.DestChain).Info("transfer completed",
		"receipt", receipt, "attempts", next.Attempts)
	e.committed(ctx, next, StatusApproved)
	return next, nil
}

// destinationFailed records a failed attempt. Called with en.mu held.
func (e *Engine) destinationFailed(ctx context.Context, en *entry, cause error) (Transfer, error) {
	cur := en.t
	next := cur
	next.Attempts++
	next.UpdatedAt = e.now().UTC()
	if err := e.save(ctx, en, next); err != nil {
		e.logger.WithTransfer(cur.ID, cur.SourceChain, cur.DestChain).WithError(err).
			Error("failed to persist destination attempt count")
		next = cur
		next.Attempts++
		en.t = next
	}
	if e.metrics != nil {
		e.metrics.DestinationFailure(next.DestChain)
	}

	e.logger.WithTransfer(next.ID, next.SourceChain, next.DestChain).WithError(cause).
		Warn("destination submission failed", "attempts", next.Attempts)

	se := errors.Wrap(cause, errors.ErrorTypeChain, "finalize", "destination submission failed").
		WithContext("transfer_id", next.ID).
		WithContext("attempts", next.Attempts)
	se.Code = errors.CodeDestinationSubmissionFailed
	se.Retryable = true
	return next, se
}

// Reject vetoes a pending transfer.
func (e *Engine) Reject(ctx context.Context, id, reason string) (Transfer, error) {
	return e.close(ctx, id, StatusRejected, reason, "reject")
}

func (e *Engine) close(ctx context.Context, id string, to Status, reason, op string) (Transfer, error) {
	en, ok := e.ledger.get(id)
	if !ok {
		return Transfer{}, notFound(op, id)
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	cur := en.t
	if cur.Status != StatusPending {
		return cur, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeInvalidTransition, op, "only pending transfers can be closed").
			WithContext("transfer_id", id).
			WithContext("status", string(cur.Status))
	}
	if to == StatusExpired && cur.QuorumReached() {
		return cur, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeInvalidTransition, op, "quorum already reached").
			WithContext("transfer_id", id).
			WithContext("power", cur.Power).
			WithContext("threshold", cur.Threshold)
	}

	next := cur
	next.Status = to
	next.RejectReason = reason
	next.UpdatedAt = e.now().UTC()
	if err := e.save(ctx, en, next); err != nil {
		return cur, errors.Wrap(err, errors.ErrorTypeDatabase, op, "failed to persist status").
			WithContext("transfer_id", id)
	}
	e.ledger.untrackExpiry(cur.CreatedAt, id)
	e.ledger.releaseVolume(cur.SourceChain, cur.CreatedAt, cur.Amount)

	e.logger.WithTransfer(id, next.SourceChain, next.DestChain).Info("transfer closed",
		"status", string(to), "reason", reason)
	e.committed(ctx, next, StatusPending)
	return next, nil
}

// ExpireStale moves pending transfers older than the quorum window to
// Expired and returns their ids. Transfers that already reached quorum are
// left for Finalize and dropped from the expiry index.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) ([]string, error) {
	cutoff := now.UTC().Add(-e.cfg.QuorumWindow)

	var expired []string
	for _, id := range e.ledger.createdBefore(cutoff) {
		t, err := e.close(ctx, id, StatusExpired, "quorum window elapsed", "expire")
		if err != nil {
			if errors.IsCode(err, errors.CodeInvalidTransition) {
				e.ledger.untrackExpiry(t.CreatedAt, id)
				continue
			}
			return expired, err
		}
		expired = append(expired, t.ID)
	}
	return expired, nil
}

// FlagManualReview marks a non-terminal transfer as needing an operator and
// raises an alert. Automatic retries stop for flagged transfers.
func (e *Engine) FlagManualReview(ctx context.Context, id, reason string) (Transfer, error) {
	en, ok := e.ledger.get(id)
	if !ok {
		return Transfer{}, notFound("flag_manual_review", id)
	}

	en.mu.Lock()
	cur := en.t
	if cur.Status.Terminal() {
		en.mu.Unlock()
		return cur, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeInvalidTransition, "flag_manual_review", "transfer is closed").
			WithContext("transfer_id", id).
			WithContext("status", string(cur.Status))
	}
	if cur.ManualReview {
		en.mu.Unlock()
		return cur, nil
	}

	next := cur
	next.ManualReview = true
	next.ReviewReason = reason
	next.UpdatedAt = e.now().UTC()
	if err := e.save(ctx, en, next); err != nil {
		en.mu.Unlock()
		return cur, errors.Wrap(err, errors.ErrorTypeDatabase, "flag_manual_review", "failed to persist review flag").
			WithContext("transfer_id", id)
	}
	en.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ManualReview()
	}
	e.alerts.Raise(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Source:   "bridge",
		At:       e.now().UTC(),
		Subject:  id,
		Message:  "transfer flagged for manual review",
		Fields: map[string]any{
			"reason":       reason,
			"status":       string(next.Status),
			"attempts":     next.Attempts,
			"source_chain": next.SourceChain,
			"dest_chain":   next.DestChain,
			"nonce":        next.Nonce,
		},
	})
	return next, nil
}

// ClearManualReview removes the review flag so the transfer can be retried.
func (e *Engine) ClearManualReview(ctx context.Context, id string) (Transfer, error) {
	en, ok := e.ledger.get(id)
	if !ok {
		return Transfer{}, notFound("clear_manual_review", id)
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	cur := en.t
	if !cur.ManualReview {
		return cur, nil
	}
	next := cur
	next.ManualReview = false
	next.ReviewReason = ""
	next.Attempts = 0
	next.UpdatedAt = e.now().UTC()
	if err := e.save(ctx, en, next); err != nil {
		return cur, errors.Wrap(err, errors.ErrorTypeDatabase, "clear_manual_review", "failed to persist review flag").
			WithContext("transfer_id", id)
	}
	return next, nil
}

// Pause stops new submissions and destination calls.
func (e *Engine) Pause() {
	if e.paused.CompareAndSwap(false, true) {
		e.logger.Warn("bridge paused")
		if e.metrics != nil {
			e.metrics.SetPaused(true)
		}
	}
}

// Unpause resumes normal operation.
func (e *Engine) Unpause() {
	if e.paused.CompareAndSwap(true, false) {
		e.logger.Info("bridge unpaused")
		if e.metrics != nil {
			e.metrics.SetPaused(false)
		}
	}
}

// Paused reports the pause flag.
func (e *Engine) Paused() bool { return e.paused.Load() }

// Get returns a copy of the transfer.
func (e *Engine) Get(id string) (Transfer, error) {
	en, ok := e.ledger.get(id)
	if !ok {
		return Transfer{}, notFound("get", id)
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.copyTransfer(), nil
}

// Lookup finds a transfer by source chain and nonce.
func (e *Engine) Lookup(sourceChain uint32, nonce uint64) (Transfer, error) {
	id, ok := e.ledger.lookupNonce(nonceKey{chain: sourceChain, nonce: nonce})
	if !ok {
		return Transfer{}, errors.NewCode(errors.ErrorTypeConsensus, errors.CodeTransferNotFound, "lookup", "no transfer for nonce").
			WithContext("source_chain", sourceChain).
			WithContext("nonce", nonce)
	}
	return e.Get(id)
}

// Signers returns the validator identities that signed the transfer.
func (e *Engine) Signers(id string) ([]string, error) {
	en, ok := e.ledger.get(id)
	if !ok {
		return nil, notFound("signers", id)
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	out := make([]string, 0, len(en.sigs))
	for identity := range en.sigs {
		out = append(out, identity)
	}
	return out, nil
}

// Validators returns the snapshot frozen into the transfer.
func (e *Engine) Validators(id string) (*registry.Snapshot, error) {
	en, ok := e.ledger.get(id)
	if !ok {
		return nil, notFound("validators", id)
	}
	return en.snapshot, nil
}

// Approved lists transfers waiting on a destination call.
func (e *Engine) Approved() []Transfer {
	var out []Transfer
	e.ledger.entries.Range(func(_, v any) bool {
		en := v.(*entry)
		en.mu.Lock()
		if en.t.Status == StatusApproved {
			out = append(out, en.t)
		}
		en.mu.Unlock()
		return true
	})
	return out
}

// DailyVolume returns the amount submitted from chain on the UTC day of at.
func (e *Engine) DailyVolume(chain uint32, at time.Time) uint64 {
	return e.ledger.volume(chain, at)
}

// Recover rebuilds the ledger from the store. It returns the transfers
// that were Approved when the process stopped so they can be resumed.
func (e *Engine) Recover(ctx context.Context) ([]Transfer, error) {
	records, err := e.store.LoadTransfers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "recover", "failed to load transfers")
	}

	var approved []Transfer
	for _, rec := range records {
		t := rec.Transfer
		key := nonceKey{chain: t.SourceChain, nonce: t.Nonce}
		if _, ok := e.ledger.reserveNonce(key, t.ID); !ok {
			e.logger.WithTransfer(t.ID, t.SourceChain, t.DestChain).Error("duplicate nonce in store, skipping record")
			continue
		}

		en := &entry{
			t:        t,
			snapshot: registry.NewSnapshot(rec.Powers, t.Threshold),
			sigs:     make(map[string]StoredSignature, len(rec.Signatures)),
		}
		for id, sig := range rec.Signatures {
			en.sigs[id] = sig
		}
		e.ledger.put(en)
		if t.Status != StatusRejected && t.Status != StatusExpired {
			e.ledger.reserveVolume(t.SourceChain, t.CreatedAt, t.Amount, 0)
		}

		switch t.Status {
		case StatusPending:
			e.ledger.trackExpiry(t.CreatedAt, t.ID)
		case StatusApproved:
			approved = append(approved, t)
		}
	}

	e.logger.Info("ledger recovered", "transfers", len(records), "approved", len(approved))
	return approved, nil
}

// save persists next and then commits it in memory. Called with en.mu held.
func (e *Engine) save(ctx context.Context, en *entry, next Transfer) error {
	if err := e.store.UpdateTransfer(ctx, &next); err != nil {
		return err
	}
	en.t = next
	return nil
}

func (e *Engine) committed(ctx context.Context, t Transfer, from Status) {
	if e.metrics != nil {
		e.metrics.Transition(string(t.Status))
	}
	if from != "" {
		e.logger.LogTransition(t.ID, string(from), string(t.Status))
	}
	if e.observer != nil {
		e.observer.TransferChanged(ctx, t, from)
	}
}

func (e *Engine) countSignature(outcome string) {
	if e.metrics != nil {
		e.metrics.Signature(outcome)
	}
}

func notFound(op, id string) error {
	return errors.NewCode(errors.ErrorTypeConsensus, errors.CodeTransferNotFound, op, "transfer not found").
		WithContext("transfer_id", id)
}
