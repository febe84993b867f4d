// Package relayer moves deposits from source chains through bridge
// consensus and onto their destination chains.
package relayer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/bridgepool/internal/alert"
	"github.com/bardlex/bridgepool/internal/bridge"
	"github.com/bardlex/bridgepool/internal/chain"
	"github.com/bardlex/bridgepool/internal/checkpoint"
	"github.com/bardlex/bridgepool/internal/metrics"
	"github.com/bardlex/bridgepool/internal/registry"
	"github.com/bardlex/bridgepool/internal/signer"
	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/log"
	"github.com/bardlex/bridgepool/pkg/retry"
)

// Engine is the slice of the bridge engine the relayer drives.
type Engine interface {
	Submit(ctx context.Context, req bridge.Request) (bridge.Transfer, error)
	AddSignature(ctx context.Context, id, identity string, signature []byte) (bridge.SignatureResult, error)
	Finalize(ctx context.Context, id string) (bridge.Transfer, error)
	FlagManualReview(ctx context.Context, id, reason string) (bridge.Transfer, error)
	ExpireStale(ctx context.Context, now time.Time) ([]string, error)
	Get(id string) (bridge.Transfer, error)
	Lookup(sourceChain uint32, nonce uint64) (bridge.Transfer, error)
	Signers(id string) ([]string, error)
	Validators(id string) (*registry.Snapshot, error)
	Approved() []bridge.Transfer
}

// Config holds relayer timing and policy.
type Config struct {
	ConfirmationDepth int64
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	ReconcileWindow   uint64 // blocks re-scanned behind the head
	SignatureTimeout  time.Duration
	InFlightTTL       time.Duration
	Destination       *retry.Config
	StartHeights      map[uint32]uint64
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.SignatureTimeout <= 0 {
		c.SignatureTimeout = 10 * time.Second
	}
	if c.InFlightTTL <= 0 {
		c.InFlightTTL = 10 * time.Minute
	}
	if c.Destination == nil {
		c.Destination = retry.DestinationConfig()
	}
}

// Option customizes a Relayer.
type Option func(*Relayer)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(r *Relayer) { r.logger = l } }

// WithAlerts sets the alert sink.
func WithAlerts(s alert.Sink) Option { return func(r *Relayer) { r.alerts = s } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Bridge) Option { return func(r *Relayer) { r.metrics = m } }

// WithWake lets a block notification source wake the watcher of chainID.
func WithWake(chainID uint32, wake <-chan string) Option {
	return func(r *Relayer) { r.wake[chainID] = wake }
}

// Relayer watches source chains, gathers validator signatures and
// finalizes transfers, retrying destination failures with backoff.
type Relayer struct {
	cfg         Config
	engine      Engine
	sources     []chain.Client
	signers     map[string]signer.Client
	checkpoints checkpoint.Store
	wake        map[uint32]<-chan string

	alerts  alert.Sink
	metrics *metrics.Bridge
	logger  *log.Logger

	inflight *ttlcache.Cache[string, struct{}]

	retryMu sync.Mutex
	retries map[string]*retry.Task

	work sync.WaitGroup
}

// New creates a relayer over the given source chains and validator signers.
func New(cfg Config, engine Engine, sources []chain.Client, signers []signer.Client, checkpoints checkpoint.Store, opts ...Option) *Relayer {
	cfg.setDefaults()

	r := &Relayer{
		cfg:         cfg,
		engine:      engine,
		sources:     sources,
		signers:     make(map[string]signer.Client, len(signers)),
		checkpoints: checkpoints,
		wake:        make(map[uint32]<-chan string),
		logger:      log.Nop(),
		inflight: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](cfg.InFlightTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		retries: make(map[string]*retry.Task),
	}
	for _, s := range signers {
		r.signers[s.Identity()] = s
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.alerts == nil {
		r.alerts = alert.NewLogSink(r.logger)
	}
	r.logger = r.logger.WithComponent("relayer")
	return r
}

// Run blocks until ctx is cancelled or a watcher fails. Approved transfers
// left over from a previous run are resumed first. On return every
// goroutine the relayer started has exited.
func (r *Relayer) Run(ctx context.Context) error {
	r.logger.Info("relayer starting", "sources", len(r.sources), "signers", len(r.signers))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.resumeApproved(runCtx)
	r.replayPending(runCtx)

	g, gctx := errgroup.WithContext(runCtx)
	for _, src := range r.sources {
		g.Go(func() error { return r.watch(gctx, src) })
	}
	g.Go(func() error { return r.reconcileLoop(gctx) })

	err := g.Wait()

	cancel()
	r.work.Wait()
	r.stopRetries()
	r.logger.Info("relayer stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watch scans one source chain from its checkpoint, on every tick or
// block notification.
func (r *Relayer) watch(ctx context.Context, src chain.Client) error {
	id := src.ChainID()
	logger := r.logger.WithChain(id)

	next, ok, err := r.checkpoints.NextBlock(id)
	if err != nil {
		return err
	}
	if !ok {
		next = r.cfg.StartHeights[id]
	}
	logger.Info("watcher started", "next_block", next)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		next = r.scan(ctx, src, next)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake[id]:
		}
	}
}

// scan processes blocks from next until caught up and returns the new
// checkpoint. Every event is recorded as pending before the checkpoint
// moves past its block, so a deposit the engine refused for now is
// replayed by Reconcile however far the chain has advanced.
func (r *Relayer) scan(ctx context.Context, src chain.Client, next uint64) uint64 {
	id := src.ChainID()
	for ctx.Err() == nil {
		events, advanced, err := src.QueryRecentEvents(ctx, next)
		if err != nil {
			r.logger.WithChain(id).WithError(err).Warn("event query failed", "from", next)
			return next
		}
		for _, ev := range events {
			if err := r.markPending(ev); err != nil {
				r.logger.WithChain(id).WithError(err).Error("failed to record pending deposit", "nonce", ev.Message.Nonce)
				return next
			}
		}
		for _, ev := range events {
			r.dispatch(ctx, ev)
		}
		if advanced == next {
			return next
		}
		if err := r.checkpoints.SetNextBlock(id, advanced); err != nil {
			r.logger.WithChain(id).WithError(err).Error("failed to store checkpoint")
		} else if r.metrics != nil {
			r.metrics.SetCheckpoint(id, advanced)
		}
		next = advanced
	}
	return next
}

// dispatch handles ev on its own goroutine unless it is already in flight.
func (r *Relayer) dispatch(ctx context.Context, ev chain.Event) {
	key := fmt.Sprintf("%d/%d", ev.Message.SourceChain, ev.Message.Nonce)
	if _, loaded := r.inflight.GetOrSet(key, struct{}{}); loaded {
		return
	}
	if r.metrics != nil {
		r.metrics.EventSeen(ev.ChainID)
	}

	r.work.Add(1)
	go func() {
		defer r.work.Done()
		defer r.inflight.Delete(key)
		r.process(ctx, ev)
	}()
}

func (r *Relayer) process(ctx context.Context, ev chain.Event) {
	logger := r.logger.WithChain(ev.ChainID).WithFields("source_tx", ev.TxRef, "nonce", ev.Message.Nonce)
	id := bridge.TransferID(ev.Message)

	if existing, err := r.engine.Lookup(ev.Message.SourceChain, ev.Message.Nonce); err == nil {
		r.clearPending(ev)
		if existing.ID != id {
			logger.Warn("deposit reuses a nonce already bound to another transfer", "transfer_id", existing.ID)
			return
		}
		r.advance(ctx, existing)
		return
	}

	if _, err := r.source(ev.ChainID).WaitForConfirmations(ctx, ev.TxRef, r.cfg.ConfirmationDepth); err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Warn("deposit not confirmed")
		}
		return
	}

	t, err := r.engine.Submit(ctx, bridge.Request{Message: ev.Message, SourceTx: ev.TxRef})
	switch {
	case err == nil:
		r.clearPending(ev)
	case errors.IsCode(err, errors.CodeDuplicateNonce):
		// raced with reconciliation; continue with the stored transfer
		r.clearPending(ev)
		if t, err = r.engine.Lookup(ev.Message.SourceChain, ev.Message.Nonce); err != nil || t.ID != id {
			return
		}
	case errors.IsType(err, errors.ErrorTypeValidation):
		r.clearPending(ev)
		logger.WithError(err).Warn("malformed deposit dropped")
		return
	default:
		logger.WithError(err).Warn("transfer submission refused, kept pending")
		return
	}

	r.advance(ctx, t)
}

func (r *Relayer) markPending(ev chain.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.checkpoints.PutPending(ev.ChainID, ev.Message.Nonce, raw)
}

func (r *Relayer) clearPending(ev chain.Event) {
	if err := r.checkpoints.DeletePending(ev.ChainID, ev.Message.Nonce); err != nil {
		r.logger.WithChain(ev.ChainID).WithError(err).Warn("failed to clear pending deposit", "nonce", ev.Message.Nonce)
	}
}

// replayPending dispatches the recorded deposits of every source chain.
func (r *Relayer) replayPending(ctx context.Context) {
	for _, c := range r.sources {
		id := c.ChainID()
		pending, err := r.checkpoints.Pending(id)
		if err != nil {
			r.logger.WithChain(id).WithError(err).Warn("failed to load pending deposits")
			continue
		}
		for _, raw := range pending {
			var ev chain.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				r.logger.WithChain(id).WithError(err).Error("corrupt pending deposit")
				continue
			}
			r.dispatch(ctx, ev)
		}
		if len(pending) > 0 {
			r.logger.WithChain(id).Info("replaying pending deposits", "count", len(pending))
		}
	}
}

func (r *Relayer) source(id uint32) chain.Client {
	for _, c := range r.sources {
		if c.ChainID() == id {
			return c
		}
	}
	return nil
}

// advance moves t as far as it can go right now.
func (r *Relayer) advance(ctx context.Context, t bridge.Transfer) {
	if t.Status.Terminal() || t.ManualReview {
		return
	}
	if t.Status == bridge.StatusPending && !t.QuorumReached() {
		if !r.collectSignatures(ctx, t) {
			return
		}
	}
	if t.Status == bridge.StatusApproved && r.hasRetry(t.ID) {
		return
	}
	r.finalize(ctx, t.ID)
}

// collectSignatures asks every unsigned validator in the transfer's
// snapshot for a signature and stops once quorum is reached.
func (r *Relayer) collectSignatures(ctx context.Context, t bridge.Transfer) bool {
	snap, err := r.engine.Validators(t.ID)
	if err != nil {
		return false
	}
	signed, err := r.engine.Signers(t.ID)
	if err != nil {
		return false
	}
	done := make(map[string]bool, len(signed))
	for _, s := range signed {
		done[s] = true
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	req := signer.Request{Message: t.Message, SourceTx: t.SourceTx}
	logger := r.logger.WithTransfer(t.ID, t.SourceChain, t.DestChain)

	for _, identity := range snap.Identities() {
		client, ok := r.signers[identity]
		if !ok || done[identity] {
			continue
		}
		g.Go(func() error {
			sctx, scancel := context.WithTimeout(gctx, r.cfg.SignatureTimeout)
			defer scancel()

			sig, err := retry.DoWithResult(sctx, retry.NetworkConfig(), func() ([]byte, error) {
				return client.RequestSignature(sctx, req)
			})
			if err != nil {
				if gctx.Err() == nil {
					logger.WithValidator(identity).WithError(err).Warn("signature request failed")
				}
				return nil
			}

			res, err := r.engine.AddSignature(ctx, t.ID, identity, sig)
			if err != nil {
				logger.WithValidator(identity).WithError(err).Warn("signature not accepted")
				return nil
			}
			if res.Reached {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	cur, err := r.engine.Get(t.ID)
	if err != nil {
		return false
	}
	if !cur.QuorumReached() {
		logger.Info("quorum not reached yet", "power", cur.Power, "threshold", cur.Threshold)
		return false
	}
	return true
}

// finalize calls the engine and schedules a retry on destination failure.
func (r *Relayer) finalize(ctx context.Context, id string) {
	t, err := r.engine.Finalize(ctx, id)
	logger := r.logger.WithTransfer(id, t.SourceChain, t.DestChain)

	switch {
	case err == nil:
		r.clearRetry(id)
	case errors.IsCode(err, errors.CodeDestinationSubmissionFailed):
		r.scheduleRetry(ctx, t)
	case errors.IsCode(err, errors.CodeFinalizeInProgress):
	default:
		if ctx.Err() == nil {
			logger.WithError(err).Warn("finalize failed")
		}
	}
}

// scheduleRetry arms a timer for the next destination attempt, or hands
// the transfer to an operator once the attempt budget is spent.
func (r *Relayer) scheduleRetry(ctx context.Context, t bridge.Transfer) {
	logger := r.logger.WithTransfer(t.ID, t.SourceChain, t.DestChain)
	policy := r.cfg.Destination

	if policy.Exhausted(t.Attempts) {
		r.clearRetry(t.ID)
		reason := fmt.Sprintf("destination submission failed %d times", t.Attempts)
		if _, err := r.engine.FlagManualReview(ctx, t.ID, reason); err != nil {
			logger.WithError(err).Error("failed to flag transfer for manual review")
		}
		logger.Error("retries exhausted, transfer needs manual review", "attempts", t.Attempts)
		return
	}

	delay := policy.Delay(t.Attempts - 1)
	logger.Info("destination retry scheduled", "attempts", t.Attempts, "delay", delay)

	r.retryMu.Lock()
	defer r.retryMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if prev, ok := r.retries[t.ID]; ok {
		prev.Stop()
	}
	r.retries[t.ID] = retry.Schedule(ctx, delay, func(ctx context.Context) {
		r.finalize(ctx, t.ID)
	})
}

func (r *Relayer) hasRetry(id string) bool {
	r.retryMu.Lock()
	defer r.retryMu.Unlock()
	task, ok := r.retries[id]
	if !ok {
		return false
	}
	select {
	case <-task.Done():
		return false
	default:
		return true
	}
}

func (r *Relayer) clearRetry(id string) {
	r.retryMu.Lock()
	defer r.retryMu.Unlock()
	delete(r.retries, id)
}

// stopRetries cancels pending retry timers and waits for running ones.
func (r *Relayer) stopRetries() {
	for {
		r.retryMu.Lock()
		tasks := make([]*retry.Task, 0, len(r.retries))
		for id, task := range r.retries {
			tasks = append(tasks, task)
			delete(r.retries, id)
		}
		r.retryMu.Unlock()

		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			task.Stop()
			<-task.Done()
		}
	}
}

// resumeApproved restarts destination calls for approved transfers that
// are not already waiting on a retry timer.
func (r *Relayer) resumeApproved(ctx context.Context) {
	for _, t := range r.engine.Approved() {
		if t.ManualReview || r.hasRetry(t.ID) {
			continue
		}
		key := "finalize/" + t.ID
		if _, loaded := r.inflight.GetOrSet(key, struct{}{}); loaded {
			continue
		}
		r.logger.WithTransfer(t.ID, t.SourceChain, t.DestChain).Info("resuming approved transfer", "attempts", t.Attempts)

		r.work.Add(1)
		go func() {
			defer r.work.Done()
			defer r.inflight.Delete(key)
			if t.Attempts > 0 && r.cfg.Destination.Exhausted(t.Attempts) {
				r.scheduleRetry(ctx, t)
				return
			}
			r.finalize(ctx, t.ID)
		}()
	}
}

func (r *Relayer) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile re-scans a recent block window on every source chain, replays
// pending deposits, resumes approved transfers and expires stale pending
// ones. Safe to run at any time: known deposits are recognized by nonce.
func (r *Relayer) Reconcile(ctx context.Context) {
	start := time.Now()

	for _, c := range r.sources {
		head, err := c.Head(ctx)
		if err != nil {
			r.logger.WithChain(c.ChainID()).WithError(err).Warn("reconcile: head query failed")
			continue
		}
		from := uint64(0)
		if head > r.cfg.ReconcileWindow {
			from = head - r.cfg.ReconcileWindow
		}
		for from <= head && ctx.Err() == nil {
			events, next, err := c.QueryRecentEvents(ctx, from)
			if err != nil {
				r.logger.WithChain(c.ChainID()).WithError(err).Warn("reconcile: event query failed", "from", from)
				break
			}
			for _, ev := range events {
				if err := r.markPending(ev); err != nil {
					r.logger.WithChain(c.ChainID()).WithError(err).Warn("reconcile: failed to record pending deposit")
				}
				r.dispatch(ctx, ev)
			}
			if next == from {
				break
			}
			from = next
		}
	}

	r.replayPending(ctx)
	r.resumeApproved(ctx)

	expired, err := r.engine.ExpireStale(ctx, time.Now())
	if err != nil {
		r.logger.WithError(err).Warn("reconcile: expiry failed")
	} else if len(expired) > 0 {
		r.logger.Info("expired stale transfers", "count", len(expired))
	}

	r.inflight.DeleteExpired()
	r.logger.LogDuration("reconcile", time.Since(start))
}
