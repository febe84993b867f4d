package relayer

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bardlex/bridgepool/internal/alert"
	"github.com/bardlex/bridgepool/internal/bridge"
	"github.com/bardlex/bridgepool/internal/chain"
	"github.com/bardlex/bridgepool/internal/checkpoint"
	"github.com/bardlex/bridgepool/internal/registry"
	"github.com/bardlex/bridgepool/internal/signer"
	"github.com/bardlex/bridgepool/internal/sigverify"
	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/retry"
)

// fakeChain serves blocks of deposit events and records completion calls.
type fakeChain struct {
	id uint32

	mu          sync.Mutex
	blocks      [][]chain.Event
	failSubmits int
	submitCalls int
	submits     []chain.Call
	confirm     chan struct{}
}

func (c *fakeChain) addBlock(events ...chain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, events)
}

func (c *fakeChain) ChainID() uint32 { return c.id }

func (c *fakeChain) Head(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.blocks) == 0 {
		return 0, nil
	}
	return uint64(len(c.blocks) - 1), nil
}

func (c *fakeChain) WaitForConfirmations(ctx context.Context, txRef string, depth int64) (chain.Confirmation, error) {
	c.mu.Lock()
	gate := c.confirm
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chain.Confirmation{}, ctx.Err()
		}
	}
	return chain.Confirmation{TxRef: txRef, Confirmations: depth}, nil
}

func (c *fakeChain) SubmitTransaction(_ context.Context, call chain.Call) (chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitCalls++
	if c.submitCalls <= c.failSubmits {
		return chain.Receipt{}, errors.New(errors.ErrorTypeChain, "send_raw_transaction", "mempool rejected tx")
	}
	c.submits = append(c.submits, call)
	return chain.Receipt{ChainID: c.id, TxRef: fmt.Sprintf("dest-%d", call.Message.Nonce)}, nil
}

func (c *fakeChain) QueryRecentEvents(_ context.Context, from uint64) ([]chain.Event, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []chain.Event
	next := from
	for h := from; h < uint64(len(c.blocks)); h++ {
		events = append(events, c.blocks[h]...)
		next = h + 1
	}
	return events, next, nil
}

func (c *fakeChain) stats() (calls int, submits []chain.Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitCalls, append([]chain.Call(nil), c.submits...)
}

func deposit(nonce, amount uint64) chain.Event {
	return chain.Event{
		ChainID: 1,
		TxRef:   fmt.Sprintf("src-%d", nonce),
		Message: sigverify.Message{
			SourceChain: 1,
			DestChain:   2,
			Asset:       "BTC",
			Amount:      amount,
			Recipient:   "bcrt1qrecipient",
			Nonce:       nonce,
		},
	}
}

type harness struct {
	engine  *bridge.Engine
	source  *fakeChain
	dest    *fakeChain
	signers []signer.Client
	cps     *checkpoint.MemoryStore
	alerts  *alert.Recorder
}

// newHarness builds an engine over validators with the given powers and a
// key signer for each of the first signing validators.
func newHarness(t *testing.T, signing int, powers ...uint64) *harness {
	t.Helper()
	reg, err := registry.New(2, 3, nil, nil)
	require.NoError(t, err)

	h := &harness{
		source: &fakeChain{id: 1},
		dest:   &fakeChain{id: 2},
		cps:    checkpoint.NewMemoryStore(),
		alerts: alert.NewRecorder(16),
	}
	for i, p := range powers {
		key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{byte(i + 1)}, 32))
		require.NoError(t, reg.Add(context.Background(), sigverify.Identity(key.PubKey()), p))
		if i < signing {
			h.signers = append(h.signers, signer.NewKeySigner(key, nil))
		}
	}

	h.engine = bridge.NewEngine(bridge.Config{FeeBps: 100}, reg, nil, bridge.NewMemoryStore(),
		NewDestinationExecutor(h.dest), bridge.WithAlerts(h.alerts))
	return h
}

func (h *harness) relayer(cfg Config) *Relayer {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = time.Hour
	}
	if cfg.Destination == nil {
		cfg.Destination = &retry.Config{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	}
	return New(cfg, h.engine, []chain.Client{h.source}, h.signers, h.cps)
}

// start runs r and returns a stop function that waits for Run to return.
func start(t *testing.T, r *Relayer) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("relayer did not stop")
		}
	}
}

func (h *harness) transfer(t *testing.T, nonce uint64) func() bridge.Transfer {
	return func() bridge.Transfer {
		tr, err := h.engine.Lookup(1, nonce)
		if err != nil {
			return bridge.Transfer{}
		}
		return tr
	}
}

func TestRelayer_DepositCompletes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := require.New(t)

	h := newHarness(t, 3, 40, 30, 30)
	h.source.addBlock()
	h.source.addBlock(deposit(1, 10_000))

	stop := start(t, h.relayer(Config{ConfirmationDepth: 6}))
	get := h.transfer(t, 1)
	r.Eventually(func() bool { return get().Status == bridge.StatusCompleted }, 5*time.Second, 5*time.Millisecond)
	stop()

	tr := get()
	r.Equal("dest-1", tr.Receipt)
	r.GreaterOrEqual(tr.Power, tr.Threshold)

	_, submits := h.dest.stats()
	r.Len(submits, 1)
	r.Equal(uint64(9_900), submits[0].Amount)
	r.Equal(tr.ID, submits[0].TransferID)

	next, ok, err := h.cps.NextBlock(1)
	r.NoError(err)
	r.True(ok)
	r.Equal(uint64(2), next)

	pending, err := h.cps.Pending(1)
	r.NoError(err)
	r.Empty(pending)
}

func TestRelayer_RetriesThenCompletes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := require.New(t)

	h := newHarness(t, 3, 40, 30, 30)
	h.dest.failSubmits = 3
	h.source.addBlock(deposit(7, 5_000))

	stop := start(t, h.relayer(Config{}))
	get := h.transfer(t, 7)
	r.Eventually(func() bool { return get().Status == bridge.StatusCompleted }, 5*time.Second, 5*time.Millisecond)
	stop()

	r.Equal(3, get().Attempts)
	calls, submits := h.dest.stats()
	r.Equal(4, calls)
	r.Len(submits, 1)
}

func TestRelayer_RetriesExhaustedFlagsManualReview(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := require.New(t)

	h := newHarness(t, 3, 40, 30, 30)
	h.dest.failSubmits = 1_000
	h.source.addBlock(deposit(3, 5_000))

	stop := start(t, h.relayer(Config{}))
	get := h.transfer(t, 3)
	r.Eventually(func() bool { return get().ManualReview }, 5*time.Second, 5*time.Millisecond)

	// no further attempts once flagged
	time.Sleep(50 * time.Millisecond)
	stop()

	tr := get()
	r.Equal(bridge.StatusApproved, tr.Status)
	r.Equal(5, tr.Attempts)
	r.NotEmpty(tr.ReviewReason)

	calls, _ := h.dest.stats()
	r.Equal(5, calls)

	select {
	case a := <-h.alerts.Alerts():
		r.Equal(alert.SeverityCritical, a.Severity)
	default:
		t.Fatal("expected a manual review alert")
	}
}

func TestRelayer_DuplicateEventsRelayOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := require.New(t)

	h := newHarness(t, 3, 40, 30, 30)
	ev := deposit(9, 2_000)
	h.source.addBlock(ev)
	h.source.addBlock(ev)

	rl := h.relayer(Config{ReconcileWindow: 10})
	stop := start(t, rl)
	get := h.transfer(t, 9)
	r.Eventually(func() bool { return get().Status == bridge.StatusCompleted }, 5*time.Second, 5*time.Millisecond)

	rl.Reconcile(context.Background())
	rl.Reconcile(context.Background())
	time.Sleep(20 * time.Millisecond)
	stop()

	calls, _ := h.dest.stats()
	r.Equal(1, calls)
}

func TestRelayer_ConflictingNonceIgnored(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := require.New(t)

	h := newHarness(t, 3, 40, 30, 30)
	first := deposit(4, 1_000)
	second := deposit(4, 9_999)
	second.TxRef = "src-4-replay"
	h.source.addBlock(first)

	stop := start(t, h.relayer(Config{}))
	get := h.transfer(t, 4)
	r.Eventually(func() bool { return get().Status == bridge.StatusCompleted }, 5*time.Second, 5*time.Millisecond)

	h.source.addBlock(second)
	time.Sleep(50 * time.Millisecond)
	stop()

	r.Equal(uint64(1_000), get().Amount)
	calls, _ := h.dest.stats()
	r.Equal(1, calls)
}

func TestRelayer_WithoutQuorumStaysPending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := require.New(t)

	// only the 40-power validator is reachable
	h := newHarness(t, 1, 40, 30, 30)
	h.source.addBlock(deposit(5, 1_000))

	stop := start(t, h.relayer(Config{}))
	get := h.transfer(t, 5)
	r.Eventually(func() bool { return get().Signers == 1 }, 5*time.Second, 5*time.Millisecond)
	stop()

	tr := get()
	r.Equal(bridge.StatusPending, tr.Status)
	r.Equal(uint64(40), tr.Power)
	calls, _ := h.dest.stats()
	r.Zero(calls)
}

func TestRelayer_ResumesApprovedOnStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := require.New(t)
	ctx := context.Background()

	h := newHarness(t, 3, 40, 30, 30)
	h.dest.failSubmits = 1

	ev := deposit(11, 4_000)
	tr, err := h.engine.Submit(ctx, bridge.Request{Message: ev.Message, SourceTx: ev.TxRef})
	r.NoError(err)
	for _, s := range h.signers {
		sig, err := s.RequestSignature(ctx, signer.Request{Message: ev.Message, SourceTx: ev.TxRef})
		r.NoError(err)
		_, err = h.engine.AddSignature(ctx, tr.ID, s.Identity(), sig)
		r.NoError(err)
	}
	_, err = h.engine.Finalize(ctx, tr.ID)
	r.ErrorIs(err, errors.ErrDestinationSubmissionFailed)

	stop := start(t, h.relayer(Config{}))
	get := h.transfer(t, 11)
	r.Eventually(func() bool { return get().Status == bridge.StatusCompleted }, 5*time.Second, 5*time.Millisecond)
	stop()

	r.Equal(1, get().Attempts)
}

func TestRelayer_ShutdownWhileWaitingForConfirmations(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := require.New(t)

	h := newHarness(t, 3, 40, 30, 30)
	h.source.confirm = make(chan struct{})
	h.source.addBlock(deposit(2, 1_000))

	stop := start(t, h.relayer(Config{ConfirmationDepth: 100}))
	time.Sleep(30 * time.Millisecond)
	stop()

	_, err := h.engine.Lookup(1, 2)
	r.ErrorIs(err, errors.ErrTransferNotFound)

	// the checkpoint moved on but the deposit is remembered for the next run
	next, _, err := h.cps.NextBlock(1)
	r.NoError(err)
	r.Equal(uint64(1), next)
	pending, err := h.cps.Pending(1)
	r.NoError(err)
	r.Len(pending, 1)

	close(h.source.confirm)
	stop = start(t, h.relayer(Config{ConfirmationDepth: 100}))
	get := h.transfer(t, 2)
	r.Eventually(func() bool { return get().Status == bridge.StatusCompleted }, 5*time.Second, 5*time.Millisecond)
	stop()
}

func TestRelayer_PausedDepositSurvivesReconcileWindow(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := require.New(t)

	h := newHarness(t, 3, 40, 30, 30)
	h.engine.Pause()
	h.source.addBlock(deposit(12, 3_000))
	for range 20 {
		h.source.addBlock()
	}

	rl := h.relayer(Config{ReconcileWindow: 2})
	stop := start(t, rl)
	r.Eventually(func() bool {
		next, _, _ := h.cps.NextBlock(1)
		return next == 21
	}, 5*time.Second, 5*time.Millisecond)

	get := h.transfer(t, 12)
	r.Eventually(func() bool {
		pending, _ := h.cps.Pending(1)
		return len(pending) == 1 && rl.inflight.Len() == 0
	}, 5*time.Second, 5*time.Millisecond)
	_, err := h.engine.Lookup(1, 12)
	r.ErrorIs(err, errors.ErrTransferNotFound)

	h.engine.Unpause()
	rl.Reconcile(context.Background())
	r.Eventually(func() bool { return get().Status == bridge.StatusCompleted }, 5*time.Second, 5*time.Millisecond)
	stop()

	pending, err := h.cps.Pending(1)
	r.NoError(err)
	r.Empty(pending)
}

func TestDestinationExecutor_UnknownChain(t *testing.T) {
	x := NewDestinationExecutor(&fakeChain{id: 2})
	_, err := x.Execute(context.Background(), bridge.Transfer{Message: sigverify.Message{DestChain: 9}})
	if err == nil {
		t.Fatal("expected error for unknown destination chain")
	}
	if !errors.IsType(err, errors.ErrorTypeChain) {
		t.Errorf("expected chain error, got %v", err)
	}
}
