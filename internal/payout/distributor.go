package payout

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/bardlex/bridgepool/internal/alert"
	"github.com/bardlex/bridgepool/internal/messaging"
	"github.com/bardlex/bridgepool/internal/metrics"
	"github.com/bardlex/bridgepool/internal/rewards"
	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/log"
)

const bps = 10_000

// Config holds settlement parameters.
type Config struct {
	FeeBps    uint64
	MinPayout uint64
	Params    rewards.Params
}

// Option customizes a Distributor.
type Option func(*Distributor)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(d *Distributor) { d.logger = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Pool) Option { return func(d *Distributor) { d.metrics = m } }

// WithAlerts sets the operator alert sink.
func WithAlerts(s alert.Sink) Option { return func(d *Distributor) { d.alerts = s } }

// WithReporter sets the time-series reporter.
func WithReporter(r Reporter) Option { return func(d *Distributor) { d.reporter = r } }

// WithPublisher publishes paid payouts on the payouts topic.
func WithPublisher(p messaging.Publisher) Option { return func(d *Distributor) { d.publisher = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(d *Distributor) { d.now = now } }

// Distributor settles closed periods.
type Distributor struct {
	cfg     Config
	periods Periods
	store   Store
	payer   Payer

	logger    *log.Logger
	metrics   *metrics.Pool
	alerts    alert.Sink
	reporter  Reporter
	publisher messaging.Publisher
	now       func() time.Time

	// mu serializes settlements
	mu sync.Mutex
}

// NewDistributor creates a distributor.
func NewDistributor(cfg Config, periods Periods, store Store, payer Payer, opts ...Option) *Distributor {
	cfg.FeeBps = min(cfg.FeeBps, bps)
	d := &Distributor{
		cfg:     cfg,
		periods: periods,
		store:   store,
		payer:   payer,
		logger:  log.Nop(),
		alerts:  alert.NewLogSink(nil),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("payout")
	return d
}

// Distribute settles a closed period exactly once. The settlement is
// recorded before any payment is sent; a failed payment leaves the payouts
// pending for PayPending and is returned alongside the distribution.
func (d *Distributor) Distribute(ctx context.Context, periodID uint64) (*Distribution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	logger := d.logger.WithPeriod(periodID)

	snap, err := d.periods.Snapshot(ctx, periodID)
	if err != nil {
		return nil, err
	}
	if !snap.Closed {
		return nil, errors.NewCode(errors.ErrorTypeValidation, errors.CodePeriodOpen, "distribute", "period is still open").
			WithContext("period_id", periodID)
	}
	if snap.Distributed {
		return nil, alreadyDistributed(periodID)
	}

	dist, accounts, err := d.settle(ctx, snap)
	if err != nil {
		return nil, err
	}

	if err := d.store.RecordDistribution(ctx, dist, accounts); err != nil {
		if errors.IsCode(err, errors.CodeAlreadyDistributed) {
			return nil, err
		}
		d.raise(ctx, periodID, "failed to record distribution", err)
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "distribute", "failed to record distribution").
			WithContext("period_id", periodID)
	}

	logger.LogDistribution(periodID, len(dist.Payouts), len(dist.Carried), dist.Fee)
	if d.metrics != nil {
		for range dist.Carried {
			d.metrics.Carried()
		}
	}
	if d.reporter != nil {
		d.reporter.WritePeriod(periodID, dist.Pool, dist.Fee, dist.Paid(), len(dist.Entitlements), len(dist.Carried))
	}

	if len(dist.Payouts) > 0 {
		txID, err := d.pay(ctx, periodID, dist.Payouts)
		if err != nil {
			return dist, err
		}
		dist.TxID = txID
		for i := range dist.Payouts {
			dist.Payouts[i].Status = StatusPaid
			dist.Payouts[i].TxID = txID
		}
	}

	logger.LogDuration("distribute", time.Since(start))
	return dist, nil
}

// settle computes the distribution and the updated accounts.
func (d *Distributor) settle(ctx context.Context, snap *rewards.PeriodSnapshot) (*Distribution, []Account, error) {
	fee := mulDiv(snap.RewardPool, d.cfg.FeeBps)
	net := snap.RewardPool - fee
	entitlements := rewards.Compute(snap, d.cfg.Params, net)

	ids := make([]string, len(entitlements))
	for i, e := range entitlements {
		ids[i] = e.MinerID
	}
	existing, err := d.store.Accounts(ctx, ids)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeDatabase, "distribute", "failed to load accounts")
	}

	now := d.now()
	dist := &Distribution{
		PeriodID:      snap.ID,
		Pool:          snap.RewardPool,
		Fee:           fee,
		Net:           net,
		Entitlements:  entitlements,
		DistributedAt: now,
	}

	accounts := make([]Account, 0, len(entitlements))
	for _, e := range entitlements {
		acct, ok := existing[e.MinerID]
		if !ok {
			acct = Account{MinerID: e.MinerID}
		}
		acct.Lifetime += e.Gross
		owed := acct.Carried + e.Gross

		if owed > 0 && owed >= d.cfg.MinPayout {
			dist.Payouts = append(dist.Payouts, Payout{
				PeriodID:  snap.ID,
				MinerID:   e.MinerID,
				Amount:    owed,
				Status:    StatusPending,
				CreatedAt: now,
			})
			acct.Carried = 0
			acct.LastPaidPeriod = snap.ID
		} else {
			acct.Carried = owed
			dist.Carried = append(dist.Carried, e.MinerID)
		}
		accounts = append(accounts, acct)
	}
	return dist, accounts, nil
}

// PayPending retries payment of a settled period's pending payouts.
func (d *Distributor) PayPending(ctx context.Context, periodID uint64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending, err := d.store.PendingPayouts(ctx, periodID)
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return "", nil
	}
	return d.pay(ctx, periodID, pending)
}

func (d *Distributor) pay(ctx context.Context, periodID uint64, payouts []Payout) (string, error) {
	amounts := make(map[string]uint64, len(payouts))
	for _, p := range payouts {
		amounts[p.MinerID] += p.Amount
	}

	txID, err := d.payer.SendMany(ctx, amounts)
	if err != nil {
		d.raise(ctx, periodID, "payout transaction failed", err)
		d.report(periodID, payouts, string(StatusPending))
		return "", errors.Wrap(err, errors.ErrorTypeChain, "pay", "payout transaction failed").
			WithContext("period_id", periodID)
	}

	paidAt := d.now()
	if err := d.store.MarkPaid(ctx, periodID, txID, paidAt); err != nil {
		// paid on chain but not recorded; retrying would pay twice
		d.raise(ctx, periodID, "payout sent but not recorded", err, "txid", txID)
		return txID, errors.Wrap(err, errors.ErrorTypeDatabase, "pay", "failed to record payout transaction").
			WithContext("period_id", periodID).
			WithContext("txid", txID)
	}

	d.report(periodID, payouts, string(StatusPaid))
	for _, p := range payouts {
		if d.metrics != nil {
			d.metrics.Payout(p.Amount)
		}
		if d.publisher != nil {
			msg := messaging.PayoutMessage{PeriodID: periodID, MinerID: p.MinerID, Amount: p.Amount, TxID: txID, PaidAt: paidAt}
			if err := d.publisher.PublishJSON(ctx, messaging.TopicPayouts, p.MinerID, msg); err != nil {
				d.logger.WithError(err).Warn("failed to publish payout", "miner_id", p.MinerID)
			}
		}
	}
	d.logger.WithPeriod(periodID).Info("payouts sent", "txid", txID, "payouts", len(payouts))
	return txID, nil
}

func (d *Distributor) report(periodID uint64, payouts []Payout, status string) {
	if d.reporter == nil {
		return
	}
	for _, p := range payouts {
		d.reporter.WritePayout(periodID, p.MinerID, p.Amount, status)
	}
}

func (d *Distributor) raise(ctx context.Context, periodID uint64, msg string, err error, kv ...any) {
	fields := map[string]any{"error": err.Error()}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	d.alerts.Raise(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Source:   "payout",
		Subject:  periodSubject(periodID),
		Message:  msg,
		Fields:   fields,
		At:       d.now(),
	})
}

func alreadyDistributed(periodID uint64) error {
	return errors.NewCode(errors.ErrorTypeValidation, errors.CodeAlreadyDistributed, "distribute", "period already distributed").
		WithContext("period_id", periodID)
}

// mulDiv is floor(amount*rate/10000).
func mulDiv(amount, rate uint64) uint64 {
	v := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(rate))
	return v.Div(v, uint256.NewInt(bps)).Uint64()
}

func periodSubject(periodID uint64) string {
	return "period-" + strconv.FormatUint(periodID, 10)
}
