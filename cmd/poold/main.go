// Package main implements poold, the mining pool daemon. It validates
// shares consumed from Kafka, accounts them into reward periods and pays
// out each period once it closes.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/bridgepool/internal/admin"
	"github.com/bardlex/bridgepool/internal/alert"
	"github.com/bardlex/bridgepool/internal/chain"
	"github.com/bardlex/bridgepool/internal/config"
	"github.com/bardlex/bridgepool/internal/database"
	"github.com/bardlex/bridgepool/internal/database/influx"
	"github.com/bardlex/bridgepool/internal/database/postgres"
	"github.com/bardlex/bridgepool/internal/database/redis"
	"github.com/bardlex/bridgepool/internal/messaging"
	"github.com/bardlex/bridgepool/internal/metrics"
	"github.com/bardlex/bridgepool/internal/payout"
	"github.com/bardlex/bridgepool/internal/rewards"
	"github.com/bardlex/bridgepool/internal/validation"
	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/log"
)

// settleInterval is how often the accountant checks for period rollover.
const settleInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poold",
		"version", cfg.Version,
		"period_length", cfg.Pool.PeriodLength.String(),
		"distributed_guards", cfg.Pool.DistributedGuards,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	infra, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect dependencies")
		os.Exit(1)
	}
	defer infra.Close()

	daemon, err := NewPoolDaemon(ctx, cfg, logger, infra.Deps())
	if err != nil {
		logger.WithError(err).Error("failed to create pool")
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("pool failed")
		os.Exit(1)
	}

	logger.Info("poold stopped")
}

// Consumer runs a handler over one topic.
type Consumer interface {
	StartConsumer(ctx context.Context, topic, groupID string, handler messaging.Handler) error
}

// ShareObserver receives every share verdict for the side stores.
type ShareObserver interface {
	ObserveShare(ctx context.Context, minerID string, difficulty, networkDiff float64, accepted, block bool, reason string, at time.Time)
}

// Deps are the external collaborators of a PoolDaemon.
type Deps struct {
	Periods    rewards.Store
	Payouts    payout.Store
	Payer      payout.Payer
	Difficulty validation.NetworkDifficulty // nil pins the floor to the minimum
	Shared     validation.SharedStore       // nil keeps guards in process
	Publisher  messaging.Publisher
	Consumer   Consumer
	Observer   ShareObserver  // optional
	Activity   admin.Activity // optional
	Reporter   payout.Reporter
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// PoolDaemon owns share validation, period accounting and payouts.
type PoolDaemon struct {
	cfg         *config.Config
	logger      *log.Logger
	jobs        *validation.JobCache
	validator   *validation.Validator
	accountant  *rewards.Accountant
	distributor *payout.Distributor
	publisher   messaging.Publisher
	consumer    Consumer
	observer    ShareObserver
	background  []func(context.Context)
	admin       http.Handler
	metrics     http.Handler
	now         func() time.Time

	// previous block hashes whose block reward was already credited
	rewardMu sync.Mutex
	rewarded map[chainhash.Hash]struct{}
}

// NewPoolDaemon restores the open period and wires validation to it.
func NewPoolDaemon(ctx context.Context, cfg *config.Config, logger *log.Logger, deps Deps) (*PoolDaemon, error) {
	p := cfg.Pool
	params := rewards.Params{
		PeriodLength:     p.PeriodLength,
		SlotLength:       p.SlotLength,
		UptimeBonusBps:   p.UptimeBonusBps,
		LoyaltyBonusBps:  p.LoyaltyBonusBps,
		LoyaltyThreshold: p.LoyaltyThreshold,
	}
	for _, t := range p.Tiers {
		params.Tiers = append(params.Tiers, rewards.Tier{MinHashrate: t.MinHashrate, MultiplierBps: t.MultiplierBps})
	}

	poolMetrics := metrics.NewPool("poold", deps.Registerer)

	acct := rewards.NewAccountant(params, p.RewardPerPeriod, deps.Periods,
		rewards.WithLogger(logger), rewards.WithMetrics(poolMetrics))
	if err := acct.Recover(ctx, time.Now()); err != nil {
		return nil, err
	}

	opts := []payout.Option{
		payout.WithLogger(logger),
		payout.WithMetrics(poolMetrics),
		payout.WithAlerts(alert.NewTopicSink(deps.Publisher, messaging.TopicAlerts, logger)),
		payout.WithPublisher(deps.Publisher),
	}
	if deps.Reporter != nil {
		opts = append(opts, payout.WithReporter(deps.Reporter))
	}
	dist := payout.NewDistributor(payout.Config{FeeBps: p.FeeBps, MinPayout: p.MinPayout, Params: params},
		deps.Periods, deps.Payouts, deps.Payer, opts...)

	var oracle validation.DifficultyOracle = validation.StaticOracle(p.MinDifficulty)
	if deps.Difficulty != nil {
		oracle = validation.NewRPCDifficultyOracle(deps.Difficulty, p.MinDifficulty, p.NetworkDifficultyFraction, 30*time.Second)
	}

	d := &PoolDaemon{
		cfg:         cfg,
		logger:      logger.WithComponent("poold"),
		jobs:        validation.NewJobCache(),
		accountant:  acct,
		distributor: dist,
		publisher:   deps.Publisher,
		consumer:    deps.Consumer,
		observer:    deps.Observer,
		metrics:     metrics.Handler(deps.Gatherer),
		now:         time.Now,
		rewarded:    make(map[chainhash.Hash]struct{}),
	}

	var replay validation.ReplayGuard
	var rateGuard validation.RateGuard
	if deps.Shared != nil && p.DistributedGuards {
		replay = validation.NewRedisReplayGuard(deps.Shared, p.ReplayWindow)
		rateGuard = validation.NewRedisRateGuard(deps.Shared, int64(max(p.ShareRate, 1)))
	} else {
		memReplay := validation.NewMemoryReplayGuard(p.ReplayWindow)
		memRate := validation.NewMemoryRateGuard(p.ShareRate, p.ShareBurst, time.Hour)
		replay, rateGuard = memReplay, memRate
		d.background = append(d.background, memReplay.Run, memRate.Run)
	}

	d.validator = validation.NewValidator(d.jobs, oracle, replay, rateGuard,
		validation.WithRecorder(acct),
		validation.WithMetrics(poolMetrics),
		validation.WithLogger(logger),
	)

	handler, err := admin.NewHandler(nil, admin.NewPoolService(dist, deps.Periods, acct, deps.Activity, logger))
	if err != nil {
		return nil, err
	}
	d.admin = handler

	return d, nil
}

// HandleShare validates one submitted share and publishes the verdict. A
// rejected share is a handled message; an error means the share could not
// be judged and should be redelivered.
func (d *PoolDaemon) HandleShare(ctx context.Context, _ string, msg *messaging.ShareMessage) error {
	share := validation.Share{
		MinerID:     msg.MinerID,
		JobID:       msg.JobID,
		Nonce:       msg.Nonce,
		Hash:        msg.Hash,
		Difficulty:  msg.Difficulty,
		SubmittedAt: msg.SubmittedAt,
	}
	at := share.SubmittedAt
	if at.IsZero() {
		at = d.now()
	}

	verdict, err := d.validator.Validate(ctx, share)
	if err != nil && !errors.IsCode(err, errors.CodeInvalidShare) {
		return err
	}

	job, known := d.jobs.Get(share.JobID)
	if err == nil && verdict.BlockCandidate && known {
		d.creditBlock(share.MinerID, job)
	}

	if d.observer != nil {
		var networkDiff float64
		if known {
			networkDiff = job.NetworkDifficulty
		}
		d.observer.ObserveShare(ctx, share.MinerID, share.Difficulty, networkDiff,
			verdict.Accepted, verdict.BlockCandidate, string(verdict.Reason), at)
	}

	result := &messaging.ShareResultMessage{
		MinerID:     share.MinerID,
		JobID:       share.JobID,
		Nonce:       share.Nonce,
		Accepted:    verdict.Accepted,
		Reason:      string(verdict.Reason),
		ProcessedAt: d.now(),
	}
	if err := d.publisher.PublishJSON(ctx, messaging.TopicShareResults, share.MinerID, result); err != nil {
		d.logger.WithMiner(share.MinerID).WithError(err).Warn("failed to publish share result")
	}
	return nil
}

// creditBlock adds job's coinbase value to the open period's pool, at most
// once per previous block hash.
func (d *PoolDaemon) creditBlock(minerID string, job *validation.Job) {
	if job.Reward == 0 {
		return
	}
	d.rewardMu.Lock()
	defer d.rewardMu.Unlock()
	if _, done := d.rewarded[job.Header.PrevBlock]; done {
		return
	}
	if err := d.accountant.AddReward(job.Reward); err != nil {
		d.logger.WithMiner(minerID).WithError(err).Error("failed to credit block reward", "job_id", job.ID)
		return
	}
	d.rewarded[job.Header.PrevBlock] = struct{}{}
	d.logger.WithMiner(minerID).Info("block reward credited", "job_id", job.ID, "height", job.Height, "reward", job.Reward)
}

// HandleJob caches a job announced by the job manager. A clean job retires
// every job cached before it.
func (d *PoolDaemon) HandleJob(_ context.Context, _ string, msg *messaging.JobMessage) error {
	job, err := JobFromMessage(msg, d.cfg.Pool.JobTTL)
	if err != nil {
		return err
	}
	if msg.CleanJobs {
		d.jobs.ExpireAll(d.now())
		d.rewardMu.Lock()
		clear(d.rewarded)
		d.rewardMu.Unlock()
	}
	d.jobs.Add(job)
	d.logger.Info("job cached", "job_id", job.ID, "height", job.Height, "clean", msg.CleanJobs)
	return nil
}

// JobFromMessage rebuilds the header template of a job announcement.
func JobFromMessage(msg *messaging.JobMessage, ttl time.Duration) (*validation.Job, error) {
	if msg.JobID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "job_from_message", "job id is required")
	}
	prev, err := chainhash.NewHashFromStr(msg.PrevHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "job_from_message", "invalid previous block hash").
			WithContext("job_id", msg.JobID)
	}
	merkle, err := chainhash.NewHashFromStr(msg.MerkleRoot)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "job_from_message", "invalid merkle root").
			WithContext("job_id", msg.JobID)
	}

	if msg.CoinbaseValue < 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "job_from_message", "negative coinbase value").
			WithContext("job_id", msg.JobID)
	}

	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	job := &validation.Job{
		ID: msg.JobID,
		Header: wire.BlockHeader{
			Version:    msg.Version,
			PrevBlock:  *prev,
			MerkleRoot: *merkle,
			Timestamp:  time.Unix(msg.Timestamp, 0),
			Bits:       msg.Bits,
		},
		Height:            msg.Height,
		NetworkDifficulty: validation.BitsToDifficulty(msg.Bits),
		Reward:            uint64(msg.CoinbaseValue),
		CreatedAt:         created,
	}
	if ttl > 0 {
		job.ExpiresAt = created.Add(ttl)
	}
	return job, nil
}

// settle distributes a closed period. Failures are alerted by the
// distributor and retried by an operator through the admin RPC.
func (d *PoolDaemon) settle(ctx context.Context, p rewards.Period) {
	dist, err := d.distributor.Distribute(ctx, p.ID)
	switch {
	case err == nil:
		d.logger.WithPeriod(p.ID).Info("period settled", "paid", dist.Paid(), "txid", dist.TxID)
	case errors.IsCode(err, errors.CodeAlreadyDistributed):
	default:
		d.logger.WithPeriod(p.ID).WithError(err).Error("period settlement failed")
	}
}

// settleBacklog distributes the period closed before the open one when a
// previous run stopped before settling it.
func (d *PoolDaemon) settleBacklog(ctx context.Context) {
	cur := d.accountant.Current()
	if cur.ID <= 1 {
		return
	}
	_, err := d.distributor.Distribute(ctx, cur.ID-1)
	switch {
	case err == nil:
		d.logger.WithPeriod(cur.ID-1).Info("settled period left by previous run")
	case errors.IsCode(err, errors.CodeAlreadyDistributed), errors.IsCode(err, errors.CodePeriodNotFound):
	default:
		d.logger.WithPeriod(cur.ID-1).WithError(err).Error("backlog settlement failed")
	}
}

// Run serves the consumers, the settlement loop, the admin RPC and the
// metrics endpoint until ctx ends or one of them fails.
func (d *PoolDaemon) Run(ctx context.Context) error {
	adminLn, err := net.Listen("tcp", d.cfg.AdminListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.AdminListenAddr, err)
	}
	metricsLn, err := net.Listen("tcp", d.cfg.MetricsListenAddr)
	if err != nil {
		_ = adminLn.Close()
		return fmt.Errorf("listen %s: %w", d.cfg.MetricsListenAddr, err)
	}
	return d.Serve(ctx, adminLn, metricsLn)
}

// Serve is Run over pre-bound listeners.
func (d *PoolDaemon) Serve(ctx context.Context, adminLn, metricsLn net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, fn := range d.background {
		g.Go(func() error { fn(ctx); return nil })
	}
	g.Go(func() error {
		d.settleBacklog(ctx)
		d.accountant.Run(ctx, settleInterval, d.settle)
		if err := d.accountant.Flush(context.Background()); err != nil {
			d.logger.WithError(err).Warn("final period flush failed")
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if n := d.jobs.Prune(now); n > 0 {
					d.logger.Debug("pruned expired jobs", "count", n, "cached", d.jobs.Len())
				}
			}
		}
	})
	if d.consumer != nil {
		group := d.cfg.KafkaGroupID
		g.Go(func() error {
			return ignoreCanceled(d.consumer.StartConsumer(ctx, messaging.TopicJobs, group+"-jobs",
				messaging.DecodeJSON(d.HandleJob)))
		})
		g.Go(func() error {
			return ignoreCanceled(d.consumer.StartConsumer(ctx, messaging.TopicShares, group+"-shares",
				messaging.DecodeJSON(d.HandleShare)))
		})
	}
	g.Go(func() error { return admin.NewServer(d.admin, d.logger).Serve(ctx, adminLn) })
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics)
		return admin.NewServer(mux, d.logger).Serve(ctx, metricsLn)
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Infra holds the live connections behind Deps.
type Infra struct {
	kafka  *messaging.KafkaClient
	db     *database.Manager
	node   *chain.RPCClient
	logger *log.Logger
}

// connect opens every external connection poold needs. A failure closes
// whatever was already opened.
func connect(ctx context.Context, cfg *config.Config, logger *log.Logger) (inf *Infra, err error) {
	inf = &Infra{kafka: messaging.NewKafkaClient(cfg.KafkaBrokers, logger), logger: logger}
	defer func() {
		if err != nil {
			inf.Close()
			inf = nil
		}
	}()

	dbCfg := &database.Config{Postgres: postgres.DefaultConfig(cfg.PostgresURL)}
	if cfg.RedisURL != "" {
		if dbCfg.Redis, err = redis.ConfigFromURL(cfg.RedisURL); err != nil {
			return inf, err
		}
	}
	if cfg.InfluxToken != "" {
		dbCfg.Influx = &influx.Config{URL: cfg.InfluxURL, Token: cfg.InfluxToken, Org: cfg.InfluxOrg, Bucket: cfg.InfluxBucket}
	}
	if inf.db, err = database.NewManager(ctx, dbCfg, logger); err != nil {
		return inf, err
	}
	inf.db.StartPeriodicTasks(ctx)

	if inf.node, err = chain.NewRPCClient(cfg.Pool.Node, cfg.Bridge.PollInterval, logger); err != nil {
		return inf, err
	}
	return inf, nil
}

// Deps exposes the connections as daemon collaborators.
func (inf *Infra) Deps() Deps {
	deps := Deps{
		Periods:    inf.db.Periods,
		Payouts:    inf.db.Payouts,
		Payer:      inf.node,
		Difficulty: inf.node,
		Publisher:  inf.kafka,
		Consumer:   inf.kafka,
		Observer:   inf.db,
		Activity:   inf.db,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	}
	if inf.db.Redis != nil {
		deps.Shared = inf.db.Redis
	}
	if inf.db.Influx != nil {
		deps.Reporter = inf.db.Influx
	}
	return deps
}

// Close releases every open connection.
func (inf *Infra) Close() {
	if inf.node != nil {
		inf.node.Close()
	}
	if inf.db != nil {
		if err := inf.db.Close(); err != nil {
			inf.logger.WithError(err).Warn("failed to close databases")
		}
	}
	if err := inf.kafka.Close(); err != nil {
		inf.logger.WithError(err).Warn("failed to close Kafka client")
	}
}
