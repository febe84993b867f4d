// Package main implements bridged, the bridge daemon. It runs the threshold
// consensus engine, the relayer that feeds it deposits and validator
// signatures, and the operator admin RPC.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/bridgepool/internal/admin"
	"github.com/bardlex/bridgepool/internal/alert"
	"github.com/bardlex/bridgepool/internal/bridge"
	"github.com/bardlex/bridgepool/internal/chain"
	"github.com/bardlex/bridgepool/internal/checkpoint"
	"github.com/bardlex/bridgepool/internal/config"
	"github.com/bardlex/bridgepool/internal/database"
	"github.com/bardlex/bridgepool/internal/database/influx"
	"github.com/bardlex/bridgepool/internal/database/postgres"
	"github.com/bardlex/bridgepool/internal/messaging"
	"github.com/bardlex/bridgepool/internal/metrics"
	"github.com/bardlex/bridgepool/internal/registry"
	"github.com/bardlex/bridgepool/internal/relayer"
	"github.com/bardlex/bridgepool/internal/signer"
	"github.com/bardlex/bridgepool/internal/sigverify"
	"github.com/bardlex/bridgepool/pkg/log"
	"github.com/bardlex/bridgepool/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting bridged",
		"version", cfg.Version,
		"chains", len(cfg.Chains),
		"validators", len(cfg.Bridge.Validators),
		"signers", len(cfg.Bridge.SignerURLs),
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

	daemon, err := NewBridgeDaemon(ctx, cfg, logger, infra.Deps())
	if err != nil {
		logger.WithError(err).Error("failed to create bridge")
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("bridge failed")
		os.Exit(1)
	}

	logger.Info("bridged stopped")
}

// Deps are the external collaborators of a BridgeDaemon.
type Deps struct {
	Store       bridge.Store
	Publisher   messaging.Publisher
	Sources     []chain.Client
	Signers     []signer.Client
	Checkpoints checkpoint.Store
	Wake        map[uint32]<-chan string
	Observers   []bridge.Observer
	Registerer  prometheus.Registerer
	Gatherer    prometheus.Gatherer
}

// BridgeDaemon owns the engine, the relayer and the operator surfaces.
type BridgeDaemon struct {
	cfg      *config.Config
	logger   *log.Logger
	registry *registry.Registry
	engine   *bridge.Engine
	relayer  *relayer.Relayer
	admin    http.Handler
	metrics  http.Handler
}

// NewBridgeDaemon seeds the validator registry, restores the ledger from
// the store and wires the relayer.
func NewBridgeDaemon(ctx context.Context, cfg *config.Config, logger *log.Logger, deps Deps) (*BridgeDaemon, error) {
	reg, err := registry.New(cfg.Bridge.ThresholdNum, cfg.Bridge.ThresholdDen,
		registry.NewTopicSink(deps.Publisher, messaging.TopicValidatorEvents), logger)
	if err != nil {
		return nil, err
	}
	for _, v := range cfg.Bridge.Validators {
		if err := reg.Add(ctx, v.Identity, v.Power); err != nil {
			return nil, fmt.Errorf("seed validator %s: %w", v.Identity, err)
		}
	}

	bridgeMetrics := metrics.NewBridge("bridged", deps.Registerer)
	alerts := alert.NewTopicSink(deps.Publisher, messaging.TopicAlerts, logger)

	observers := bridge.Observers{bridge.NewTopicObserver(deps.Publisher, messaging.TopicTransferEvents, logger)}
	observers = append(observers, deps.Observers...)

	engine := bridge.NewEngine(
		bridge.Config{
			QuorumWindow: cfg.Bridge.QuorumWindow,
			FeeBps:       cfg.Bridge.FeeBps,
			DailyLimit:   cfg.Bridge.DailyLimit,
		},
		reg,
		sigverify.NewVerifier(4096),
		deps.Store,
		relayer.NewDestinationExecutor(deps.Sources...),
		bridge.WithLogger(logger),
		bridge.WithObserver(observers),
		bridge.WithAlerts(alerts),
		bridge.WithMetrics(bridgeMetrics),
	)

	approved, err := engine.Recover(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("ledger recovered", "approved", len(approved))

	starts := make(map[uint32]uint64, len(cfg.Chains))
	for _, c := range cfg.Chains {
		starts[c.ID] = c.StartHeight
	}

	opts := []relayer.Option{
		relayer.WithLogger(logger),
		relayer.WithAlerts(alerts),
		relayer.WithMetrics(bridgeMetrics),
	}
	for id, wake := range deps.Wake {
		opts = append(opts, relayer.WithWake(id, wake))
	}

	rel := relayer.New(relayer.Config{
		ConfirmationDepth: cfg.Bridge.ConfirmationDepth,
		PollInterval:      cfg.Bridge.PollInterval,
		ReconcileInterval: cfg.Bridge.ReconcileInterval,
		ReconcileWindow:   cfg.Bridge.ReconcileWindow,
		SignatureTimeout:  cfg.Bridge.SignatureTimeout,
		InFlightTTL:       cfg.Bridge.InFlightTTL,
		Destination: &retry.Config{
			MaxAttempts: cfg.Bridge.MaxDestinationAttempts,
			BaseDelay:   cfg.Bridge.RetryBaseDelay,
			MaxDelay:    cfg.Bridge.RetryMaxDelay,
			Multiplier:  2.0,
			Jitter:      true,
		},
		StartHeights: starts,
	}, engine, deps.Sources, deps.Signers, deps.Checkpoints, opts...)

	handler, err := admin.NewHandler(admin.NewBridgeService(engine, reg, logger), nil)
	if err != nil {
		return nil, err
	}

	return &BridgeDaemon{
		cfg:      cfg,
		logger:   logger.WithComponent("bridged"),
		registry: reg,
		engine:   engine,
		relayer:  rel,
		admin:    handler,
		metrics:  metrics.Handler(deps.Gatherer),
	}, nil
}

// Run serves the relayer, the admin RPC and the metrics endpoint until ctx
// ends or one of them fails.
func (d *BridgeDaemon) Run(ctx context.Context) error {
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
func (d *BridgeDaemon) Serve(ctx context.Context, adminLn, metricsLn net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.relayer.Run(ctx) })
	g.Go(func() error { return admin.NewServer(d.admin, d.logger).Serve(ctx, adminLn) })
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics)
		return admin.NewServer(mux, d.logger).Serve(ctx, metricsLn)
	})

	err := g.Wait()
	d.logger.Info("bridge stopped", "paused", d.engine.Paused())
	return err
}

// Infra holds the live connections behind Deps.
type Infra struct {
	kafka       *messaging.KafkaClient
	db          *database.Manager
	chains      []*chain.RPCClient
	notifiers   []*chain.ZMQNotifier
	checkpoints *checkpoint.PebbleStore
	signers     []signer.Client
	wake        map[uint32]<-chan string
	logger      *log.Logger
}

// connect opens every external connection bridged needs. A failure closes
// whatever was already opened.
func connect(ctx context.Context, cfg *config.Config, logger *log.Logger) (inf *Infra, err error) {
	inf = &Infra{
		kafka:  messaging.NewKafkaClient(cfg.KafkaBrokers, logger),
		wake:   make(map[uint32]<-chan string),
		logger: logger,
	}
	defer func() {
		if err != nil {
			inf.Close()
			inf = nil
		}
	}()

	dbCfg := &database.Config{Postgres: postgres.DefaultConfig(cfg.PostgresURL)}
	if cfg.InfluxToken != "" {
		dbCfg.Influx = &influx.Config{URL: cfg.InfluxURL, Token: cfg.InfluxToken, Org: cfg.InfluxOrg, Bucket: cfg.InfluxBucket}
	}
	if inf.db, err = database.NewManager(ctx, dbCfg, logger); err != nil {
		return inf, err
	}
	inf.db.StartPeriodicTasks(ctx)

	if inf.checkpoints, err = checkpoint.NewPebbleStore(cfg.Bridge.CheckpointDir); err != nil {
		return inf, err
	}

	sources := make([]signer.DepositSource, 0, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		client, err := chain.NewRPCClient(cc, cfg.Bridge.PollInterval, logger)
		if err != nil {
			return inf, err
		}
		inf.chains = append(inf.chains, client)
		if !client.HasCustody() {
			return inf, fmt.Errorf("CHAIN_%d_CUSTODY_ADDRESS is required", cc.ID)
		}
		sources = append(sources, client)

		if cc.ZMQAddr == "" {
			continue
		}
		if err := inf.listenBlocks(ctx, cc); err != nil {
			return inf, err
		}
	}

	if cfg.Signer.PrivateKeyHex != "" {
		local, err := signer.FromHex(cfg.Signer.PrivateKeyHex, signer.NewChainChecker(cfg.Bridge.ConfirmationDepth, sources...))
		if err != nil {
			return inf, err
		}
		inf.signers = append(inf.signers, local)
	}
	for _, url := range cfg.Bridge.SignerURLs {
		remote, err := signer.Dial(ctx, url, cfg.Bridge.SignatureTimeout)
		if err != nil {
			return inf, fmt.Errorf("dial signer %s: %w", url, err)
		}
		logger.Info("signer connected", "url", url, "identity", remote.Identity())
		inf.signers = append(inf.signers, remote)
	}

	return inf, nil
}

func (inf *Infra) listenBlocks(ctx context.Context, cc config.ChainConfig) error {
	notifier, err := chain.NewZMQNotifier(cc.ZMQAddr, inf.logger)
	if err != nil {
		return err
	}
	inf.notifiers = append(inf.notifiers, notifier)
	if err := notifier.Subscribe("hashblock"); err != nil {
		return err
	}
	if err := notifier.Connect(); err != nil {
		return err
	}

	handler := chain.NewBlockHandler(inf.logger.WithChain(cc.ID))
	inf.wake[cc.ID] = handler.Wake()
	go func() {
		if err := notifier.Listen(ctx, handler.HandleMessage); err != nil && ctx.Err() == nil {
			inf.logger.WithChain(cc.ID).WithError(err).Error("block notifications stopped")
		}
	}()
	return nil
}

// Deps exposes the connections as daemon collaborators.
func (inf *Infra) Deps() Deps {
	sources := make([]chain.Client, len(inf.chains))
	for i, c := range inf.chains {
		sources[i] = c
	}
	var observers []bridge.Observer
	if inf.db.Influx != nil {
		observers = append(observers, inf.db.Influx)
	}
	return Deps{
		Store:       inf.db.Transfers,
		Publisher:   inf.kafka,
		Sources:     sources,
		Signers:     inf.signers,
		Checkpoints: inf.checkpoints,
		Wake:        inf.wake,
		Observers:   observers,
		Registerer:  prometheus.DefaultRegisterer,
		Gatherer:    prometheus.DefaultGatherer,
	}
}

// Close releases every open connection.
func (inf *Infra) Close() {
	for _, n := range inf.notifiers {
		if err := n.Close(); err != nil {
			inf.logger.WithError(err).Warn("failed to close ZMQ notifier")
		}
	}
	for _, c := range inf.chains {
		c.Close()
	}
	if inf.checkpoints != nil {
		if err := inf.checkpoints.Close(); err != nil {
			inf.logger.WithError(err).Warn("failed to close checkpoint store")
		}
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
