// Package main implements jobmanager, which turns node block templates into
// mining jobs and announces them to poold over Kafka.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/bridgepool/internal/chain"
	"github.com/bardlex/bridgepool/internal/config"
	"github.com/bardlex/bridgepool/internal/messaging"
	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/log"
)

const (
	// tipPollInterval is how often the tip is checked without notifications.
	tipPollInterval = 5 * time.Second
	maxCoinbaseTag  = 64
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting jobmanager",
		"version", cfg.Version,
		"node_host", cfg.Pool.Node.RPCHost,
		"node_port", cfg.Pool.Node.RPCPort,
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

	node, err := chain.NewRPCClient(cfg.Pool.Node, tipPollInterval, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create node RPC client")
		os.Exit(1)
	}
	defer node.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := node.Ping(pingCtx); err != nil {
		logger.WithError(err).Error("failed to connect to node")
		os.Exit(1)
	}
	logger.Info("connected to node")

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Warn("failed to close Kafka client")
		}
	}()

	var wake <-chan string
	if addr := cfg.Pool.Node.ZMQAddr; addr != "" {
		notifier, err := chain.NewZMQNotifier(addr, logger)
		if err != nil {
			logger.WithError(err).Error("failed to create block notifier")
			os.Exit(1)
		}
		defer func() { _ = notifier.Close() }()
		if err := notifier.Subscribe("hashblock"); err != nil {
			logger.WithError(err).Error("failed to subscribe to blocks")
			os.Exit(1)
		}
		if err := notifier.Connect(); err != nil {
			logger.WithError(err).Error("failed to connect block notifier")
			os.Exit(1)
		}
		handler := chain.NewBlockHandler(logger)
		wake = handler.Wake()
		go func() {
			if err := notifier.Listen(ctx, handler.HandleMessage); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("block notifications stopped")
			}
		}()
	}

	jm, err := NewJobManager(cfg, logger, node, kafkaClient, wake)
	if err != nil {
		logger.WithError(err).Error("failed to create job manager")
		os.Exit(1)
	}
	if err := jm.Run(ctx); err != nil {
		logger.WithError(err).Error("job manager failed")
		os.Exit(1)
	}

	logger.Info("jobmanager stopped")
}

// TemplateSource is the node a JobManager mines on.
type TemplateSource interface {
	BestBlockHash(ctx context.Context) (string, error)
	BlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
}

// JobManager announces a clean job whenever the tip moves and a refreshed
// job on the same tip every JobRefresh.
type JobManager struct {
	cfg       *config.Config
	logger    *log.Logger
	node      TemplateSource
	publisher messaging.Publisher
	wake      <-chan string
	payTo     []byte
	tag       []byte

	// Current job state
	prefix     string
	prevHash   string
	lastJob    time.Time
	jobCounter int64

	now func() time.Time
}

// NewJobManager resolves the coinbase payout script. wake may be nil.
func NewJobManager(cfg *config.Config, logger *log.Logger, node TemplateSource, publisher messaging.Publisher, wake <-chan string) (*JobManager, error) {
	addr, err := btcutil.DecodeAddress(cfg.Pool.CoinbaseAddress, chain.Params(cfg.Pool.Node.Network))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_job_manager", "invalid coinbase address").
			WithContext("address", cfg.Pool.CoinbaseAddress)
	}
	payTo, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_job_manager", "unsupported coinbase address")
	}
	if len(cfg.Pool.CoinbaseTag) > maxCoinbaseTag {
		return nil, errors.New(errors.ErrorTypeValidation, "new_job_manager", "coinbase tag too long")
	}

	return &JobManager{
		cfg:       cfg,
		logger:    logger.WithComponent("jobmanager"),
		node:      node,
		publisher: publisher,
		wake:      wake,
		payTo:     payTo,
		tag:       []byte(cfg.Pool.CoinbaseTag),
		prefix:    strconv.FormatInt(time.Now().Unix(), 36),
		now:       time.Now,
	}, nil
}

// Run announces the first job, then follows the tip until ctx ends.
func (jm *JobManager) Run(ctx context.Context) error {
	jm.logger.Info("job manager starting")

	if err := jm.announce(ctx, true); err != nil {
		jm.logger.WithError(err).Error("failed to create initial job")
		return err
	}

	ticker := time.NewTicker(tipPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case hash := <-jm.wake:
			jm.logger.Debug("block notification", "hash", hash)
		case <-ticker.C:
		}
		if err := jm.refresh(ctx); err != nil && ctx.Err() == nil {
			jm.logger.WithError(err).Error("failed to refresh job")
		}
	}
}

// refresh announces a clean job when the tip moved, or a refreshed one
// when the current job is older than JobRefresh.
func (jm *JobManager) refresh(ctx context.Context) error {
	best, err := jm.node.BestBlockHash(ctx)
	if err != nil {
		return err
	}

	switch {
	case best != jm.prevHash:
		jm.logger.Info("new block detected", "old_prev_hash", jm.prevHash, "new_prev_hash", best)
		return jm.announce(ctx, true)
	case jm.now().Sub(jm.lastJob) >= jm.cfg.Pool.JobRefresh:
		return jm.announce(ctx, false)
	}
	return nil
}

func (jm *JobManager) announce(ctx context.Context, clean bool) error {
	template, err := jm.node.BlockTemplate(ctx)
	if err != nil {
		return err
	}

	jm.jobCounter++
	jobID := fmt.Sprintf("%s_%d", jm.prefix, jm.jobCounter)
	now := jm.now()

	msg, err := BuildJob(template, jobID, jm.payTo, jm.tag, clean, now)
	if err != nil {
		return err
	}
	if err := jm.publisher.PublishJSON(ctx, messaging.TopicJobs, jobID, msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeKafka, "announce_job", "failed to publish job").
			WithContext("job_id", jobID)
	}

	jm.prevHash = template.PreviousHash
	jm.lastJob = now
	jm.logger.LogJobAnnouncement(jobID, template.Height, clean, len(template.Transactions))
	return nil
}

// BuildJob fixes a template into a header job: a coinbase paying payTo is
// prepended to the template transactions and the merkle root is taken over
// their transaction ids.
func BuildJob(t *btcjson.GetBlockTemplateResult, jobID string, payTo, tag []byte, clean bool, now time.Time) (*messaging.JobMessage, error) {
	if t.CoinbaseValue == nil {
		return nil, errors.New(errors.ErrorTypeChain, "build_job", "template has no coinbase value")
	}
	bits, err := strconv.ParseUint(t.Bits, 16, 32)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChain, "build_job", "invalid template bits").
			WithContext("bits", t.Bits)
	}

	coinbase, err := coinbaseTx(t.Height, *t.CoinbaseValue, payTo, tag, t.DefaultWitnessCommitment)
	if err != nil {
		return nil, err
	}
	txs := make([]*btcutil.Tx, 0, len(t.Transactions)+1)
	txs = append(txs, btcutil.NewTx(coinbase))
	for i, tx := range t.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeChain, "build_job", "invalid template transaction").
				WithContext("index", i)
		}
		parsed, err := btcutil.NewTxFromBytes(raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeChain, "build_job", "invalid template transaction").
				WithContext("index", i)
		}
		txs = append(txs, parsed)
	}
	store := blockchain.BuildMerkleTreeStore(txs, false)

	return &messaging.JobMessage{
		JobID:      jobID,
		Version:    t.Version,
		PrevHash:   t.PreviousHash,
		MerkleRoot: store[len(store)-1].String(),
		Timestamp:  t.CurTime,
		Bits:       uint32(bits),
		Height:     t.Height,
		CleanJobs:  clean,
		CreatedAt:  now,

		CoinbaseValue: *t.CoinbaseValue,
	}, nil
}

func coinbaseTx(height, value int64, payTo, tag []byte, witnessCommitment string) (*wire.MsgTx, error) {
	sigScript, err := txscript.NewScriptBuilder().AddInt64(height).AddData(tag).Script()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_job", "failed to build coinbase script")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript:  sigScript,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, payTo))
	if witnessCommitment != "" {
		commitment, err := hex.DecodeString(witnessCommitment)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeChain, "build_job", "invalid witness commitment")
		}
		tx.AddTxOut(wire.NewTxOut(0, commitment))
	}
	return tx, nil
}
