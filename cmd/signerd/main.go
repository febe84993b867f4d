// Package main implements signerd, the validator daemon that signs bridge
// transfer digests after checking the deposit on its own chain nodes.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/bridgepool/internal/chain"
	"github.com/bardlex/bridgepool/internal/config"
	"github.com/bardlex/bridgepool/internal/signer"
	"github.com/bardlex/bridgepool/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

	daemon, err := NewSignerDaemon(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create signer")
		os.Exit(1)
	}
	logger.Info("starting signerd",
		"version", cfg.Version,
		"identity", daemon.Identity(),
		"chains", len(cfg.Chains),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := daemon.Start(ctx); err != nil {
			logger.WithError(err).Error("signer failed")
			cancel()
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("signerd stopped")
}

// SignerDaemon serves one validator key over JSON-RPC.
type SignerDaemon struct {
	cfg    *config.Config
	logger *log.Logger
	signer *signer.KeySigner
	chains []*chain.RPCClient
	server *http.Server
}

// NewSignerDaemon loads the validator key and connects to every configured
// chain so deposits can be checked before signing.
func NewSignerDaemon(cfg *config.Config, logger *log.Logger) (*SignerDaemon, error) {
	if cfg.Signer.PrivateKeyHex == "" {
		return nil, fmt.Errorf("SIGNER_PRIVATE_KEY is required")
	}

	d := &SignerDaemon{cfg: cfg, logger: logger.WithComponent("signerd")}

	sources := make([]signer.DepositSource, 0, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		client, err := chain.NewRPCClient(cc, cfg.Bridge.PollInterval, logger)
		if err != nil {
			d.closeChains()
			return nil, err
		}
		d.chains = append(d.chains, client)
		if !client.HasCustody() {
			d.closeChains()
			return nil, fmt.Errorf("CHAIN_%d_CUSTODY_ADDRESS is required", cc.ID)
		}
		sources = append(sources, client)
	}

	s, err := signer.FromHex(cfg.Signer.PrivateKeyHex, signer.NewChainChecker(cfg.Bridge.ConfirmationDepth, sources...))
	if err != nil {
		d.closeChains()
		return nil, err
	}
	d.signer = s

	handler, err := signer.NewHandler(s, logger)
	if err != nil {
		d.closeChains()
		return nil, err
	}
	d.server = &http.Server{
		Addr:              cfg.Signer.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return d, nil
}

// Identity is the validator identity this daemon signs as.
func (d *SignerDaemon) Identity() string { return d.signer.Identity() }

// Start serves until Shutdown is called.
func (d *SignerDaemon) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.server.Addr, err)
	}
	return d.Serve(ctx, ln)
}

// Serve accepts connections on ln.
func (d *SignerDaemon) Serve(ctx context.Context, ln net.Listener) error {
	d.server.BaseContext = func(net.Listener) context.Context { return ctx }
	d.logger.Info("signer listening", "addr", ln.Addr().String())

	if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server and closes chain connections.
func (d *SignerDaemon) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down signer")
	err := d.server.Shutdown(ctx)
	d.closeChains()
	return err
}

func (d *SignerDaemon) closeChains() {
	for _, c := range d.chains {
		c.Close()
	}
}
