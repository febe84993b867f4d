package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bardlex/bridgepool/internal/config"
	"github.com/bardlex/bridgepool/internal/signer"
	"github.com/bardlex/bridgepool/pkg/log"
)

const testKeyHex = "0101010101010101010101010101010101010101010101010101010101010101"

func testConfig() *config.Config {
	return &config.Config{
		ServiceName: "test-signerd",
		Version:     "test",
		LogLevel:    "error",
		LogFormat:   "json",
		Signer:      config.SignerConfig{ListenAddr: "127.0.0.1:0", PrivateKeyHex: testKeyHex},
		Bridge:      config.BridgeConfig{ConfirmationDepth: 6},
	}
}

func mainnetChain(custody string) config.ChainConfig {
	return config.ChainConfig{ID: 1, Network: "mainnet", RPCHost: "localhost", RPCPort: 8332, CustodyAddress: custody}
}

func TestNewSignerDaemon(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{"valid", func(*config.Config) {}, false},
		{"missing key", func(c *config.Config) { c.Signer.PrivateKeyHex = "" }, true},
		{"malformed key", func(c *config.Config) { c.Signer.PrivateKeyHex = "zz" }, true},
		{"chain with custody", func(c *config.Config) { c.Chains = []config.ChainConfig{mainnetChain("1BoatSLRHtKNngkdXEeobR76b53LETtpyT")} }, false},
		{"chain without custody", func(c *config.Config) { c.Chains = []config.ChainConfig{mainnetChain("")} }, true},
		{"invalid custody", func(c *config.Config) { c.Chains = []config.ChainConfig{mainnetChain("not-an-address")} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			d, err := NewSignerDaemon(cfg, log.Nop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSignerDaemon() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && d.Identity() == "" {
				t.Error("expected a validator identity")
			}
		})
	}
}

func TestSignerDaemon_ServeAndShutdown(t *testing.T) {
	d, err := NewSignerDaemon(testConfig(), log.Nop())
	if err != nil {
		t.Fatalf("NewSignerDaemon() error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, ln) }()

	client, err := signer.Dial(ctx, "http://"+ln.Addr().String()+"/rpc", 2*time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if client.Identity() != d.Identity() {
		t.Errorf("identity = %s, want %s", client.Identity(), d.Identity())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}
