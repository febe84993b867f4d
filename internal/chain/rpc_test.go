package chain

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bardlex/bridgepool/internal/config"
	"github.com/bardlex/bridgepool/pkg/log"
)

func TestNewRPCClient(t *testing.T) {
	client, err := NewRPCClient(config.ChainConfig{
		ID: 2, Network: "regtest", RPCHost: "localhost", RPCPort: 18443, RPCUser: "u", RPCPassword: "p",
	}, 0, log.Nop())
	if err != nil {
		t.Fatalf("NewRPCClient() error = %v", err)
	}
	defer client.Close()

	if client.ChainID() != 2 {
		t.Errorf("ChainID() = %d, want 2", client.ChainID())
	}
	if client.pollInterval != 5*time.Second {
		t.Errorf("expected default poll interval, got %v", client.pollInterval)
	}
	if client.params.Name != "regtest" {
		t.Errorf("expected regtest params, got %s", client.params.Name)
	}
}

func TestCompletionTx(t *testing.T) {
	client, err := NewRPCClient(config.ChainConfig{ID: 2, Network: "mainnet", RPCHost: "localhost", RPCPort: 8332}, 0, log.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	id := "aa00000000000000000000000000000000000000000000000000000000000000"
	call := Call{TransferID: id, Amount: 12345}
	call.Message.Recipient = "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"

	tx, err := client.completionTx(call)
	if err != nil {
		t.Fatalf("completionTx() error = %v", err)
	}
	if len(tx.TxOut) != 2 || tx.TxOut[0].Value != 12345 {
		t.Fatalf("unexpected outputs: %+v", tx.TxOut)
	}
	payload, ok := NullDataPayload(tx.TxOut[1].PkScript)
	if !ok {
		t.Fatal("second output is not OP_RETURN")
	}
	if got, err := DecodeCompletion(payload); err != nil || got != id {
		t.Errorf("DecodeCompletion() = %s, %v", got, err)
	}

	call.Message.Recipient = "not-an-address"
	if _, err := client.completionTx(call); err == nil {
		t.Error("expected invalid recipient to be rejected")
	}

	call.Message.Recipient = "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"
	for _, amount := range []uint64{0, 1 << 63, 21e14 + 1} {
		call.Amount = amount
		if _, err := client.completionTx(call); err == nil {
			t.Errorf("expected amount %d to be rejected", amount)
		}
	}
}

func TestNewRPCClient_Custody(t *testing.T) {
	cfg := config.ChainConfig{ID: 1, Network: "mainnet", RPCHost: "localhost", RPCPort: 8332}

	client, err := NewRPCClient(cfg, 0, log.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if client.HasCustody() {
		t.Error("expected no custody script without an address")
	}
	client.Close()

	cfg.CustodyAddress = "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"
	client, err = NewRPCClient(cfg, 0, log.Nop())
	if err != nil {
		t.Fatalf("NewRPCClient() error = %v", err)
	}
	defer client.Close()
	if !client.HasCustody() || len(client.custody) != 25 {
		t.Errorf("expected a P2PKH custody script, got %x", client.custody)
	}

	cfg.CustodyAddress = "bcrt1qnotmainnet"
	if _, err := NewRPCClient(cfg, 0, log.Nop()); err == nil {
		t.Error("expected invalid custody address to be rejected")
	}
}

func TestRPCClient_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	host := os.Getenv("CHAIN_TEST_RPC_HOST")
	if host == "" {
		t.Skip("CHAIN_TEST_RPC_HOST not set")
	}

	client, err := NewRPCClient(config.ChainConfig{
		ID:          1,
		Network:     "regtest",
		RPCHost:     host,
		RPCPort:     18443,
		RPCUser:     os.Getenv("CHAIN_TEST_RPC_USER"),
		RPCPassword: os.Getenv("CHAIN_TEST_RPC_PASSWORD"),
	}, time.Second, log.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	head, err := client.Head(ctx)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	from := uint64(0)
	if head > 10 {
		from = head - 10
	}
	if _, next, err := client.QueryRecentEvents(ctx, from); err != nil || next != head+1 {
		t.Errorf("QueryRecentEvents() next = %d, err = %v; want %d", next, err, head+1)
	}
}
