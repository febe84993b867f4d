// Package chain talks to the source and destination chains: it finds
// deposit events, waits for their confirmations and submits completion
// transactions.
package chain

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/bridgepool/internal/sigverify"
)

// Event is a deposit observed on a source chain.
type Event struct {
	ChainID uint32
	TxRef   string
	Block   uint64
	Message sigverify.Message
}

// Confirmation reports how deeply a transaction is buried.
type Confirmation struct {
	TxRef         string
	BlockHash     string
	Confirmations int64
}

// Call is a completion to perform on the destination chain.
type Call struct {
	TransferID string
	Message    sigverify.Message
	Amount     uint64 // net of bridge fee
}

// Receipt identifies the destination transaction.
type Receipt struct {
	ChainID uint32
	TxRef   string
}

// Client is the per-chain collaborator used by the relayer.
type Client interface {
	ChainID() uint32
	Head(ctx context.Context) (uint64, error)
	// WaitForConfirmations blocks until txRef has depth confirmations or
	// ctx ends.
	WaitForConfirmations(ctx context.Context, txRef string, depth int64) (Confirmation, error)
	SubmitTransaction(ctx context.Context, call Call) (Receipt, error)
	// QueryRecentEvents returns deposits in blocks [fromBlock, next).
	QueryRecentEvents(ctx context.Context, fromBlock uint64) ([]Event, uint64, error)
}

// Params maps a network name to btcd chain parameters.
func Params(network string) *chaincfg.Params {
	switch network {
	case "mainnet", "main":
		return &chaincfg.MainNetParams
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "signet":
		return &chaincfg.SigNetParams
	case "simnet":
		return &chaincfg.SimNetParams
	default:
		return &chaincfg.RegressionNetParams
	}
}
