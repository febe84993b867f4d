package relayer

import (
	"context"

	"github.com/bardlex/bridgepool/internal/bridge"
	"github.com/bardlex/bridgepool/internal/chain"
	"github.com/bardlex/bridgepool/pkg/errors"
)

// DestinationExecutor performs the completion call of an approved transfer
// on its destination chain.
type DestinationExecutor struct {
	clients map[uint32]chain.Client
}

// NewDestinationExecutor indexes clients by chain id.
func NewDestinationExecutor(clients ...chain.Client) *DestinationExecutor {
	m := make(map[uint32]chain.Client, len(clients))
	for _, c := range clients {
		m[c.ChainID()] = c
	}
	return &DestinationExecutor{clients: m}
}

// Execute implements bridge.Executor.
func (x *DestinationExecutor) Execute(ctx context.Context, t bridge.Transfer) (string, error) {
	client, ok := x.clients[t.DestChain]
	if !ok {
		return "", errors.New(errors.ErrorTypeChain, "execute", "no client for destination chain").
			WithContext("dest_chain", t.DestChain)
	}
	receipt, err := client.SubmitTransaction(ctx, chain.Call{
		TransferID: t.ID,
		Message:    t.Message,
		Amount:     t.NetAmount(),
	})
	if err != nil {
		return "", err
	}
	return receipt.TxRef, nil
}
