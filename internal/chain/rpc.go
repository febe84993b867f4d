package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/bridgepool/internal/config"
	"github.com/bardlex/bridgepool/internal/sigverify"
	"github.com/bardlex/bridgepool/pkg/circuit"
	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/log"
	"github.com/bardlex/bridgepool/pkg/retry"
)

// maxBlocksPerQuery bounds one QueryRecentEvents call.
const maxBlocksPerQuery = 50

// RPCClient is a Client backed by a Bitcoin Core compatible node. It wraps
// btcd's RPC client with a circuit breaker and retry on every call.
type RPCClient struct {
	id             uint32
	client         *rpcclient.Client
	params         *chaincfg.Params
	custody        []byte
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	pollInterval   time.Duration
	logger         *log.Logger
}

// NewRPCClient creates a client for one chain. It uses HTTP POST mode with
// TLS disabled, which is typical for local node deployments.
//
// Parameters:
//   - cfg: chain id, network and node RPC endpoint
//   - pollInterval: how often WaitForConfirmations re-checks depth
//   - logger: service logger
//
// Returns:
//   - *RPCClient: configured client
//   - error: any error encountered during client creation
func NewRPCClient(cfg config.ChainConfig, pollInterval time.Duration, logger *log.Logger) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", cfg.RPCHost, cfg.RPCPort),
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPassword,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChain, "rpc_client_creation",
			"failed to create chain RPC client").
			WithContext("chain", cfg.ID).
			WithContext("host", cfg.RPCHost).
			WithContext("port", cfg.RPCPort)
	}

	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	params := Params(cfg.Network)
	var custody []byte
	if cfg.CustodyAddress != "" {
		addr, err := btcutil.DecodeAddress(cfg.CustodyAddress, params)
		if err != nil {
			client.Shutdown()
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "rpc_client_creation", "invalid custody address").
				WithContext("chain", cfg.ID).
				WithContext("address", cfg.CustodyAddress)
		}
		if custody, err = txscript.PayToAddrScript(addr); err != nil {
			client.Shutdown()
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "rpc_client_creation", "unsupported custody address").
				WithContext("chain", cfg.ID)
		}
	}

	return &RPCClient{
		id:      cfg.ID,
		client:  client,
		params:  params,
		custody: custody,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            fmt.Sprintf("chain-%d", cfg.ID),
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
			IsFailure:       errors.IsRetryable,
		}),
		retryConfig:  retry.NetworkConfig(),
		pollInterval: pollInterval,
		logger:       logger.WithComponent("chain").WithChain(cfg.ID),
	}, nil
}

// Close shuts down the RPC client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// ChainID implements Client.
func (c *RPCClient) ChainID() uint32 { return c.id }

// HasCustody reports whether deposits on this chain can be backed.
func (c *RPCClient) HasCustody() bool { return len(c.custody) > 0 }

// Breaker exposes the client's circuit breaker for metrics.
func (c *RPCClient) Breaker() *circuit.Breaker { return c.circuitBreaker }

// Head returns the current block height.
func (c *RPCClient) Head(ctx context.Context) (uint64, error) {
	return call(ctx, c, "get_block_count", func() (uint64, error) {
		count, err := c.client.GetBlockCountAsync().Receive()
		if err != nil {
			return 0, err
		}
		return uint64(count), nil
	})
}

// GetDifficulty returns the current network difficulty.
func (c *RPCClient) GetDifficulty(ctx context.Context) (float64, error) {
	return call(ctx, c, "get_difficulty", func() (float64, error) {
		return c.client.GetDifficultyAsync().Receive()
	})
}

// Ping tests connectivity to the node.
func (c *RPCClient) Ping(ctx context.Context) error {
	_, err := call(ctx, c, "ping", func() (struct{}, error) {
		return struct{}{}, c.client.PingAsync().Receive()
	})
	return err
}

// BestBlockHash returns the hash of the node's chain tip.
func (c *RPCClient) BestBlockHash(ctx context.Context) (string, error) {
	hash, err := call(ctx, c, "get_best_block_hash", func() (*chainhash.Hash, error) {
		return c.client.GetBestBlockHashAsync().Receive()
	})
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// BlockTemplate fetches a segwit block template to mine on.
func (c *RPCClient) BlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return call(ctx, c, "get_block_template", func() (*btcjson.GetBlockTemplateResult, error) {
		return c.client.GetBlockTemplateAsync(&btcjson.TemplateRequest{
			Mode:         "template",
			Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
			Rules:        []string{"segwit"},
		}).Receive()
	})
}

// QueryRecentEvents scans blocks from fromBlock up to the current head,
// at most maxBlocksPerQuery at a time, and returns the deposits found plus
// the next block to scan.
func (c *RPCClient) QueryRecentEvents(ctx context.Context, fromBlock uint64) ([]Event, uint64, error) {
	head, err := c.Head(ctx)
	if err != nil {
		return nil, fromBlock, err
	}

	var events []Event
	next := fromBlock
	for ; next <= head && next < fromBlock+maxBlocksPerQuery; next++ {
		if err := ctx.Err(); err != nil {
			return events, next, err
		}
		height := next
		block, err := call(ctx, c, "get_block", func() (*wire.MsgBlock, error) {
			hash, err := c.client.GetBlockHashAsync(int64(height)).Receive()
			if err != nil {
				return nil, err
			}
			return c.client.GetBlockAsync(hash).Receive()
		})
		if err != nil {
			return events, next, errors.Wrap(err, errors.ErrorTypeChain, "query_recent_events", "failed to fetch block").
				WithContext("height", height)
		}
		events = append(events, DepositsInBlock(c.id, c.custody, height, block)...)
	}

	if len(events) > 0 {
		c.logger.Debug("deposits found", "from", fromBlock, "next", next, "count", len(events))
	}
	return events, next, nil
}

// WaitForConfirmations polls the node until txRef is buried depth blocks
// deep. It returns early with ctx.Err() on cancellation.
func (c *RPCClient) WaitForConfirmations(ctx context.Context, txRef string, depth int64) (Confirmation, error) {
	txHash, err := chainhash.NewHashFromStr(txRef)
	if err != nil {
		return Confirmation{}, errors.Wrap(err, errors.ErrorTypeValidation, "wait_for_confirmations", "invalid tx reference").
			WithContext("tx", txRef)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		raw, err := call(ctx, c, "get_raw_transaction", func() (*btcjson.TxRawResult, error) {
			return c.client.GetRawTransactionVerboseAsync(txHash).Receive()
		})
		switch {
		case err == nil && int64(raw.Confirmations) >= depth:
			return Confirmation{TxRef: txRef, BlockHash: raw.BlockHash, Confirmations: int64(raw.Confirmations)}, nil
		case err != nil:
			c.logger.WithError(err).Debug("confirmation check failed", "tx", txRef)
		}

		select {
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Deposits returns how deeply txRef is buried, the value it locks to the
// custody address and the deposits it carries.
func (c *RPCClient) Deposits(ctx context.Context, txRef string) (int64, uint64, []sigverify.Message, error) {
	txHash, err := chainhash.NewHashFromStr(txRef)
	if err != nil {
		return 0, 0, nil, errors.Wrap(err, errors.ErrorTypeValidation, "deposits", "invalid tx reference").
			WithContext("tx", txRef)
	}
	raw, err := call(ctx, c, "get_raw_transaction", func() (*btcjson.TxRawResult, error) {
		return c.client.GetRawTransactionVerboseAsync(txHash).Receive()
	})
	if err != nil {
		return 0, 0, nil, err
	}

	b, err := hex.DecodeString(raw.Hex)
	if err != nil {
		return 0, 0, nil, errors.Wrap(err, errors.ErrorTypeChain, "deposits", "node returned malformed tx hex")
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return 0, 0, nil, errors.Wrap(err, errors.ErrorTypeChain, "deposits", "failed to decode transaction")
	}
	return int64(raw.Confirmations), LockedValue(c.custody, &tx), DepositsInTx(c.id, c.custody, &tx), nil
}

// SubmitTransaction pays the recipient and tags the transaction with the
// transfer id in an OP_RETURN output. The node wallet funds and signs it.
func (c *RPCClient) SubmitTransaction(ctx context.Context, cl Call) (Receipt, error) {
	tx, err := c.completionTx(cl)
	if err != nil {
		return Receipt{}, err
	}

	funded, err := call(ctx, c, "fund_raw_transaction", func() (*btcjson.FundRawTransactionResult, error) {
		return c.client.FundRawTransactionAsync(tx, btcjson.FundRawTransactionOpts{}, nil).Receive()
	})
	if err != nil {
		return Receipt{}, errors.Wrap(err, errors.ErrorTypeChain, "submit_transaction", "failed to fund completion").
			WithContext("transfer_id", cl.TransferID)
	}

	signed, err := call(ctx, c, "sign_raw_transaction", func() (*wire.MsgTx, error) {
		signed, complete, err := c.client.SignRawTransactionWithWalletAsync(funded.Transaction).Receive()
		if err != nil {
			return nil, err
		}
		if !complete {
			return nil, errors.New(errors.ErrorTypeChain, "sign_raw_transaction", "wallet could not sign all inputs")
		}
		return signed, nil
	})
	if err != nil {
		return Receipt{}, errors.Wrap(err, errors.ErrorTypeChain, "submit_transaction", "failed to sign completion").
			WithContext("transfer_id", cl.TransferID)
	}

	// broadcast is not retried: a timeout may still have relayed the tx
	txHash, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*chainhash.Hash, error) {
		hash, err := c.client.SendRawTransactionAsync(signed, false).Receive()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeChain, "send_raw_transaction", "node rejected completion")
		}
		return hash, nil
	})
	if err != nil {
		return Receipt{}, errors.Wrap(err, errors.ErrorTypeChain, "submit_transaction", "failed to broadcast completion").
			WithContext("transfer_id", cl.TransferID)
	}

	c.logger.Info("completion broadcast", "transfer_id", cl.TransferID, "tx", txHash.String())
	return Receipt{ChainID: c.id, TxRef: txHash.String()}, nil
}

func (c *RPCClient) completionTx(cl Call) (*wire.MsgTx, error) {
	if cl.Amount == 0 || cl.Amount > btcutil.MaxSatoshi {
		return nil, errors.New(errors.ErrorTypeValidation, "submit_transaction", "amount out of range").
			WithContext("amount", cl.Amount)
	}
	addr, err := btcutil.DecodeAddress(cl.Message.Recipient, c.params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "submit_transaction", "invalid recipient address").
			WithContext("recipient", cl.Message.Recipient)
	}
	payTo, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "submit_transaction", "unsupported recipient address")
	}
	payload, err := EncodeCompletion(cl.TransferID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "submit_transaction", "invalid transfer id")
	}
	tag, err := txscript.NullDataScript(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "submit_transaction", "failed to build OP_RETURN output")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(int64(cl.Amount), payTo))
	tx.AddTxOut(wire.NewTxOut(0, tag))
	return tx, nil
}

// SendMany pays several addresses from the node wallet in one transaction.
func (c *RPCClient) SendMany(ctx context.Context, amounts map[string]uint64) (string, error) {
	outs := make(map[btcutil.Address]btcutil.Amount, len(amounts))
	for address, amount := range amounts {
		addr, err := btcutil.DecodeAddress(address, c.params)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeValidation, "send_many", "invalid payout address").
				WithContext("address", address)
		}
		outs[addr] = btcutil.Amount(amount)
	}

	hash, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*chainhash.Hash, error) {
		hash, err := c.client.SendManyAsync("", outs).Receive()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeChain, "send_many", "node rejected payout")
		}
		return hash, nil
	})
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// call runs one node request through the breaker and retry policy.
func call[T any](ctx context.Context, c *RPCClient, op string, fn func() (T, error)) (T, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (T, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (T, error) {
			res, err := fn()
			if err != nil {
				var zero T
				return zero, errors.Wrap(err, errors.ErrorTypeChain, op, "chain RPC failed").
					WithContext("chain", c.id)
			}
			return res, nil
		})
	})
}
