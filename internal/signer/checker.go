package signer

import (
	"context"
	"math"

	"github.com/bardlex/bridgepool/internal/sigverify"
	"github.com/bardlex/bridgepool/pkg/errors"
)

// DepositSource reads deposits back from a source chain node. locked is the
// value the transaction pays to the chain's custody address.
type DepositSource interface {
	ChainID() uint32
	Deposits(ctx context.Context, txRef string) (confirmations int64, locked uint64, deposits []sigverify.Message, err error)
}

// ChainChecker re-reads the source transaction from the validator's own
// node and requires it to carry exactly the requested deposit, backed by
// value locked to custody.
type ChainChecker struct {
	sources map[uint32]DepositSource
	depth   int64
}

// NewChainChecker creates a checker requiring depth confirmations.
func NewChainChecker(depth int64, sources ...DepositSource) *ChainChecker {
	m := make(map[uint32]DepositSource, len(sources))
	for _, s := range sources {
		m[s.ChainID()] = s
	}
	return &ChainChecker{sources: m, depth: depth}
}

// CheckDeposit implements DepositChecker.
func (c *ChainChecker) CheckDeposit(ctx context.Context, req Request) error {
	src, ok := c.sources[req.Message.SourceChain]
	if !ok {
		return errors.New(errors.ErrorTypeValidation, "check_deposit", "source chain not watched by this validator").
			WithContext("source_chain", req.Message.SourceChain)
	}

	confirmations, locked, deposits, err := src.Deposits(ctx, req.SourceTx)
	if err != nil {
		return err
	}
	if confirmations < c.depth {
		return errors.New(errors.ErrorTypeValidation, "check_deposit", "deposit not deep enough").
			WithContext("confirmations", confirmations).
			WithContext("required", c.depth)
	}
	var (
		claimed uint64
		found   bool
	)
	for _, d := range deposits {
		if claimed+d.Amount < claimed {
			claimed = math.MaxUint64
			break
		}
		claimed += d.Amount
		found = found || d == req.Message
	}
	if !found {
		return errors.New(errors.ErrorTypeValidation, "check_deposit", "source transaction does not carry this deposit").
			WithContext("source_tx", req.SourceTx)
	}
	if locked < claimed {
		return errors.New(errors.ErrorTypeValidation, "check_deposit", "deposit is not backed by custody value").
			WithContext("source_tx", req.SourceTx).
			WithContext("locked", locked).
			WithContext("claimed", claimed)
	}
	return nil
}

