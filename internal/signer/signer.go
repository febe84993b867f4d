// Package signer contains the validator side of the bridge: a key holder
// that signs transfer digests, the JSON-RPC service exposing it and the
// client the relayer uses to reach it.
package signer

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru"

	"github.com/bardlex/bridgepool/internal/sigverify"
	"github.com/bardlex/bridgepool/pkg/errors"
)

// Request is what a validator is asked to sign.
type Request struct {
	Message  sigverify.Message
	SourceTx string
}

// Client obtains a signature from one validator.
type Client interface {
	Identity() string
	RequestSignature(ctx context.Context, req Request) ([]byte, error)
}

// DepositChecker confirms a deposit exists on its source chain before the
// validator signs for it.
type DepositChecker interface {
	CheckDeposit(ctx context.Context, req Request) error
}

type nonceKey struct {
	chain uint32
	nonce uint64
}

// KeySigner signs with an in-process key. It never signs two different
// digests for the same (source chain, nonce).
type KeySigner struct {
	key      *btcec.PrivateKey
	identity string
	checker  DepositChecker

	mu     sync.Mutex
	signed *lru.Cache // nonceKey -> chainhash.Hash
}

// NewKeySigner creates a signer. checker may be nil.
func NewKeySigner(key *btcec.PrivateKey, checker DepositChecker) *KeySigner {
	signed, _ := lru.New(1 << 16)
	return &KeySigner{
		key:      key,
		identity: sigverify.Identity(key.PubKey()),
		checker:  checker,
		signed:   signed,
	}
}

// Identity implements Client.
func (s *KeySigner) Identity() string { return s.identity }

// RequestSignature implements Client.
func (s *KeySigner) RequestSignature(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.checker != nil {
		if err := s.checker.CheckDeposit(ctx, req); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "sign", "deposit not confirmed").
				WithContext("source_tx", req.SourceTx)
		}
	}

	digest := sigverify.Digest(req.Message)
	key := nonceKey{chain: req.Message.SourceChain, nonce: req.Message.Nonce}

	s.mu.Lock()
	if prev, ok := s.signed.Get(key); ok && prev.(chainhash.Hash) != digest {
		s.mu.Unlock()
		return nil, errors.NewCode(errors.ErrorTypeValidation, errors.CodeDuplicateNonce, "sign", "already signed a different transfer for this nonce").
			WithContext("source_chain", key.chain).
			WithContext("nonce", key.nonce)
	}
	s.signed.Add(key, digest)
	s.mu.Unlock()

	return sigverify.Sign(s.key, digest), nil
}

// FromHex builds a KeySigner from a hex-encoded private key.
func FromHex(privateKeyHex string, checker DepositChecker) (*KeySigner, error) {
	key, err := sigverify.ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("signer key: %w", err)
	}
	return NewKeySigner(key, checker), nil
}
