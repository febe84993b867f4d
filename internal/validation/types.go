package validation

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Share is one proof-of-work submission from a miner.
type Share struct {
	MinerID     string
	JobID       string
	Nonce       uint32
	Hash        string // claimed block hash, display byte order
	Difficulty  float64
	SubmittedAt time.Time
}

// Job is a work template handed to miners. The header nonce is ignored;
// each share supplies its own.
type Job struct {
	ID                string
	Header            wire.BlockHeader
	Height            int64
	NetworkDifficulty float64
	Reward            uint64 // coinbase value credited when the job yields a block
	CreatedAt         time.Time
	ExpiresAt         time.Time // zero means no expiry
}

// RejectReason says why a share was refused.
type RejectReason string

const (
	ReasonUnknownJob    RejectReason = "unknown_job"
	ReasonStaleJob      RejectReason = "stale_job"
	ReasonMalformed     RejectReason = "malformed"
	ReasonLowDifficulty RejectReason = "low_difficulty"
	ReasonHashMismatch  RejectReason = "hash_mismatch"
	ReasonTargetNotMet  RejectReason = "target_not_met"
	ReasonDuplicate     RejectReason = "duplicate"
	ReasonRateLimited   RejectReason = "rate_limited"
)

// Verdict is the outcome of validating one share.
type Verdict struct {
	Accepted       bool
	Reason         RejectReason
	Hash           chainhash.Hash // recomputed
	BlockCandidate bool
}
