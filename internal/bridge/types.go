// Package bridge implements the transfer ledger and the threshold consensus
// engine that authorizes cross-chain transfers exactly once per nonce.
package bridge

import (
	"time"

	"github.com/bardlex/bridgepool/internal/sigverify"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusExpired
}

// Request is a deposit observed on a source chain.
type Request struct {
	sigverify.Message
	SourceTx string
}

// Transfer is a point-in-time copy of a ledger record. Callers never get a
// reference into the ledger itself.
type Transfer struct {
	ID string
	sigverify.Message
	SourceTx  string
	Fee       uint64
	CreatedAt time.Time
	UpdatedAt time.Time

	Status       Status
	Power        uint64
	Threshold    uint64
	Signers      int
	Attempts     int
	ManualReview bool
	ReviewReason string
	Receipt      string
	RejectReason string
}

// NetAmount is what the recipient receives after the bridge fee.
func (t Transfer) NetAmount() uint64 {
	return t.Amount - t.Fee
}

// QuorumReached reports whether accumulated power meets the snapshot threshold.
func (t Transfer) QuorumReached() bool {
	return t.Power >= t.Threshold
}

// SignatureResult describes the effect of one AddSignature call.
type SignatureResult struct {
	Power     uint64
	Threshold uint64
	Reached   bool
	Counted   bool // false for repeats and post-quorum audit signatures
	Status    Status
}

type nonceKey struct {
	chain uint32
	nonce uint64
}
