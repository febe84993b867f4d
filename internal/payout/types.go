// Package payout settles closed reward periods: it skims the pool fee,
// computes entitlements from the recorded period inputs, pays miners at or
// above the minimum payout and carries smaller balances forward.
package payout

import (
	"context"
	"time"

	"github.com/bardlex/bridgepool/internal/rewards"
)

// Status of a payout row
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
)

// Account is a miner's settlement state. The miner id is its payout address.
type Account struct {
	MinerID        string
	Carried        uint64
	Lifetime       uint64
	LastPaidPeriod uint64
}

// Payout is one miner's payment for a period.
type Payout struct {
	PeriodID  uint64
	MinerID   string
	Amount    uint64
	Status    Status
	TxID      string
	CreatedAt time.Time
	PaidAt    time.Time
}

// Distribution is the settled result of one period.
type Distribution struct {
	PeriodID      uint64
	Pool          uint64
	Fee           uint64
	Net           uint64
	Entitlements  []rewards.Entitlement
	Payouts       []Payout
	Carried       []string
	DistributedAt time.Time
	TxID          string
}

// Paid returns the sum of all payouts.
func (d *Distribution) Paid() uint64 {
	var total uint64
	for _, p := range d.Payouts {
		total += p.Amount
	}
	return total
}

// Store persists settlements.
type Store interface {
	// Accounts returns the accounts of minerIDs that exist.
	Accounts(ctx context.Context, minerIDs []string) (map[string]Account, error)
	// RecordDistribution sets the period's distributed flag, inserts its
	// pending payouts and upserts accounts in one transaction. It fails
	// with CodeAlreadyDistributed if the flag is already set.
	RecordDistribution(ctx context.Context, d *Distribution, accounts []Account) error
	// PendingPayouts lists unpaid payouts of a period.
	PendingPayouts(ctx context.Context, periodID uint64) ([]Payout, error)
	// MarkPaid records the payment transaction of a period's pending payouts.
	MarkPaid(ctx context.Context, periodID uint64, txID string, at time.Time) error
}

// Periods is the read side of the reward store.
type Periods interface {
	Snapshot(ctx context.Context, periodID uint64) (*rewards.PeriodSnapshot, error)
}

// Payer sends one transaction paying every address its amount.
// *chain.RPCClient implements it.
type Payer interface {
	SendMany(ctx context.Context, amounts map[string]uint64) (string, error)
}

// Reporter records payouts as time series.
type Reporter interface {
	WritePayout(periodID uint64, minerID string, amount uint64, status string)
	WritePeriod(periodID uint64, pool, fee, paid uint64, miners, carried int)
}
