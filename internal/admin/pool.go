package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/bardlex/bridgepool/internal/database"
	"github.com/bardlex/bridgepool/internal/payout"
	"github.com/bardlex/bridgepool/internal/rewards"
	"github.com/bardlex/bridgepool/pkg/log"
)

// Distributor settles closed periods.
type Distributor interface {
	Distribute(ctx context.Context, periodID uint64) (*payout.Distribution, error)
	PayPending(ctx context.Context, periodID uint64) (string, error)
}

// Periods reads recorded periods.
type Periods interface {
	Snapshot(ctx context.Context, periodID uint64) (*rewards.PeriodSnapshot, error)
}

// Accountant exposes the open period.
type Accountant interface {
	Current() rewards.Period
	Snapshot() *rewards.PeriodSnapshot
	Miner(minerID string) (rewards.MinerStats, bool)
}

// Activity reports recent miner activity from the side stores.
type Activity interface {
	MinerActivity(ctx context.Context, minerID string) *database.MinerActivity
}

// PoolService is served as "pool.*".
type PoolService struct {
	distributor Distributor
	periods     Periods
	accountant  Accountant
	activity    Activity
	logger      *log.Logger
}

// NewPoolService creates the pool admin service. activity may be nil.
func NewPoolService(d Distributor, periods Periods, acct Accountant, activity Activity, logger *log.Logger) *PoolService {
	return &PoolService{
		distributor: d,
		periods:     periods,
		accountant:  acct,
		activity:    activity,
		logger:      logger.WithComponent("admin"),
	}
}

// PeriodArgs identifies a period. Zero means the open period.
type PeriodArgs struct {
	PeriodID uint64 `json:"periodId"`
}

// PayoutReply is one payout line.
type PayoutReply struct {
	MinerID string `json:"minerId"`
	Amount  uint64 `json:"amount"`
	Status  string `json:"status"`
}

// DistributionReply summarizes a settlement.
type DistributionReply struct {
	PeriodID uint64        `json:"periodId"`
	Pool     uint64        `json:"pool"`
	Fee      uint64        `json:"fee"`
	Paid     uint64        `json:"paid"`
	Payouts  []PayoutReply `json:"payouts"`
	Carried  []string      `json:"carried"`
	TxID     string        `json:"txid,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// RetryReply reports a payout retry.
type RetryReply struct {
	TxID string `json:"txid,omitempty"`
}

// MinerReply is a miner's standing in a period.
type MinerReply struct {
	MinerID            string    `json:"minerId"`
	Shares             uint64    `json:"shares"`
	Work               uint64    `json:"work"`
	ActiveSlots        uint64    `json:"activeSlots"`
	LastShare          time.Time `json:"lastShare"`
	ParticipationStart time.Time `json:"participationStart"`
}

// PeriodReply describes a period and its recorded miners.
type PeriodReply struct {
	PeriodID      uint64       `json:"periodId"`
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	TotalShares   uint64       `json:"totalShares"`
	RewardPool    uint64       `json:"rewardPool"`
	Closed        bool         `json:"closed"`
	Distributed   bool         `json:"distributed"`
	DistributedAt *time.Time   `json:"distributedAt,omitempty"`
	Miners        []MinerReply `json:"miners"`
}

// MinerArgs identifies a miner by payout address.
type MinerArgs struct {
	MinerID string `json:"minerId"`
}

// MinerActivityReply is a miner's open-period standing and recent activity.
type MinerActivityReply struct {
	MinerReply
	PeriodID      uint64  `json:"periodId"`
	Hashrate      float64 `json:"hashrate"`
	ValidShares   int64   `json:"validShares24h"`
	InvalidShares int64   `json:"invalidShares24h"`
}

// TriggerDistribution settles a closed period. A settlement whose payment
// failed is still reported, with the payment error attached.
func (s *PoolService) TriggerDistribution(r *http.Request, args *PeriodArgs, reply *DistributionReply) error {
	d, err := s.distributor.Distribute(r.Context(), args.PeriodID)
	if d == nil {
		return rpcError(err)
	}

	reply.PeriodID = d.PeriodID
	reply.Pool = d.Pool
	reply.Fee = d.Fee
	reply.Paid = d.Paid()
	reply.Carried = d.Carried
	reply.TxID = d.TxID
	for _, p := range d.Payouts {
		reply.Payouts = append(reply.Payouts, PayoutReply{MinerID: p.MinerID, Amount: p.Amount, Status: string(p.Status)})
	}
	if err != nil {
		reply.Error = err.Error()
		s.logger.WithPeriod(args.PeriodID).WithError(err).Warn("distribution recorded but payment failed")
	}
	return nil
}

// RetryPayouts pays a settled period's pending payouts.
func (s *PoolService) RetryPayouts(r *http.Request, args *PeriodArgs, reply *RetryReply) error {
	txID, err := s.distributor.PayPending(r.Context(), args.PeriodID)
	if err != nil {
		return rpcError(err)
	}
	reply.TxID = txID
	return nil
}

// GetPeriod returns a recorded period, or the open one when PeriodID is 0.
func (s *PoolService) GetPeriod(r *http.Request, args *PeriodArgs, reply *PeriodReply) error {
	id := args.PeriodID
	if id == 0 {
		id = s.accountant.Current().ID
	}

	var snap *rewards.PeriodSnapshot
	if open := s.accountant.Snapshot(); open != nil && open.ID == id {
		snap = open
	} else {
		var err error
		if snap, err = s.periods.Snapshot(r.Context(), id); err != nil {
			return rpcError(err)
		}
	}

	reply.PeriodID = snap.ID
	reply.Start = snap.Start
	reply.End = snap.End
	reply.TotalShares = snap.TotalShares
	reply.RewardPool = snap.RewardPool
	reply.Closed = snap.Closed
	reply.Distributed = snap.Distributed
	if !snap.DistributedAt.IsZero() {
		at := snap.DistributedAt
		reply.DistributedAt = &at
	}
	for _, m := range snap.Miners {
		reply.Miners = append(reply.Miners, minerReply(m))
	}
	return nil
}

// GetMiner returns a miner's standing in the open period.
func (s *PoolService) GetMiner(r *http.Request, args *MinerArgs, reply *MinerActivityReply) error {
	reply.MinerID = args.MinerID
	reply.PeriodID = s.accountant.Current().ID
	if m, ok := s.accountant.Miner(args.MinerID); ok {
		reply.MinerReply = minerReply(m)
	}
	if s.activity != nil {
		a := s.activity.MinerActivity(r.Context(), args.MinerID)
		reply.Hashrate = a.Hashrate
		reply.ValidShares = a.ShareStats.ValidShares
		reply.InvalidShares = a.ShareStats.InvalidShares
	}
	return nil
}

func minerReply(m rewards.MinerStats) MinerReply {
	return MinerReply{
		MinerID:            m.MinerID,
		Shares:             m.Shares,
		Work:               m.Work,
		ActiveSlots:        m.ActiveSlots,
		LastShare:          m.LastShare,
		ParticipationStart: m.ParticipationStart,
	}
}
