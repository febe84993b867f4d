// Package rewards aggregates accepted shares into reward periods and
// computes each miner's entitlement from a closed period's recorded inputs.
package rewards

import (
	"math"
	"sort"
	"time"

	"github.com/holiman/uint256"
)

// WorkScale converts share difficulty to integer work units.
const WorkScale = 1000

const bpsDenominator = 10_000

// Tier maps a minimum hash rate (hashes per second) to a multiplier in
// basis points.
type Tier struct {
	MinHashrate   uint64
	MultiplierBps uint64
}

// Params are the reward rules. Tiers must be sorted by MinHashrate.
type Params struct {
	PeriodLength     time.Duration
	SlotLength       time.Duration
	Tiers            []Tier
	UptimeBonusBps   uint64
	LoyaltyBonusBps  uint64
	LoyaltyThreshold time.Duration
}

// Period is one reward window.
type Period struct {
	ID            uint64
	Start         time.Time
	End           time.Time
	TotalShares   uint64
	RewardPool    uint64
	Closed        bool
	Distributed   bool
	DistributedAt time.Time
}

// MinerStats are one miner's recorded inputs for a period.
type MinerStats struct {
	MinerID            string
	Shares             uint64
	Work               uint64 // sum of share difficulty times WorkScale
	ActiveSlots        uint64
	LastShare          time.Time
	ParticipationStart time.Time
}

// PeriodSnapshot is a period with its per-miner inputs, sorted by miner.
type PeriodSnapshot struct {
	Period
	Miners []MinerStats
}

// Entitlement is one miner's computed reward before payout rules.
type Entitlement struct {
	MinerID  string
	Hashrate uint64
	TierBps  uint64
	Base     uint64
	Tiered   uint64
	Uptime   uint64
	Loyalty  uint64
	Gross    uint64 // after scaling to the pool
}

// WorkUnits converts a share difficulty to work units.
func WorkUnits(difficulty float64) uint64 {
	if difficulty <= 0 {
		return 0
	}
	w := math.Round(difficulty * WorkScale)
	if w >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(w)
}

// Compute derives entitlements for snap from netPool. It depends only on
// its arguments and uses integer arithmetic throughout, so reruns over the
// same recorded inputs give identical results. The sum of Gross never
// exceeds netPool. Output is sorted by miner id.
func Compute(snap *PeriodSnapshot, p Params, netPool uint64) []Entitlement {
	var total uint64
	for _, m := range snap.Miners {
		total += m.Shares
	}
	if total == 0 || netPool == 0 {
		return nil
	}

	seconds := uint64(snap.End.Sub(snap.Start) / time.Second)
	seconds = max(seconds, 1)
	slots := periodSlots(snap.End.Sub(snap.Start), p.SlotLength)

	miners := make([]MinerStats, len(snap.Miners))
	copy(miners, snap.Miners)
	sort.Slice(miners, func(i, j int) bool { return miners[i].MinerID < miners[j].MinerID })

	out := make([]Entitlement, 0, len(miners))
	sum := new(uint256.Int)
	for _, m := range miners {
		if m.Shares == 0 {
			continue
		}
		e := Entitlement{MinerID: m.MinerID}
		e.Base = mulDiv(m.Shares, netPool, total)
		e.Hashrate = hashrate(m.Work, seconds)
		e.TierBps = tierFor(p.Tiers, e.Hashrate)
		e.Tiered = mulDiv(e.Base, e.TierBps, bpsDenominator)
		e.Uptime = mulDiv2(e.Base, p.UptimeBonusBps, min(m.ActiveSlots, slots), bpsDenominator*slots)
		if !m.ParticipationStart.IsZero() && snap.End.Sub(m.ParticipationStart) > p.LoyaltyThreshold {
			e.Loyalty = mulDiv(e.Base, p.LoyaltyBonusBps, bpsDenominator)
		}

		gross := new(uint256.Int).Add(uint256.NewInt(e.Tiered), uint256.NewInt(e.Uptime))
		gross.Add(gross, uint256.NewInt(e.Loyalty))
		sum.Add(sum, gross)
		e.Gross = saturate(gross)
		out = append(out, e)
	}

	// bonuses may push the total past the pool; scale everyone down evenly
	pool := uint256.NewInt(netPool)
	if sum.Gt(pool) {
		for i := range out {
			v := new(uint256.Int).Mul(grossOf(out[i]), pool)
			out[i].Gross = saturate(v.Div(v, sum))
		}
	}
	return out
}

func grossOf(e Entitlement) *uint256.Int {
	g := new(uint256.Int).Add(uint256.NewInt(e.Tiered), uint256.NewInt(e.Uptime))
	return g.Add(g, uint256.NewInt(e.Loyalty))
}

func periodSlots(length, slot time.Duration) uint64 {
	if slot <= 0 || length <= 0 {
		return 1
	}
	n := uint64((length + slot - 1) / slot)
	return max(n, 1)
}

// hashrate is work * 2^32 / (WorkScale * seconds).
func hashrate(work, seconds uint64) uint64 {
	v := new(uint256.Int).Lsh(uint256.NewInt(work), 32)
	d := new(uint256.Int).Mul(uint256.NewInt(WorkScale), uint256.NewInt(seconds))
	return saturate(v.Div(v, d))
}

// tierFor returns the multiplier of the highest tier reached, or 1x.
func tierFor(tiers []Tier, rate uint64) uint64 {
	bps := uint64(bpsDenominator)
	for _, t := range tiers {
		if rate >= t.MinHashrate {
			bps = t.MultiplierBps
		}
	}
	return bps
}

// mulDiv is floor(a*b/c).
func mulDiv(a, b, c uint64) uint64 {
	v := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	return saturate(v.Div(v, uint256.NewInt(c)))
}

// mulDiv2 is floor(a*b*c/d).
func mulDiv2(a, b, c, d uint64) uint64 {
	v := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	v.Mul(v, uint256.NewInt(c))
	return saturate(v.Div(v, uint256.NewInt(d)))
}

func saturate(v *uint256.Int) uint64 {
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}
