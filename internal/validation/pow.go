package validation

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// maxTarget is the difficulty 1 target,
// 0x00000000FFFF0000000000000000000000000000000000000000000000000000.
var maxTarget = new(big.Int).Lsh(big.NewInt(0xffff), 208)

// DifficultyToTarget converts a pool difficulty to a 32-byte big-endian
// target. Non-positive difficulty maps to the difficulty 1 target.
//
// Parameters:
//   - difficulty: share difficulty, fractional values allowed
//
// Returns:
//   - []byte: 32-byte target, a hash must be at or below it
func DifficultyToTarget(difficulty float64) []byte {
	result := make([]byte, 32)
	if difficulty <= 0 {
		maxTarget.FillBytes(result)
		return result
	}

	quo := new(big.Float).Quo(new(big.Float).SetInt(maxTarget), new(big.Float).SetFloat64(difficulty))
	target, _ := quo.Int(nil)
	if target.BitLen() > 256 {
		maxTarget.FillBytes(result)
		return result
	}
	target.FillBytes(result)
	return result
}

// BitsToDifficulty converts a header's compact target to a difficulty
// relative to maxTarget. A zero or negative target yields 0.
func BitsToDifficulty(bits uint32) float64 {
	target := blockchain.CompactToBig(bits)
	if target.Sign() <= 0 {
		return 0
	}
	d, _ := new(big.Float).Quo(new(big.Float).SetInt(maxTarget), new(big.Float).SetInt(target)).Float64()
	return d
}

// HashMeetsTarget reports whether hash, in internal byte order, is at or
// below the big-endian target.
func HashMeetsTarget(hash chainhash.Hash, target []byte) bool {
	for i := range 32 {
		h := hash[31-i]
		if h < target[i] {
			return true
		}
		if h > target[i] {
			return false
		}
	}
	return true
}

// headerHash recomputes the double SHA-256 block hash of the job header
// with nonce substituted.
func headerHash(job *Job, nonce uint32) chainhash.Hash {
	header := job.Header
	header.Nonce = nonce
	return header.BlockHash()
}
