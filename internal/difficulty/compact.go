package difficulty

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/thanhnp/ledger-core/internal/models"
)

// BitsToTarget expands a compact target.
func BitsToTarget(bits uint32) *big.Int {
	return blockchain.CompactToBig(bits)
}

// TargetToBits compresses target, truncating it to the mantissa precision.
func TargetToBits(target *big.Int) uint32 {
	return blockchain.BigToCompact(target)
}

// HashToBig interprets a hash as a little-endian unsigned integer.
func HashToBig(h models.Hash) *big.Int {
	return blockchain.HashToBig(&h)
}

// Difficulty returns reference / target as a float.
func Difficulty(reference, target *big.Int) float64 {
	if target.Sign() <= 0 {
		return 0
	}
	q := new(big.Float).Quo(new(big.Float).SetInt(reference), new(big.Float).SetInt(target))
	f, _ := q.Float64()
	return f
}

// log2Big returns log2(x) for x > 0 and 0 otherwise.
func log2Big(x *big.Int) float64 {
	if x.Sign() <= 0 {
		return 0
	}
	f, _ := new(big.Float).SetInt(x).Float64()
	return math.Log2(f)
}
