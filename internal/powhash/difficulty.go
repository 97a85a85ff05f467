// Package powhash provides the proof-of-work target/difficulty math and the
// hash primitive the pool consumes when validating shares and block
// candidates. The hash function itself is not implemented here: per design,
// building the network's PoW function is out of scope, so Hash wraps a
// general-purpose cryptographic hash standing in for the vendored consensus
// library a production pool links against.
package powhash

import (
	"math/big"
)

var (
	// MaxTarget is the all-ones 256-bit target (difficulty 0 / minimum work).
	MaxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// Diff1Target is the target at difficulty 1: four zero bytes followed by
	// all-ones, matching the convention used by the share-difficulty tables
	// operators configure stratum ports with.
	Diff1Target = new(big.Int).SetBytes([]byte{
		0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	})
)

// DifficultyToTarget converts a difficulty value into its 256-bit target.
func DifficultyToTarget(difficulty uint64) *big.Int {
	if difficulty == 0 {
		return new(big.Int).Set(MaxTarget)
	}
	return new(big.Int).Div(Diff1Target, new(big.Int).SetUint64(difficulty))
}

// TargetToDifficulty converts a 256-bit target back into a difficulty value.
func TargetToDifficulty(target *big.Int) uint64 {
	if target == nil || target.Sign() == 0 {
		return 0
	}
	return new(big.Int).Div(Diff1Target, target).Uint64()
}

// HashToDifficulty derives the difficulty a 32-byte hash actually satisfies.
func HashToDifficulty(hash []byte) uint64 {
	if len(hash) != 32 {
		return 0
	}
	hashInt := new(big.Int).SetBytes(hash)
	if hashInt.Sign() == 0 {
		return TargetToDifficulty(big.NewInt(1))
	}
	return new(big.Int).Div(Diff1Target, hashInt).Uint64()
}

// HashMeetsTarget reports whether hash (big-endian) is numerically <= target.
func HashMeetsTarget(hash []byte, target *big.Int) bool {
	if len(hash) != 32 || target == nil {
		return false
	}
	return new(big.Int).SetBytes(hash).Cmp(target) <= 0
}

// HashMeetsDifficulty reports whether hash satisfies the given difficulty.
func HashMeetsDifficulty(hash []byte, difficulty uint64) bool {
	return HashMeetsTarget(hash, DifficultyToTarget(difficulty))
}

// CompactToTarget expands a 4-byte compact ("bits") encoding into a target.
func CompactToTarget(compact uint32) *big.Int {
	exponent := compact >> 24
	mantissa := compact & 0x007fffff

	var target *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		target = big.NewInt(int64(mantissa))
	} else {
		target = big.NewInt(int64(mantissa))
		target.Lsh(target, 8*(uint(exponent)-3))
	}

	if compact&0x00800000 != 0 {
		target.Neg(target)
	}
	return target
}

// TargetToCompact packs a target into its 4-byte compact ("bits") encoding.
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() == 0 {
		return 0
	}

	negative := target.Sign() < 0
	if negative {
		target = new(big.Int).Neg(target)
	}

	bytes := target.Bytes()
	size := uint32(len(bytes))

	var compact uint32
	if size <= 3 {
		compact = uint32(target.Uint64()) << (8 * (3 - size))
	} else {
		compact = uint32(new(big.Int).Rsh(target, 8*(uint(size)-3)).Uint64())
	}

	if compact&0x00800000 != 0 {
		compact >>= 8
		size++
	}

	compact |= size << 24
	if negative {
		compact |= 0x00800000
	}
	return compact
}

// NetworkHashrate estimates network hashrate from difficulty and average
// block time.
func NetworkHashrate(difficulty uint64, blockTimeSeconds float64) float64 {
	if blockTimeSeconds <= 0 {
		return 0
	}
	return float64(difficulty) / blockTimeSeconds
}

// EstimatedTimeToBlock estimates expected seconds to find a block at the
// given hashrate and difficulty.
func EstimatedTimeToBlock(hashrate float64, difficulty uint64) float64 {
	if hashrate <= 0 {
		return 0
	}
	return float64(difficulty) / hashrate
}
