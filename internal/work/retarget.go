package work

import "math/big"

// RetargetInterval is the number of blocks between difficulty adjustments.
const RetargetInterval = 2016

// TargetTimespan is the expected duration, in seconds, of RetargetInterval
// blocks at the target block interval (Bitcoin's two weeks).
const TargetTimespan = RetargetInterval * 10 * 60

// IsRetargetHeight reports whether a new difficulty must be computed for
// the block at this height.
func IsRetargetHeight(height uint64) bool {
	return height > 0 && height%RetargetInterval == 0
}

// NextTarget computes the retargeted target after a full interval, given
// the previous target and the actual elapsed time (in seconds) between the
// first and last block of that interval. The adjustment is clamped to a
// factor of four in either direction, and the result never exceeds
// powLimit (the easiest allowed target).
func NextTarget(prevTarget *big.Int, actualTimespan int64, powLimit *big.Int) *big.Int {
	if actualTimespan <= 0 {
		actualTimespan = 1
	}

	minSpan := int64(TargetTimespan / 4)
	maxSpan := int64(TargetTimespan * 4)
	if actualTimespan < minSpan {
		actualTimespan = minSpan
	}
	if actualTimespan > maxSpan {
		actualTimespan = maxSpan
	}

	next := new(big.Int).Mul(prevTarget, big.NewInt(actualTimespan))
	next.Div(next, big.NewInt(TargetTimespan))

	if next.Cmp(powLimit) > 0 {
		next.Set(powLimit)
	}
	if next.Sign() <= 0 {
		next.SetInt64(1)
	}
	return next
}
