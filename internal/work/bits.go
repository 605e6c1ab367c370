// Package work implements compact-bits target expansion, per-header work
// computation, and the difficulty retarget schedule. Targets are big.Int
// values expanded from the compact 32-bit "bits" encoding carried in block
// headers.
package work

import "math/big"

// CompactToTarget expands a compact "bits" difficulty encoding into its
// 256-bit target. The encoding is one exponent byte followed by a
// three-byte mantissa: target = mantissa * 256^(exponent-3).
func CompactToTarget(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff

	// The sign bit (0x00800000) is never valid for a proof-of-work target.
	if bits&0x00800000 != 0 {
		return big.NewInt(0)
	}

	target := new(big.Int).SetUint64(uint64(mantissa))
	if exponent <= 3 {
		target.Rsh(target, uint(8*(3-exponent)))
		return target
	}
	target.Lsh(target, uint(8*(exponent-3)))
	return target
}

// TargetToCompact compresses a 256-bit target into the compact "bits"
// encoding, the inverse of CompactToTarget.
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() == 0 {
		return 0
	}

	// nbytes = number of bytes needed to represent target with the high
	// bit not set (so the mantissa is never mistaken for a negative sign).
	b := target.Bytes()
	nbytes := len(b)

	var mantissa uint32
	switch {
	case nbytes <= 3:
		mantissa = uint32(new(big.Int).Lsh(target, uint(8*(3-nbytes))).Uint64())
	default:
		mantissa = uint32(new(big.Int).Rsh(target, uint(8*(nbytes-3))).Uint64())
	}

	// If the high bit of the mantissa's top byte would be set, shift right
	// one byte and bump the exponent, to keep the sign bit clear.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		nbytes++
	}

	return uint32(nbytes)<<24 | mantissa
}

// MaxTarget256 is the easiest possible target (lowest difficulty): 2^256-1,
// the full 256-bit range with no proof-of-work limit applied. Callers
// pass their own genesis-configured limit; this constant exists only as a
// ceiling sanity check.
var MaxTarget256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
