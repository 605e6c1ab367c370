package work

import (
	"math/big"
	"testing"
)

func TestCompactToTargetKnownValues(t *testing.T) {
	cases := []struct {
		name string
		bits uint32
		want *big.Int
	}{
		{
			// Mainnet difficulty 1: 0x00ffff * 256^(0x1d-3).
			name: "difficulty_one",
			bits: 0x1d00ffff,
			want: new(big.Int).Lsh(big.NewInt(0x00ffff), 8*(0x1d-3)),
		},
		{
			// Regtest-style easiest target.
			name: "regtest_limit",
			bits: 0x207fffff,
			want: new(big.Int).Lsh(big.NewInt(0x7fffff), 8*(0x20-3)),
		},
		{
			// Exponent <= 3 shifts the mantissa down instead of up.
			name: "small_exponent",
			bits: 0x01010000,
			want: big.NewInt(1),
		},
		{
			name: "three_byte_value",
			bits: 0x03123456,
			want: big.NewInt(0x123456),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CompactToTarget(tc.bits)
			if got.Cmp(tc.want) != 0 {
				t.Fatalf("CompactToTarget(%08x) = %s, want %s", tc.bits, got, tc.want)
			}
		})
	}
}

func TestCompactToTargetSignBitIsInvalid(t *testing.T) {
	// The compact sign bit never encodes a valid proof-of-work target.
	if got := CompactToTarget(0x1d800000); got.Sign() != 0 {
		t.Fatalf("sign-bit compact should expand to zero, got %s", got)
	}
}

func TestTargetToCompactRoundTrip(t *testing.T) {
	for _, bits := range []uint32{0x1d00ffff, 0x207fffff, 0x1b0404cb, 0x03123456, 0x01010000} {
		target := CompactToTarget(bits)
		if got := TargetToCompact(target); got != bits {
			t.Fatalf("round trip of %08x came back as %08x (target %s)", bits, got, target)
		}
	}
}

func TestTargetToCompactZero(t *testing.T) {
	if got := TargetToCompact(big.NewInt(0)); got != 0 {
		t.Fatalf("TargetToCompact(0) = %08x, want 0", got)
	}
}

func TestTargetToCompactMantissaHighBit(t *testing.T) {
	// A target whose top byte has the high bit set would collide with the
	// compact sign bit; the mantissa must shift down a byte and bump the
	// exponent instead, and still expand back to the exact same value.
	target := new(big.Int).Lsh(big.NewInt(0x80), 8*10)
	compact := TargetToCompact(target)
	if compact&0x00800000 != 0 {
		t.Fatalf("compact %08x has the sign bit set", compact)
	}
	if back := CompactToTarget(compact); back.Cmp(target) != 0 {
		t.Fatalf("high-bit target %s round-tripped to %s (compact %08x)", target, back, compact)
	}
}

func TestIsRetargetHeight(t *testing.T) {
	cases := []struct {
		height uint64
		want   bool
	}{
		{0, false},
		{1, false},
		{RetargetInterval - 1, false},
		{RetargetInterval, true},
		{RetargetInterval + 1, false},
		{3 * RetargetInterval, true},
	}
	for _, tc := range cases {
		if got := IsRetargetHeight(tc.height); got != tc.want {
			t.Fatalf("IsRetargetHeight(%d) = %v, want %v", tc.height, got, tc.want)
		}
	}
}

func TestNextTargetProportionalAdjustment(t *testing.T) {
	prev := big.NewInt(1_000_000)

	// Blocks arrived in exactly half the expected time: target halves
	// (difficulty doubles).
	next := NextTarget(prev, TargetTimespan/2, MaxTarget256)
	if next.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("half timespan: next = %s, want 500000", next)
	}

	// Exactly on schedule: unchanged.
	next = NextTarget(prev, TargetTimespan, MaxTarget256)
	if next.Cmp(prev) != 0 {
		t.Fatalf("on schedule: next = %s, want %s", next, prev)
	}
}

func TestNextTargetClampsToFactorOfFour(t *testing.T) {
	prev := big.NewInt(1_000_000)

	// An absurdly slow interval adjusts by at most 4x easier.
	next := NextTarget(prev, 100*TargetTimespan, MaxTarget256)
	if next.Cmp(big.NewInt(4_000_000)) != 0 {
		t.Fatalf("slow interval: next = %s, want 4000000", next)
	}

	// An absurdly fast (even non-positive) interval adjusts by at most 4x
	// harder.
	next = NextTarget(prev, 1, MaxTarget256)
	if next.Cmp(big.NewInt(250_000)) != 0 {
		t.Fatalf("fast interval: next = %s, want 250000", next)
	}
	next = NextTarget(prev, -600, MaxTarget256)
	if next.Cmp(big.NewInt(250_000)) != 0 {
		t.Fatalf("negative interval: next = %s, want 250000", next)
	}
}

func TestNextTargetClampsToPowLimit(t *testing.T) {
	powLimit := big.NewInt(2_000_000)
	prev := big.NewInt(1_000_000)

	// The 4x easing would overshoot the limit; the limit wins.
	next := NextTarget(prev, 100*TargetTimespan, powLimit)
	if next.Cmp(powLimit) != 0 {
		t.Fatalf("next = %s, want clamped to pow limit %s", next, powLimit)
	}
}
