package primitives

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Work is a 256-bit unsigned cumulative proof-of-work value: the
// fork-choice metric. It wraps math/big; add and compare are all consensus
// needs, and decimal rendering exists for diagnostics.
type Work struct {
	v *big.Int
}

// maxTarget is 2^256 - 1, the unsigned range of a single 256-bit hash.
var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ZeroWork returns the additive identity.
func ZeroWork() Work {
	return Work{v: new(big.Int)}
}

// WorkFromBits computes the proof-of-work contributed by a single header
// whose difficulty target, expanded from compact "bits" encoding, is
// `target`. By convention work ≈ (2^256) / (target + 1), the expected
// number of hash attempts to find a block at that difficulty.
func WorkFromBits(target *big.Int) Work {
	if target == nil || target.Sign() <= 0 {
		return Work{v: new(big.Int)}
	}
	denom := new(big.Int).Add(target, big.NewInt(1))
	num := new(big.Int).Add(maxTarget, big.NewInt(1))
	return Work{v: new(big.Int).Div(num, denom)}
}

// Add returns a new Work equal to w + other.
func (w Work) Add(other Work) Work {
	a := w.bigOrZero()
	b := other.bigOrZero()
	return Work{v: new(big.Int).Add(a, b)}
}

// Sub returns a new Work equal to w - other. Panics-free: if other > w the
// result is clamped to zero, since cumulative work is only ever subtracted
// by a caller that has already checked ordering (reorg unwind).
func (w Work) Sub(other Work) Work {
	a := w.bigOrZero()
	b := other.bigOrZero()
	r := new(big.Int).Sub(a, b)
	if r.Sign() < 0 {
		r.SetInt64(0)
	}
	return Work{v: r}
}

// Cmp compares w to other: -1, 0, or 1.
func (w Work) Cmp(other Work) int {
	return w.bigOrZero().Cmp(other.bigOrZero())
}

// GreaterThan reports whether w > other.
func (w Work) GreaterThan(other Work) bool {
	return w.Cmp(other) > 0
}

// IsZero reports whether w is zero.
func (w Work) IsZero() bool {
	return w.bigOrZero().Sign() == 0
}

// String returns the decimal representation, for diagnostics.
func (w Work) String() string {
	return w.bigOrZero().String()
}

// Bytes returns the big-endian byte representation, for persistence.
func (w Work) Bytes() []byte {
	return w.bigOrZero().Bytes()
}

// WorkFromBytes reconstructs a Work from big-endian bytes produced by Bytes.
func WorkFromBytes(b []byte) Work {
	return Work{v: new(big.Int).SetBytes(b)}
}

// MarshalJSON encodes Work as its decimal string, matching the Hash type's
// convention of a human-readable JSON representation for persisted rows.
func (w Work) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.bigOrZero().String())
}

// UnmarshalJSON decodes a decimal string produced by MarshalJSON.
func (w *Work) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("primitives: invalid Work JSON %q", s)
	}
	w.v = v
	return nil
}

func (w Work) bigOrZero() *big.Int {
	if w.v == nil {
		return new(big.Int)
	}
	return w.v
}
