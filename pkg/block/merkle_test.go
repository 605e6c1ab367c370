package block

import (
	"testing"

	"github.com/btcnode/corechain/pkg/primitives"
)

func leaf(b byte) primitives.Hash {
	return primitives.Hash{b}
}

func TestComputeMerkleRootEdgeCases(t *testing.T) {
	if got := ComputeMerkleRoot(nil); !got.IsZero() {
		t.Fatalf("empty list root = %s, want zero hash", got)
	}

	single := leaf(0xAA)
	if got := ComputeMerkleRoot([]primitives.Hash{single}); got != single {
		t.Fatalf("single-leaf root = %s, want the leaf itself", got)
	}
}

func TestComputeMerkleRootTwoLeaves(t *testing.T) {
	a, b := leaf(1), leaf(2)
	want := hashConcat(a, b)
	if got := ComputeMerkleRoot([]primitives.Hash{a, b}); got != want {
		t.Fatalf("two-leaf root = %s, want %s", got, want)
	}
}

func TestComputeMerkleRootOddLevelDuplicatesLast(t *testing.T) {
	a, b, c := leaf(1), leaf(2), leaf(3)

	// An odd level pads with its own last element, so [a,b,c] and
	// [a,b,c,c] reduce to the same root — the ambiguity CVE-2012-2459
	// exploits, which the validator defends against one level up.
	odd := ComputeMerkleRoot([]primitives.Hash{a, b, c})
	padded := ComputeMerkleRoot([]primitives.Hash{a, b, c, c})
	if odd != padded {
		t.Fatalf("[a,b,c] root %s != [a,b,c,c] root %s", odd, padded)
	}

	// Manual reduction for the three-leaf tree.
	want := hashConcat(hashConcat(a, b), hashConcat(c, c))
	if odd != want {
		t.Fatalf("three-leaf root = %s, want %s", odd, want)
	}
}

func TestComputeMerkleRootOrderMatters(t *testing.T) {
	a, b := leaf(1), leaf(2)
	if ComputeMerkleRoot([]primitives.Hash{a, b}) == ComputeMerkleRoot([]primitives.Hash{b, a}) {
		t.Fatal("swapping leaves must change the root")
	}
}

func TestBuilderMatchesComputeMerkleRoot(t *testing.T) {
	leaves := []primitives.Hash{leaf(1), leaf(2), leaf(3), leaf(4), leaf(5)}

	builder := NewBuilder()
	for _, h := range leaves {
		builder.Add(h)
	}
	if builder.Len() != len(leaves) {
		t.Fatalf("builder holds %d leaves, want %d", builder.Len(), len(leaves))
	}
	if got, want := builder.Finalize(), ComputeMerkleRoot(leaves); got != want {
		t.Fatalf("builder root %s != direct root %s", got, want)
	}

	if got := NewBuilder().Finalize(); !got.IsZero() {
		t.Fatalf("empty builder root = %s, want zero hash", got)
	}
}
