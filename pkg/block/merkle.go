package block

import (
	"github.com/btcnode/corechain/pkg/chainhash"
	"github.com/btcnode/corechain/pkg/primitives"
)

// ComputeMerkleRoot computes the merkle root of an ordered list of tx
// hashes: pairwise double-SHA256, duplicating the last element of an odd
// level, repeated until one hash remains. Zero hashes yields the zero hash;
// one hash yields that hash unchanged.
func ComputeMerkleRoot(hashes []primitives.Hash) primitives.Hash {
	if len(hashes) == 0 {
		return primitives.Hash{}
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([]primitives.Hash, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]primitives.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hashConcat(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}

func hashConcat(a, b primitives.Hash) primitives.Hash {
	var buf [2 * primitives.HashSize]byte
	copy(buf[:primitives.HashSize], a[:])
	copy(buf[primitives.HashSize:], b[:])
	return chainhash.Sum(buf[:])
}

// Builder is the streaming merkle-tree builder the validator's first
// stage feeds: tx hashes are appended one at a time as the block's
// transaction list is walked in declared order, and the root is produced
// once by Finalize at pipeline completion. Internally it buffers the leaf
// hashes and reduces them with ComputeMerkleRoot on Finalize — the
// "streaming" contract is about the single pass over the tx list, not
// about bounded memory.
type Builder struct {
	leaves []primitives.Hash
}

// NewBuilder returns an empty streaming merkle builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends the next tx hash in block order.
func (b *Builder) Add(h primitives.Hash) {
	b.leaves = append(b.leaves, h)
}

// Len returns the number of hashes appended so far.
func (b *Builder) Len() int {
	return len(b.leaves)
}

// Finalize computes the merkle root over every hash appended so far.
func (b *Builder) Finalize() primitives.Hash {
	return ComputeMerkleRoot(b.leaves)
}
