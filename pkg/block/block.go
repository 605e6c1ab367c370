package block

import (
	"github.com/btcnode/corechain/pkg/primitives"
	"github.com/btcnode/corechain/pkg/tx"
)

// Block is a Header plus its ordered transactions.
type Block struct {
	Header       *Header
	Transactions []*tx.Transaction
}

// Hash is a convenience accessor for the header's identity.
func (b *Block) Hash() primitives.Hash {
	return b.Header.Hash()
}

// EncodedSize returns the canonical encoded size in bytes, including the
// var-int transaction count, matching the accounting MAX_BLOCK_SIZE is
// measured against.
func (b *Block) EncodedSize() int {
	size := HeaderSize + varIntSize(uint64(len(b.Transactions)))
	for _, t := range b.Transactions {
		size += len(t.Encode())
	}
	return size
}

func varIntSize(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}
