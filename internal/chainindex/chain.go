package chainindex

import (
	"fmt"

	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/primitives"
)

// Chain is a materialized header chain from genesis to a tip: element i
// sits at height i and each element's previous hash is the prior
// element's hash. Chains are produced from the index on demand and
// treated as immutable snapshots; the live tip is replaced wholesale on a
// reorg rather than mutated in place.
type Chain struct {
	headers []*block.ChainedHeader
}

// MaterializeChain walks the index from tip back to genesis and returns
// the chain in ascending height order.
func (idx *Index) MaterializeChain(tip primitives.Hash) (*Chain, error) {
	var reversed []*block.ChainedHeader
	for ch := range idx.WalkAncestors(tip) {
		reversed = append(reversed, ch)
	}
	if len(reversed) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tip)
	}
	if reversed[len(reversed)-1].Height != 0 {
		return nil, fmt.Errorf("chainindex: chain from %s does not reach genesis", tip)
	}

	headers := make([]*block.ChainedHeader, len(reversed))
	for i, ch := range reversed {
		headers[len(reversed)-1-i] = ch
	}
	return &Chain{headers: headers}, nil
}

// Tip returns the chain's highest header.
func (c *Chain) Tip() *block.ChainedHeader {
	return c.headers[len(c.headers)-1]
}

// Genesis returns the chain's height-0 anchor.
func (c *Chain) Genesis() *block.ChainedHeader {
	return c.headers[0]
}

// Height returns the tip height.
func (c *Chain) Height() uint64 {
	return c.Tip().Height
}

// At returns the header at the given height, if the chain reaches it.
func (c *Chain) At(height uint64) (*block.ChainedHeader, bool) {
	if height >= uint64(len(c.headers)) {
		return nil, false
	}
	return c.headers[height], true
}

// ForkPoint returns the highest header the two chains share. Cost is
// proportional to the height difference plus the divergent suffix, not to
// total chain length: the deeper chain is cut down to the shallower tip's
// height, then both walk back in lockstep.
func (c *Chain) ForkPoint(other *Chain) (*block.ChainedHeader, error) {
	h := min(len(c.headers), len(other.headers)) - 1
	for h >= 0 {
		if c.headers[h].Hash() == other.headers[h].Hash() {
			return c.headers[h], nil
		}
		h--
	}
	return nil, fmt.Errorf("chainindex: chains share no header")
}
