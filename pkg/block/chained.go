package block

import "github.com/btcnode/corechain/pkg/primitives"

// ChainedHeader is a Header annotated with its height and cumulative
// proof-of-work, the unit the chain index stores and the target chain
// selector compares.
//
// Invariants: height(genesis) == 0; height(h) == height(prev(h)) + 1;
// TotalWork is strictly increasing along any chain.
type ChainedHeader struct {
	Header    *Header
	Height    uint64
	TotalWork primitives.Work
}

// Hash is a convenience accessor for the underlying header's identity.
func (c *ChainedHeader) Hash() primitives.Hash {
	return c.Header.Hash()
}
