// Package selector maintains the target chain: the chain ending at the
// indexed header with the greatest cumulative work whose entire ancestry
// is absent from the invalid-block blacklist. It recomputes incrementally
// on every header insert and blacklist addition, resolving equal-work ties
// in favor of the first-seen tip.
package selector

import (
	"sync"

	"github.com/btcnode/corechain/internal/chainindex"
	"github.com/btcnode/corechain/internal/eventbus"
	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/primitives"
)

// Blacklist is the subset of the invalid-block cache the selector consumes:
// a membership check and a way to transitively taint a descendant whose
// ancestry runs through a blacklisted header.
type Blacklist interface {
	Contains(hash primitives.Hash) bool
	Add(hash primitives.Hash, reason string) error
}

// Selector maintains the current target chain tip over all headers the
// chain index has accepted.
type Selector struct {
	index     *chainindex.Index
	blacklist Blacklist
	bus       *eventbus.Bus

	mu           sync.RWMutex
	bestTip      *block.ChainedHeader
	leaves       map[primitives.Hash]*block.ChainedHeader
	firstSeenSeq map[primitives.Hash]uint64
	nextSeq      uint64
}

// New returns a selector that subscribes to bus for header-indexed and
// block-invalidated notifications.
func New(index *chainindex.Index, blacklist Blacklist, bus *eventbus.Bus) *Selector {
	s := &Selector{
		index:        index,
		blacklist:    blacklist,
		bus:          bus,
		leaves:       make(map[primitives.Hash]*block.ChainedHeader),
		firstSeenSeq: make(map[primitives.Hash]uint64),
	}
	bus.OnHeaderIndexed(s.onHeaderIndexed)
	bus.OnBlockInvalidated(s.onBlockInvalidated)
	return s
}

// BestTip returns the current target chain tip, or nil if none has been
// established yet.
func (s *Selector) BestTip() *block.ChainedHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bestTip
}

func (s *Selector) onHeaderIndexed(h *block.ChainedHeader) {
	hash := h.Hash()

	s.mu.Lock()
	s.nextSeq++
	s.firstSeenSeq[hash] = s.nextSeq
	delete(s.leaves, h.Header.PrevHash)
	s.leaves[hash] = h
	s.mu.Unlock()

	s.considerCandidate(h)
}

// considerCandidate is the incremental recompute: a new candidate only
// displaces the current tip on strictly greater cumulative work (equal
// work keeps the first-seen tip, since the current tip was necessarily
// indexed no later than the candidate), and only if every header on its
// advance-path from the common ancestor is clean.
func (s *Selector) considerCandidate(candidate *block.ChainedHeader) {
	s.mu.RLock()
	current := s.bestTip
	s.mu.RUnlock()

	if current != nil && !candidate.TotalWork.GreaterThan(current.TotalWork) {
		return
	}

	var advancePath []*block.ChainedHeader
	if current == nil {
		for ch := range s.index.WalkAncestors(candidate.Hash()) {
			advancePath = append(advancePath, ch)
		}
	} else {
		ancestor, err := s.index.FindCommonAncestor(current.Hash(), candidate.Hash())
		if err != nil {
			return
		}
		for ch := range s.index.WalkAncestors(candidate.Hash()) {
			if ch.Hash() == ancestor.Hash() {
				break
			}
			advancePath = append(advancePath, ch)
		}
	}

	for _, h := range advancePath {
		if s.blacklist.Contains(h.Hash()) {
			s.blacklist.Add(candidate.Hash(), "descends from blacklisted header "+h.Hash().String())
			return
		}
	}

	s.publishNewTip(candidate)
}

// onBlockInvalidated reacts to a fresh blacklist entry by rescanning every
// known leaf: the newly blacklisted hash may sit on the current tip's own
// ancestry, in which case a clean competitor — possibly an interior
// ancestor of a tainted leaf — must take over.
func (s *Selector) onBlockInvalidated(hash primitives.Hash, reason string) {
	s.mu.RLock()
	leaves := make([]*block.ChainedHeader, 0, len(s.leaves))
	for _, l := range s.leaves {
		leaves = append(leaves, l)
	}
	seq := s.firstSeenSeq
	s.mu.RUnlock()

	var winner *block.ChainedHeader
	var winnerSeq uint64
	for _, leaf := range leaves {
		candidate := s.cleanTipOn(leaf)
		if candidate == nil {
			continue
		}
		cSeq := seq[candidate.Hash()]
		if winner == nil {
			winner, winnerSeq = candidate, cSeq
			continue
		}
		if candidate.TotalWork.GreaterThan(winner.TotalWork) {
			winner, winnerSeq = candidate, cSeq
		} else if !winner.TotalWork.GreaterThan(candidate.TotalWork) && cSeq < winnerSeq {
			winner, winnerSeq = candidate, cSeq
		}
	}

	s.mu.RLock()
	current := s.bestTip
	s.mu.RUnlock()

	if winner == nil {
		return
	}
	if current != nil && current.Hash() == winner.Hash() {
		return
	}
	s.publishNewTip(winner)
}

// cleanTipOn returns the highest header on leaf's branch whose entire
// ancestry is clean: the leaf itself if nothing on the branch is
// blacklisted, otherwise the parent of the lowest blacklisted ancestor.
// Returns nil if the branch is tainted down to genesis.
func (s *Selector) cleanTipOn(leaf *block.ChainedHeader) *block.ChainedHeader {
	candidate := leaf
	for ch := range s.index.WalkAncestors(leaf.Hash()) {
		if !s.blacklist.Contains(ch.Hash()) {
			continue
		}
		candidate = nil
		if ch.Height > 0 {
			if parent, err := s.index.Get(ch.Header.PrevHash); err == nil {
				candidate = parent
			}
		}
	}
	return candidate
}

func (s *Selector) publishNewTip(tip *block.ChainedHeader) {
	s.mu.Lock()
	var oldHash primitives.Hash
	if s.bestTip != nil {
		oldHash = s.bestTip.Hash()
	}
	s.bestTip = tip
	s.mu.Unlock()

	s.bus.PublishTargetBlockChanged(tip)
	s.bus.PublishTargetChainChanged(oldHash, tip.Hash())
}
