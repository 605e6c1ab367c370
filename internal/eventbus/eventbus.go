// Package eventbus is the typed publish/subscribe mechanism connecting
// the core components: the chain index announces newly indexed headers,
// the selector announces target-chain changes, the chain state manager
// announces applied/unwound blocks, the mempool announces
// confirmed/unconfirmed transactions, and the invalid-block cache
// announces blacklisted hashes. Components hold only the bus, never each
// other, which keeps the daemon/cache observation graph free of
// back-references even where subscriptions are mutual.
package eventbus

import (
	"sync"

	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/primitives"
	"github.com/btcnode/corechain/pkg/tx"
)

// HeaderIndexedHandler is called when the chain index accepts a new header.
type HeaderIndexedHandler func(h *block.ChainedHeader)

// TargetBlockChangedHandler is called the moment the selector adopts a new
// target tip header, before any chain-level reaction runs.
type TargetBlockChangedHandler func(tip *block.ChainedHeader)

// TargetChainChangedHandler is called when the selector's target chain tip
// changes, whether by extension, reorg, or a competing-tip tie-break.
type TargetChainChangedHandler func(oldTip, newTip primitives.Hash)

// ChainTipAdvancedHandler is called once the chain state manager has
// finished applying the state transition for a new tip.
type ChainTipAdvancedHandler func(tip *block.ChainedHeader)

// BlockAppliedHandler is called for each block applied during a chain state
// transition (a straight extension, or the connect phase of a reorg).
type BlockAppliedHandler func(blk *block.Block, height uint64)

// BlockUnwoundHandler is called for each block undone during the
// disconnect phase of a reorg, in tip-to-fork-point order.
type BlockUnwoundHandler func(blk *block.Block, height uint64)

// TxAddedHandler is called when a transaction enters the mempool.
type TxAddedHandler func(t *tx.Transaction)

// TxesConfirmedHandler is called with the transactions a newly applied
// block removed from the mempool by confirming them.
type TxesConfirmedHandler func(txs []*tx.Transaction)

// TxesUnconfirmedHandler is called with the transactions an unwound block's
// reversal returns to the mempool for re-consideration.
type TxesUnconfirmedHandler func(txs []*tx.Transaction)

// BlockInvalidatedHandler is called when a block hash is added to the
// invalid-block cache, along with the reason it failed validation.
type BlockInvalidatedHandler func(hash primitives.Hash, reason string)

// Bus is a synchronous, mutex-guarded multi-subscriber event dispatcher.
// Publish calls run subscribers in registration order on the publisher's
// goroutine; subscribers that need to do slow work should hand it off to
// their own goroutine rather than block the publisher.
type Bus struct {
	mu sync.RWMutex

	headerIndexed    []HeaderIndexedHandler
	targetBlock      []TargetBlockChangedHandler
	targetChanged    []TargetChainChangedHandler
	tipAdvanced      []ChainTipAdvancedHandler
	blockApplied     []BlockAppliedHandler
	blockUnwound     []BlockUnwoundHandler
	txAdded          []TxAddedHandler
	txesConfirmed    []TxesConfirmedHandler
	txesUnconfirmed  []TxesUnconfirmedHandler
	blockInvalidated []BlockInvalidatedHandler
}

// New returns an empty event bus.
func New() *Bus {
	return &Bus{}
}

func (b *Bus) OnHeaderIndexed(fn HeaderIndexedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.headerIndexed = append(b.headerIndexed, fn)
}

func (b *Bus) PublishHeaderIndexed(h *block.ChainedHeader) {
	b.mu.RLock()
	handlers := append([]HeaderIndexedHandler(nil), b.headerIndexed...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(h)
	}
}

func (b *Bus) OnTargetBlockChanged(fn TargetBlockChangedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targetBlock = append(b.targetBlock, fn)
}

func (b *Bus) PublishTargetBlockChanged(tip *block.ChainedHeader) {
	b.mu.RLock()
	handlers := append([]TargetBlockChangedHandler(nil), b.targetBlock...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(tip)
	}
}

func (b *Bus) OnTargetChainChanged(fn TargetChainChangedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targetChanged = append(b.targetChanged, fn)
}

func (b *Bus) PublishTargetChainChanged(oldTip, newTip primitives.Hash) {
	b.mu.RLock()
	handlers := append([]TargetChainChangedHandler(nil), b.targetChanged...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(oldTip, newTip)
	}
}

func (b *Bus) OnChainTipAdvanced(fn ChainTipAdvancedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tipAdvanced = append(b.tipAdvanced, fn)
}

func (b *Bus) PublishChainTipAdvanced(tip *block.ChainedHeader) {
	b.mu.RLock()
	handlers := append([]ChainTipAdvancedHandler(nil), b.tipAdvanced...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(tip)
	}
}

func (b *Bus) OnBlockApplied(fn BlockAppliedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockApplied = append(b.blockApplied, fn)
}

func (b *Bus) PublishBlockApplied(blk *block.Block, height uint64) {
	b.mu.RLock()
	handlers := append([]BlockAppliedHandler(nil), b.blockApplied...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(blk, height)
	}
}

func (b *Bus) OnBlockUnwound(fn BlockUnwoundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockUnwound = append(b.blockUnwound, fn)
}

func (b *Bus) PublishBlockUnwound(blk *block.Block, height uint64) {
	b.mu.RLock()
	handlers := append([]BlockUnwoundHandler(nil), b.blockUnwound...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(blk, height)
	}
}

func (b *Bus) OnTxAdded(fn TxAddedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txAdded = append(b.txAdded, fn)
}

func (b *Bus) PublishTxAdded(t *tx.Transaction) {
	b.mu.RLock()
	handlers := append([]TxAddedHandler(nil), b.txAdded...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(t)
	}
}

func (b *Bus) OnTxesConfirmed(fn TxesConfirmedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txesConfirmed = append(b.txesConfirmed, fn)
}

func (b *Bus) PublishTxesConfirmed(txs []*tx.Transaction) {
	b.mu.RLock()
	handlers := append([]TxesConfirmedHandler(nil), b.txesConfirmed...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(txs)
	}
}

func (b *Bus) OnTxesUnconfirmed(fn TxesUnconfirmedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txesUnconfirmed = append(b.txesUnconfirmed, fn)
}

func (b *Bus) PublishTxesUnconfirmed(txs []*tx.Transaction) {
	b.mu.RLock()
	handlers := append([]TxesUnconfirmedHandler(nil), b.txesUnconfirmed...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(txs)
	}
}

func (b *Bus) OnBlockInvalidated(fn BlockInvalidatedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockInvalidated = append(b.blockInvalidated, fn)
}

func (b *Bus) PublishBlockInvalidated(hash primitives.Hash, reason string) {
	b.mu.RLock()
	handlers := append([]BlockInvalidatedHandler(nil), b.blockInvalidated...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(hash, reason)
	}
}
