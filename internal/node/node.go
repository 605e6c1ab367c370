// Package node wires the consensus core together: storage, header index,
// target selector, validator pipeline, chain state manager, UTXO store,
// mempool, and invalid-block cache, all communicating over one event bus.
// It carries no networking or RPC — headers, block bodies, and loose
// transactions are handed in by whatever ingest layer embeds it.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcnode/corechain/config"
	"github.com/btcnode/corechain/internal/chainindex"
	"github.com/btcnode/corechain/internal/chainstate"
	"github.com/btcnode/corechain/internal/eventbus"
	"github.com/btcnode/corechain/internal/hashcache"
	"github.com/btcnode/corechain/internal/invalidcache"
	"github.com/btcnode/corechain/internal/log"
	"github.com/btcnode/corechain/internal/mempool"
	"github.com/btcnode/corechain/internal/ports"
	"github.com/btcnode/corechain/internal/selector"
	"github.com/btcnode/corechain/internal/storage"
	"github.com/btcnode/corechain/internal/utxo"
	"github.com/btcnode/corechain/internal/validator"
	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/primitives"
	"github.com/btcnode/corechain/pkg/tx"
)

// scriptVerdictCacheSize bounds the hashcache; a verdict is ~33 bytes, so
// this stays well under a megabyte.
const scriptVerdictCacheSize = 16384

// Node is the assembled consensus core.
type Node struct {
	cfg     *config.Config
	backend storage.Backend

	bus     *eventbus.Bus
	index   *chainindex.Index
	invalid *invalidcache.Cache
	sel     *selector.Selector
	utxos   *utxo.Store
	pool    *mempool.Pool
	manager *chainstate.Manager
	bodies  *BodyStore

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a node over backend, anchored at genesis. The script verifier
// is the one external collaborator with no in-module default. Persisted
// state (headers, blacklist, mempool) is replayed before the chain state
// manager bootstraps, so a restarted node resumes at its stored tip.
func New(cfg *config.Config, backend storage.Backend, verifier ports.ScriptVerifier, params chainstate.Params, genesis *block.Header) (*Node, error) {
	bus := eventbus.New()
	index := chainindex.New(backend, bus)
	invalid := invalidcache.New(backend, bus)
	utxos := utxo.New(backend)
	bodies := NewBodyStore(backend)
	pool := mempool.New(backend, utxos, bus)

	if err := index.Load(); err != nil {
		return nil, fmt.Errorf("node: load header index: %w", err)
	}
	if err := invalid.Load(); err != nil {
		return nil, fmt.Errorf("node: load invalid-block cache: %w", err)
	}
	if err := pool.Load(); err != nil {
		return nil, fmt.Errorf("node: load mempool: %w", err)
	}

	sel := selector.New(index, invalid, bus)

	pipeline := validator.New(verifier, hashcache.New(scriptVerdictCacheSize), validator.Options{
		Workers:            cfg.ValidatorWorkers,
		QueueCapacity:      cfg.QueueCapacity,
		IgnoreScriptErrors: cfg.IgnoreScriptErrors,
	})
	manager := chainstate.New(params, index, sel, invalid, utxos, pipeline, bodies, bus)

	// The mempool follows the chain state manager's apply/unwind stream.
	bus.OnBlockApplied(func(blk *block.Block, height uint64) {
		if err := pool.OnBlockApplied(blk, height); err != nil {
			log.Mempool.Error().Err(err).Uint64("height", height).Msg("mempool reconcile on apply failed")
		}
	})
	bus.OnBlockUnwound(func(blk *block.Block, height uint64) {
		if err := pool.OnBlockUnwound(blk, height); err != nil {
			log.Mempool.Error().Err(err).Uint64("height", height).Msg("mempool reconcile on unwind failed")
		}
	})

	n := &Node{
		cfg:     cfg,
		backend: backend,
		bus:     bus,
		index:   index,
		invalid: invalid,
		sel:     sel,
		utxos:   utxos,
		pool:    pool,
		manager: manager,
		bodies:  bodies,
	}

	// Unwound transactions come back as re-admission candidates; admission
	// re-checks them against the post-reorg UTXO set and silently drops
	// the ones that no longer resolve.
	bus.OnTxesUnconfirmed(func(txs []*tx.Transaction) {
		for _, t := range txs {
			if _, err := pool.TryAdd(t); err != nil {
				log.Mempool.Debug().Err(err).Str("tx", t.Hash().String()).Msg("unwound tx not re-admitted")
			}
		}
	})

	gch, err := index.InsertGenesis(genesis)
	if err != nil {
		return nil, fmt.Errorf("node: anchor genesis: %w", err)
	}
	if err := manager.Bootstrap(gch); err != nil {
		return nil, fmt.Errorf("node: bootstrap chain state: %w", err)
	}

	return n, nil
}

// Start launches the chain state manager's reactor goroutine.
func (n *Node) Start(ctx context.Context) {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})
	go func() {
		defer close(n.done)
		if err := n.manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.ChainState.Error().Err(err).Msg("chain state manager stopped")
		}
	}()
	n.manager.Notify()
}

// Stop cancels the manager and waits for it to park at a block boundary.
func (n *Node) Stop() {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
	n.cancel = nil
	n.done = nil
}

// SubmitHeader indexes a header received from the ingest layer. The
// selector reacts on the bus; if the header extends the best chain the
// manager will ask for its body.
func (n *Node) SubmitHeader(h *block.Header) error {
	_, err := n.index.Insert(h)
	return err
}

// SubmitBlock stores a block body and indexes its header.
func (n *Node) SubmitBlock(blk *block.Block) error {
	if err := n.bodies.Put(blk); err != nil {
		return err
	}
	if err := n.SubmitHeader(blk.Header); err != nil {
		return err
	}
	n.manager.Notify()
	return nil
}

// SubmitTx offers a loose transaction to the mempool.
func (n *Node) SubmitTx(t *tx.Transaction) (*mempool.UnconfirmedTx, error) {
	return n.pool.TryAdd(t)
}

// Sync drives the chain state manager synchronously to the current
// target, for callers that are not running the Start reactor.
func (n *Node) Sync(ctx context.Context) error {
	return n.manager.SyncOnce(ctx)
}

// Tip returns the active chain tip.
func (n *Node) Tip() *block.ChainedHeader { return n.manager.Tip() }

// ActiveChain materializes the full active chain, genesis to tip, from
// the header index.
func (n *Node) ActiveChain() (*chainindex.Chain, error) {
	tip := n.manager.Tip()
	if tip == nil {
		return nil, chainindex.ErrNotFound
	}
	return n.index.MaterializeChain(tip.Hash())
}

// TargetTip returns the selector's current target tip, which may be ahead
// of the active tip while bodies are still arriving.
func (n *Node) TargetTip() *block.ChainedHeader { return n.sel.BestTip() }

// Mempool returns the node's unconfirmed-transaction pool.
func (n *Node) Mempool() *mempool.Pool { return n.pool }

// UTXO returns the node's UTXO store.
func (n *Node) UTXO() *utxo.Store { return n.utxos }

// Index returns the node's header index.
func (n *Node) Index() *chainindex.Index { return n.index }

// InvalidBlocks returns the node's invalid-block cache.
func (n *Node) InvalidBlocks() *invalidcache.Cache { return n.invalid }

// Bus returns the node's event bus, for external subscribers.
func (n *Node) Bus() *eventbus.Bus { return n.bus }

// Bodies returns the node's block body store.
func (n *Node) Bodies() *BodyStore { return n.bodies }

// UnspentTxCount reports the number of transactions with at least one
// unspent output, for diagnostics.
func (n *Node) UnspentTxCount() (uint64, error) {
	var count uint64
	err := utxo.WithCursor(n.utxos, false, func(c *utxo.Cursor) error {
		var err error
		count, err = c.UnspentTxCount()
		return err
	})
	return count, err
}

// TipsConsistent verifies the chain state manager, UTXO store, and
// mempool agree on the chain tip, the at-rest consistency check run by
// diagnostics.
func (n *Node) TipsConsistent() (bool, error) {
	var utxoTip primitives.Hash
	err := utxo.WithCursor(n.utxos, false, func(c *utxo.Cursor) error {
		var err error
		utxoTip, err = c.ChainTip()
		return err
	})
	if err != nil {
		return false, err
	}
	tip := n.manager.Tip()
	if tip == nil || utxoTip != tip.Hash() {
		return false, nil
	}
	poolTip := n.pool.ChainTip()
	// A pool that has never reconciled a block still carries the zero tip.
	if !poolTip.IsZero() && poolTip != utxoTip {
		return false, nil
	}
	return true, nil
}
