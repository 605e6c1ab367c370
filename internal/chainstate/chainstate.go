// Package chainstate owns the live chain tip and serializes every mutation
// of the UTXO store. The Manager reacts to target-chain changes by
// computing a reorg plan (common ancestor, rewind list, advance list),
// reverse-applying blocks off the old branch from stored undo data, and
// validating and applying blocks on the new branch one transactional
// commit per block. A block that fails validation is blacklisted and the
// reorg retries against whatever target the selector picks next.
package chainstate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcnode/corechain/config"
	"github.com/btcnode/corechain/internal/chainindex"
	"github.com/btcnode/corechain/internal/eventbus"
	"github.com/btcnode/corechain/internal/invalidcache"
	"github.com/btcnode/corechain/internal/log"
	"github.com/btcnode/corechain/internal/ports"
	"github.com/btcnode/corechain/internal/selector"
	"github.com/btcnode/corechain/internal/storage"
	"github.com/btcnode/corechain/internal/utxo"
	"github.com/btcnode/corechain/internal/validator"
	"github.com/btcnode/corechain/internal/work"
	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/primitives"
	"github.com/btcnode/corechain/pkg/tx"
)

// Params are the chain-level rules the manager enforces on top of the
// per-block pipeline: the proof-of-work limit and whether the retarget
// schedule is checked at all (a regtest-style chain runs with
// EnforceRetarget off and accepts any bits at or below PowLimit).
type Params struct {
	PowLimit        *big.Int
	EnforceRetarget bool

	// CoinbaseMaturity is the confirmation depth a coinbase output needs
	// before it may be spent. Zero means the consensus default.
	CoinbaseMaturity uint64
}

// Manager drives the chain state machine. All UTXO mutation funnels
// through its single goroutine (or through SyncOnce, which tests call
// directly); the rest of the node only reads.
type Manager struct {
	params   Params
	index    *chainindex.Index
	sel      *selector.Selector
	invalid  *invalidcache.Cache
	utxos    *utxo.Store
	pipeline *validator.Pipeline
	bodies   ports.BlockBodyProvider
	bus      *eventbus.Bus

	mu  sync.RWMutex
	tip *block.ChainedHeader

	// signal is the auto-reset wakeup: a target-chain change sets it, the
	// Run loop clears it by draining. Capacity one so repeated changes
	// while a sync is in flight coalesce into a single re-check.
	signal chan struct{}
}

// New wires a manager against its collaborators and subscribes it to
// target-chain changes on bus.
func New(params Params, index *chainindex.Index, sel *selector.Selector, invalid *invalidcache.Cache, utxos *utxo.Store, pipeline *validator.Pipeline, bodies ports.BlockBodyProvider, bus *eventbus.Bus) *Manager {
	if params.CoinbaseMaturity == 0 {
		params.CoinbaseMaturity = config.CoinbaseMaturity
	}
	m := &Manager{
		params:   params,
		index:    index,
		sel:      sel,
		invalid:  invalid,
		utxos:    utxos,
		pipeline: pipeline,
		bodies:   bodies,
		bus:      bus,
		signal:   make(chan struct{}, 1),
	}
	bus.OnTargetChainChanged(func(oldTip, newTip primitives.Hash) { m.Notify() })
	return m
}

// Notify wakes the Run loop to re-check the target chain. Non-blocking;
// notifications coalesce.
func (m *Manager) Notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Bootstrap anchors the manager at genesis and reconciles the persisted
// UTXO tip: a fresh store is stamped with the genesis hash (the genesis
// block itself is never applied — its coinbase is not spendable), and an
// existing store's tip must resolve in the header index.
func (m *Manager) Bootstrap(genesis *block.ChainedHeader) error {
	var tipHash primitives.Hash
	err := utxo.WithCursor(m.utxos, true, func(c *utxo.Cursor) error {
		h, err := c.ChainTip()
		if err != nil {
			return err
		}
		if h.IsZero() {
			h = genesis.Hash()
			if err := c.SetChainTip(h); err != nil {
				return err
			}
		}
		tipHash = h
		return nil
	})
	if err != nil {
		return err
	}

	tip, err := m.index.Get(tipHash)
	if err != nil {
		return fmt.Errorf("%w: UTXO chain_tip %s is not in the header index", storage.ErrCorrupt, tipHash)
	}

	m.mu.Lock()
	m.tip = tip
	m.mu.Unlock()
	return nil
}

// Tip returns the current chain tip.
func (m *Manager) Tip() *block.ChainedHeader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tip
}

// Run is the manager's long-lived reactor: it blocks on the target-changed
// signal and synchronizes the chain state to the selector's target. It
// returns when ctx is cancelled (pausing at the next block boundary, never
// mid-commit) or on a fatal consistency error.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.signal:
			if err := m.SyncOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				log.ChainState.Error().Err(err).Msg("chain state sync failed")
				if errors.Is(err, storage.ErrCorrupt) {
					return err
				}
			}
		}
	}
}

// SyncOnce synchronizes the chain state to the selector's current target,
// looping internally when a failed advance block shifts the target to a
// shorter candidate. Missing block bodies defer the reorg: SyncOnce
// returns nil and runs again when the ingest side re-notifies.
func (m *Manager) SyncOnce(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		target := m.sel.BestTip()
		tip := m.Tip()
		if target == nil || tip == nil || target.Hash() == tip.Hash() {
			return nil
		}

		rewind, advance, err := m.plan(tip, target)
		if err != nil {
			return err
		}

		for _, h := range rewind {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := m.unwindBlock(ctx, h); err != nil {
				if errors.Is(err, ports.ErrMissingData) {
					return nil
				}
				return err
			}
		}

		retry := false
		for _, h := range advance {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := m.applyBlock(ctx, h)
			switch {
			case err == nil:
			case errors.Is(err, ports.ErrMissingData):
				return nil
			default:
				var verr *validator.ValidationError
				if errors.As(err, &verr) {
					if addErr := m.invalid.Add(h.Hash(), verr.Error()); addErr != nil {
						return addErr
					}
					retry = true
				} else {
					return err
				}
			}
			if retry {
				break
			}
		}
		if retry {
			continue
		}

		m.bus.PublishChainTipAdvanced(m.Tip())
		return nil
	}
}

// plan computes the reorg plan between tip and target: the rewind list
// (tip down to, excluding, the common ancestor — deepest first means
// tip-first here) and the advance list (ancestor-exclusive up to target,
// lowest height first).
func (m *Manager) plan(tip, target *block.ChainedHeader) (rewind, advance []*block.ChainedHeader, err error) {
	ancestor, err := m.index.FindCommonAncestor(tip.Hash(), target.Hash())
	if err != nil {
		return nil, nil, err
	}
	ancestorHash := ancestor.Hash()

	for h := range m.index.WalkAncestors(tip.Hash()) {
		if h.Hash() == ancestorHash {
			break
		}
		rewind = append(rewind, h)
	}
	for h := range m.index.WalkAncestors(target.Hash()) {
		if h.Hash() == ancestorHash {
			break
		}
		advance = append(advance, h)
	}
	for i, j := 0, len(advance)-1; i < j; i, j = i+1, j-1 {
		advance[i], advance[j] = advance[j], advance[i]
	}
	return rewind, advance, nil
}

// applyBlock validates one advance block and, on success, applies it
// forward under a single UTXO transaction: spend prev-outputs, create the
// block's outputs, persist the undo record, and advance the stored tip.
func (m *Manager) applyBlock(ctx context.Context, ch *block.ChainedHeader) error {
	blockHash := ch.Hash()
	blk, err := m.bodies.Fetch(ctx, blockHash)
	if err != nil {
		return err
	}

	if err := m.checkDifficulty(ch); err != nil {
		return err
	}

	vtxs, err := m.resolveBlock(blk, ch.Height)
	if err != nil {
		return err
	}

	result, err := m.pipeline.Validate(ctx, blockHash, blk.Header, ch.Height, vtxs)
	if err != nil {
		return err
	}
	if err := m.checkWholeBlock(ch, result); err != nil {
		return err
	}

	undo := &undoRecord{}
	err = utxo.WithCursor(m.utxos, true, func(c *utxo.Cursor) error {
		stored, err := c.ChainTip()
		if err != nil {
			return err
		}
		if stored != blk.Header.PrevHash {
			return fmt.Errorf("%w: applying %s over tip %s, expected parent %s",
				storage.ErrCorrupt, blockHash, stored, blk.Header.PrevHash)
		}

		// A duplicated tx hash that survived validation means the raw list
		// and the deduplicated list share a merkle root; the duplicates are
		// dropped silently and the honest content is what gets applied.
		applied := make(map[primitives.Hash]bool, len(blk.Transactions))
		for i, t := range blk.Transactions {
			txHash := t.Hash()
			if applied[txHash] {
				continue
			}
			applied[txHash] = true
			if !t.IsCoinbase() {
				for _, in := range t.Inputs {
					creator, ok, err := c.TryGetUnspentTx(in.PrevOut.TxHash)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("%w: spend of unindexed output %s in %s",
							storage.ErrCorrupt, in.PrevOut, blockHash)
					}
					out, ok, err := c.TryGetUnspentOutput(in.PrevOut)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("%w: missing output row for %s", storage.ErrCorrupt, in.PrevOut)
					}
					undo.Spends = append(undo.Spends, undoSpend{
						Key:     in.PrevOut,
						Output:  out,
						Creator: *creator,
					})
					if _, err := c.TrySpendOutput(in.PrevOut); err != nil {
						return err
					}
				}
			}

			outputs := make([]*tx.Output, len(t.Outputs))
			for j := range t.Outputs {
				outputs[j] = &t.Outputs[j]
			}
			utxRow := &utxo.UnspentTx{
				BlockHeight:    ch.Height,
				TxIndexInBlock: uint32(i),
				OutputStates:   make([]utxo.OutputState, len(t.Outputs)),
			}
			if err := c.TryAddUnspentTx(txHash, utxRow, outputs); err != nil {
				return err
			}
			undo.Created = append(undo.Created, txHash)
		}

		if err := putUndo(c.Storage(), blockHash, undo); err != nil {
			return err
		}
		return c.SetChainTip(blockHash)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.tip = ch
	m.mu.Unlock()

	log.ChainState.Info().Str("block", blockHash.String()).Uint64("height", ch.Height).
		Uint64("fees", result.TotalFees).Msg("block applied")
	m.bus.PublishBlockApplied(blk, ch.Height)
	return nil
}

// unwindBlock reverse-applies the block at ch from its stored undo record:
// the block's created outputs are deleted and its spent prev-outputs are
// re-credited, all under one UTXO transaction that also rolls the stored
// tip back to the parent. A rewind block found in the invalid-block cache
// means the blacklist was updated after the block was applied; that chain
// state can no longer be trusted and the node must stop.
func (m *Manager) unwindBlock(ctx context.Context, ch *block.ChainedHeader) error {
	blockHash := ch.Hash()
	if m.invalid.Contains(blockHash) {
		return fmt.Errorf("%w: rewind block %s is blacklisted", storage.ErrCorrupt, blockHash)
	}

	blk, err := m.bodies.Fetch(ctx, blockHash)
	if err != nil {
		return err
	}

	err = utxo.WithCursor(m.utxos, true, func(c *utxo.Cursor) error {
		stored, err := c.ChainTip()
		if err != nil {
			return err
		}
		if stored != blockHash {
			return fmt.Errorf("%w: unwinding %s but stored tip is %s", storage.ErrCorrupt, blockHash, stored)
		}

		undo, err := getUndo(c.Storage(), blockHash)
		if err != nil {
			return err
		}

		for _, txHash := range undo.Created {
			if err := c.TryRemoveUnspentTx(txHash); err != nil {
				return err
			}
		}
		// Spends reverse in LIFO order so partially-spent creator rows
		// reconstruct exactly.
		for i := len(undo.Spends) - 1; i >= 0; i-- {
			s := undo.Spends[i]
			if err := c.UnspendOutput(s.Key, &s.Creator, s.Output); err != nil {
				return err
			}
		}

		if err := deleteUndo(c.Storage(), blockHash); err != nil {
			return err
		}
		return c.SetChainTip(blk.Header.PrevHash)
	})
	if err != nil {
		return err
	}

	parent, err := m.index.Get(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("%w: unwound to unindexed parent %s", storage.ErrCorrupt, blk.Header.PrevHash)
	}
	m.mu.Lock()
	m.tip = parent
	m.mu.Unlock()

	log.ChainState.Info().Str("block", blockHash.String()).Uint64("height", ch.Height).Msg("block unwound")
	m.bus.PublishBlockUnwound(blk, ch.Height)
	return nil
}

// resolveBlock turns a block body into the pipeline's ValidatableTx
// stream, resolving each non-coinbase input against the UTXO set — or
// against an earlier transaction in the same block — and enforcing
// coinbase maturity on the resolved outputs.
func (m *Manager) resolveBlock(blk *block.Block, height uint64) ([]validator.ValidatableTx, error) {
	blockHash := blk.Hash()

	type inBlockTx struct {
		t   *tx.Transaction
		idx int
	}
	inBlock := make(map[primitives.Hash]inBlockTx, len(blk.Transactions))

	cur, err := m.utxos.Begin(false)
	if err != nil {
		return nil, err
	}
	defer cur.Rollback()

	vtxs := make([]validator.ValidatableTx, len(blk.Transactions))
	for i, t := range blk.Transactions {
		vt := validator.ValidatableTx{BlockTxIndex: i, Tx: t, TxBytes: t.Encode()}

		if i > 0 && !t.IsCoinbase() {
			vt.PrevOuts = make([]*tx.Output, len(t.Inputs))
			for j, in := range t.Inputs {
				if parent, ok := inBlock[in.PrevOut.TxHash]; ok {
					if int(in.PrevOut.Index) >= len(parent.t.Outputs) {
						return nil, &validator.ValidationError{
							Kind: validator.KindStructuralRule, BlockHash: blockHash, TxIndex: i,
							Detail: fmt.Sprintf("input %s out of range for in-block parent", in.PrevOut),
						}
					}
					if parent.idx == 0 {
						return nil, &validator.ValidationError{
							Kind: validator.KindCoinbaseImmaturity, BlockHash: blockHash, TxIndex: i,
							Detail: "coinbase spent in its own block",
						}
					}
					vt.PrevOuts[j] = &parent.t.Outputs[in.PrevOut.Index]
					continue
				}

				creator, ok, err := cur.TryGetUnspentTx(in.PrevOut.TxHash)
				if err != nil {
					return nil, err
				}
				if !ok || int(in.PrevOut.Index) >= len(creator.OutputStates) ||
					creator.OutputStates[in.PrevOut.Index] == utxo.Spent {
					return nil, &validator.ValidationError{
						Kind: validator.KindStructuralRule, BlockHash: blockHash, TxIndex: i,
						Detail: fmt.Sprintf("input %s missing or already spent", in.PrevOut),
					}
				}
				if creator.TxIndexInBlock == 0 && height-creator.BlockHeight < m.params.CoinbaseMaturity {
					return nil, &validator.ValidationError{
						Kind: validator.KindCoinbaseImmaturity, BlockHash: blockHash, TxIndex: i,
						Detail: fmt.Sprintf("coinbase %s has %d of %d confirmations",
							in.PrevOut.TxHash, height-creator.BlockHeight, m.params.CoinbaseMaturity),
					}
				}
				out, ok, err := cur.TryGetUnspentOutput(in.PrevOut)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, fmt.Errorf("%w: indexed but missing output row %s", storage.ErrCorrupt, in.PrevOut)
				}
				vt.PrevOuts[j] = out
			}
		}

		inBlock[t.Hash()] = inBlockTx{t: t, idx: i}
		vtxs[i] = vt
	}
	return vtxs, nil
}

// checkWholeBlock runs the post-pipeline whole-block rules: the coinbase
// may claim at most subsidy(height) plus the block's fees, and from the
// BIP34 activation height its scriptSig must lead with the block height.
func (m *Manager) checkWholeBlock(ch *block.ChainedHeader, result *validator.Result) error {
	blockHash := ch.Hash()
	if result.CoinbaseTx == nil {
		return &validator.ValidationError{
			Kind: validator.KindStructuralRule, BlockHash: blockHash, TxIndex: 0,
			Detail: "block has no coinbase",
		}
	}

	var claimed uint64
	for _, o := range result.CoinbaseTx.Outputs {
		claimed += o.Value
	}
	allowed := validator.Subsidy(ch.Height) + result.TotalFees
	if claimed > allowed {
		return &validator.ValidationError{
			Kind: validator.KindBadSubsidy, BlockHash: blockHash, TxIndex: 0,
			Detail: fmt.Sprintf("coinbase claims %d, allowed %d", claimed, allowed),
		}
	}

	if ch.Height >= validator.BIP34ActivationHeight {
		encoded, ok := validator.DecodeBIP34Height(result.CoinbaseTx.Inputs[0].ScriptSig)
		if !ok || encoded != ch.Height {
			return &validator.ValidationError{
				Kind: validator.KindStructuralRule, BlockHash: blockHash, TxIndex: 0,
				Detail: fmt.Sprintf("coinbase scriptSig does not encode height %d", ch.Height),
			}
		}
	}
	return nil
}

// checkDifficulty verifies the header's bits against the chain params:
// always within the proof-of-work limit, and — when the retarget schedule
// is enforced — equal to the parent's bits off-boundary and to the
// retargeted value at interval boundaries.
func (m *Manager) checkDifficulty(ch *block.ChainedHeader) error {
	blockHash := ch.Hash()
	target := work.CompactToTarget(ch.Header.Bits)
	if target.Sign() <= 0 || (m.params.PowLimit != nil && target.Cmp(m.params.PowLimit) > 0) {
		return &validator.ValidationError{
			Kind: validator.KindBadDifficulty, BlockHash: blockHash, TxIndex: -1,
			Detail: "target outside proof-of-work limit",
		}
	}
	if !m.params.EnforceRetarget {
		return nil
	}

	parent, err := m.index.Get(ch.Header.PrevHash)
	if err != nil {
		return err
	}

	if !work.IsRetargetHeight(ch.Height) {
		if ch.Header.Bits != parent.Header.Bits {
			return &validator.ValidationError{
				Kind: validator.KindBadDifficulty, BlockHash: blockHash, TxIndex: -1,
				Detail: "bits changed off a retarget boundary",
			}
		}
		return nil
	}

	first, err := m.ancestorAtHeight(parent, ch.Height-work.RetargetInterval)
	if err != nil {
		return err
	}
	actual := int64(parent.Header.Time) - int64(first.Header.Time)
	expected := work.NextTarget(work.CompactToTarget(parent.Header.Bits), actual, m.params.PowLimit)
	if ch.Header.Bits != work.TargetToCompact(expected) {
		return &validator.ValidationError{
			Kind: validator.KindBadDifficulty, BlockHash: blockHash, TxIndex: -1,
			Detail: fmt.Sprintf("bits %08x, retarget schedule requires %08x",
				ch.Header.Bits, work.TargetToCompact(expected)),
		}
	}
	return nil
}

func (m *Manager) ancestorAtHeight(from *block.ChainedHeader, height uint64) (*block.ChainedHeader, error) {
	for h := range m.index.WalkAncestors(from.Hash()) {
		if h.Height == height {
			return h, nil
		}
		if h.Height < height {
			break
		}
	}
	return nil, fmt.Errorf("chainstate: no ancestor of %s at height %d", from.Hash(), height)
}
