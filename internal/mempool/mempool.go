// Package mempool manages unconfirmed transactions waiting for block
// inclusion: a map from tx hash to UnconfirmedTx plus a secondary index
// from spent outpoint to the set of pool transactions spending it. The
// pool reacts to block application by removing confirmed transactions and
// evicting conflicts, and to block unwinding by reporting the unwound
// transactions as re-admission candidates.
package mempool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcnode/corechain/config"
	"github.com/btcnode/corechain/internal/eventbus"
	"github.com/btcnode/corechain/internal/log"
	"github.com/btcnode/corechain/internal/storage"
	"github.com/btcnode/corechain/internal/utxo"
	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/primitives"
	"github.com/btcnode/corechain/pkg/tx"
)

// Admission rejections. These are verdicts, not faults: TryAdd returns
// them as a negative answer and the node carries on.
var (
	ErrAlreadyExists   = errors.New("mempool: transaction already in pool")
	ErrCoinbase        = errors.New("mempool: coinbase transactions are never relayed unconfirmed")
	ErrMissingInput    = errors.New("mempool: input does not resolve to an unspent output")
	ErrSelfDoubleSpend = errors.New("mempool: input appears twice within the transaction")
	ErrInsufficientIn  = errors.New("mempool: inputs less than outputs")
	ErrOverflow        = errors.New("mempool: value out of range")
)

// UnconfirmedTx is a validated transaction admitted to the pool, with its
// resolved previous outputs cached so re-validation after a reorg doesn't
// have to touch the UTXO store again, and the time it was admitted.
type UnconfirmedTx struct {
	Tx       *tx.Transaction
	PrevOuts []*tx.Output // parallel to Tx.Inputs
	Fee      uint64
	AddedAt  time.Time
}

var (
	prefixEntry = []byte("m/t/") // m/t/<txhash(32)> -> json(storedEntry)
	prefixSpend = []byte("m/i/") // m/i/<txhash(32)><index(4 BE)><spender(32)> -> nil
	keyChainTip = []byte("m/s/tip")
)

// Pool holds unconfirmed transactions consistent with the UTXO set at the
// recorded chain tip.
//
// Locking: updateMu is the coarse update-lock serializing block-apply and
// block-unwind against admission; TryAdd takes it as a reader when the
// storage backend supports concurrent readers and as a writer otherwise.
// stateMu guards the in-memory maps (several TryAdds may hold updateMu.R
// at once). commitMu is held briefly while the durable chain tip and the
// in-memory tip pointer are swapped together, so a reader never observes a
// tip that disagrees with the persisted state.
type Pool struct {
	backend storage.Backend
	utxos   *utxo.Store
	bus     *eventbus.Bus

	updateMu sync.RWMutex
	commitMu sync.Mutex

	stateMu sync.RWMutex
	txs     map[primitives.Hash]*UnconfirmedTx
	spends  map[primitives.Outpoint]map[primitives.Hash]struct{}
	tip     primitives.Hash
}

// New returns an empty pool persisted in backend, admitting against the
// given UTXO store and publishing on bus.
func New(backend storage.Backend, utxos *utxo.Store, bus *eventbus.Bus) *Pool {
	return &Pool{
		backend: backend,
		utxos:   utxos,
		bus:     bus,
		txs:     make(map[primitives.Hash]*UnconfirmedTx),
		spends:  make(map[primitives.Outpoint]map[primitives.Hash]struct{}),
	}
}

// storedEntry is the persisted form of an UnconfirmedTx. The transaction
// travels as its canonical encoding so the stored row round-trips through
// the same codec as everything else.
type storedEntry struct {
	TxBytes  []byte       `json:"tx_bytes"`
	PrevOuts []*tx.Output `json:"prev_outs"`
	Fee      uint64       `json:"fee"`
	AddedAt  time.Time    `json:"added_at"`
}

// TryAdd validates t against a consistent UTXO snapshot and, on success,
// inserts it into the pool and the spend index, persists it, and fires the
// tx-added event. Rejections come back as one of the Err* verdicts above.
func (p *Pool) TryAdd(t *tx.Transaction) (*UnconfirmedTx, error) {
	if p.utxos.SupportsConcurrentReaders() {
		p.updateMu.RLock()
		defer p.updateMu.RUnlock()
	} else {
		p.updateMu.Lock()
		defer p.updateMu.Unlock()
	}

	if t.IsCoinbase() {
		return nil, ErrCoinbase
	}

	txHash := t.Hash()
	p.stateMu.RLock()
	_, exists := p.txs[txHash]
	p.stateMu.RUnlock()
	if exists {
		return nil, ErrAlreadyExists
	}

	seen := make(map[primitives.Outpoint]bool, len(t.Inputs))
	for _, in := range t.Inputs {
		if in.IsCoinbase() {
			return nil, ErrCoinbase
		}
		if seen[in.PrevOut] {
			return nil, fmt.Errorf("%w: %s", ErrSelfDoubleSpend, in.PrevOut)
		}
		seen[in.PrevOut] = true
	}

	// Resolve every input against one read cursor, so the whole admission
	// sees a single consistent view of the UTXO set.
	prevOuts := make([]*tx.Output, len(t.Inputs))
	var inputSum uint64
	cur, err := p.utxos.Begin(false)
	if err != nil {
		return nil, err
	}
	resolveErr := func() error {
		for i, in := range t.Inputs {
			out, ok, err := cur.TryGetUnspentOutputIfUnspent(in.PrevOut)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrMissingInput, in.PrevOut)
			}
			prevOuts[i] = out
			if inputSum > config.MaxMoney-out.Value {
				return ErrOverflow
			}
			inputSum += out.Value
		}
		return nil
	}()
	cur.Rollback()
	if resolveErr != nil {
		return nil, resolveErr
	}

	var outputSum uint64
	for _, o := range t.Outputs {
		if o.Value > config.MaxMoney || outputSum > config.MaxMoney-o.Value {
			return nil, ErrOverflow
		}
		outputSum += o.Value
	}
	if inputSum < outputSum {
		return nil, fmt.Errorf("%w: in %d, out %d", ErrInsufficientIn, inputSum, outputSum)
	}

	entry := &UnconfirmedTx{
		Tx:       t,
		PrevOuts: prevOuts,
		Fee:      inputSum - outputSum,
		AddedAt:  time.Now().UTC(),
	}

	if err := storage.WithCursor(p.backend, true, func(c storage.Cursor) error {
		return putEntry(c, txHash, entry)
	}); err != nil {
		return nil, err
	}

	p.stateMu.Lock()
	p.txs[txHash] = entry
	for _, in := range t.Inputs {
		set, ok := p.spends[in.PrevOut]
		if !ok {
			set = make(map[primitives.Hash]struct{})
			p.spends[in.PrevOut] = set
		}
		set[txHash] = struct{}{}
	}
	p.stateMu.Unlock()

	p.bus.PublishTxAdded(t)
	return entry, nil
}

// GetSpending returns the set of pool transactions currently spending key.
func (p *Pool) GetSpending(key primitives.Outpoint) []primitives.Hash {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	set := p.spends[key]
	out := make([]primitives.Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// Has reports whether txHash is in the pool.
func (p *Pool) Has(txHash primitives.Hash) bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	_, ok := p.txs[txHash]
	return ok
}

// Get returns the UnconfirmedTx for txHash, if present.
func (p *Pool) Get(txHash primitives.Hash) (*UnconfirmedTx, bool) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	e, ok := p.txs[txHash]
	return e, ok
}

// Count returns the number of transactions in the pool.
func (p *Pool) Count() int {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return len(p.txs)
}

// ChainTip returns the tip hash the pool's state was last reconciled to.
func (p *Pool) ChainTip() primitives.Hash {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.tip
}

// OnBlockApplied reconciles the pool with a newly applied block: every
// block transaction present in the pool is removed as confirmed, and every
// pool transaction spending a previous output the block consumed is
// evicted as a conflict (it can never confirm now). The durable chain tip
// and the in-memory tip swap together under the commit lock.
func (p *Pool) OnBlockApplied(blk *block.Block, height uint64) error {
	confirmed, _, err := p.reconcileApplied(blk, height)
	if err != nil {
		return err
	}
	// Events fire outside the update lock so a subscriber may call back
	// into TryAdd.
	if len(confirmed) > 0 {
		p.bus.PublishTxesConfirmed(confirmed)
	}
	return nil
}

func (p *Pool) reconcileApplied(blk *block.Block, height uint64) (confirmed, conflicts []*tx.Transaction, err error) {
	p.updateMu.Lock()
	defer p.updateMu.Unlock()

	p.stateMu.Lock()
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		if e, ok := p.txs[txHash]; ok {
			p.removeLocked(txHash, e)
			confirmed = append(confirmed, e.Tx)
		}
		if t.IsCoinbase() {
			continue
		}
		for _, in := range t.Inputs {
			for spender := range p.spends[in.PrevOut] {
				if e, ok := p.txs[spender]; ok {
					p.removeLocked(spender, e)
					conflicts = append(conflicts, e.Tx)
				}
			}
		}
	}
	p.stateMu.Unlock()

	if err := p.commitTip(blk.Hash(), confirmed, conflicts); err != nil {
		return nil, nil, err
	}

	if len(conflicts) > 0 {
		log.Mempool.Debug().Int("count", len(conflicts)).Uint64("height", height).
			Msg("evicted double-spend conflicts on block apply")
	}
	return confirmed, conflicts, nil
}

// OnBlockUnwound reconciles the pool with an unwound block. Pool
// transactions spending outputs the block created are evicted (their
// inputs no longer exist), and the block's own non-coinbase transactions
// are reported as candidates for re-admission — the subscriber decides
// whether to TryAdd them back.
func (p *Pool) OnBlockUnwound(blk *block.Block, height uint64) error {
	orphaned, err := p.reconcileUnwound(blk)
	if err != nil {
		return err
	}

	candidates := make([]*tx.Transaction, 0, len(blk.Transactions))
	for _, t := range blk.Transactions {
		if !t.IsCoinbase() {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) > 0 || len(orphaned) > 0 {
		p.bus.PublishTxesUnconfirmed(append(candidates, orphaned...))
	}
	return nil
}

func (p *Pool) reconcileUnwound(blk *block.Block) ([]*tx.Transaction, error) {
	p.updateMu.Lock()
	defer p.updateMu.Unlock()

	var orphaned []*tx.Transaction

	p.stateMu.Lock()
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		for i := range t.Outputs {
			created := primitives.Outpoint{TxHash: txHash, Index: uint32(i)}
			for spender := range p.spends[created] {
				if e, ok := p.txs[spender]; ok {
					p.removeLocked(spender, e)
					orphaned = append(orphaned, e.Tx)
				}
			}
		}
	}
	p.stateMu.Unlock()

	if err := p.commitTip(blk.Header.PrevHash, nil, orphaned); err != nil {
		return nil, err
	}
	return orphaned, nil
}

// commitTip persists the removals and the new chain tip in one storage
// transaction, then swaps the in-memory tip under the commit lock.
func (p *Pool) commitTip(tip primitives.Hash, removedA, removedB []*tx.Transaction) error {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	err := storage.WithCursor(p.backend, true, func(c storage.Cursor) error {
		for _, t := range removedA {
			if err := deleteEntry(c, t); err != nil {
				return err
			}
		}
		for _, t := range removedB {
			if err := deleteEntry(c, t); err != nil {
				return err
			}
		}
		return c.Put(keyChainTip, []byte(tip.String()))
	})
	if err != nil {
		return err
	}

	p.stateMu.Lock()
	p.tip = tip
	p.stateMu.Unlock()
	return nil
}

// Load replays the persisted pool into memory, for use on startup. The
// spend index is rebuilt from the entries rather than read back, since the
// entries are authoritative.
func (p *Pool) Load() error {
	p.updateMu.Lock()
	defer p.updateMu.Unlock()
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	return storage.WithCursor(p.backend, false, func(c storage.Cursor) error {
		if v, err := c.Get(keyChainTip); err == nil {
			tip, err := primitives.HexToHash(string(v))
			if err != nil {
				return fmt.Errorf("%w: corrupt mempool chain_tip: %v", storage.ErrCorrupt, err)
			}
			p.tip = tip
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		return c.ForEach(prefixEntry, func(key, value []byte) error {
			e, txHash, err := decodeEntry(value)
			if err != nil {
				return err
			}
			p.txs[txHash] = e
			for _, in := range e.Tx.Inputs {
				set, ok := p.spends[in.PrevOut]
				if !ok {
					set = make(map[primitives.Hash]struct{})
					p.spends[in.PrevOut] = set
				}
				set[txHash] = struct{}{}
			}
			return nil
		})
	})
}

// removeLocked drops txHash from the pool and the spend index. Caller
// holds stateMu.
func (p *Pool) removeLocked(txHash primitives.Hash, e *UnconfirmedTx) {
	for _, in := range e.Tx.Inputs {
		if set, ok := p.spends[in.PrevOut]; ok {
			delete(set, txHash)
			if len(set) == 0 {
				delete(p.spends, in.PrevOut)
			}
		}
	}
	delete(p.txs, txHash)
}

func putEntry(c storage.Cursor, txHash primitives.Hash, e *UnconfirmedTx) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err := c.Put(entryKey(txHash), data); err != nil {
		return err
	}
	for _, in := range e.Tx.Inputs {
		if err := c.Put(spendKey(in.PrevOut, txHash), nil); err != nil {
			return err
		}
	}
	return nil
}

func deleteEntry(c storage.Cursor, t *tx.Transaction) error {
	txHash := t.Hash()
	if err := c.Delete(entryKey(txHash)); err != nil {
		return err
	}
	for _, in := range t.Inputs {
		if err := c.Delete(spendKey(in.PrevOut, txHash)); err != nil {
			return err
		}
	}
	return nil
}

func entryKey(txHash primitives.Hash) []byte {
	key := make([]byte, len(prefixEntry)+primitives.HashSize)
	copy(key, prefixEntry)
	copy(key[len(prefixEntry):], txHash[:])
	return key
}

func spendKey(out primitives.Outpoint, spender primitives.Hash) []byte {
	key := make([]byte, len(prefixSpend)+primitives.HashSize+4+primitives.HashSize)
	copy(key, prefixSpend)
	off := len(prefixSpend)
	copy(key[off:], out.TxHash[:])
	off += primitives.HashSize
	binary.BigEndian.PutUint32(key[off:], out.Index)
	off += 4
	copy(key[off:], spender[:])
	return key
}
