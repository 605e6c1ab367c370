// Package utxo implements the persistent set of unspent transaction
// outputs, keyed by (tx_hash, output_index). Each transaction present in
// the set carries a per-output state vector tracking which of its outputs
// remain unspent, so flipping one output's state never copies the output
// payloads themselves.
package utxo

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcnode/corechain/internal/storage"
	"github.com/btcnode/corechain/pkg/primitives"
	"github.com/btcnode/corechain/pkg/tx"
)

// OutputState is the per-output bit the UnspentTx bitmap tracks.
type OutputState uint8

const (
	Unspent OutputState = iota
	Spent
)

var (
	ErrNotFound      = errors.New("utxo: unspent tx not found")
	ErrAlreadySpent  = errors.New("utxo: output already spent")
	ErrIndexOOR      = errors.New("utxo: output index out of range")
	ErrOutputMissing = errors.New("utxo: unspent output not found")
)

// UnspentTx is the per-transaction record: where it was mined, and which of
// its outputs are still unspent. It is removed from the store once every
// output has been spent, or when a reorg unwinds the block that created it.
type UnspentTx struct {
	BlockHeight    uint64
	TxIndexInBlock uint32
	OutputStates   []OutputState
}

// IsFullySpent reports whether every tracked output has been spent.
func (u *UnspentTx) IsFullySpent() bool {
	for _, s := range u.OutputStates {
		if s == Unspent {
			return false
		}
	}
	return true
}

var (
	prefixUnspentTx = []byte("u/t/") // u/t/<txhash(32)> -> json(UnspentTx)
	prefixOutput    = []byte("u/o/") // u/o/<txhash(32)><index(4 BE)> -> json(tx.Output)
	keyChainTip     = []byte("u/s/tip")
	keyTxCount      = []byte("u/s/count")
)

// Store owns the transactional backend the UTXO set is persisted in.
type Store struct {
	backend storage.Backend
}

// New returns a UTXO store backed by backend.
func New(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

// SupportsConcurrentReaders reports the backend's read-isolation model:
// whether read-only cursors observe a snapshot instead of blocking behind
// the writer.
func (s *Store) SupportsConcurrentReaders() bool {
	return s.backend.SupportsConcurrentReaders()
}

// Cursor is the scoped, transactional handle over the UTXO set.
type Cursor struct {
	inner storage.Cursor
}

// Begin opens a UTXO cursor. Callers should prefer WithCursor so the
// cursor is always rolled back on a non-commit exit path.
func (s *Store) Begin(writable bool) (*Cursor, error) {
	c, err := s.backend.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &Cursor{inner: c}, nil
}

// WithCursor begins a UTXO cursor, runs fn, and commits on success or
// rolls back on any error, so no exit path leaks an open transaction.
func WithCursor(s *Store, writable bool, fn func(*Cursor) error) error {
	c, err := s.Begin(writable)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			c.Rollback()
		}
	}()
	if err := fn(c); err != nil {
		return err
	}
	if err := c.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (c *Cursor) Commit() error   { return c.inner.Commit() }
func (c *Cursor) Rollback() error { return c.inner.Rollback() }

// Storage exposes the underlying storage cursor so a caller coordinating a
// block-level transaction can persist its own rows (undo data) atomically
// with the UTXO mutation it drives through this cursor.
func (c *Cursor) Storage() storage.Cursor { return c.inner }

// ChainTip returns the hash this UTXO set was last updated to reflect. The
// zero hash means no block has been applied yet.
func (c *Cursor) ChainTip() (primitives.Hash, error) {
	v, err := c.inner.Get(keyChainTip)
	if errors.Is(err, storage.ErrNotFound) {
		return primitives.Hash{}, nil
	}
	if err != nil {
		return primitives.Hash{}, err
	}
	hash, err := primitives.HexToHash(string(v))
	if err != nil {
		return primitives.Hash{}, fmt.Errorf("%w: corrupt chain_tip: %v", storage.ErrCorrupt, err)
	}
	return hash, nil
}

// SetChainTip records the hash this UTXO set reflects.
func (c *Cursor) SetChainTip(hash primitives.Hash) error {
	return c.inner.Put(keyChainTip, []byte(hash.String()))
}

// UnspentTxCount returns the number of UnspentTx rows currently stored.
func (c *Cursor) UnspentTxCount() (uint64, error) {
	v, err := c.inner.Get(keyTxCount)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("%w: corrupt unspent_tx_count", storage.ErrCorrupt)
	}
	return binary.BigEndian.Uint64(v), nil
}

// SetUnspentTxCount persists the UnspentTx row count.
func (c *Cursor) SetUnspentTxCount(n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return c.inner.Put(keyTxCount, buf[:])
}

func (c *Cursor) bumpTxCount(delta int64) error {
	n, err := c.UnspentTxCount()
	if err != nil {
		return err
	}
	if delta < 0 && uint64(-delta) > n {
		n = 0
	} else {
		n = uint64(int64(n) + delta)
	}
	return c.SetUnspentTxCount(n)
}

// TryGetUnspentTx looks up the UnspentTx record for hash.
func (c *Cursor) TryGetUnspentTx(hash primitives.Hash) (*UnspentTx, bool, error) {
	v, err := c.inner.Get(unspentTxKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var u UnspentTx
	if err := json.Unmarshal(v, &u); err != nil {
		return nil, false, fmt.Errorf("%w: corrupt UnspentTx row for %s: %v", storage.ErrCorrupt, hash, err)
	}
	return &u, true, nil
}

// TryGetUnspentOutput looks up the output payload at key, regardless of
// its spend state.
func (c *Cursor) TryGetUnspentOutput(key primitives.Outpoint) (*tx.Output, bool, error) {
	v, err := c.inner.Get(outputKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var out tx.Output
	if err := json.Unmarshal(v, &out); err != nil {
		return nil, false, fmt.Errorf("%w: corrupt output row for %s: %v", storage.ErrCorrupt, key, err)
	}
	return &out, true, nil
}

// TryGetUnspentOutputIfUnspent resolves key only if its output exists and
// is currently Unspent, returning (nil, false, nil) for a missing
// transaction, an out-of-range index, or an already-spent output. This is
// the one check both the mempool (admission) and the chain state manager
// (prev-output resolution before Stage C) need: "does this key currently
// sit in the UTXO set".
func (c *Cursor) TryGetUnspentOutputIfUnspent(key primitives.Outpoint) (*tx.Output, bool, error) {
	u, ok, err := c.TryGetUnspentTx(key.TxHash)
	if err != nil || !ok {
		return nil, false, err
	}
	if int(key.Index) >= len(u.OutputStates) {
		return nil, false, nil
	}
	if u.OutputStates[key.Index] == Spent {
		return nil, false, nil
	}
	return c.TryGetUnspentOutput(key)
}

// TryAddUnspentTx inserts a newly created transaction's outputs into the
// store, all initially Unspent. outputs must be the same length as
// utx.OutputStates.
func (c *Cursor) TryAddUnspentTx(hash primitives.Hash, utx *UnspentTx, outputs []*tx.Output) error {
	if len(outputs) != len(utx.OutputStates) {
		return fmt.Errorf("utxo: %d outputs but %d output states", len(outputs), len(utx.OutputStates))
	}

	data, err := json.Marshal(utx)
	if err != nil {
		return fmt.Errorf("utxo: marshal UnspentTx: %w", err)
	}
	if err := c.inner.Put(unspentTxKey(hash), data); err != nil {
		return err
	}
	for i, o := range outputs {
		od, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("utxo: marshal output: %w", err)
		}
		key := primitives.Outpoint{TxHash: hash, Index: uint32(i)}
		if err := c.inner.Put(outputKey(key), od); err != nil {
			return err
		}
	}
	return c.bumpTxCount(1)
}

// TrySpendOutput flips the output at key from Unspent to Spent, returning
// its previous state. If the transaction no longer has any unspent output
// afterward, the UnspentTx record and its output rows are removed entirely.
func (c *Cursor) TrySpendOutput(key primitives.Outpoint) (previous OutputState, err error) {
	u, ok, err := c.TryGetUnspentTx(key.TxHash)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key.TxHash)
	}
	if int(key.Index) >= len(u.OutputStates) {
		return 0, fmt.Errorf("%w: index %d, tx has %d outputs", ErrIndexOOR, key.Index, len(u.OutputStates))
	}

	previous = u.OutputStates[key.Index]
	if previous == Spent {
		return previous, fmt.Errorf("%w: %s", ErrAlreadySpent, key)
	}
	u.OutputStates[key.Index] = Spent

	if u.IsFullySpent() {
		return previous, c.removeUnspentTx(key.TxHash, u)
	}

	data, err := json.Marshal(u)
	if err != nil {
		return previous, fmt.Errorf("utxo: marshal UnspentTx: %w", err)
	}
	return previous, c.inner.Put(unspentTxKey(key.TxHash), data)
}

// UnspendOutput reverses a prior TrySpendOutput of key during reorg
// unwind: the output's state returns to Unspent and its payload row is
// re-put. If the spend had fully spent the creating transaction (removing
// its UnspentTx record), the record is recreated from creator — every
// output Spent except key.Index — which is exact as long as the unwind
// replays a block's spends in reverse order.
func (c *Cursor) UnspendOutput(key primitives.Outpoint, creator *UnspentTx, out *tx.Output) error {
	u, ok, err := c.TryGetUnspentTx(key.TxHash)
	if err != nil {
		return err
	}
	if !ok {
		u = &UnspentTx{
			BlockHeight:    creator.BlockHeight,
			TxIndexInBlock: creator.TxIndexInBlock,
			OutputStates:   make([]OutputState, len(creator.OutputStates)),
		}
		for i := range u.OutputStates {
			u.OutputStates[i] = Spent
		}
		if err := c.bumpTxCount(1); err != nil {
			return err
		}
	}
	if int(key.Index) >= len(u.OutputStates) {
		return fmt.Errorf("%w: index %d, tx has %d outputs", ErrIndexOOR, key.Index, len(u.OutputStates))
	}
	if u.OutputStates[key.Index] == Unspent {
		return fmt.Errorf("%w: unspend of already-unspent output %s", storage.ErrCorrupt, key)
	}
	u.OutputStates[key.Index] = Unspent

	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("utxo: marshal UnspentTx: %w", err)
	}
	if err := c.inner.Put(unspentTxKey(key.TxHash), data); err != nil {
		return err
	}
	od, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("utxo: marshal output: %w", err)
	}
	return c.inner.Put(outputKey(key), od)
}

// TryRemoveUnspentTx unconditionally removes hash's UnspentTx record and
// all of its output rows, used by reorg unwind to prune a transaction
// whose creating block is being disconnected.
func (c *Cursor) TryRemoveUnspentTx(hash primitives.Hash) error {
	u, ok, err := c.TryGetUnspentTx(hash)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return c.removeUnspentTx(hash, u)
}

func (c *Cursor) removeUnspentTx(hash primitives.Hash, u *UnspentTx) error {
	for i := range u.OutputStates {
		key := primitives.Outpoint{TxHash: hash, Index: uint32(i)}
		if err := c.inner.Delete(outputKey(key)); err != nil {
			return err
		}
	}
	if err := c.inner.Delete(unspentTxKey(hash)); err != nil {
		return err
	}
	return c.bumpTxCount(-1)
}

// ForEachUnspentTx iterates every UnspentTx row, for supply recomputation
// and diagnostics.
func (c *Cursor) ForEachUnspentTx(fn func(hash primitives.Hash, u *UnspentTx) error) error {
	return c.inner.ForEach(prefixUnspentTx, func(key, value []byte) error {
		var hash primitives.Hash
		copy(hash[:], key[len(prefixUnspentTx):])
		var u UnspentTx
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("%w: corrupt UnspentTx row: %v", storage.ErrCorrupt, err)
		}
		return fn(hash, &u)
	})
}

func unspentTxKey(hash primitives.Hash) []byte {
	key := make([]byte, len(prefixUnspentTx)+primitives.HashSize)
	copy(key, prefixUnspentTx)
	copy(key[len(prefixUnspentTx):], hash[:])
	return key
}

func outputKey(key primitives.Outpoint) []byte {
	out := make([]byte, len(prefixOutput)+primitives.HashSize+4)
	copy(out, prefixOutput)
	copy(out[len(prefixOutput):], key.TxHash[:])
	binary.BigEndian.PutUint32(out[len(prefixOutput)+primitives.HashSize:], key.Index)
	return out
}
