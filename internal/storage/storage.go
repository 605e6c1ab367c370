// Package storage abstracts the persistence back-end behind a
// transactional cursor contract, so the chain index, UTXO store, mempool,
// and invalid-block cache can all be driven by either a real disk engine
// (Badger) or an in-memory fake for tests without knowing which.
package storage

import "errors"

// ErrNotFound is returned by Cursor.Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// ErrCorrupt signals a fatal consistency violation: an invariant was
// broken between stores (e.g. a tip mismatch, or an indexed-but-missing
// row).
// It is fatal — callers must stop and signal the operator, never recover
// locally.
var ErrCorrupt = errors.New("storage: invariant violated, store is corrupt")

// errReadOnly is returned by a read-only Cursor's Put/Delete.
var errReadOnly = errors.New("storage: cursor opened read-only")

// Backend opens transactional cursors over a keyspace.
type Backend interface {
	// Begin starts a new transaction. writable=false opens a read-only
	// cursor; at most one writable cursor may be open at a time.
	Begin(writable bool) (Cursor, error)

	// SupportsConcurrentReaders reports whether read-only cursors observe
	// a serializable snapshot that never blocks (or is blocked by) a
	// concurrent writer. Badger reports true; the in-memory backend
	// reports false (its readers are excluded by the writer's lock).
	SupportsConcurrentReaders() bool

	Close() error
}

// Cursor is the scoped, transactional handle every store runs on: begin,
// read/write operations, then exactly one of Commit or Rollback. Callers
// should use WithCursor so a panic or early return always rolls back
// instead of leaking an open transaction.
type Cursor interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)

	// ForEach iterates all keys sharing prefix in ascending key order. The
	// value slice passed to the callback may alias backend storage and is
	// valid only for the duration of the call; returning a non-nil error
	// stops iteration and is propagated to the caller.
	ForEach(prefix []byte, fn func(key, value []byte) error) error

	Commit() error
	Rollback() error
}

// WithCursor begins a transaction, invokes fn, commits on success, and
// rolls back on any error — including a panic, which it re-raises after
// rolling back.
func WithCursor(b Backend, writable bool, fn func(Cursor) error) (err error) {
	c, err := b.Begin(writable)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = c.Rollback()
		}
	}()

	if err = fn(c); err != nil {
		return err
	}
	if err = c.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
