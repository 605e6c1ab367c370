package storage

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend implements Backend on top of Badger, a transactional,
// MVCC-snapshotted KV engine. Its native *badger.Txn already gives exactly
// the begin/commit/rollback scope the Cursor contract asks for, so a
// badgerCursor is a thin wrapper rather than a from-scratch transaction
// log.
type BadgerBackend struct {
	db *badger.DB
}

// NewBadger opens (or creates) a Badger database at path.
func NewBadger(path string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Cannot acquire directory lock") ||
			strings.Contains(errMsg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("database at %s is locked by another process (is another corenode instance running?): %w", path, err)
		}
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}
	return &BadgerBackend{db: db}, nil
}

// Begin opens a Badger transaction. writable transactions conflict-check on
// Commit; Badger serializes all writers internally, so only one writable
// cursor can be usefully in flight at a time.
func (b *BadgerBackend) Begin(writable bool) (Cursor, error) {
	return &badgerCursor{txn: b.db.NewTransaction(writable)}, nil
}

// SupportsConcurrentReaders is true: Badger read-only transactions see a
// consistent point-in-time snapshot and never block, or are blocked by, a
// concurrent writer.
func (b *BadgerBackend) SupportsConcurrentReaders() bool { return true }

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

type badgerCursor struct {
	txn  *badger.Txn
	done bool
}

func (c *badgerCursor) Get(key []byte) ([]byte, error) {
	item, err := c.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return item.ValueCopy(nil)
}

func (c *badgerCursor) Put(key, value []byte) error {
	if err := c.txn.Set(key, value); err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

func (c *badgerCursor) Delete(key []byte) error {
	if err := c.txn.Delete(key); err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

func (c *badgerCursor) Has(key []byte) (bool, error) {
	_, err := c.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger has: %w", err)
	}
	return true, nil
}

func (c *badgerCursor) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := c.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		err := item.Value(func(val []byte) error {
			return fn(key, val)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *badgerCursor) Commit() error {
	if c.done {
		return nil
	}
	c.done = true
	if err := c.txn.Commit(); err != nil {
		return fmt.Errorf("badger commit: %w", err)
	}
	return nil
}

func (c *badgerCursor) Rollback() error {
	if c.done {
		return nil
	}
	c.done = true
	c.txn.Discard()
	return nil
}
