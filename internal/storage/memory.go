package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryBackend implements Backend over an in-memory map, for tests and
// throwaway deployments with no persistence engine. A single RWMutex gives
// it a single-writer/multiple-reader discipline: a writable cursor
// excludes everyone else until Commit or Rollback, and
// read-only cursors run concurrently with each other but block behind a
// live writer rather than seeing a true MVCC snapshot.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Begin acquires the backend's lock for the duration of the cursor's
// lifetime (until Commit/Rollback releases it). A writable cursor stages
// its writes in memory and only applies them to the backing map on
// Commit, so Rollback can discard them cleanly.
func (m *MemoryBackend) Begin(writable bool) (Cursor, error) {
	if writable {
		m.mu.Lock()
	} else {
		m.mu.RLock()
	}
	return &memoryCursor{
		backend:  m,
		writable: writable,
		staged:   make(map[string]*memOp),
	}, nil
}

// SupportsConcurrentReaders is false: a read-only cursor here blocks (and
// is blocked by) the single writer, rather than observing an isolated
// snapshot the way Badger's does.
func (m *MemoryBackend) SupportsConcurrentReaders() bool { return false }

func (m *MemoryBackend) Close() error { return nil }

type memOp struct {
	deleted bool
	value   []byte
}

type memoryCursor struct {
	backend  *MemoryBackend
	writable bool
	staged   map[string]*memOp
	done     bool
}

func (c *memoryCursor) Get(key []byte) ([]byte, error) {
	if op, ok := c.staged[string(key)]; ok {
		if op.deleted {
			return nil, ErrNotFound
		}
		return op.value, nil
	}
	v, ok := c.backend.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (c *memoryCursor) Put(key, value []byte) error {
	if !c.writable {
		return errReadOnly
	}
	v := make([]byte, len(value))
	copy(v, value)
	c.staged[string(key)] = &memOp{value: v}
	return nil
}

func (c *memoryCursor) Delete(key []byte) error {
	if !c.writable {
		return errReadOnly
	}
	c.staged[string(key)] = &memOp{deleted: true}
	return nil
}

func (c *memoryCursor) Has(key []byte) (bool, error) {
	if op, ok := c.staged[string(key)]; ok {
		return !op.deleted, nil
	}
	_, ok := c.backend.data[string(key)]
	return ok, nil
}

// ForEach merges the staged writes over the backing map and walks the
// result in ascending key order, matching the Cursor contract the Badger
// backend gets for free from its sorted iterator.
func (c *memoryCursor) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	merged := make(map[string][]byte)

	for k, v := range c.backend.data {
		if strings.HasPrefix(k, p) {
			merged[k] = v
		}
	}
	for k, op := range c.staged {
		if !strings.HasPrefix(k, p) {
			continue
		}
		if op.deleted {
			delete(merged, k)
		} else {
			merged[k] = op.value
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

func (c *memoryCursor) Commit() error {
	if c.done {
		return nil
	}
	c.done = true
	if c.writable {
		defer c.backend.mu.Unlock()
		for k, op := range c.staged {
			if op.deleted {
				delete(c.backend.data, k)
			} else {
				c.backend.data[k] = op.value
			}
		}
	} else {
		defer c.backend.mu.RUnlock()
	}
	return nil
}

func (c *memoryCursor) Rollback() error {
	if c.done {
		return nil
	}
	c.done = true
	if c.writable {
		c.backend.mu.Unlock()
	} else {
		c.backend.mu.RUnlock()
	}
	return nil
}
