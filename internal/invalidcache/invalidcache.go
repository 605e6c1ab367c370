// Package invalidcache implements the durable blacklist of block hashes
// that failed validation, with an optional human-readable reason. The
// target chain selector consults it to keep invalid ancestry out of the
// target chain; additions are announced on the event bus so both the
// selector and the chain state manager can react.
package invalidcache

import (
	"sync"

	"github.com/btcnode/corechain/internal/eventbus"
	"github.com/btcnode/corechain/internal/storage"
	"github.com/btcnode/corechain/pkg/primitives"
)

var prefixInvalid = []byte("c/b/") // c/b/<hash(32)> -> reason (UTF-8, may be empty)

// Cache is a durable, concurrent hash set of invalid block hashes.
type Cache struct {
	backend storage.Backend
	bus     *eventbus.Bus

	mu     sync.RWMutex
	reason map[primitives.Hash]string
}

// New returns an invalid-block cache backed by backend, publishing
// additions on bus.
func New(backend storage.Backend, bus *eventbus.Bus) *Cache {
	return &Cache{
		backend: backend,
		bus:     bus,
		reason:  make(map[primitives.Hash]string),
	}
}

// Load replays the persisted blacklist into the in-memory set, for use on
// startup.
func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return storage.WithCursor(c.backend, false, func(cur storage.Cursor) error {
		return cur.ForEach(prefixInvalid, func(key, value []byte) error {
			var hash primitives.Hash
			copy(hash[:], key[len(prefixInvalid):])
			c.reason[hash] = string(value)
			return nil
		})
	})
}

// Contains reports whether hash has been blacklisted.
func (c *Cache) Contains(hash primitives.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.reason[hash]
	return ok
}

// Reason returns the recorded reason for hash's blacklisting, if any.
func (c *Cache) Reason(hash primitives.Hash) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reason[hash]
	return r, ok
}

// Add blacklists hash with the given reason. Re-adding an already
// blacklisted hash is a no-op that does not re-fire the event, so a
// transitively-tainted descendant discovered by more than one caller
// doesn't flood subscribers.
func (c *Cache) Add(hash primitives.Hash, reason string) error {
	c.mu.Lock()
	if _, already := c.reason[hash]; already {
		c.mu.Unlock()
		return nil
	}
	c.reason[hash] = reason
	c.mu.Unlock()

	if err := storage.WithCursor(c.backend, true, func(cur storage.Cursor) error {
		return cur.Put(invalidKey(hash), []byte(reason))
	}); err != nil {
		return err
	}

	c.bus.PublishBlockInvalidated(hash, reason)
	return nil
}

func invalidKey(hash primitives.Hash) []byte {
	key := make([]byte, len(prefixInvalid)+primitives.HashSize)
	copy(key, prefixInvalid)
	copy(key[len(prefixInvalid):], hash[:])
	return key
}
