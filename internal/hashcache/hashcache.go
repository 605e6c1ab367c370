// Package hashcache memoizes script-verification verdicts so a
// (tx hash, input index, scriptPubKey, scriptSig, flags) tuple that recurs — most commonly an
// unconfirmed mempool transaction that gets re-validated as part of a
// freshly mined block — isn't sent through the script verifier twice.
//
// It is purely a performance memo: nothing about consensus validity
// depends on it, so it is the one place the module fingerprints with
// zeebo/blake3 instead of the consensus double-SHA256 in pkg/chainhash —
// a non-consensus fingerprint never needs to be byte-compatible with
// anything else.
package hashcache

import (
	"encoding/binary"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/btcnode/corechain/pkg/primitives"
)

// Fingerprint identifies one verification tuple: the exact script pair
// being checked for one input of one transaction, under one set of flags.
type Fingerprint [32]byte

// Sum computes the fingerprint for a single input's script verification.
func Sum(txHash primitives.Hash, inputIndex int, scriptPubKey, scriptSig []byte, flags uint32) Fingerprint {
	h := blake3.New()
	h.Write(txHash[:])
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], uint32(inputIndex))
	h.Write(idx[:])
	h.Write(scriptPubKey)
	h.Write(scriptSig)
	var f [4]byte
	binary.LittleEndian.PutUint32(f[:], flags)
	h.Write(f[:])

	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out
}

// Cache is a bounded, thread-safe memo of script-verification verdicts.
type Cache struct {
	mu      sync.RWMutex
	entries map[Fingerprint]bool
	maxSize int
}

// New returns a cache that holds up to maxSize verdicts before it starts
// evicting arbitrarily (map iteration order) to make room for new ones —
// acceptable for a pure performance memo with no correctness dependency.
func New(maxSize int) *Cache {
	return &Cache{
		entries: make(map[Fingerprint]bool, maxSize),
		maxSize: maxSize,
	}
}

// Add records the verdict for fp, evicting one arbitrary entry first if
// the cache is already at capacity.
func (c *Cache) Add(fp Fingerprint, verdict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fp]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[fp] = verdict
}

// Contains reports whether fp has a cached verdict.
func (c *Cache) Contains(fp Fingerprint) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[fp]
	return ok
}

// Get returns the cached verdict for fp, if any.
func (c *Cache) Get(fp Fingerprint) (verdict bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	verdict, ok = c.entries[fp]
	return verdict, ok
}

// Purge removes fp from the cache, if present.
func (c *Cache) Purge(fp Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fp)
}

// Len returns the number of cached verdicts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
