// Package chainindex implements the persistent, append-only map from block
// hash to ChainedHeader: genesis anchoring, insertion with parent and
// cumulative-work validation, ancestor walking, and common-ancestor
// lookup. It indexes headers only; block bodies are the chain state
// manager's concern.
package chainindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/btcnode/corechain/internal/eventbus"
	"github.com/btcnode/corechain/internal/storage"
	"github.com/btcnode/corechain/internal/work"
	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/primitives"
)

var (
	// ErrUnknownParent is returned by Insert when previous_hash is absent
	// from the index and the header is not the genesis anchor.
	ErrUnknownParent = errors.New("chainindex: unknown parent")

	// ErrInvalidWork is returned by InsertWithWork when the claimed
	// total_work does not equal prev.total_work + work_from_bits(bits).
	ErrInvalidWork = errors.New("chainindex: total_work does not match parent work + header work")

	// ErrNotFound is returned by Get when the hash is absent.
	ErrNotFound = errors.New("chainindex: header not found")
)

var (
	prefixHeader = []byte("i/h/") // i/h/<hash(32)> -> json(ChainedHeader)
	keyGenesis   = []byte("i/s/genesis")
)

// Index is the persistent append-only header index.
type Index struct {
	backend storage.Backend
	bus     *eventbus.Bus

	mu     sync.RWMutex
	cache  map[primitives.Hash]*block.ChainedHeader
	genHash primitives.Hash
	hasGen bool
}

// New returns a header index backed by backend. Accepted headers are
// cached in memory for read-parallel lookups; the backend remains the
// source of truth across restarts.
func New(backend storage.Backend, bus *eventbus.Bus) *Index {
	return &Index{
		backend: backend,
		bus:     bus,
		cache:   make(map[primitives.Hash]*block.ChainedHeader),
	}
}

// InsertGenesis anchors the index at h with height 0 and total_work equal
// to its own header work. It is idempotent if called again with the same
// hash; it fails if called with a different hash than a prior genesis.
func (idx *Index) InsertGenesis(h *block.Header) (*block.ChainedHeader, error) {
	idx.mu.Lock()

	hash := h.Hash()
	if idx.hasGen {
		existing := idx.cache[hash]
		mismatch := idx.genHash != hash
		anchored := idx.genHash
		idx.mu.Unlock()
		if mismatch {
			return nil, fmt.Errorf("chainindex: genesis mismatch: already anchored at %s", anchored)
		}
		return existing, nil
	}

	w := primitives.WorkFromBits(work.CompactToTarget(h.Bits))
	ch := &block.ChainedHeader{Header: h, Height: 0, TotalWork: w}
	if err := idx.persist(ch); err != nil {
		idx.mu.Unlock()
		return nil, err
	}
	idx.cache[hash] = ch
	idx.genHash = hash
	idx.hasGen = true
	idx.mu.Unlock()

	// Published outside the lock: subscribers walk the index in response.
	idx.bus.PublishHeaderIndexed(ch)
	return ch, nil
}

// Insert adds h as a child of its previous_hash, computing height and
// total_work from the parent. Fails with ErrUnknownParent if the parent is
// not indexed. Re-inserting an already-indexed header is a no-op that
// returns the existing entry.
func (idx *Index) Insert(h *block.Header) (*block.ChainedHeader, error) {
	hash := h.Hash()

	idx.mu.Lock()

	if existing, ok := idx.cache[hash]; ok {
		idx.mu.Unlock()
		return existing, nil
	}

	parent, ok := idx.cache[h.PrevHash]
	if !ok {
		idx.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownParent, h.PrevHash)
	}

	headerWork := primitives.WorkFromBits(work.CompactToTarget(h.Bits))
	totalWork := parent.TotalWork.Add(headerWork)

	ch := &block.ChainedHeader{
		Header:    h,
		Height:    parent.Height + 1,
		TotalWork: totalWork,
	}
	if err := idx.persist(ch); err != nil {
		idx.mu.Unlock()
		return nil, err
	}
	idx.cache[hash] = ch
	idx.mu.Unlock()

	// Published outside the lock: subscribers walk the index in response.
	idx.bus.PublishHeaderIndexed(ch)
	return ch, nil
}

// InsertWithWork inserts h while validating a peer-claimed cumulative
// work: the claim must equal the parent's total_work plus the work the
// header's own bits encode, otherwise ErrInvalidWork.
func (idx *Index) InsertWithWork(h *block.Header, claimed primitives.Work) (*block.ChainedHeader, error) {
	idx.mu.RLock()
	parent, ok := idx.cache[h.PrevHash]
	idx.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParent, h.PrevHash)
	}
	expected := parent.TotalWork.Add(primitives.WorkFromBits(work.CompactToTarget(h.Bits)))
	if expected.Cmp(claimed) != 0 {
		return nil, fmt.Errorf("%w: claimed %s, expected %s", ErrInvalidWork, claimed, expected)
	}
	return idx.Insert(h)
}

func (idx *Index) persist(ch *block.ChainedHeader) error {
	return storage.WithCursor(idx.backend, true, func(c storage.Cursor) error {
		data, err := json.Marshal(ch)
		if err != nil {
			return fmt.Errorf("chainindex: marshal: %w", err)
		}
		hash := ch.Hash()
		if err := c.Put(headerKey(hash), data); err != nil {
			return err
		}
		if ch.Height == 0 {
			return c.Put(keyGenesis, hash[:])
		}
		return nil
	})
}

// Get returns the ChainedHeader for hash.
func (idx *Index) Get(hash primitives.Hash) (*block.ChainedHeader, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ch, ok := idx.cache[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return ch, nil
}

// Has reports whether hash is indexed.
func (idx *Index) Has(hash primitives.Hash) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.cache[hash]
	return ok
}

// WalkAncestors returns a lazy sequence of ChainedHeaders from hash back to
// (and including) genesis, draining one ancestor at a time.
func (idx *Index) WalkAncestors(hash primitives.Hash) iter.Seq[*block.ChainedHeader] {
	return func(yield func(*block.ChainedHeader) bool) {
		cur := hash
		for {
			idx.mu.RLock()
			ch, ok := idx.cache[cur]
			idx.mu.RUnlock()
			if !ok {
				return
			}
			if !yield(ch) {
				return
			}
			if ch.Height == 0 {
				return
			}
			cur = ch.Header.PrevHash
		}
	}
}

// FindCommonAncestor returns the highest ChainedHeader that is an ancestor
// of both a and b, using equal-height rewind: the deeper chain is walked
// back to the shallower chain's height, then both walk back in lockstep
// until hashes match.
func (idx *Index) FindCommonAncestor(a, b primitives.Hash) (*block.ChainedHeader, error) {
	ha, err := idx.Get(a)
	if err != nil {
		return nil, err
	}
	hb, err := idx.Get(b)
	if err != nil {
		return nil, err
	}

	for ha.Height > hb.Height {
		ha, err = idx.Get(ha.Header.PrevHash)
		if err != nil {
			return nil, err
		}
	}
	for hb.Height > ha.Height {
		hb, err = idx.Get(hb.Header.PrevHash)
		if err != nil {
			return nil, err
		}
	}

	for ha.Hash() != hb.Hash() {
		if ha.Height == 0 {
			return nil, fmt.Errorf("chainindex: no common ancestor between %s and %s", a, b)
		}
		ha, err = idx.Get(ha.Header.PrevHash)
		if err != nil {
			return nil, err
		}
		hb, err = idx.Get(hb.Header.PrevHash)
		if err != nil {
			return nil, err
		}
	}
	return ha, nil
}

func headerKey(hash primitives.Hash) []byte {
	key := make([]byte, len(prefixHeader)+primitives.HashSize)
	copy(key, prefixHeader)
	copy(key[len(prefixHeader):], hash[:])
	return key
}

// Load replays the persisted header index back into the in-memory cache,
// used on startup. Headers may arrive out of parent order in storage
// iteration, so Load retries until a full pass makes no progress.
func (idx *Index) Load() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	pending := make(map[primitives.Hash]*block.ChainedHeader)
	err := storage.WithCursor(idx.backend, false, func(c storage.Cursor) error {
		return c.ForEach(prefixHeader, func(key, value []byte) error {
			var ch block.ChainedHeader
			if err := json.Unmarshal(value, &ch); err != nil {
				return fmt.Errorf("chainindex: corrupt header row: %w", err)
			}
			pending[ch.Hash()] = &ch
			return nil
		})
	})
	if err != nil {
		return err
	}

	for len(pending) > 0 {
		progressed := false
		for hash, ch := range pending {
			if ch.Height == 0 {
				idx.cache[hash] = ch
				idx.genHash, idx.hasGen = hash, true
				delete(pending, hash)
				progressed = true
				continue
			}
			if _, ok := idx.cache[ch.Header.PrevHash]; ok {
				idx.cache[hash] = ch
				delete(pending, hash)
				progressed = true
			}
		}
		if !progressed {
			return fmt.Errorf("%w: %d headers have no resolvable ancestor chain", storage.ErrCorrupt, len(pending))
		}
	}
	return nil
}
