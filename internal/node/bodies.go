package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcnode/corechain/internal/ports"
	"github.com/btcnode/corechain/internal/storage"
	"github.com/btcnode/corechain/internal/wireformat"
	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/primitives"
)

var prefixBody = []byte("d/b/") // d/b/<blockhash(32)> -> canonical block bytes

// BodyStore is a persistent block-body provider: the ingest layer Puts
// bodies as they arrive and the chain state manager Fetches them when the
// target chain needs them. A hash with no stored body resolves to
// ports.ErrMissingData, deferring the reorg until the body shows up.
type BodyStore struct {
	backend storage.Backend
}

// NewBodyStore returns a body store over backend.
func NewBodyStore(backend storage.Backend) *BodyStore {
	return &BodyStore{backend: backend}
}

// Put stores blk under its header hash.
func (s *BodyStore) Put(blk *block.Block) error {
	return storage.WithCursor(s.backend, true, func(c storage.Cursor) error {
		return c.Put(bodyKey(blk.Hash()), wireformat.EncodeBlock(blk))
	})
}

// Fetch implements ports.BlockBodyProvider.
func (s *BodyStore) Fetch(ctx context.Context, hash primitives.Hash) (*block.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var raw []byte
	err := storage.WithCursor(s.backend, false, func(c storage.Cursor) error {
		v, err := c.Get(bodyKey(hash))
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: block body %s", ports.ErrMissingData, hash)
	}
	if err != nil {
		return nil, err
	}
	blk, err := wireformat.DecodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable body for %s: %v", storage.ErrCorrupt, hash, err)
	}
	return blk, nil
}

// Has reports whether a body for hash is stored.
func (s *BodyStore) Has(hash primitives.Hash) (bool, error) {
	var ok bool
	err := storage.WithCursor(s.backend, false, func(c storage.Cursor) error {
		var err error
		ok, err = c.Has(bodyKey(hash))
		return err
	})
	return ok, err
}

func bodyKey(hash primitives.Hash) []byte {
	key := make([]byte, len(prefixBody)+primitives.HashSize)
	copy(key, prefixBody)
	copy(key[len(prefixBody):], hash[:])
	return key
}
