package chainstate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcnode/corechain/internal/storage"
	"github.com/btcnode/corechain/internal/utxo"
	"github.com/btcnode/corechain/pkg/primitives"
	"github.com/btcnode/corechain/pkg/tx"
)

var prefixUndo = []byte("n/u/") // n/u/<blockhash(32)> -> json(undoRecord)

// undoSpend records one prev-output the block consumed, with enough of the
// creating transaction's row to reconstruct it if the spend removed it.
type undoSpend struct {
	Key     primitives.Outpoint `json:"key"`
	Output  *tx.Output          `json:"output"`
	Creator utxo.UnspentTx      `json:"creator"`
}

// undoRecord is the per-block reversal data: spends in application order,
// and the hashes of the transactions whose outputs the block created.
type undoRecord struct {
	Spends  []undoSpend       `json:"spends"`
	Created []primitives.Hash `json:"created"`
}

func putUndo(c storage.Cursor, blockHash primitives.Hash, u *undoRecord) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("chainstate: marshal undo: %w", err)
	}
	return c.Put(undoKey(blockHash), data)
}

func getUndo(c storage.Cursor, blockHash primitives.Hash) (*undoRecord, error) {
	v, err := c.Get(undoKey(blockHash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no undo data for applied block %s", storage.ErrCorrupt, blockHash)
	}
	if err != nil {
		return nil, err
	}
	var u undoRecord
	if err := json.Unmarshal(v, &u); err != nil {
		return nil, fmt.Errorf("%w: corrupt undo record for %s: %v", storage.ErrCorrupt, blockHash, err)
	}
	return &u, nil
}

func deleteUndo(c storage.Cursor, blockHash primitives.Hash) error {
	return c.Delete(undoKey(blockHash))
}

func undoKey(blockHash primitives.Hash) []byte {
	key := make([]byte, len(prefixUndo)+primitives.HashSize)
	copy(key, prefixUndo)
	copy(key[len(prefixUndo):], blockHash[:])
	return key
}
