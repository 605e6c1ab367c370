package mempool

import (
	"encoding/json"
	"fmt"

	"github.com/btcnode/corechain/internal/storage"
	"github.com/btcnode/corechain/pkg/primitives"
	"github.com/btcnode/corechain/pkg/tx"
)

func encodeEntry(e *UnconfirmedTx) ([]byte, error) {
	data, err := json.Marshal(&storedEntry{
		TxBytes:  e.Tx.Encode(),
		PrevOuts: e.PrevOuts,
		Fee:      e.Fee,
		AddedAt:  e.AddedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("mempool: marshal entry: %w", err)
	}
	return data, nil
}

func decodeEntry(value []byte) (*UnconfirmedTx, primitives.Hash, error) {
	var se storedEntry
	if err := json.Unmarshal(value, &se); err != nil {
		return nil, primitives.Hash{}, fmt.Errorf("%w: corrupt mempool entry: %v", storage.ErrCorrupt, err)
	}
	t, err := tx.Decode(se.TxBytes)
	if err != nil {
		return nil, primitives.Hash{}, fmt.Errorf("%w: corrupt mempool tx bytes: %v", storage.ErrCorrupt, err)
	}
	return &UnconfirmedTx{
		Tx:       t,
		PrevOuts: se.PrevOuts,
		Fee:      se.Fee,
		AddedAt:  se.AddedAt,
	}, t.Hash(), nil
}
