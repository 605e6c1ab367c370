package primitives

import "fmt"

// Outpoint references a specific output of a specific transaction. It is
// the primary key into the UTXO store.
type Outpoint struct {
	TxHash Hash   `json:"tx_hash"`
	Index  uint32 `json:"index"`
}

// CoinbaseSentinelIndex is the output index a coinbase input's Outpoint
// carries in place of a real previous-output index.
const CoinbaseSentinelIndex = 0xFFFFFFFF

// IsCoinbaseSentinel reports whether o is the coinbase marker: a zero
// tx hash paired with CoinbaseSentinelIndex.
func (o Outpoint) IsCoinbaseSentinel() bool {
	return o.TxHash.IsZero() && o.Index == CoinbaseSentinelIndex
}

// String returns "txhash:index".
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxHash, o.Index)
}
