// Package tx defines the transaction data model.
package tx

import (
	"encoding/binary"

	"github.com/btcnode/corechain/pkg/chainhash"
	"github.com/btcnode/corechain/pkg/primitives"
)

// Input is a TxInput: a reference to a previous output plus the unlocking
// script and sequence number.
//
// A coinbase input has PrevOut == CoinbaseOutpoint() and occupies exactly
// input[0] of a block's first transaction; no other input in a block may
// be coinbase.
type Input struct {
	PrevOut       primitives.Outpoint
	ScriptSig     []byte
	Sequence      uint32
}

// CoinbaseOutpoint returns the sentinel previous-output reference used by
// coinbase inputs: a zero hash paired with index 0xFFFFFFFF.
func CoinbaseOutpoint() primitives.Outpoint {
	return primitives.Outpoint{TxHash: primitives.Hash{}, Index: primitives.CoinbaseSentinelIndex}
}

// IsCoinbase reports whether in references the coinbase sentinel.
func (in *Input) IsCoinbase() bool {
	return in.PrevOut.IsCoinbaseSentinel()
}

// Output is a TxOutput: an amount in satoshis and a locking script.
// Invariant: 0 <= Value <= MAX_MONEY (enforced by the validator, not here).
type Output struct {
	Value         uint64
	ScriptPubKey []byte
}

// Transaction is the consensus unit of value transfer: version, ordered
// inputs, ordered outputs, lock_time. Identity is the double-SHA256 of its
// canonical (witness-stripped) encoding.
type Transaction struct {
	Version  uint32
	Inputs   []Input
	Outputs  []Output
	LockTime uint32
}

// IsCoinbase reports whether t has the single-input coinbase shape. This is
// a structural check only; the validator additionally enforces tx[0]/tx[i>0]
// positioning within a block.
func (t *Transaction) IsCoinbase() bool {
	return len(t.Inputs) == 1 && t.Inputs[0].IsCoinbase()
}

// Encode returns the canonical encoding used for hashing: little-endian
// fixed-width integers and var-int lengths, witness-stripped (segwit is
// out of scope).
func (t *Transaction) Encode() []byte {
	buf := make([]byte, 0, 128)
	buf = binary.LittleEndian.AppendUint32(buf, t.Version)
	buf = appendVarInt(buf, uint64(len(t.Inputs)))
	for _, in := range t.Inputs {
		buf = append(buf, in.PrevOut.TxHash[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = appendVarInt(buf, uint64(len(in.ScriptSig)))
		buf = append(buf, in.ScriptSig...)
		buf = binary.LittleEndian.AppendUint32(buf, in.Sequence)
	}
	buf = appendVarInt(buf, uint64(len(t.Outputs)))
	for _, out := range t.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = appendVarInt(buf, uint64(len(out.ScriptPubKey)))
		buf = append(buf, out.ScriptPubKey...)
	}
	buf = binary.LittleEndian.AppendUint32(buf, t.LockTime)
	return buf
}

// Hash computes the transaction's consensus identity: double-SHA256 of its
// canonical encoding.
func (t *Transaction) Hash() primitives.Hash {
	return chainhash.Sum(t.Encode())
}

// appendVarInt appends a Bitcoin-style variable-length integer encoding of v.
func appendVarInt(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(buf, byte(v))
	case v <= 0xffff:
		buf = append(buf, 0xfd)
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case v <= 0xffffffff:
		buf = append(buf, 0xfe)
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	default:
		buf = append(buf, 0xff)
		return binary.LittleEndian.AppendUint64(buf, v)
	}
}
