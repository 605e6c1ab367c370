// Package wireformat is the module's default canonical codec:
// little-endian fixed-width integers, var-int lengths, fixed-width hashes.
// A full node replaces it with its own wire implementation behind
// ports.BlockCodec; this one exists so the storage rows, the test
// fixtures, and the size accounting all share one byte layout.
package wireformat

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcnode/corechain/internal/ports"
	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/tx"
)

// Codec implements ports.BlockCodec over the data model's own canonical
// encoders.
type Codec struct{}

var _ ports.BlockCodec = Codec{}

func (Codec) EncodeHeader(h *block.Header) []byte { return h.Encode() }

func (Codec) DecodeHeader(b []byte) (*block.Header, error) { return block.DecodeHeader(b) }

func (Codec) EncodeTx(t *tx.Transaction) []byte { return t.Encode() }

func (Codec) DecodeTx(b []byte) (*tx.Transaction, error) { return tx.Decode(b) }

// EncodeBlock serializes a full block: header, var-int tx count, then each
// transaction's canonical encoding.
func EncodeBlock(blk *block.Block) []byte {
	buf := make([]byte, 0, blk.EncodedSize())
	buf = append(buf, blk.Header.Encode()...)
	buf = appendVarInt(buf, uint64(len(blk.Transactions)))
	for _, t := range blk.Transactions {
		buf = append(buf, t.Encode()...)
	}
	return buf
}

// DecodeBlock parses the encoding produced by EncodeBlock.
func DecodeBlock(b []byte) (*block.Block, error) {
	if len(b) < block.HeaderSize {
		return nil, errors.New("wireformat: truncated block header")
	}
	h, err := block.DecodeHeader(b[:block.HeaderSize])
	if err != nil {
		return nil, err
	}
	off := block.HeaderSize

	count, off, err := readVarInt(b, off)
	if err != nil {
		return nil, err
	}
	blk := &block.Block{Header: h, Transactions: make([]*tx.Transaction, 0, count)}
	for i := uint64(0); i < count; i++ {
		t, n, err := tx.DecodePrefix(b[off:])
		if err != nil {
			return nil, fmt.Errorf("wireformat: tx %d: %w", i, err)
		}
		blk.Transactions = append(blk.Transactions, t)
		off += n
	}
	if off != len(b) {
		return nil, fmt.Errorf("wireformat: %d trailing bytes after block", len(b)-off)
	}
	return blk, nil
}

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

func readVarInt(b []byte, off int) (uint64, int, error) {
	if off >= len(b) {
		return 0, 0, errors.New("wireformat: truncated var-int")
	}
	tag := b[off]
	off++
	switch {
	case tag < 0xfd:
		return uint64(tag), off, nil
	case tag == 0xfd:
		if off+2 > len(b) {
			return 0, 0, errors.New("wireformat: truncated var-int")
		}
		return uint64(binary.LittleEndian.Uint16(b[off:])), off + 2, nil
	case tag == 0xfe:
		if off+4 > len(b) {
			return 0, 0, errors.New("wireformat: truncated var-int")
		}
		return uint64(binary.LittleEndian.Uint32(b[off:])), off + 4, nil
	default:
		if off+8 > len(b) {
			return 0, 0, errors.New("wireformat: truncated var-int")
		}
		return binary.LittleEndian.Uint64(b[off:]), off + 8, nil
	}
}
