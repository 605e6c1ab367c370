package tx

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcnode/corechain/pkg/primitives"
)

var errTruncated = errors.New("tx: truncated encoding")

// Decode parses the canonical encoding produced by Encode. Trailing bytes
// after the transaction are an error: the canonical form is exact.
func Decode(b []byte) (*Transaction, error) {
	t, n, err := decodeAt(b, 0)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("tx: %d trailing bytes after transaction", len(b)-n)
	}
	return t, nil
}

// DecodePrefix parses one transaction at the start of b, returning it and
// the number of bytes consumed, for callers walking a concatenated list.
func DecodePrefix(b []byte) (*Transaction, int, error) {
	return decodeAt(b, 0)
}

func decodeAt(b []byte, off int) (*Transaction, int, error) {
	t := &Transaction{}

	if off+4 > len(b) {
		return nil, 0, errTruncated
	}
	t.Version = binary.LittleEndian.Uint32(b[off:])
	off += 4

	numIn, off, err := readVarInt(b, off)
	if err != nil {
		return nil, 0, err
	}
	t.Inputs = make([]Input, numIn)
	for i := range t.Inputs {
		in := &t.Inputs[i]
		if off+primitives.HashSize+4 > len(b) {
			return nil, 0, errTruncated
		}
		copy(in.PrevOut.TxHash[:], b[off:])
		off += primitives.HashSize
		in.PrevOut.Index = binary.LittleEndian.Uint32(b[off:])
		off += 4

		scriptLen, next, err := readVarInt(b, off)
		if err != nil {
			return nil, 0, err
		}
		off = next
		if off+int(scriptLen) > len(b) {
			return nil, 0, errTruncated
		}
		in.ScriptSig = append([]byte(nil), b[off:off+int(scriptLen)]...)
		off += int(scriptLen)

		if off+4 > len(b) {
			return nil, 0, errTruncated
		}
		in.Sequence = binary.LittleEndian.Uint32(b[off:])
		off += 4
	}

	numOut, off, err := readVarInt(b, off)
	if err != nil {
		return nil, 0, err
	}
	t.Outputs = make([]Output, numOut)
	for i := range t.Outputs {
		out := &t.Outputs[i]
		if off+8 > len(b) {
			return nil, 0, errTruncated
		}
		out.Value = binary.LittleEndian.Uint64(b[off:])
		off += 8

		scriptLen, next, err := readVarInt(b, off)
		if err != nil {
			return nil, 0, err
		}
		off = next
		if off+int(scriptLen) > len(b) {
			return nil, 0, errTruncated
		}
		out.ScriptPubKey = append([]byte(nil), b[off:off+int(scriptLen)]...)
		off += int(scriptLen)
	}

	if off+4 > len(b) {
		return nil, 0, errTruncated
	}
	t.LockTime = binary.LittleEndian.Uint32(b[off:])
	off += 4

	return t, off, nil
}

// readVarInt reads a Bitcoin-style variable-length integer at off,
// returning the value and the offset just past it. Lengths are capped at
// the int range since they only ever size in-memory slices.
func readVarInt(b []byte, off int) (uint64, int, error) {
	if off >= len(b) {
		return 0, 0, errTruncated
	}
	tag := b[off]
	off++
	switch {
	case tag < 0xfd:
		return uint64(tag), off, nil
	case tag == 0xfd:
		if off+2 > len(b) {
			return 0, 0, errTruncated
		}
		return uint64(binary.LittleEndian.Uint16(b[off:])), off + 2, nil
	case tag == 0xfe:
		if off+4 > len(b) {
			return 0, 0, errTruncated
		}
		return uint64(binary.LittleEndian.Uint32(b[off:])), off + 4, nil
	default:
		if off+8 > len(b) {
			return 0, 0, errTruncated
		}
		v := binary.LittleEndian.Uint64(b[off:])
		if v > uint64(int(^uint(0)>>1)) {
			return 0, 0, fmt.Errorf("tx: var-int length %d out of range", v)
		}
		return v, off + 8, nil
	}
}
