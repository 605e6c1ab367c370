// Package block defines the block header and block data model.
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/btcnode/corechain/pkg/chainhash"
	"github.com/btcnode/corechain/pkg/primitives"
)

// Header is a BlockHeader: version, previous_hash, merkle_root, time, bits
// (compact difficulty target), nonce. Identity is the double-SHA256 of its
// 80-byte canonical encoding.
type Header struct {
	Version    uint32
	PrevHash   primitives.Hash
	MerkleRoot primitives.Hash
	Time       uint32 // Unix seconds.
	Bits       uint32 // Compact difficulty target.
	Nonce      uint32
}

// HeaderSize is the canonical encoded size of a Header.
const HeaderSize = 4 + primitives.HashSize + primitives.HashSize + 4 + 4 + 4

// Encode returns the canonical 80-byte little-endian encoding of h.
func (h *Header) Encode() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Time)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	buf = binary.LittleEndian.AppendUint32(buf, h.Nonce)
	return buf
}

// DecodeHeader parses the canonical 80-byte encoding produced by Encode.
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) != HeaderSize {
		return nil, fmt.Errorf("block: header must be %d bytes, got %d", HeaderSize, len(b))
	}
	h := &Header{
		Version: binary.LittleEndian.Uint32(b[0:4]),
	}
	off := 4
	copy(h.PrevHash[:], b[off:off+primitives.HashSize])
	off += primitives.HashSize
	copy(h.MerkleRoot[:], b[off:off+primitives.HashSize])
	off += primitives.HashSize
	h.Time = binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	h.Bits = binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	h.Nonce = binary.LittleEndian.Uint32(b[off : off+4])
	return h, nil
}

// Hash computes the header's identity: double-SHA256 of its 80-byte
// canonical encoding.
func (h *Header) Hash() primitives.Hash {
	return chainhash.Sum(h.Encode())
}
