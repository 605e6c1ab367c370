// Package ports declares the external collaborators the core consensus
// pipeline consumes but does not implement: the script interpreter, the
// block-body source, and the wire codec live behind these interfaces so the
// core can be driven by fakes in tests and by real implementations in a
// full node. Peer networking has no interface here, and the storage backend
// interface is storage.Backend.
package ports

import (
	"context"
	"errors"

	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/primitives"
	"github.com/btcnode/corechain/pkg/tx"
)

// ErrMissingData indicates an expected header or block body is not yet
// available. Callers that know how to re-request the data should swallow
// this error and retry later; it must never escape to a caller that
// doesn't.
var ErrMissingData = errors.New("ports: data not yet available")

// ScriptVerifier is the externally observable verdict for one
// (script_sig, script_pubkey, tx, input_index) tuple. Script interpreter
// internals stay outside the core; only the boolean verdict crosses the
// boundary.
type ScriptVerifier interface {
	Verify(scriptPubKey []byte, transaction *tx.Transaction, inputIndex int, scriptSig []byte, flags uint32) (bool, error)
}

// BlockBodyProvider fetches a full block body by header hash. It may be
// backed by network I/O; a Missing result (ErrMissingData) defers the
// reorg until the body arrives.
type BlockBodyProvider interface {
	Fetch(ctx context.Context, hash primitives.Hash) (*block.Block, error)
}

// BlockCodec performs the canonical wire encoding, a pure-function
// external collaborator. The module ships a default implementation
// (internal/wireformat) so tests and the body store have a byte layout to
// agree on; a full node supplies its own.
type BlockCodec interface {
	EncodeHeader(h *block.Header) []byte
	DecodeHeader(b []byte) (*block.Header, error)
	EncodeTx(t *tx.Transaction) []byte
	DecodeTx(b []byte) (*tx.Transaction, error)
}
