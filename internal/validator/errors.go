package validator

import (
	"errors"
	"fmt"

	"github.com/btcnode/corechain/config"
	"github.com/btcnode/corechain/pkg/primitives"
)

const maxPubkeysPerMultisig = config.MaxPubkeysPerMultisig

// Kind is a ValidationError sub-kind.
type Kind int

const (
	KindMerkleRootMismatch Kind = iota
	KindStructuralRule
	KindAccountingOverflow
	KindSigOpLimit
	KindSizeLimit
	KindScriptInvalid
	KindDoubleSpendWithinBlock
	KindCoinbaseImmaturity
	KindBadSubsidy
	KindBadDifficulty
)

func (k Kind) String() string {
	switch k {
	case KindMerkleRootMismatch:
		return "merkle_root_mismatch"
	case KindStructuralRule:
		return "structural_rule"
	case KindAccountingOverflow:
		return "accounting_overflow"
	case KindSigOpLimit:
		return "sig_op_limit"
	case KindSizeLimit:
		return "size_limit"
	case KindScriptInvalid:
		return "script_invalid"
	case KindDoubleSpendWithinBlock:
		return "double_spend_within_block"
	case KindCoinbaseImmaturity:
		return "coinbase_immaturity"
	case KindBadSubsidy:
		return "bad_subsidy"
	case KindBadDifficulty:
		return "bad_difficulty"
	default:
		return "unknown"
	}
}

// sentinel is the errors.Is target for each Kind, so callers can write
// errors.Is(err, validator.ErrScriptInvalid) without unwrapping the
// attached block hash first.
var sentinel = map[Kind]error{
	KindMerkleRootMismatch:     errors.New("validator: merkle root mismatch"),
	KindStructuralRule:         errors.New("validator: structural rule violation"),
	KindAccountingOverflow:     errors.New("validator: accounting overflow"),
	KindSigOpLimit:             errors.New("validator: sig-op limit exceeded"),
	KindSizeLimit:              errors.New("validator: block size limit exceeded"),
	KindScriptInvalid:          errors.New("validator: script verification failed"),
	KindDoubleSpendWithinBlock: errors.New("validator: double spend within block"),
	KindCoinbaseImmaturity:     errors.New("validator: spent coinbase not yet mature"),
	KindBadSubsidy:             errors.New("validator: coinbase reward exceeds subsidy + fees"),
	KindBadDifficulty:          errors.New("validator: difficulty target mismatch"),
}

var (
	ErrMerkleRootMismatch     = sentinel[KindMerkleRootMismatch]
	ErrStructuralRule         = sentinel[KindStructuralRule]
	ErrAccountingOverflow     = sentinel[KindAccountingOverflow]
	ErrSigOpLimit             = sentinel[KindSigOpLimit]
	ErrSizeLimit              = sentinel[KindSizeLimit]
	ErrScriptInvalid          = sentinel[KindScriptInvalid]
	ErrDoubleSpendWithinBlock = sentinel[KindDoubleSpendWithinBlock]
	ErrCoinbaseImmaturity     = sentinel[KindCoinbaseImmaturity]
	ErrBadSubsidy             = sentinel[KindBadSubsidy]
	ErrBadDifficulty          = sentinel[KindBadDifficulty]
)

// ValidationError is a consensus rule violation attached to the block hash
// that failed: it always causes the block to be blacklisted and the reorg
// to retry with a shorter candidate.
type ValidationError struct {
	Kind      Kind
	BlockHash primitives.Hash
	TxIndex   int // -1 when the failure isn't attributable to one tx.
	Detail    string
}

func (e *ValidationError) Error() string {
	if e.TxIndex >= 0 {
		return fmt.Sprintf("validator: block %s tx[%d]: %s: %s", e.BlockHash, e.TxIndex, e.Kind, e.Detail)
	}
	return fmt.Sprintf("validator: block %s: %s: %s", e.BlockHash, e.Kind, e.Detail)
}

// Unwrap lets errors.Is(err, validator.ErrScriptInvalid) etc. match
// regardless of the attached block hash or detail.
func (e *ValidationError) Unwrap() error {
	return sentinel[e.Kind]
}

// newErr builds a ValidationError not attributable to a single tx.
func newErr(kind Kind, blockHash primitives.Hash, detail string) *ValidationError {
	return &ValidationError{Kind: kind, BlockHash: blockHash, TxIndex: -1, Detail: detail}
}

// newTxErr builds a ValidationError attributed to one block-relative tx index.
func newTxErr(kind Kind, blockHash primitives.Hash, txIndex int, detail string) *ValidationError {
	return &ValidationError{Kind: kind, BlockHash: blockHash, TxIndex: txIndex, Detail: detail}
}

// ErrCancelled is the sentinel the pipeline returns when the shared
// cancel token fires before completion.
var ErrCancelled = errors.New("validator: cancelled")
