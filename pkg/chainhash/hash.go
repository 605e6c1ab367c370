// Package chainhash computes the consensus-critical double-SHA256 identity
// hash used for block headers and transactions.
//
// This is deliberately plain crypto/sha256: the identity hash is a fixed
// consensus rule (Bitcoin-style double-SHA256), not a domain choice a node
// operator or library author gets to make. Fast, non-consensus internal
// fingerprinting (e.g. the script-verification hash cache) uses BLAKE3
// instead — see internal/hashcache.
package chainhash

import "crypto/sha256"

// Sum returns the double-SHA256 digest of data as a raw 32-byte array.
func Sum(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}
