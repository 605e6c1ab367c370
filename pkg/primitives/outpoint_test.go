package primitives

import (
	"fmt"
	"testing"
)

func TestCoinbaseSentinel(t *testing.T) {
	sentinel := Outpoint{TxHash: Hash{}, Index: CoinbaseSentinelIndex}
	if !sentinel.IsCoinbaseSentinel() {
		t.Fatal("zero hash + sentinel index should be the coinbase marker")
	}

	// Either half alone is not the marker.
	if (Outpoint{TxHash: Hash{0x01}, Index: CoinbaseSentinelIndex}).IsCoinbaseSentinel() {
		t.Fatal("non-zero hash must not be the coinbase marker")
	}
	if (Outpoint{TxHash: Hash{}, Index: 0}).IsCoinbaseSentinel() {
		t.Fatal("index 0 must not be the coinbase marker")
	}
}

func TestOutpointString(t *testing.T) {
	o := Outpoint{TxHash: Hash{0xAB}, Index: 7}
	want := fmt.Sprintf("%s:7", o.TxHash)
	if o.String() != want {
		t.Fatalf("String() = %q, want %q", o.String(), want)
	}
}
