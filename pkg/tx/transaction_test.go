package tx

import (
	"bytes"
	"testing"

	"github.com/btcnode/corechain/pkg/primitives"
)

func sampleTx() *Transaction {
	return &Transaction{
		Version: 1,
		Inputs: []Input{
			{
				PrevOut:   primitives.Outpoint{TxHash: primitives.Hash{0xAB}, Index: 3},
				ScriptSig: []byte{0x51, 0x52},
				Sequence:  0xFFFFFFFE,
			},
			{
				PrevOut:   primitives.Outpoint{TxHash: primitives.Hash{0xCD}, Index: 0},
				ScriptSig: nil,
				Sequence:  0xFFFFFFFF,
			},
		},
		Outputs: []Output{
			{Value: 30_0000_0000, ScriptPubKey: []byte{0x51}},
			{Value: 19_0000_0000, ScriptPubKey: []byte{0x52, 0x53, 0x54}},
		},
		LockTime: 500_000_123,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := sampleTx()
	raw := orig.Encode()

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Hash() != orig.Hash() {
		t.Fatal("round trip changed the identity hash")
	}
	if decoded.Version != orig.Version || decoded.LockTime != orig.LockTime {
		t.Fatalf("scalar fields changed: %+v", decoded)
	}
	if len(decoded.Inputs) != 2 || len(decoded.Outputs) != 2 {
		t.Fatalf("shape changed: %d in, %d out", len(decoded.Inputs), len(decoded.Outputs))
	}
	if decoded.Inputs[0].PrevOut != orig.Inputs[0].PrevOut || decoded.Inputs[0].Sequence != orig.Inputs[0].Sequence {
		t.Fatalf("input 0 changed: %+v", decoded.Inputs[0])
	}
	if !bytes.Equal(decoded.Outputs[1].ScriptPubKey, orig.Outputs[1].ScriptPubKey) {
		t.Fatalf("output script changed: %x", decoded.Outputs[1].ScriptPubKey)
	}
}

func TestEncodeDecodeVarIntBoundaries(t *testing.T) {
	// Script lengths straddling every var-int tag transition: 1-byte form
	// tops out at 0xfc, 0xfd..0xffff take the 3-byte form, and 0x10000 is
	// the first 5-byte length.
	for _, n := range []int{0, 0xfc, 0xfd, 0xffff, 0x10000} {
		script := bytes.Repeat([]byte{0x6a}, n)
		orig := &Transaction{
			Version: 1,
			Inputs: []Input{{
				PrevOut:   primitives.Outpoint{TxHash: primitives.Hash{0x01}, Index: 0},
				ScriptSig: script,
				Sequence:  0xFFFFFFFF,
			}},
			Outputs: []Output{{Value: 1, ScriptPubKey: []byte{0x51}}},
		}

		decoded, err := Decode(orig.Encode())
		if err != nil {
			t.Fatalf("script length %#x: Decode: %v", n, err)
		}
		if len(decoded.Inputs[0].ScriptSig) != n {
			t.Fatalf("script length %#x came back as %#x", n, len(decoded.Inputs[0].ScriptSig))
		}
		if decoded.Hash() != orig.Hash() {
			t.Fatalf("script length %#x: identity changed across round trip", n)
		}
	}
}

func TestDecodeRejectsTruncation(t *testing.T) {
	raw := sampleTx().Encode()

	// Every strict prefix must fail: there is no valid shorter encoding
	// hiding inside a canonical transaction.
	for cut := 0; cut < len(raw); cut++ {
		if _, err := Decode(raw[:cut]); err == nil {
			t.Fatalf("prefix of %d/%d bytes decoded without error", cut, len(raw))
		}
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	raw := sampleTx().Encode()
	if _, err := Decode(append(raw, 0x00)); err == nil {
		t.Fatal("trailing byte decoded without error")
	}
}

func TestDecodePrefixReportsConsumedBytes(t *testing.T) {
	first := sampleTx()
	second := &Transaction{
		Version: 2,
		Inputs: []Input{{
			PrevOut:  primitives.Outpoint{TxHash: primitives.Hash{0xEE}, Index: 1},
			Sequence: 0xFFFFFFFF,
		}},
		Outputs: []Output{{Value: 7, ScriptPubKey: []byte{0x51}}},
	}

	raw := append(first.Encode(), second.Encode()...)

	got1, n, err := DecodePrefix(raw)
	if err != nil {
		t.Fatalf("first DecodePrefix: %v", err)
	}
	if n != len(first.Encode()) {
		t.Fatalf("consumed %d bytes, want %d", n, len(first.Encode()))
	}
	if got1.Hash() != first.Hash() {
		t.Fatal("first tx identity changed")
	}

	got2, n2, err := DecodePrefix(raw[n:])
	if err != nil {
		t.Fatalf("second DecodePrefix: %v", err)
	}
	if n+n2 != len(raw) {
		t.Fatalf("walk consumed %d bytes, want %d", n+n2, len(raw))
	}
	if got2.Hash() != second.Hash() {
		t.Fatal("second tx identity changed")
	}
}

func TestIsCoinbaseShape(t *testing.T) {
	cb := &Transaction{
		Version: 1,
		Inputs:  []Input{{PrevOut: CoinbaseOutpoint(), ScriptSig: []byte{0x00, 0x00}}},
		Outputs: []Output{{Value: 50_0000_0000, ScriptPubKey: []byte{0x51}}},
	}
	if !cb.IsCoinbase() {
		t.Fatal("single-sentinel-input tx should be coinbase")
	}
	if !cb.Inputs[0].IsCoinbase() {
		t.Fatal("sentinel input should report coinbase")
	}

	// A second input disqualifies the coinbase shape even with the
	// sentinel present.
	twoIn := &Transaction{
		Version: 1,
		Inputs: []Input{
			{PrevOut: CoinbaseOutpoint()},
			{PrevOut: primitives.Outpoint{TxHash: primitives.Hash{0x01}, Index: 0}},
		},
		Outputs: []Output{{Value: 1, ScriptPubKey: []byte{0x51}}},
	}
	if twoIn.IsCoinbase() {
		t.Fatal("two-input tx must not be coinbase")
	}

	if sampleTx().IsCoinbase() {
		t.Fatal("ordinary spend must not be coinbase")
	}
}
