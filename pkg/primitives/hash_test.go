package primitives

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHexToHashRoundTrip(t *testing.T) {
	h := Hash{0xDE, 0xAD, 0xBE, 0xEF}
	parsed, err := HexToHash(h.String())
	if err != nil {
		t.Fatalf("HexToHash: %v", err)
	}
	if parsed != h {
		t.Fatalf("round trip changed the hash: %s != %s", parsed, h)
	}
}

func TestHexToHashRejectsBadInput(t *testing.T) {
	if _, err := HexToHash("zz"); err == nil {
		t.Fatal("non-hex input parsed without error")
	}
	if _, err := HexToHash(strings.Repeat("ab", HashSize-1)); err == nil {
		t.Fatal("short input parsed without error")
	}
	if _, err := HexToHash(strings.Repeat("ab", HashSize+1)); err == nil {
		t.Fatal("long input parsed without error")
	}
}

func TestHashIsZero(t *testing.T) {
	if !(Hash{}).IsZero() {
		t.Fatal("zero hash should report IsZero")
	}
	if (Hash{0x01}).IsZero() {
		t.Fatal("non-zero hash should not report IsZero")
	}
}

func TestHashJSONRoundTrip(t *testing.T) {
	h := Hash{0x12, 0x34}
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Hash
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != h {
		t.Fatalf("JSON round trip changed the hash: %s != %s", back, h)
	}

	var bad Hash
	if err := json.Unmarshal([]byte(`"abcd"`), &bad); err == nil {
		t.Fatal("short hex unmarshalled without error")
	}
}

func TestHashBytesReturnsCopy(t *testing.T) {
	h := Hash{0x01}
	b := h.Bytes()
	b[0] = 0xFF
	if h[0] != 0x01 {
		t.Fatal("mutating Bytes() result must not mutate the hash")
	}
}
