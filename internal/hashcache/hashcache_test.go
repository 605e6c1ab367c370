package hashcache

import (
	"testing"

	"github.com/btcnode/corechain/pkg/primitives"
)

func TestAddContains(t *testing.T) {
	c := New(10)
	fp := Sum(primitives.Hash{1}, 0, []byte("pubkey-script"), []byte("sig-script"), 0)

	if c.Contains(fp) {
		t.Fatal("fresh cache should not contain anything")
	}
	c.Add(fp, true)
	if !c.Contains(fp) {
		t.Fatal("cache should contain fp after Add")
	}
}

func TestGetReturnsVerdict(t *testing.T) {
	c := New(10)
	fp := Sum(primitives.Hash{2}, 1, []byte("a"), []byte("b"), 0)
	c.Add(fp, false)

	verdict, ok := c.Get(fp)
	if !ok {
		t.Fatal("expected hit")
	}
	if verdict != false {
		t.Errorf("verdict = %v, want false", verdict)
	}
}

func TestPurge(t *testing.T) {
	c := New(10)
	fp := Sum(primitives.Hash{3}, 0, []byte("x"), []byte("y"), 0)
	c.Add(fp, true)
	c.Purge(fp)
	if c.Contains(fp) {
		t.Fatal("fp should be gone after Purge")
	}
}

func TestDistinctInputsDontCollide(t *testing.T) {
	txHash := primitives.Hash{4}
	fp0 := Sum(txHash, 0, []byte("script"), []byte("sig"), 0)
	fp1 := Sum(txHash, 1, []byte("script"), []byte("sig"), 0)
	if fp0 == fp1 {
		t.Fatal("different input indices must not produce the same fingerprint")
	}
}

func TestEvictsAtCapacity(t *testing.T) {
	c := New(2)
	for i := 0; i < 5; i++ {
		fp := Sum(primitives.Hash{byte(i)}, 0, []byte("s"), []byte("s"), 0)
		c.Add(fp, true)
		if c.Len() > 2 {
			t.Fatalf("cache grew beyond maxSize: len=%d", c.Len())
		}
	}
}
