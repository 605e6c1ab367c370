package selector

import (
	"sync"
	"testing"

	"github.com/btcnode/corechain/internal/chainindex"
	"github.com/btcnode/corechain/internal/eventbus"
	"github.com/btcnode/corechain/internal/storage"
	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/primitives"
)

type fakeBlacklist struct {
	mu   sync.Mutex
	bad  map[primitives.Hash]string
}

func newFakeBlacklist() *fakeBlacklist {
	return &fakeBlacklist{bad: make(map[primitives.Hash]string)}
}

func (f *fakeBlacklist) Contains(hash primitives.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.bad[hash]
	return ok
}

func (f *fakeBlacklist) Add(hash primitives.Hash, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bad[hash] = reason
	return nil
}

func header(prev primitives.Hash, bits uint32, nonce uint32) *block.Header {
	if bits == 0 {
		bits = 0x207fffff
	}
	return &block.Header{Version: 1, PrevHash: prev, Bits: bits, Nonce: nonce}
}

func setup(t *testing.T) (*chainindex.Index, *Selector, *eventbus.Bus, *fakeBlacklist) {
	t.Helper()
	bus := eventbus.New()
	idx := chainindex.New(storage.NewMemory(), bus)
	bl := newFakeBlacklist()
	sel := New(idx, bl, bus)
	return idx, sel, bus, bl
}

func TestSimpleExtension(t *testing.T) {
	idx, sel, _, _ := setup(t)

	gen := header(primitives.Hash{}, 0, 0)
	idx.InsertGenesis(gen)
	if sel.BestTip().Hash() != gen.Hash() {
		t.Fatal("genesis should become the initial tip")
	}

	b1 := header(gen.Hash(), 0, 1)
	idx.Insert(b1)
	if sel.BestTip().Hash() != b1.Hash() {
		t.Fatal("b1 should extend the tip")
	}
}

func TestFirstSeenTieBreak(t *testing.T) {
	idx, sel, _, _ := setup(t)

	gen := header(primitives.Hash{}, 0, 0)
	idx.InsertGenesis(gen)
	b1 := header(gen.Hash(), 0, 1)
	idx.Insert(b1)
	b2 := header(b1.Hash(), 0, 2)
	idx.Insert(b2)

	b3a := header(b2.Hash(), 0, 10)
	idx.Insert(b3a)
	if sel.BestTip().Hash() != b3a.Hash() {
		t.Fatal("b3a should become tip first")
	}

	// Equal work competitor must not displace the first-seen tip.
	b3b := header(b2.Hash(), 0, 20)
	idx.Insert(b3b)
	if sel.BestTip().Hash() != b3a.Hash() {
		t.Fatal("equal-work competitor must not displace the first-seen tip")
	}

	// Extending b3b gives it strictly greater work -> it takes over.
	b4b := header(b3b.Hash(), 0, 30)
	idx.Insert(b4b)
	if sel.BestTip().Hash() != b4b.Hash() {
		t.Fatal("b4b should take over once its chain has strictly greater work")
	}
}

func TestShorterButHeavierChainWins(t *testing.T) {
	idx, sel, _, _ := setup(t)

	easyBits := uint32(0x207fffff)
	hardBits := uint32(0x1e00ffff) // smaller target encoded as compact bits -> more work per header

	gen := header(primitives.Hash{}, easyBits, 0)
	idx.InsertGenesis(gen)

	cur := gen
	var tallTip *block.ChainedHeader
	for i := 1; i <= 5; i++ {
		cur = header(cur.Hash(), easyBits, uint32(i))
		tallTip, _ = idx.Insert(cur)
	}
	if sel.BestTip().Hash() != tallTip.Hash() {
		t.Fatal("tall easy chain should be the tip before the heavy fork appears")
	}

	heavy := header(gen.Hash(), hardBits, 99)
	idx.Insert(heavy)

	if sel.BestTip().Hash() != heavy.Hash() {
		t.Fatal("a shorter chain with greater cumulative work must become the tip")
	}
	if sel.BestTip().Height >= tallTip.Height {
		t.Fatalf("expected the winning tip at a lower height than %d, got %d", tallTip.Height, sel.BestTip().Height)
	}
}

func TestBlacklistTriggersRescan(t *testing.T) {
	idx, sel, _, bl := setup(t)

	gen := header(primitives.Hash{}, 0, 0)
	idx.InsertGenesis(gen)
	b1 := header(gen.Hash(), 0, 1)
	idx.Insert(b1)

	b2a := header(b1.Hash(), 0, 10)
	idx.Insert(b2a)
	if sel.BestTip().Hash() != b2a.Hash() {
		t.Fatal("b2a should be tip")
	}

	b2b := header(b1.Hash(), 0, 20)
	idx.Insert(b2b)
	b3b := header(b2b.Hash(), 0, 30)
	idx.Insert(b3b)
	if sel.BestTip().Hash() != b3b.Hash() {
		t.Fatal("b3b should overtake on greater work")
	}

	// Blacklisting b2b must dethrone b3b (which descends from it) in favor
	// of the clean b2a chain.
	bl.Add(b2b.Hash(), "bad merkle root")
	sel.onBlockInvalidated(b2b.Hash(), "bad merkle root")

	if sel.BestTip().Hash() != b2a.Hash() {
		t.Fatalf("rescan should fall back to the clean chain, got tip=%s", sel.BestTip().Hash())
	}
}
