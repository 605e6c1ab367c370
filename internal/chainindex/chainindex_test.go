package chainindex

import (
	"errors"
	"testing"

	"github.com/btcnode/corechain/internal/eventbus"
	"github.com/btcnode/corechain/internal/storage"
	"github.com/btcnode/corechain/internal/work"
	"github.com/btcnode/corechain/pkg/block"
	"github.com/btcnode/corechain/pkg/primitives"
)

func header(prev primitives.Hash, nonce uint32) *block.Header {
	return &block.Header{
		Version:  1,
		PrevHash: prev,
		Bits:     0x207fffff,
		Nonce:    nonce,
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	return New(storage.NewMemory(), eventbus.New())
}

func TestInsertGenesisThenChild(t *testing.T) {
	idx := newTestIndex(t)
	gen := header(primitives.Hash{}, 0)

	genCH, err := idx.InsertGenesis(gen)
	if err != nil {
		t.Fatalf("InsertGenesis: %v", err)
	}
	if genCH.Height != 0 {
		t.Fatalf("genesis height = %d, want 0", genCH.Height)
	}

	child := header(gen.Hash(), 1)
	childCH, err := idx.Insert(child)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if childCH.Height != 1 {
		t.Fatalf("child height = %d, want 1", childCH.Height)
	}
	if !childCH.TotalWork.GreaterThan(genCH.TotalWork) {
		t.Fatal("child total_work should exceed genesis total_work")
	}
}

func TestInsertUnknownParent(t *testing.T) {
	idx := newTestIndex(t)
	orphan := header(primitives.Hash{0xAB}, 1)
	_, err := idx.Insert(orphan)
	if !errors.Is(err, ErrUnknownParent) {
		t.Fatalf("err = %v, want ErrUnknownParent", err)
	}
}

func TestGetNotFound(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Get(primitives.Hash{0x01})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestWalkAncestorsTerminatesAtGenesis(t *testing.T) {
	idx := newTestIndex(t)
	gen := header(primitives.Hash{}, 0)
	genCH, _ := idx.InsertGenesis(gen)

	cur := gen
	var tip *block.Header
	for i := 1; i <= 3; i++ {
		cur = header(cur.Hash(), uint32(i))
		idx.Insert(cur)
		tip = cur
	}

	var heights []uint64
	for ch := range idx.WalkAncestors(tip.Hash()) {
		heights = append(heights, ch.Height)
	}
	if len(heights) != 4 {
		t.Fatalf("walked %d headers, want 4", len(heights))
	}
	if heights[len(heights)-1] != genCH.Height {
		t.Fatalf("walk should terminate at genesis, last height = %d", heights[len(heights)-1])
	}
	for i := 0; i < len(heights)-1; i++ {
		if heights[i] != heights[i+1]+1 {
			t.Fatalf("heights not strictly descending: %v", heights)
		}
	}
}

func TestFindCommonAncestor(t *testing.T) {
	idx := newTestIndex(t)
	gen := header(primitives.Hash{}, 0)
	idx.InsertGenesis(gen)

	b1 := header(gen.Hash(), 1)
	idx.Insert(b1)
	b2 := header(b1.Hash(), 2)
	idx.Insert(b2)

	// Fork at b2: branch A and branch B.
	a1 := header(b2.Hash(), 100)
	idx.Insert(a1)
	a2 := header(a1.Hash(), 101)
	idx.Insert(a2)

	b1b := header(b2.Hash(), 200)
	idx.Insert(b1b)

	ancestor, err := idx.FindCommonAncestor(a2.Hash(), b1b.Hash())
	if err != nil {
		t.Fatalf("FindCommonAncestor: %v", err)
	}
	if ancestor.Hash() != b2.Hash() {
		t.Fatalf("common ancestor = %s, want b2 = %s", ancestor.Hash(), b2.Hash())
	}
}

func TestMaterializeChainAndForkPoint(t *testing.T) {
	idx := newTestIndex(t)
	gen := header(primitives.Hash{}, 0)
	idx.InsertGenesis(gen)

	b1 := header(gen.Hash(), 1)
	idx.Insert(b1)
	b2 := header(b1.Hash(), 2)
	idx.Insert(b2)

	a3 := header(b2.Hash(), 100)
	idx.Insert(a3)
	a4 := header(a3.Hash(), 101)
	idx.Insert(a4)
	c3 := header(b2.Hash(), 200)
	idx.Insert(c3)

	chainA, err := idx.MaterializeChain(a4.Hash())
	if err != nil {
		t.Fatalf("materialize chain A: %v", err)
	}
	if chainA.Height() != 4 || chainA.Genesis().Hash() != gen.Hash() || chainA.Tip().Hash() != a4.Hash() {
		t.Fatalf("chain A shape wrong: height=%d", chainA.Height())
	}
	if at, ok := chainA.At(2); !ok || at.Hash() != b2.Hash() {
		t.Fatal("At(2) should return b2")
	}

	chainC, err := idx.MaterializeChain(c3.Hash())
	if err != nil {
		t.Fatalf("materialize chain C: %v", err)
	}
	fork, err := chainA.ForkPoint(chainC)
	if err != nil {
		t.Fatalf("ForkPoint: %v", err)
	}
	if fork.Hash() != b2.Hash() {
		t.Fatalf("fork point = %s, want b2", fork.Hash())
	}
}

func TestInsertWithWorkValidatesClaim(t *testing.T) {
	idx := newTestIndex(t)
	gen := header(primitives.Hash{}, 0)
	genCH, _ := idx.InsertGenesis(gen)

	child := header(gen.Hash(), 1)
	claimed := genCH.TotalWork.Add(primitives.WorkFromBits(work.CompactToTarget(child.Bits)))

	ch, err := idx.InsertWithWork(child, claimed)
	if err != nil {
		t.Fatalf("InsertWithWork with correct claim: %v", err)
	}
	if ch.TotalWork.Cmp(claimed) != 0 {
		t.Fatalf("stored work %s, want %s", ch.TotalWork, claimed)
	}

	bogus := header(ch.Hash(), 2)
	_, err = idx.InsertWithWork(bogus, genCH.TotalWork)
	if !errors.Is(err, ErrInvalidWork) {
		t.Fatalf("err = %v, want ErrInvalidWork", err)
	}
}

func TestInsertGenesisIdempotent(t *testing.T) {
	idx := newTestIndex(t)
	gen := header(primitives.Hash{}, 0)

	first, err := idx.InsertGenesis(gen)
	if err != nil {
		t.Fatalf("first InsertGenesis: %v", err)
	}
	second, err := idx.InsertGenesis(gen)
	if err != nil {
		t.Fatalf("second InsertGenesis: %v", err)
	}
	if first.Hash() != second.Hash() {
		t.Fatal("idempotent InsertGenesis should return the same header")
	}
}

func TestHeaderIndexedEventFires(t *testing.T) {
	bus := eventbus.New()
	idx := New(storage.NewMemory(), bus)

	var fired int
	bus.OnHeaderIndexed(func(h *block.ChainedHeader) { fired++ })

	gen := header(primitives.Hash{}, 0)
	idx.InsertGenesis(gen)
	idx.Insert(header(gen.Hash(), 1))

	if fired != 2 {
		t.Fatalf("fired = %d, want 2", fired)
	}
}
