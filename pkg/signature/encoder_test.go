package signature_test

import (
	"math"
	"testing"

	"github.com/theStache/Surfactant/pkg/analysis/disasm"
	"github.com/theStache/Surfactant/pkg/analysis/extract"
	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/signature"
	"github.com/theStache/Surfactant/pkg/testutil"
)

const testBinID = "cccc000000000000000000000000000000000000000000000000000000000001"

func newEncoder(t *testing.T, strategy string) *signature.Encoder {
	t.Helper()
	enc, err := signature.NewEncoder(strategy)
	if err != nil {
		t.Fatalf("NewEncoder(%q) failed: %v", strategy, err)
	}
	return enc
}

// chain builds a straight-line graph with one block per category list,
// fallthrough-linked, ending in a ret block.
func chain(base uint64, blockCats ...[]disasm.Category) *extract.ControlFlowGraph {
	blocks := make([]extract.BasicBlock, 0, len(blockCats)+1)
	for i, cats := range blockCats {
		blocks = append(blocks, testutil.Block(base+uint64(0x10*i), cats,
			extract.Edge{To: i + 1, Type: extract.EdgeFallthrough}))
	}
	blocks = append(blocks, testutil.Block(base+uint64(0x10*len(blockCats)),
		[]disasm.Category{disasm.CatRet}))
	return testutil.BuildGraph(blocks...)
}

func l2dist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func TestNewEncoder(t *testing.T) {
	t.Parallel()

	if enc := newEncoder(t, ""); enc.Strategy() != models.StrategyWeighted {
		t.Errorf("default strategy %q, want %q", enc.Strategy(), models.StrategyWeighted)
	}
	if enc := newEncoder(t, models.StrategyMinHash); enc.Strategy() != models.StrategyMinHash {
		t.Errorf("strategy %q, want %q", enc.Strategy(), models.StrategyMinHash)
	}
	if _, err := signature.NewEncoder("simhash"); err == nil {
		t.Error("expected an error for an unknown strategy")
	}
	if enc := newEncoder(t, ""); enc.Dim() != models.SignatureDim {
		t.Errorf("dim %d, want %d", enc.Dim(), models.SignatureDim)
	}
}

func TestEncode_Deterministic(t *testing.T) {
	t.Parallel()

	for _, strategy := range []string{models.StrategyWeighted, models.StrategyMinHash} {
		enc := newEncoder(t, strategy)
		unit := testutil.Unit(testBinID, 0x1000, testutil.DiamondGraph())

		a, err := enc.Encode(unit)
		if err != nil {
			t.Fatalf("%s: Encode failed: %v", strategy, err)
		}
		b, err := enc.Encode(unit)
		if err != nil {
			t.Fatalf("%s: second Encode failed: %v", strategy, err)
		}
		if len(a) != models.SignatureDim {
			t.Fatalf("%s: dim %d, want %d", strategy, len(a), models.SignatureDim)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("%s: component %d differs across encodes: %v vs %v", strategy, i, a[i], b[i])
			}
		}
	}
}

func TestEncode_AddressInvariance(t *testing.T) {
	t.Parallel()

	enc := newEncoder(t, models.StrategyWeighted)

	// The same shape laid out at two different load addresses must encode to
	// bit-identical vectors.
	lo := testutil.Unit(testBinID, 0x1000, chain(0x1000,
		[]disasm.Category{disasm.CatMove, disasm.CatArith},
		[]disasm.Category{disasm.CatLogic, disasm.CatLogic}))
	hi := testutil.Unit(testBinID, 0x7f1000, chain(0x7f1000,
		[]disasm.Category{disasm.CatMove, disasm.CatArith},
		[]disasm.Category{disasm.CatLogic, disasm.CatLogic}))

	a, err := enc.Encode(lo)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := enc.Encode(hi)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("component %d differs with load address: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestEncode_DegenerateUnits(t *testing.T) {
	t.Parallel()

	enc := newEncoder(t, models.StrategyWeighted)

	if _, err := enc.Encode(nil); err == nil {
		t.Error("nil unit should be an error")
	}

	// No graph and an instruction-free graph both get the canonical all-zero
	// vector: storable, and matching only other degenerate functions.
	for _, unit := range []*extract.FunctionUnit{
		{BinaryID: testBinID, EntryOffset: 0x1000},
		testutil.Unit(testBinID, 0x1000, &extract.ControlFlowGraph{}),
	} {
		vec, err := enc.Encode(unit)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if len(vec) != models.SignatureDim {
			t.Fatalf("dim %d, want %d", len(vec), models.SignatureDim)
		}
		for i, v := range vec {
			if v != 0 {
				t.Fatalf("component %d = %v, want all zeros", i, v)
			}
		}
	}
}

func TestEncode_WeightedUnitNorm(t *testing.T) {
	t.Parallel()

	enc := newEncoder(t, models.StrategyWeighted)
	vec, err := enc.Encode(testutil.Unit(testBinID, 0x1000, testutil.LoopGraph()))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1.0) > 1e-5 {
		t.Errorf("squared norm %v, want 1", sum)
	}
}

func TestEncode_SeparatesShapes(t *testing.T) {
	t.Parallel()

	enc := newEncoder(t, models.StrategyWeighted)

	diamond, err := enc.Encode(testutil.Unit(testBinID, 0x1000, testutil.DiamondGraph()))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	loop, err := enc.Encode(testutil.Unit(testBinID, 0x2000, testutil.LoopGraph()))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if l2dist(diamond, loop) < 1e-3 {
		t.Error("structurally different functions encode too close together")
	}
}

// TestEncode_BlockOrderInvariance permutes the listing order of a chain's
// interior blocks while preserving the edge structure. Signatures aggregate
// over the block set, so both strategies must produce bit-identical vectors.
func TestEncode_BlockOrderInvariance(t *testing.T) {
	t.Parallel()

	catsA := []disasm.Category{disasm.CatMove, disasm.CatMove}
	catsB := []disasm.Category{disasm.CatArith, disasm.CatArith, disasm.CatArith}
	catsC := []disasm.Category{disasm.CatLogic, disasm.CatCall}
	ret := []disasm.Category{disasm.CatRet}

	// a -> b -> c -> ret in listing order.
	ordered := testutil.BuildGraph(
		testutil.Block(0x1000, catsA, extract.Edge{To: 1, Type: extract.EdgeFallthrough}),
		testutil.Block(0x1010, catsB, extract.Edge{To: 2, Type: extract.EdgeFallthrough}),
		testutil.Block(0x1020, catsC, extract.Edge{To: 3, Type: extract.EdgeFallthrough}),
		testutil.Block(0x1030, ret),
	)
	// Same chain with b and c swapped in the listing.
	permuted := testutil.BuildGraph(
		testutil.Block(0x1000, catsA, extract.Edge{To: 2, Type: extract.EdgeFallthrough}),
		testutil.Block(0x1020, catsC, extract.Edge{To: 3, Type: extract.EdgeFallthrough}),
		testutil.Block(0x1010, catsB, extract.Edge{To: 1, Type: extract.EdgeFallthrough}),
		testutil.Block(0x1030, ret),
	)

	for _, strategy := range []string{models.StrategyWeighted, models.StrategyMinHash} {
		enc := newEncoder(t, strategy)
		a, err := enc.Encode(testutil.Unit(testBinID, 0x1000, ordered))
		if err != nil {
			t.Fatalf("%s: Encode failed: %v", strategy, err)
		}
		b, err := enc.Encode(testutil.Unit(testBinID, 0x1000, permuted))
		if err != nil {
			t.Fatalf("%s: Encode failed: %v", strategy, err)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("%s: component %d differs under block reordering: %v vs %v", strategy, i, a[i], b[i])
			}
		}
	}
}

func TestEncode_DepthWeighting(t *testing.T) {
	t.Parallel()

	enc := newEncoder(t, models.StrategyWeighted)

	mk := func(entryCat, deepCat disasm.Category) []float32 {
		g := chain(0x1000,
			[]disasm.Category{entryCat, disasm.CatMove},
			[]disasm.Category{disasm.CatMove, disasm.CatMove},
			[]disasm.Category{disasm.CatMove, disasm.CatMove},
			[]disasm.Category{deepCat, disasm.CatMove})
		vec, err := enc.Encode(testutil.Unit(testBinID, 0x1000, g))
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		return vec
	}

	base := mk(disasm.CatMove, disasm.CatMove)
	entryEdit := mk(disasm.CatArith, disasm.CatMove)
	deepEdit := mk(disasm.CatMove, disasm.CatArith)

	dEntry := l2dist(base, entryEdit)
	dDeep := l2dist(base, deepEdit)
	if dDeep >= dEntry {
		t.Errorf("deep edit perturbs more than an entry edit: %v >= %v", dDeep, dEntry)
	}
	if dDeep == 0 {
		t.Error("deep edit must still perturb the vector")
	}
}

func TestEncode_MinHashSharedBlocks(t *testing.T) {
	t.Parallel()

	enc := newEncoder(t, models.StrategyMinHash)

	encode := func(g *extract.ControlFlowGraph) []float32 {
		vec, err := enc.Encode(testutil.Unit(testBinID, 0x1000, g))
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		return vec
	}
	sharedSlots := func(a, b []float32) int {
		n := 0
		for i := range a {
			if a[i] == b[i] {
				n++
			}
		}
		return n
	}

	base := encode(chain(0x1000,
		[]disasm.Category{disasm.CatMove, disasm.CatMove},
		[]disasm.Category{disasm.CatArith, disasm.CatArith, disasm.CatArith},
		[]disasm.Category{disasm.CatLogic, disasm.CatCall}))

	// One block rewritten out of four: most shingles survive, so most
	// min-hash slots must agree.
	sibling := encode(chain(0x1000,
		[]disasm.Category{disasm.CatMove, disasm.CatMove},
		[]disasm.Category{disasm.CatArith, disasm.CatArith, disasm.CatArith},
		[]disasm.Category{disasm.CatOther, disasm.CatOther, disasm.CatOther, disasm.CatOther}))

	// Nothing in common beyond the ret block.
	unrelated := encode(chain(0x1000,
		[]disasm.Category{disasm.CatCall, disasm.CatCall, disasm.CatCall, disasm.CatCall, disasm.CatCall},
		[]disasm.Category{disasm.CatBranchCond},
		[]disasm.Category{disasm.CatMove, disasm.CatLogic, disasm.CatArith, disasm.CatOther}))

	near := sharedSlots(base, sibling)
	far := sharedSlots(base, unrelated)
	if near <= far {
		t.Errorf("sibling shares %d slots, unrelated %d; want sibling > unrelated", near, far)
	}
	if near < models.SignatureDim/4 {
		t.Errorf("sibling shares only %d of %d slots", near, models.SignatureDim)
	}
}
