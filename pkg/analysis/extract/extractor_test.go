package extract_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/theStache/Surfactant/pkg/analysis/disasm"
	"github.com/theStache/Surfactant/pkg/analysis/extract"
	"github.com/theStache/Surfactant/pkg/analysis/loader"
	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/testutil"
)

func newExtractor(t *testing.T) *extract.Extractor {
	t.Helper()
	ext, err := extract.New(disasm.NewX86(), extract.DefaultOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ext
}

func loadSample(t *testing.T) *loader.Binary {
	t.Helper()
	text, funcs, entry := testutil.SampleText()
	bin, err := loader.LoadBytes("sample", testutil.BuildELF(t, text, entry, funcs))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}
	return bin
}

func TestNew_RequiresDisassembler(t *testing.T) {
	if _, err := extract.New(nil, extract.DefaultOptions()); err == nil {
		t.Fatal("expected an error for a nil disassembler")
	}
}

func TestExtractAll_SymbolStarts(t *testing.T) {
	bin := loadSample(t)
	ext := newExtractor(t)

	units, report, err := ext.ExtractAll(context.Background(), bin, bin.FunctionStarts())
	if err != nil {
		t.Fatalf("ExtractAll failed: %v", err)
	}
	if report.Functions != 4 || len(units) != 4 {
		t.Fatalf("extracted %d units (report %d), want 4", len(units), report.Functions)
	}
	if len(report.Skips) != 0 {
		t.Errorf("unexpected skips: %+v", report.Skips)
	}

	want := []struct {
		symbol string
		length uint64
		blocks int
		depth  int
	}{
		{"leaf_const", 6, 1, 0},
		{"branch_diamond", 18, 4, 2},
		{"count_loop", 10, 3, 2},
		{"call_leaf", 11, 2, 1},
	}
	for i, w := range want {
		fu := units[i]
		if fu.SymbolName != w.symbol {
			t.Errorf("unit %d: symbol %q, want %q", i, fu.SymbolName, w.symbol)
			continue
		}
		if fu.BinaryID != bin.ID {
			t.Errorf("%s: binary id %q", w.symbol, fu.BinaryID)
		}
		if fu.ByteLength != w.length {
			t.Errorf("%s: byte length %d, want %d", w.symbol, fu.ByteLength, w.length)
		}
		if got := len(fu.Graph.Blocks); got != w.blocks {
			t.Errorf("%s: %d blocks, want %d", w.symbol, got, w.blocks)
		}
		if got := fu.Graph.MaxDepth(); got != w.depth {
			t.Errorf("%s: max depth %d, want %d", w.symbol, got, w.depth)
		}
	}

	// The caller records the leaf as its only call target.
	caller := units[3]
	if len(caller.CallTargets) != 1 || caller.CallTargets[0] != units[0].EntryOffset {
		t.Errorf("caller targets %v, want [0x%x]", caller.CallTargets, units[0].EntryOffset)
	}

	// The diamond's entry block carries both the conditional edge and the
	// fall-through.
	diamond := units[1].Graph
	if got := len(diamond.Blocks[0].Succs); got != 2 {
		t.Errorf("diamond entry has %d successors, want 2", got)
	}
	if diamond.EdgeCount() != 4 {
		t.Errorf("diamond edge count %d, want 4", diamond.EdgeCount())
	}

	// The loop body is its own successor through the backward jne.
	loop := units[2].Graph
	var hasBackEdge bool
	for _, e := range loop.Blocks[1].Succs {
		if loop.Blocks[e.To].Addr <= loop.Blocks[1].Addr {
			hasBackEdge = true
		}
	}
	if !hasBackEdge {
		t.Error("loop body lost its back edge")
	}
}

func TestForEach_StreamsInAddressOrder(t *testing.T) {
	bin := loadSample(t)
	ext := newExtractor(t)

	var entries []uint64
	report, err := ext.ForEach(context.Background(), bin, bin.FunctionStarts(), func(fu *extract.FunctionUnit) error {
		entries = append(entries, fu.EntryOffset)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	if report.Functions != 4 {
		t.Fatalf("report %d functions, want 4", report.Functions)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i] <= entries[i-1] {
			t.Fatalf("entries out of order: %v", entries)
		}
	}
}

func TestForEach_CallbackErrorStops(t *testing.T) {
	bin := loadSample(t)
	ext := newExtractor(t)

	boom := errors.New("sink full")
	report, err := ext.ForEach(context.Background(), bin, bin.FunctionStarts(), func(*extract.FunctionUnit) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the callback error", err)
	}
	if report.Functions != 0 {
		t.Errorf("report %d functions, want 0", report.Functions)
	}
}

func TestForEach_CanceledContext(t *testing.T) {
	bin := loadSample(t)
	ext := newExtractor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ext.ForEach(ctx, bin, bin.FunctionStarts(), func(*extract.FunctionUnit) error {
		t.Fatal("callback ran under a canceled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestForEach_DiscoveredStartInsideSymbolBody(t *testing.T) {
	bin := loadSample(t)
	ext := newExtractor(t)

	// A discovered address inside a symbol-confirmed body is a boundary
	// artifact and must not become a function.
	starts := bin.FunctionStarts()
	inside := starts[1] + 5
	starts = append(starts, inside)

	units, report, err := ext.ExtractAll(context.Background(), bin, starts)
	if err != nil {
		t.Fatalf("ExtractAll failed: %v", err)
	}
	if report.Functions != 4 || len(units) != 4 {
		t.Errorf("extracted %d, want 4", len(units))
	}
	if report.Overlapped != 1 {
		t.Errorf("overlapped %d, want 1", report.Overlapped)
	}
}

func TestForEach_SkipIsolation(t *testing.T) {
	// Three symbol-confirmed functions; the middle one starts with a byte
	// that cannot decode. The failure must not leak into its neighbors.
	good := []byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3}
	bad := []byte{0x06, 0xc3}
	funcs := []testutil.TextFunc{
		{Name: "good_a", Off: 0x00, Code: good},
		{Name: "broken", Off: 0x10, Code: bad},
		{Name: "good_b", Off: 0x20, Code: good},
	}
	text := make([]byte, 0x26)
	for i := range text {
		text[i] = 0x90
	}
	for _, f := range funcs {
		copy(text[f.Off:], f.Code)
	}

	bin, err := loader.LoadBytes("mixed", testutil.BuildELF(t, text, 0, funcs))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}

	ext := newExtractor(t)
	units, report, err := ext.ExtractAll(context.Background(), bin, bin.FunctionStarts())
	if err != nil {
		t.Fatalf("ExtractAll failed: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("extracted %d units, want 2", len(units))
	}
	if units[0].SymbolName != "good_a" || units[1].SymbolName != "good_b" {
		t.Errorf("wrong survivors: %q, %q", units[0].SymbolName, units[1].SymbolName)
	}
	if len(report.Skips) != 1 {
		t.Fatalf("got %d skips, want 1", len(report.Skips))
	}
	skip := report.Skips[0]
	if skip.Offset != testutil.TextVaddr+0x10 {
		t.Errorf("skip offset 0x%x, want 0x%x", skip.Offset, testutil.TextVaddr+0x10)
	}
	if skip.Reason == "" {
		t.Error("skip carries no reason")
	}
}

func TestForEach_TimeoutSkipIsolation(t *testing.T) {
	// A long nop sled trips the per-function deadline while the short leaf
	// stays under the deadline check stride and extracts normally.
	sled := make([]byte, 0, 130)
	for i := 0; i < 128; i++ {
		sled = append(sled, 0x90)
	}
	sled = append(sled, 0xc3)
	leaf := []byte{0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc3}

	funcs := []testutil.TextFunc{
		{Name: "sled", Off: 0x00, Code: sled},
		{Name: "leaf", Off: 0x90, Code: leaf},
	}
	text := make([]byte, 0x96)
	for i := range text {
		text[i] = 0x90
	}
	for _, f := range funcs {
		copy(text[f.Off:], f.Code)
	}

	bin, err := loader.LoadBytes("sled", testutil.BuildELF(t, text, 0, funcs))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}

	ext, err := extract.New(disasm.NewX86(), extract.Options{FunctionTimeout: time.Nanosecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	units, report, err := ext.ExtractAll(context.Background(), bin, bin.FunctionStarts())
	if err != nil {
		t.Fatalf("ExtractAll failed: %v", err)
	}
	if len(units) != 1 || units[0].SymbolName != "leaf" {
		t.Fatalf("survivors %+v, want only the leaf", units)
	}
	if len(report.Skips) != 1 || report.Skips[0].Reason != "analysis timeout" {
		t.Fatalf("skips %+v, want one analysis timeout", report.Skips)
	}
}

func TestDiscoverStarts(t *testing.T) {
	// Stripped image: only the entry point and its call graph are visible.
	// The branch and loop functions are never called, so discovery must not
	// find them.
	text, funcs, entry := testutil.SampleText()
	bin, err := loader.LoadBytes("stripped", testutil.BuildELF(t, text, entry, nil))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}

	ext := newExtractor(t)
	starts, err := ext.DiscoverStarts(context.Background(), bin)
	if err != nil {
		t.Fatalf("DiscoverStarts failed: %v", err)
	}

	want := []uint64{
		testutil.TextVaddr + funcs[0].Off, // the called leaf
		testutil.TextVaddr + entry,        // the entry point
	}
	if len(starts) != len(want) {
		t.Fatalf("starts %v, want %v", starts, want)
	}
	for i := range want {
		if starts[i] != want[i] {
			t.Errorf("start %d: 0x%x, want 0x%x", i, starts[i], want[i])
		}
	}

	// Extraction over discovered starts produces unnamed units.
	units, report, err := ext.ExtractAll(context.Background(), bin, starts)
	if err != nil {
		t.Fatalf("ExtractAll failed: %v", err)
	}
	if report.Functions != 2 {
		t.Fatalf("extracted %d, want 2", report.Functions)
	}
	for _, fu := range units {
		if fu.SymbolName != "" {
			t.Errorf("stripped unit carries symbol %q", fu.SymbolName)
		}
	}
	if units[0].ByteLength != 6 {
		t.Errorf("leaf length %d, want 6", units[0].ByteLength)
	}
}

func TestDiscoverStarts_EntryOutsideCode(t *testing.T) {
	text, _, _ := testutil.SampleText()
	bin, err := loader.LoadBytes("bad-entry", testutil.BuildELF(t, text, 0x5000, nil))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}

	ext := newExtractor(t)
	if _, err := ext.DiscoverStarts(context.Background(), bin); !errors.Is(err, models.ErrAnalysis) {
		t.Fatalf("got %v, want ErrAnalysis", err)
	}
}
