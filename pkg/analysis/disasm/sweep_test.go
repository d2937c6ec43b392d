package disasm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/theStache/Surfactant/pkg/analysis/disasm"
	"github.com/theStache/Surfactant/pkg/analysis/loader"
	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/testutil"
)

// loadSample builds the four-function ELF and returns it with the symbol
// addresses resolved.
func loadSample(t *testing.T) (*loader.Binary, map[string]uint64) {
	t.Helper()
	text, funcs, entry := testutil.SampleText()
	bin, err := loader.LoadBytes("sample", testutil.BuildELF(t, text, entry, funcs))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}
	addrs := make(map[string]uint64, len(funcs))
	for _, f := range funcs {
		addrs[f.Name] = testutil.TextVaddr + f.Off
	}
	return bin, addrs
}

func disassemble(t *testing.T, bin *loader.Binary, start uint64) *disasm.Result {
	t.Helper()
	res, err := disasm.NewX86().Disassemble(context.Background(), bin, start, bin.SymbolEnd(start))
	if err != nil {
		t.Fatalf("Disassemble(0x%x) failed: %v", start, err)
	}
	return res
}

func TestDisassemble_StraightLine(t *testing.T) {
	bin, addrs := loadSample(t)
	start := addrs["leaf_const"]

	res := disassemble(t, bin, start)

	if len(res.Instructions) != 2 {
		t.Fatalf("got %d instructions, want 2", len(res.Instructions))
	}
	if res.Instructions[0].Category != disasm.CatMove || res.Instructions[1].Category != disasm.CatRet {
		t.Errorf("categories %s, %s", res.Instructions[0].Category, res.Instructions[1].Category)
	}
	if res.End != start+6 {
		t.Errorf("end 0x%x, want 0x%x", res.End, start+6)
	}
	if len(res.Leaders) != 1 || !res.Leaders[start] {
		t.Errorf("leaders %v, want only the entry", res.Leaders)
	}
	if len(res.CallTargets) != 0 {
		t.Errorf("unexpected call targets %v", res.CallTargets)
	}
}

func TestDisassemble_BranchLeaders(t *testing.T) {
	bin, addrs := loadSample(t)
	start := addrs["branch_diamond"]

	res := disassemble(t, bin, start)

	if len(res.Instructions) != 6 {
		t.Fatalf("got %d instructions, want 6", len(res.Instructions))
	}

	// Entry, the fall-through after je, the je target, the jmp target.
	for _, off := range []uint64{0, 5, 12, 17} {
		if !res.Leaders[start+off] {
			t.Errorf("missing leader at +0x%x; leaders: %v", off, res.Leaders)
		}
	}
	if len(res.Leaders) != 4 {
		t.Errorf("got %d leaders, want 4", len(res.Leaders))
	}
	if res.End != start+18 {
		t.Errorf("end 0x%x, want 0x%x", res.End, start+18)
	}
}

func TestDisassemble_LoopLeaders(t *testing.T) {
	bin, addrs := loadSample(t)
	start := addrs["count_loop"]

	res := disassemble(t, bin, start)

	if len(res.Instructions) != 4 {
		t.Fatalf("got %d instructions, want 4", len(res.Instructions))
	}
	// The backward jne turns the loop body into a leader.
	for _, off := range []uint64{0, 5, 9} {
		if !res.Leaders[start+off] {
			t.Errorf("missing leader at +0x%x; leaders: %v", off, res.Leaders)
		}
	}
	if res.End != start+10 {
		t.Errorf("end 0x%x, want 0x%x", res.End, start+10)
	}
}

func TestDisassemble_RecordsCallTargets(t *testing.T) {
	bin, addrs := loadSample(t)
	start := addrs["call_leaf"]

	res := disassemble(t, bin, start)

	if len(res.CallTargets) != 1 || res.CallTargets[0] != addrs["leaf_const"] {
		t.Fatalf("call targets %v, want [0x%x]", res.CallTargets, addrs["leaf_const"])
	}
	// The post-call address starts a new block; the callee does not.
	if !res.Leaders[start+5] {
		t.Errorf("missing post-call leader; leaders: %v", res.Leaders)
	}
	if res.Leaders[addrs["leaf_const"]] {
		t.Error("call target leaked into the leader set")
	}
}

func TestDisassemble_ZeroLimitStopsAtRet(t *testing.T) {
	bin, addrs := loadSample(t)
	start := addrs["call_leaf"]

	// Limit 0 means "to the end of the section": the sweep must still stop
	// at the ret instead of decoding the padding behind it.
	res, err := disasm.NewX86().Disassemble(context.Background(), bin, start, 0)
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if res.End != start+11 {
		t.Errorf("end 0x%x, want 0x%x", res.End, start+11)
	}
	if len(res.Instructions) != 3 {
		t.Errorf("got %d instructions, want 3", len(res.Instructions))
	}
}

func TestDisassemble_OverlapKeepsEarliestDecode(t *testing.T) {
	// A jump back into the middle of the mov produces a second, overlapping
	// instruction stream. The result must keep the earliest decode at each
	// address range.
	text := []byte{
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xeb, 0xfb, // jmp -5 (into the mov immediate)
		0xc3, // ret
	}
	bin, err := loader.LoadBytes("overlap", testutil.BuildELF(t, text, 0, []testutil.TextFunc{
		{Name: "overlap", Off: 0, Code: text},
	}))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}

	start := uint64(testutil.TextVaddr)
	res, err := disasm.NewX86().Disassemble(context.Background(), bin, start, start+uint64(len(text)))
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}

	if len(res.Instructions) != 3 {
		t.Fatalf("got %d instructions, want 3 after overlap pruning", len(res.Instructions))
	}
	var prevEnd uint64
	for _, inst := range res.Instructions {
		if inst.Addr < prevEnd {
			t.Errorf("instruction at 0x%x starts inside its predecessor", inst.Addr)
		}
		prevEnd = inst.Addr + uint64(inst.Len)
	}
	if res.End != start+8 {
		t.Errorf("end 0x%x, want 0x%x", res.End, start+8)
	}
}

func TestDisassemble_Errors(t *testing.T) {
	bin, _ := loadSample(t)

	// Outside any executable section.
	_, err := disasm.NewX86().Disassemble(context.Background(), bin, 0x10, 0)
	if !errors.Is(err, models.ErrAnalysis) {
		t.Errorf("bad start: got %v, want ErrAnalysis", err)
	}

	// 0x06 cannot decode in 64-bit mode.
	junk := []byte{0x06, 0xc3}
	junkBin, err := loader.LoadBytes("junk", testutil.BuildELF(t, junk, 0, []testutil.TextFunc{
		{Name: "junk", Off: 0, Code: junk},
	}))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}
	_, err = disasm.NewX86().Disassemble(context.Background(), junkBin, testutil.TextVaddr, 0)
	if !errors.Is(err, models.ErrAnalysis) {
		t.Errorf("undecodable byte: got %v, want ErrAnalysis", err)
	}
}

func TestDisassemble_ExpiredContext(t *testing.T) {
	// The deadline check fires every 64 decoded instructions, so the body
	// must be long enough to reach it.
	text := make([]byte, 0, 130)
	for i := 0; i < 128; i++ {
		text = append(text, 0x90) // nop
	}
	text = append(text, 0xc3)

	bin, err := loader.LoadBytes("sled", testutil.BuildELF(t, text, 0, []testutil.TextFunc{
		{Name: "sled", Off: 0, Code: text},
	}))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err = disasm.NewX86().Disassemble(ctx, bin, testutil.TextVaddr, 0)
	if !errors.Is(err, models.ErrAnalysisTimeout) {
		t.Fatalf("got %v, want ErrAnalysisTimeout", err)
	}
}

func TestDisassemble_ARM64(t *testing.T) {
	text := []byte{
		0x40, 0x05, 0x80, 0xd2, // mov x0, #42
		0xc0, 0x03, 0x5f, 0xd6, // ret
	}
	img := testutil.BuildELF(t, text, 0, []testutil.TextFunc{
		{Name: "answer", Off: 0, Code: text},
	})
	// Rewrite e_machine to EM_AARCH64.
	img[18], img[19] = 0xb7, 0x00

	bin, err := loader.LoadBytes("arm-sample", img)
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}
	if bin.Arch != models.ArchARM64 {
		t.Fatalf("arch %q, want %q", bin.Arch, models.ArchARM64)
	}

	dis := disasm.ForArch(bin.Arch)
	if dis == nil {
		t.Fatal("no disassembler for aarch64")
	}

	res, err := dis.Disassemble(context.Background(), bin, testutil.TextVaddr, 0)
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if len(res.Instructions) != 2 {
		t.Fatalf("got %d instructions, want 2", len(res.Instructions))
	}
	if res.Instructions[0].Category != disasm.CatMove {
		t.Errorf("first instruction %s, want move", res.Instructions[0].Category)
	}
	if res.Instructions[1].Category != disasm.CatRet {
		t.Errorf("second instruction %s, want ret", res.Instructions[1].Category)
	}
}

func TestForArch(t *testing.T) {
	if d := disasm.ForArch(models.ArchX86_64); d == nil || d.Arch() != models.ArchX86_64 {
		t.Error("no x86-64 backend")
	}
	if d := disasm.ForArch(models.ArchARM64); d == nil || d.Arch() != models.ArchARM64 {
		t.Error("no aarch64 backend")
	}
	if d := disasm.ForArch("mips"); d != nil {
		t.Error("unexpected backend for mips")
	}
}
