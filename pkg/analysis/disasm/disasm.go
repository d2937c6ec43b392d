// Package disasm defines the disassembly capability the extractor consumes,
// plus lightweight default backends for x86-64 and AArch64 built on
// golang.org/x/arch. Instructions are abstracted to an opcode category and
// operand-type classes; raw operand values never leave this package, so
// downstream fingerprints stay invariant under relocation and address
// differences.
package disasm

import (
	"context"

	"github.com/theStache/Surfactant/pkg/analysis/loader"
)

// Category classifies an instruction by structural role. The eight buckets
// feed the block-level histograms directly.
type Category uint8

const (
	CatOther Category = iota
	CatArith
	CatLogic
	CatMove
	CatBranchCond
	CatBranchUncond
	CatCall
	CatRet

	NumCategories = 8
)

func (c Category) String() string {
	switch c {
	case CatArith:
		return "arith"
	case CatLogic:
		return "logic"
	case CatMove:
		return "move"
	case CatBranchCond:
		return "branch-cond"
	case CatBranchUncond:
		return "branch-uncond"
	case CatCall:
		return "call"
	case CatRet:
		return "ret"
	}
	return "other"
}

// OperandClass abstracts one operand. Immediates and addresses are reduced
// to their class; the value itself is discarded.
type OperandClass uint8

const (
	OpNone OperandClass = iota
	OpReg
	OpImm
	OpMem
	OpRel
)

// Instruction is the abstract unit downstream analysis sees.
// Target carries a resolved control-transfer destination when the transfer
// is direct; indirect transfers leave TargetKnown false.
type Instruction struct {
	Addr        uint64
	Len         int
	Category    Category
	Operands    []OperandClass
	Target      uint64
	TargetKnown bool
}

// Terminates reports whether the instruction ends a linear run.
func (in *Instruction) Terminates() bool {
	switch in.Category {
	case CatBranchCond, CatBranchUncond, CatRet:
		return true
	}
	return false
}

// Result is one function candidate's worth of disassembly: the reachable
// instructions ascending by address, the basic-block leader set, call
// destinations discovered on the way, and the end of the decoded body.
type Result struct {
	Instructions []Instruction
	Leaders      map[uint64]bool
	CallTargets  []uint64
	End          uint64
}

// Disassembler is the injected collaborator contract. Implementations decode
// the reachable instruction set of the function starting at start, bounded
// above by limit (0 means the end of the containing section), and honor ctx
// cancellation and deadline between instructions. Failures are reported
// wrapped in models.ErrAnalysis; an expired ctx surfaces as
// models.ErrAnalysisTimeout.
type Disassembler interface {
	Arch() string
	Disassemble(ctx context.Context, bin *loader.Binary, start, limit uint64) (*Result, error)
}

// ForArch returns the default backend for a loaded binary's architecture,
// or nil if none is built in.
func ForArch(arch string) Disassembler {
	switch arch {
	case "x86-64":
		return NewX86()
	case "aarch64":
		return NewARM64()
	}
	return nil
}
