package disasm

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/theStache/Surfactant/pkg/analysis/loader"
	"github.com/theStache/Surfactant/pkg/models"
)

const arm64InsnLen = 4

// ARM64 decodes AArch64 machine code via golang.org/x/arch/arm64/arm64asm.
// The fixed 4-byte encoding makes the sweep's address arithmetic trivial.
type ARM64 struct{}

func NewARM64() *ARM64 { return &ARM64{} }

func (d *ARM64) Arch() string { return models.ArchARM64 }

func (d *ARM64) Disassemble(ctx context.Context, bin *loader.Binary, start, limit uint64) (*Result, error) {
	return sweep(ctx, bin, start, limit, decodeARM64)
}

func decodeARM64(code []byte, pc uint64) (Instruction, error) {
	if len(code) < arm64InsnLen {
		return Instruction{}, fmt.Errorf("short read: %d bytes", len(code))
	}
	inst, err := arm64asm.Decode(code[:arm64InsnLen])
	if err != nil {
		return Instruction{}, err
	}

	out := Instruction{
		Addr:     pc,
		Len:      arm64InsnLen,
		Category: categorizeARM64(inst),
	}

	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case arm64asm.Reg, arm64asm.RegSP, arm64asm.RegisterWithArrangement:
			out.Operands = append(out.Operands, OpReg)
		case arm64asm.Imm, arm64asm.Imm64, arm64asm.ImmShift:
			out.Operands = append(out.Operands, OpImm)
		case arm64asm.MemImmediate, arm64asm.MemExtend:
			out.Operands = append(out.Operands, OpMem)
		case arm64asm.PCRel:
			out.Operands = append(out.Operands, OpRel)
			// PC-relative offsets are anchored at the instruction itself,
			// unlike x86 where they follow it.
			out.Target = pc + uint64(int64(a))
			out.TargetKnown = true
		case arm64asm.Cond:
			out.Operands = append(out.Operands, OpNone)
		default:
			out.Operands = append(out.Operands, OpNone)
		}
	}

	return out, nil
}

func categorizeARM64(inst arm64asm.Inst) Category {
	switch inst.Op {
	case arm64asm.BL:
		return CatCall
	case arm64asm.BLR:
		return CatCall
	case arm64asm.RET:
		return CatRet
	case arm64asm.BR:
		return CatBranchUncond
	case arm64asm.B:
		// B.cond carries a Cond argument; a bare B is an unconditional
		// branch or tail call.
		for _, arg := range inst.Args {
			if _, ok := arg.(arm64asm.Cond); ok {
				return CatBranchCond
			}
		}
		return CatBranchUncond
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return CatBranchCond
	}

	name := inst.Op.String()
	switch {
	case strings.HasPrefix(name, "LD"), strings.HasPrefix(name, "ST"),
		strings.HasPrefix(name, "MOV"), strings.HasPrefix(name, "ADR"),
		strings.HasPrefix(name, "CSEL"), strings.HasPrefix(name, "CSET"):
		return CatMove
	case strings.HasPrefix(name, "ADD"), strings.HasPrefix(name, "SUB"),
		strings.HasPrefix(name, "MUL"), strings.HasPrefix(name, "MADD"),
		strings.HasPrefix(name, "MSUB"), strings.HasPrefix(name, "SDIV"),
		strings.HasPrefix(name, "UDIV"), strings.HasPrefix(name, "NEG"),
		strings.HasPrefix(name, "SMULL"), strings.HasPrefix(name, "UMULL"):
		return CatArith
	case strings.HasPrefix(name, "AND"), strings.HasPrefix(name, "ORR"),
		strings.HasPrefix(name, "ORN"), strings.HasPrefix(name, "EOR"),
		strings.HasPrefix(name, "EON"), strings.HasPrefix(name, "BIC"),
		strings.HasPrefix(name, "LSL"), strings.HasPrefix(name, "LSR"),
		strings.HasPrefix(name, "ASR"), strings.HasPrefix(name, "ROR"),
		strings.HasPrefix(name, "TST"), strings.HasPrefix(name, "CMP"),
		strings.HasPrefix(name, "CMN"), strings.HasPrefix(name, "CLZ"):
		return CatLogic
	}
	return CatOther
}
