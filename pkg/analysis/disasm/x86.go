package disasm

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/theStache/Surfactant/pkg/analysis/loader"
	"github.com/theStache/Surfactant/pkg/models"
)

// endbr64 is the CET landing pad emitted at most modern function entries.
// Some decoder versions reject it, so the backend recognizes the raw bytes
// and synthesizes a plain 4-byte instruction instead of failing the sweep.
var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

// X86 decodes 64-bit x86 machine code via golang.org/x/arch/x86/x86asm.
type X86 struct{}

func NewX86() *X86 { return &X86{} }

func (d *X86) Arch() string { return models.ArchX86_64 }

func (d *X86) Disassemble(ctx context.Context, bin *loader.Binary, start, limit uint64) (*Result, error) {
	return sweep(ctx, bin, start, limit, decodeX86)
}

func decodeX86(code []byte, pc uint64) (Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		if bytes.HasPrefix(code, endbr64) {
			return Instruction{Addr: pc, Len: 4, Category: CatOther}, nil
		}
		return Instruction{}, err
	}

	out := Instruction{
		Addr:     pc,
		Len:      inst.Len,
		Category: categorizeX86(inst.Op),
	}

	nextPC := pc + uint64(inst.Len)
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case x86asm.Reg:
			out.Operands = append(out.Operands, OpReg)
		case x86asm.Imm:
			out.Operands = append(out.Operands, OpImm)
		case x86asm.Rel:
			out.Operands = append(out.Operands, OpRel)
			out.Target = uint64(int64(nextPC) + int64(a))
			out.TargetKnown = true
		case x86asm.Mem:
			out.Operands = append(out.Operands, OpMem)
			// RIP-relative memory resolves statically; plain absolute
			// displacement does too. Anything register-based stays
			// indirect and contributes no target.
			if isTransfer(out.Category) && !out.TargetKnown {
				if a.Base == x86asm.RIP && a.Index == 0 {
					out.Target = uint64(int64(nextPC) + a.Disp)
					out.TargetKnown = true
				} else if a.Base == 0 && a.Index == 0 && a.Segment == 0 && a.Disp != 0 {
					out.Target = uint64(a.Disp)
					out.TargetKnown = true
				}
			}
		default:
			out.Operands = append(out.Operands, OpNone)
		}
	}

	return out, nil
}

func isTransfer(c Category) bool {
	switch c {
	case CatBranchCond, CatBranchUncond, CatCall:
		return true
	}
	return false
}

// categorizeX86 maps a concrete opcode to its structural bucket. Control
// transfers are matched exactly; the long tail of data instructions is
// classified by mnemonic family.
func categorizeX86(op x86asm.Op) Category {
	switch op {
	case x86asm.CALL, x86asm.LCALL:
		return CatCall
	case x86asm.RET, x86asm.LRET:
		return CatRet
	case x86asm.JMP, x86asm.LJMP:
		return CatBranchUncond
	}

	name := op.String()
	switch {
	case strings.HasPrefix(name, "IRET"):
		return CatRet
	case strings.HasPrefix(name, "J"):
		// Every remaining J* mnemonic is a conditional jump.
		return CatBranchCond
	case strings.HasPrefix(name, "LOOP"):
		return CatBranchCond
	case strings.HasPrefix(name, "MOV"), strings.HasPrefix(name, "CMOV"),
		strings.HasPrefix(name, "PUSH"), strings.HasPrefix(name, "POP"),
		strings.HasPrefix(name, "SET"), strings.HasPrefix(name, "XCHG"),
		op == x86asm.LEA:
		return CatMove
	case strings.HasPrefix(name, "ADD"), strings.HasPrefix(name, "SUB"),
		strings.HasPrefix(name, "INC"), strings.HasPrefix(name, "DEC"),
		strings.HasPrefix(name, "MUL"), strings.HasPrefix(name, "IMUL"),
		strings.HasPrefix(name, "DIV"), strings.HasPrefix(name, "IDIV"),
		strings.HasPrefix(name, "NEG"), strings.HasPrefix(name, "ADC"),
		strings.HasPrefix(name, "SBB"):
		return CatArith
	case strings.HasPrefix(name, "AND"), strings.HasPrefix(name, "OR"),
		strings.HasPrefix(name, "XOR"), strings.HasPrefix(name, "NOT"),
		strings.HasPrefix(name, "TEST"), strings.HasPrefix(name, "CMP"),
		strings.HasPrefix(name, "SHL"), strings.HasPrefix(name, "SHR"),
		strings.HasPrefix(name, "SAR"), strings.HasPrefix(name, "SAL"),
		strings.HasPrefix(name, "ROL"), strings.HasPrefix(name, "ROR"),
		strings.HasPrefix(name, "BT"):
		return CatLogic
	}
	return CatOther
}
