package disasm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/theStache/Surfactant/pkg/analysis/loader"
	"github.com/theStache/Surfactant/pkg/models"
)

// deadlineCheckStride bounds how often the sweep consults the context.
// Checking per instruction would dominate decode cost on hot paths.
const deadlineCheckStride = 64

type decodeFunc func(code []byte, pc uint64) (Instruction, error)

// sweep performs the function-local recursive traversal both backends share:
// follow every reachable path from start, decode linearly until a terminator,
// queue branch targets inside the body, and record call destinations for
// boundary discovery. The traversal never leaves [start, limit).
func sweep(ctx context.Context, bin *loader.Binary, start, limit uint64, decode decodeFunc) (*Result, error) {
	sec := bin.SectionAt(start)
	if sec == nil {
		return nil, fmt.Errorf("%w: start 0x%x maps to no executable section", models.ErrAnalysis, start)
	}
	secEnd := sec.Addr + uint64(len(sec.Data))
	if limit == 0 || limit > secEnd {
		limit = secEnd
	}
	if limit > start+models.MaxFunctionBytes {
		limit = start + models.MaxFunctionBytes
	}
	if start >= limit {
		return nil, fmt.Errorf("%w: empty body at 0x%x", models.ErrAnalysis, start)
	}

	res := &Result{Leaders: map[uint64]bool{start: true}}
	decoded := make(map[uint64]Instruction)
	callSeen := make(map[uint64]bool)
	pending := []uint64{start}
	steps := 0

	for len(pending) > 0 {
		pc := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

	run:
		for pc >= start && pc < limit {
			if _, ok := decoded[pc]; ok {
				break
			}

			steps++
			if steps%deadlineCheckStride == 0 {
				if err := ctx.Err(); err != nil {
					return nil, fmt.Errorf("%w: at 0x%x: %v", models.ErrAnalysisTimeout, pc, err)
				}
				if dl, ok := ctx.Deadline(); ok && time.Now().After(dl) {
					return nil, fmt.Errorf("%w: at 0x%x", models.ErrAnalysisTimeout, pc)
				}
			}

			inst, err := decode(sec.Data[pc-sec.Addr:], pc)
			if err != nil {
				return nil, fmt.Errorf("%w: decode at 0x%x: %v", models.ErrAnalysis, pc, err)
			}
			if pc+uint64(inst.Len) > limit {
				// The instruction crosses the body boundary; treat the run
				// as ended rather than emitting a truncated decode.
				break
			}
			decoded[pc] = inst
			next := pc + uint64(inst.Len)

			switch inst.Category {
			case CatRet:
				break run

			case CatBranchUncond:
				if inst.TargetKnown {
					if inst.Target >= start && inst.Target < limit {
						res.Leaders[inst.Target] = true
						pending = append(pending, inst.Target)
					} else if !callSeen[inst.Target] {
						// Direct jump out of the body: a tail call.
						// The destination is a function candidate.
						callSeen[inst.Target] = true
						res.CallTargets = append(res.CallTargets, inst.Target)
					}
				}
				break run

			case CatBranchCond:
				if inst.TargetKnown && inst.Target >= start && inst.Target < limit {
					res.Leaders[inst.Target] = true
					pending = append(pending, inst.Target)
				}
				res.Leaders[next] = true
				pc = next

			case CatCall:
				if inst.TargetKnown && !callSeen[inst.Target] {
					callSeen[inst.Target] = true
					res.CallTargets = append(res.CallTargets, inst.Target)
				}
				// Calls return: the block ends here but flow continues.
				res.Leaders[next] = true
				pc = next

			default:
				pc = next
			}
		}
	}

	if len(decoded) == 0 {
		return nil, fmt.Errorf("%w: no instructions at 0x%x", models.ErrAnalysis, start)
	}

	addrs := make([]uint64, 0, len(decoded))
	for a := range decoded {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	// Hostile code can branch into the middle of an already decoded
	// instruction, producing overlapping streams. Keep the earliest decode
	// and drop anything starting inside it so block building sees a clean
	// ascending sequence.
	var prevEnd uint64
	for _, a := range addrs {
		inst := decoded[a]
		if a < prevEnd {
			continue
		}
		res.Instructions = append(res.Instructions, inst)
		prevEnd = a + uint64(inst.Len)
	}
	res.End = prevEnd

	sort.Slice(res.CallTargets, func(i, j int) bool { return res.CallTargets[i] < res.CallTargets[j] })
	return res, nil
}
