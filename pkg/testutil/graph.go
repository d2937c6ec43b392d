package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/theStache/Surfactant/pkg/analysis/disasm"
	"github.com/theStache/Surfactant/pkg/analysis/extract"
	"github.com/theStache/Surfactant/pkg/models"
)

// Block builds a synthetic basic block at addr with one instruction per
// category, each 4 bytes long with a single register operand. Depth starts
// unset; BuildGraph assigns it.
func Block(addr uint64, cats []disasm.Category, succs ...extract.Edge) extract.BasicBlock {
	instrs := make([]disasm.Instruction, len(cats))
	for i, c := range cats {
		instrs[i] = disasm.Instruction{
			Addr:     addr + uint64(4*i),
			Len:      4,
			Category: c,
			Operands: []disasm.OperandClass{disasm.OpReg},
		}
	}
	return extract.BasicBlock{
		Addr:   addr,
		Instrs: instrs,
		Succs:  succs,
		Depth:  -1,
	}
}

// BuildGraph wires blocks into a ControlFlowGraph: indexes are assigned in
// order, predecessor lists are derived from the successor edges, and depths
// are the BFS distance from the first block.
func BuildGraph(blocks ...extract.BasicBlock) *extract.ControlFlowGraph {
	for i := range blocks {
		blocks[i].Index = i
		blocks[i].Preds = nil
		blocks[i].Depth = -1
	}
	for i := range blocks {
		for _, e := range blocks[i].Succs {
			blocks[e.To].Preds = append(blocks[e.To].Preds, i)
		}
	}
	if len(blocks) > 0 {
		blocks[0].Depth = 0
		queue := []int{0}
		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			for _, e := range blocks[i].Succs {
				if blocks[e.To].Depth == -1 {
					blocks[e.To].Depth = blocks[i].Depth + 1
					queue = append(queue, e.To)
				}
			}
		}
	}
	return &extract.ControlFlowGraph{Blocks: blocks}
}

// DiamondGraph is the four-block if/else shape: entry branches to two
// arms that rejoin at the exit.
func DiamondGraph() *extract.ControlFlowGraph {
	return BuildGraph(
		Block(0x1000, []disasm.Category{disasm.CatLogic, disasm.CatBranchCond},
			extract.Edge{To: 2, Type: extract.EdgeCondBranch},
			extract.Edge{To: 1, Type: extract.EdgeFallthrough},
		),
		Block(0x1010, []disasm.Category{disasm.CatMove, disasm.CatBranchUncond},
			extract.Edge{To: 3, Type: extract.EdgeUncondBranch},
		),
		Block(0x1020, []disasm.Category{disasm.CatMove},
			extract.Edge{To: 3, Type: extract.EdgeFallthrough},
		),
		Block(0x1030, []disasm.Category{disasm.CatRet}),
	)
}

// LoopGraph is a three-block counted loop with a back edge onto the body.
func LoopGraph() *extract.ControlFlowGraph {
	return BuildGraph(
		Block(0x2000, []disasm.Category{disasm.CatMove},
			extract.Edge{To: 1, Type: extract.EdgeFallthrough},
		),
		Block(0x2010, []disasm.Category{disasm.CatArith, disasm.CatBranchCond},
			extract.Edge{To: 1, Type: extract.EdgeCondBranch},
			extract.Edge{To: 2, Type: extract.EdgeFallthrough},
		),
		Block(0x2020, []disasm.Category{disasm.CatRet}),
	)
}

// Unit wraps a graph into a FunctionUnit the encoder accepts.
func Unit(binaryID string, entry uint64, g *extract.ControlFlowGraph, callTargets ...uint64) *extract.FunctionUnit {
	var length uint64
	for i := range g.Blocks {
		b := &g.Blocks[i]
		if len(b.Instrs) == 0 {
			continue
		}
		last := b.Instrs[len(b.Instrs)-1]
		if end := last.Addr + uint64(last.Len); end > entry+length {
			length = end - entry
		}
	}
	return &extract.FunctionUnit{
		BinaryID:    binaryID,
		EntryOffset: entry,
		ByteLength:  length,
		Graph:       g,
		CallTargets: callTargets,
	}
}

// RandomRecords produces a deterministic corpus of n records with dim-wide
// unit vectors, grouped into synthetic binaries of eight functions each.
// The same seed always yields the same corpus.
func RandomRecords(n, dim int, seed int64) []*models.SignatureRecord {
	rng := rand.New(rand.NewSource(seed))
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	records := make([]*models.SignatureRecord, 0, n)
	for i := 0; i < n; i++ {
		vec := make([]float32, dim)
		var norm float64
		for j := range vec {
			v := rng.Float64()
			vec[j] = float32(v)
			norm += v * v
		}
		if norm > 0 {
			inv := float32(1 / math.Sqrt(norm))
			for j := range vec {
				vec[j] *= inv
			}
		}

		bin := i / 8
		fn := i % 8
		sum := sha256.Sum256([]byte(fmt.Sprintf("binary-%d", bin)))
		records = append(records, &models.SignatureRecord{
			BinaryID:    hex.EncodeToString(sum[:]),
			FunctionID:  models.FormatFunctionID(uint64(0x1000 + 16*fn)),
			Vector:      vec,
			EntryOffset: uint64(0x1000 + 16*fn),
			ByteLength:  16,
			BlockCount:  1 + fn%4,
			InstrCount:  4 + fn,
			Format:      models.FormatELF,
			Arch:        models.ArchX86_64,
			Strategy:    models.StrategyWeighted,
			Created:     created,
		})
	}
	return records
}
