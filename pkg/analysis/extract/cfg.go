package extract

import (
	"sort"

	"github.com/theStache/Surfactant/pkg/analysis/disasm"
)

// EdgeType classifies the control transfer between two basic blocks.
type EdgeType uint8

const (
	EdgeFallthrough EdgeType = iota
	EdgeCondBranch
	EdgeUncondBranch
	EdgeCall
)

func (e EdgeType) String() string {
	switch e {
	case EdgeCondBranch:
		return "cond"
	case EdgeUncondBranch:
		return "uncond"
	case EdgeCall:
		return "call"
	}
	return "fallthrough"
}

// Edge points at a successor block by index.
type Edge struct {
	To   int
	Type EdgeType
}

// BasicBlock is a maximal straight-line instruction run: one entry at the
// top, one exit at the bottom.
type BasicBlock struct {
	Index  int
	Addr   uint64
	Instrs []disasm.Instruction
	Succs  []Edge
	Preds  []int
	Depth  int
}

// ControlFlowGraph holds a function's blocks ascending by address.
// Blocks[0] is the entry block.
type ControlFlowGraph struct {
	Blocks []BasicBlock
}

// InstrCount totals the instructions across all blocks.
func (g *ControlFlowGraph) InstrCount() int {
	n := 0
	for i := range g.Blocks {
		n += len(g.Blocks[i].Instrs)
	}
	return n
}

// EdgeCount totals the typed edges across all blocks.
func (g *ControlFlowGraph) EdgeCount() int {
	n := 0
	for i := range g.Blocks {
		n += len(g.Blocks[i].Succs)
	}
	return n
}

// MaxDepth returns the largest reachability depth in the graph.
func (g *ControlFlowGraph) MaxDepth() int {
	max := 0
	for i := range g.Blocks {
		if g.Blocks[i].Depth > max {
			max = g.Blocks[i].Depth
		}
	}
	return max
}

// buildCFG partitions a disassembly result into basic blocks and wires the
// typed edge set. Block starts are the leader addresses plus any address
// discontinuity (a branch over unreachable padding splits the run).
func buildCFG(res *disasm.Result) *ControlFlowGraph {
	if len(res.Instructions) == 0 {
		return &ControlFlowGraph{}
	}

	isLeader := func(addr uint64) bool { return res.Leaders[addr] }

	var blocks []BasicBlock
	var cur []disasm.Instruction
	var curAddr uint64
	prevEnd := res.Instructions[0].Addr

	flush := func() {
		if len(cur) == 0 {
			return
		}
		blocks = append(blocks, BasicBlock{Addr: curAddr, Instrs: cur, Depth: -1})
		cur = nil
	}

	for _, inst := range res.Instructions {
		if len(cur) > 0 && (isLeader(inst.Addr) || inst.Addr != prevEnd) {
			flush()
		}
		if len(cur) == 0 {
			curAddr = inst.Addr
		}
		cur = append(cur, inst)
		prevEnd = inst.Addr + uint64(inst.Len)
	}
	flush()

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Addr < blocks[j].Addr })

	byAddr := make(map[uint64]int, len(blocks))
	for i := range blocks {
		blocks[i].Index = i
		byAddr[blocks[i].Addr] = i
	}

	for i := range blocks {
		b := &blocks[i]
		last := b.Instrs[len(b.Instrs)-1]
		end := last.Addr + uint64(last.Len)

		addEdge := func(to int, t EdgeType) {
			b.Succs = append(b.Succs, Edge{To: to, Type: t})
		}

		switch last.Category {
		case disasm.CatRet:
			// Terminal block.
		case disasm.CatBranchUncond:
			if last.TargetKnown {
				if to, ok := byAddr[last.Target]; ok {
					addEdge(to, EdgeUncondBranch)
				}
			}
		case disasm.CatBranchCond:
			if last.TargetKnown {
				if to, ok := byAddr[last.Target]; ok {
					addEdge(to, EdgeCondBranch)
				}
			}
			if to, ok := byAddr[end]; ok {
				addEdge(to, EdgeFallthrough)
			}
		case disasm.CatCall:
			if to, ok := byAddr[end]; ok {
				addEdge(to, EdgeCall)
			}
		default:
			// The block ended because the next instruction is a branch
			// target, not because of its own terminator.
			if to, ok := byAddr[end]; ok {
				addEdge(to, EdgeFallthrough)
			}
		}
	}

	for i := range blocks {
		for _, e := range blocks[i].Succs {
			blocks[e.To].Preds = append(blocks[e.To].Preds, i)
		}
	}

	g := &ControlFlowGraph{Blocks: blocks}
	g.computeDepths()
	return g
}

// computeDepths assigns each block its BFS distance from the entry block.
// Blocks the edge walk cannot reach keep depth -1; consumers treat them as
// maximally deep.
func (g *ControlFlowGraph) computeDepths() {
	if len(g.Blocks) == 0 {
		return
	}
	g.Blocks[0].Depth = 0
	queue := []int{0}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, e := range g.Blocks[i].Succs {
			if g.Blocks[e.To].Depth == -1 {
				g.Blocks[e.To].Depth = g.Blocks[i].Depth + 1
				queue = append(queue, e.To)
			}
		}
	}
}
