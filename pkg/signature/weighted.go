package signature

import (
	"math"

	"github.com/theStache/Surfactant/pkg/analysis/disasm"
	"github.com/theStache/Surfactant/pkg/analysis/extract"
	"github.com/theStache/Surfactant/pkg/models"
)

// Segment layout of the weighted signature. Four 16-wide segments:
// depth-weighted block features, mean block features, entry-region block
// features, and global shape statistics.
const (
	segWeighted = 0
	segMean     = segWeighted + blockFeatureDim
	segEntry    = segMean + blockFeatureDim
	segGlobal   = segEntry + blockFeatureDim

	// entryDepthLimit bounds the region treated as the function prologue
	// when filling the entry segment.
	entryDepthLimit = 1
)

// encodeWeighted produces the default signature. Blocks near the entry carry
// more weight than deeply nested ones, so an edit in a leaf branch perturbs
// the vector less than a rewritten prologue.
func encodeWeighted(unit *extract.FunctionUnit) []float32 {
	g := unit.Graph
	maxDepth := g.MaxDepth()

	var (
		acc         [blockFeatureDim]float64
		mean        [blockFeatureDim]float64
		entry       [blockFeatureDim]float64
		totalWeight float64
		entryBlocks float64
	)

	for i := range g.Blocks {
		b := &g.Blocks[i]
		f := blockFeatures(b)

		w := 1.0 / (1.0 + float64(effectiveDepth(b, maxDepth)))
		for d := 0; d < blockFeatureDim; d++ {
			acc[d] += w * f[d]
			mean[d] += f[d]
		}
		totalWeight += w

		if b.Depth >= 0 && b.Depth <= entryDepthLimit {
			for d := 0; d < blockFeatureDim; d++ {
				entry[d] += f[d]
			}
			entryBlocks++
		}
	}

	vec := make([]float32, models.SignatureDim)
	n := float64(len(g.Blocks))
	for d := 0; d < blockFeatureDim; d++ {
		if totalWeight > 0 {
			vec[segWeighted+d] = float32(acc[d] / totalWeight)
		}
		if n > 0 {
			vec[segMean+d] = float32(mean[d] / n)
		}
		if entryBlocks > 0 {
			vec[segEntry+d] = float32(entry[d] / entryBlocks)
		}
	}

	fillGlobalStats(vec[segGlobal:], unit)
	normalizeL2(vec)
	return vec
}

// fillGlobalStats writes whole-function shape statistics into dst, each
// squashed into [0,1]. dst is the final 16-wide segment.
func fillGlobalStats(dst []float32, unit *extract.FunctionUnit) {
	g := unit.Graph
	blocks := len(g.Blocks)
	instrs := g.InstrCount()
	edges := g.EdgeCount()

	var (
		condEdges    int
		uncondEdges  int
		callEdges    int
		fallthroughs int
		backEdges    int
		retBlocks    int
		leafBlocks   int
	)
	for i := range g.Blocks {
		b := &g.Blocks[i]
		if len(b.Succs) == 0 {
			leafBlocks++
		}
		if last := lastInstr(b); last != nil && last.Category == disasm.CatRet {
			retBlocks++
		}
		for _, e := range b.Succs {
			switch e.Type {
			case extract.EdgeCondBranch:
				condEdges++
			case extract.EdgeUncondBranch:
				uncondEdges++
			case extract.EdgeCall:
				callEdges++
			default:
				fallthroughs++
			}
			// A successor at or above this block's address band that was
			// already laid out earlier is a back edge, the loop signal.
			if e.To >= 0 && e.To < len(g.Blocks) && g.Blocks[e.To].Addr <= b.Addr {
				backEdges++
			}
		}
	}

	edgeRatio := func(c int) float32 {
		if edges == 0 {
			return 0
		}
		return float32(c) / float32(edges)
	}
	blockRatio := func(c int) float32 {
		if blocks == 0 {
			return 0
		}
		return float32(c) / float32(blocks)
	}

	// Cyclomatic complexity M = E - N + 2 for a single connected component.
	cyclomatic := edges - blocks + 2
	if cyclomatic < 0 {
		cyclomatic = 0
	}

	dst[0] = float32(log2Bucket(blocks)) / float32(maxSizeBucket)
	dst[1] = float32(log2Bucket(instrs)) / float32(maxSizeBucket)
	dst[2] = float32(log2Bucket(edges)) / float32(maxSizeBucket)
	dst[3] = float32(log2Bucket(int(unit.ByteLength))) / float32(maxSizeBucket)
	dst[4] = float32(squash(float64(backEdges)))
	dst[5] = float32(squash(float64(g.MaxDepth())))
	dst[6] = edgeRatio(condEdges)
	dst[7] = edgeRatio(uncondEdges)
	dst[8] = edgeRatio(callEdges)
	dst[9] = edgeRatio(fallthroughs)
	dst[10] = blockRatio(retBlocks)
	dst[11] = blockRatio(leafBlocks)
	dst[12] = float32(squash(avg(edges, blocks)))
	dst[13] = float32(squash(avg(instrs, blocks)))
	dst[14] = float32(squash(float64(len(unit.CallTargets))))
	dst[15] = float32(squash(float64(cyclomatic)))
}

// effectiveDepth substitutes a worst-case depth for blocks BFS never reached,
// so disconnected cleanup code contributes with minimal weight instead of
// being treated as the entry.
func effectiveDepth(b *extract.BasicBlock, maxDepth int) int {
	if b.Depth < 0 {
		return maxDepth + 1
	}
	return b.Depth
}

func lastInstr(b *extract.BasicBlock) *disasm.Instruction {
	if len(b.Instrs) == 0 {
		return nil
	}
	return &b.Instrs[len(b.Instrs)-1]
}

func avg(total, n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(total) / float64(n)
}

// normalizeL2 scales vec to unit length in place. The all-zero vector is left
// untouched so degenerate functions keep their canonical encoding.
func normalizeL2(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}
