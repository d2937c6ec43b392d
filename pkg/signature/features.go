package signature

import (
	"math"

	"github.com/theStache/Surfactant/pkg/analysis/disasm"
	"github.com/theStache/Surfactant/pkg/analysis/extract"
)

// Per-block feature layout. Every feature is derived from instruction
// categories, operand classes, and graph degrees only, so two compilations
// that differ in addresses, literals, or register allocation still produce
// the same features.
const (
	featCategoryBase = 0                                         // 8 dims: category histogram
	featOperandBase  = featCategoryBase + disasm.NumCategories   // 5 dims: operand class histogram
	featSizeBucket   = featOperandBase + numOperandClasses       // 1 dim: log2 instruction count
	featSuccCount    = featSizeBucket + 1                        // 1 dim
	featPredCount    = featSuccCount + 1                         // 1 dim
	blockFeatureDim  = featPredCount + 1

	numOperandClasses = 5 // none, reg, imm, mem, rel

	// maxSizeBucket caps the log2 bucket so one giant block cannot
	// dominate the size dimension.
	maxSizeBucket = 15
)

// blockFeatures projects a basic block onto a fixed-size feature vector with
// every component in [0,1].
func blockFeatures(b *extract.BasicBlock) [blockFeatureDim]float64 {
	var f [blockFeatureDim]float64
	if len(b.Instrs) == 0 {
		return f
	}

	totalOperands := 0
	for _, ins := range b.Instrs {
		f[featCategoryBase+int(ins.Category)]++
		for _, op := range ins.Operands {
			f[featOperandBase+int(op)]++
			totalOperands++
		}
	}

	n := float64(len(b.Instrs))
	for c := 0; c < disasm.NumCategories; c++ {
		f[featCategoryBase+c] /= n
	}
	if totalOperands > 0 {
		for c := 0; c < numOperandClasses; c++ {
			f[featOperandBase+c] /= float64(totalOperands)
		}
	}

	f[featSizeBucket] = float64(log2Bucket(len(b.Instrs))) / float64(maxSizeBucket)
	f[featSuccCount] = squash(float64(len(b.Succs)))
	f[featPredCount] = squash(float64(len(b.Preds)))
	return f
}

// log2Bucket maps a positive count onto a small integer bucket. Zero and one
// both land in bucket zero so linear blocks of trivial size compare equal.
func log2Bucket(n int) int {
	if n <= 1 {
		return 0
	}
	b := int(math.Log2(float64(n)))
	if b > maxSizeBucket {
		b = maxSizeBucket
	}
	return b
}

// squash maps a non-negative magnitude into [0,1) monotonically. Small values
// stay distinguishable while outliers saturate instead of dominating.
func squash(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return x / (1 + x)
}
