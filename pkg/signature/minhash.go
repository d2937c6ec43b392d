package signature

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/theStache/Surfactant/pkg/analysis/extract"
	"github.com/theStache/Surfactant/pkg/models"
)

// minhashSeedStep derives the per-slot hash seeds. Any odd 64-bit constant
// works; this is the splitmix64 increment, chosen for good bit dispersion.
const minhashSeedStep = 0x9e3779b97f4a7c15

// quantLevels is the resolution used when snapping block feature fractions
// onto shingle bytes. Coarse on purpose: small perturbations in one block
// should usually leave its shingle unchanged.
const quantLevels = 8

// encodeMinHash produces a min-hash sketch over quantized block shingles.
// Each signature slot holds the minimum of one seeded hash across all block
// shingles, scaled into [0,1]. Two functions sharing most of their blocks
// share most of their slots regardless of block order.
func encodeMinHash(unit *extract.FunctionUnit) []float32 {
	g := unit.Graph

	shingles := make([][]byte, 0, len(g.Blocks))
	for i := range g.Blocks {
		b := &g.Blocks[i]
		if len(b.Instrs) == 0 {
			continue
		}
		shingles = append(shingles, blockShingle(b))
	}

	vec := make([]float32, models.SignatureDim)
	if len(shingles) == 0 {
		return vec
	}

	var seed [8]byte
	for slot := 0; slot < models.SignatureDim; slot++ {
		binary.LittleEndian.PutUint64(seed[:], uint64(slot+1)*minhashSeedStep)

		min := uint64(math.MaxUint64)
		for _, sh := range shingles {
			h := fnv.New64a()
			h.Write(seed[:])
			h.Write(sh)
			if v := h.Sum64(); v < min {
				min = v
			}
		}
		vec[slot] = float32(float64(min) / float64(math.MaxUint64))
	}
	return vec
}

// blockShingle flattens a block's feature vector into a byte string stable
// under re-encoding. Fractions are snapped to quantLevels steps, counts to
// their buckets.
func blockShingle(b *extract.BasicBlock) []byte {
	f := blockFeatures(b)
	sh := make([]byte, blockFeatureDim)
	for d := 0; d < blockFeatureDim; d++ {
		q := int(f[d] * quantLevels)
		if q >= quantLevels {
			q = quantLevels - 1
		}
		sh[d] = byte(q)
	}
	return sh
}
