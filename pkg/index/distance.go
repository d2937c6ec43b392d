package index

import (
	"math"

	"github.com/viant/vec/search"
)

// Metric enumerates the supported distance metrics.
type Metric string

const (
	// MetricCosine is the default: cosine distance (1 - cosine similarity).
	// Signature vectors from the weighted strategy are unit length, so this
	// ranks identically to Euclidean on them while staying scale-invariant.
	MetricCosine Metric = "cosine"
	// MetricEuclidean is plain L2 distance.
	MetricEuclidean Metric = "euclidean"
)

// maxCosineDistance separates the zero vector from every real signature.
// Real vectors have non-negative components, so their pairwise cosine
// distance never exceeds 1; the zero vector sits strictly beyond that.
const maxCosineDistance = 2.0

// Valid reports whether the metric is one this package implements.
func (m Metric) Valid() bool {
	return m == MetricCosine || m == MetricEuclidean
}

func magnitudeOf(v []float32) float32 {
	return search.Float32s(v).Magnitude()
}

// cosineDistance computes 1 - cos(a,b) with precomputed magnitudes. Zero
// vectors are the degenerate encoding; two of them are identical, and one
// against anything else is maximally far.
func cosineDistance(a []float32, am float32, b []float32, bm float32) float64 {
	if am == 0 && bm == 0 {
		return 0
	}
	if am == 0 || bm == 0 {
		return maxCosineDistance
	}
	d := float64(search.Float32s(a).CosineDistanceWithMagnitude(b, am, bm))
	if d < 0 {
		// SIMD rounding can push identical vectors epsilon below zero.
		d = 0
	}
	return d
}

func euclideanDistance(a, b []float32) float64 {
	return float64(search.Float32s(a).EuclideanDistance(b))
}

// treeDistance is the metric the VP-tree partitions and prunes with. For
// Euclidean it is the distance itself. Cosine distance violates the triangle
// inequality, so the tree uses the chord distance sqrt(2*cos_dist) instead:
// the straight-line distance between the unit-normalized directions, a true
// metric that ranks identically to cosine distance.
func treeDistance(m Metric, a []float32, am float32, b []float32, bm float32) float64 {
	if m == MetricEuclidean {
		return euclideanDistance(a, b)
	}
	return math.Sqrt(2 * cosineDistance(a, am, b, bm))
}

// reportDistance converts a tree-space distance back to the configured
// metric for presentation.
func reportDistance(m Metric, treeDist float64) float64 {
	if m == MetricEuclidean {
		return treeDist
	}
	return treeDist * treeDist / 2
}
