package index

import (
	"fmt"
	"sort"

	"github.com/theStache/Surfactant/pkg/models"
)

// BruteForce scans every stored vector per query. It is exact under any
// metric and serves as the oracle the VP-tree is validated against.
type BruteForce struct {
	metric Metric
	dim    int
	recs   []*models.SignatureRecord
	mags   []float32
}

// NewBruteForce builds a linear-scan index over the records. Magnitudes are
// precomputed once so queries cost one dot product per stored vector.
func NewBruteForce(records []*models.SignatureRecord, metric Metric) (*BruteForce, error) {
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: unknown metric %q", models.ErrIndexBuild, metric)
	}
	b := &BruteForce{metric: metric}
	if len(records) == 0 {
		return b, nil
	}

	recs := append([]*models.SignatureRecord(nil), records...)
	sort.Slice(recs, func(i, j int) bool { return recordLess(recs[i], recs[j]) })

	b.dim = len(recs[0].Vector)
	b.mags = make([]float32, len(recs))
	for i, r := range recs {
		if len(r.Vector) != b.dim {
			return nil, fmt.Errorf("%w: record %q has dimension %d, index has %d", models.ErrIndexBuild, r.Key(), len(r.Vector), b.dim)
		}
		b.mags[i] = magnitudeOf(r.Vector)
	}
	b.recs = recs
	return b, nil
}

func (b *BruteForce) Len() int { return len(b.recs) }
func (b *BruteForce) Dim() int { return b.dim }

// Query returns the k nearest records by the configured metric, ascending,
// ties broken by (BinaryID, FunctionID). k <= 0 returns every record ranked.
func (b *BruteForce) Query(probe []float32, k int) ([]Match, error) {
	if len(b.recs) == 0 {
		return nil, nil
	}
	if len(probe) != b.dim {
		return nil, fmt.Errorf("%w: probe dimension %d, index dimension %d", ErrWrongDimension, len(probe), b.dim)
	}

	pm := magnitudeOf(probe)
	matches := make([]Match, len(b.recs))
	for i, r := range b.recs {
		var d float64
		if b.metric == MetricEuclidean {
			d = euclideanDistance(probe, r.Vector)
		} else {
			d = cosineDistance(probe, pm, r.Vector, b.mags[i])
		}
		matches[i] = Match{Record: r, Distance: d}
	}

	sortMatches(matches)
	if k > 0 && k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

func recordLess(a, b *models.SignatureRecord) bool {
	if a.BinaryID != b.BinaryID {
		return a.BinaryID < b.BinaryID
	}
	return a.FunctionID < b.FunctionID
}

// sortMatches orders ascending by distance with the deterministic identity
// tie-break, so equal-distance results never depend on iteration order.
func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Distance != ms[j].Distance {
			return ms[i].Distance < ms[j].Distance
		}
		return recordLess(ms[i].Record, ms[j].Record)
	})
}
