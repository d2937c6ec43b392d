package index

import (
	"container/heap"
	"fmt"
	"math"
	"sort"

	"github.com/theStache/Surfactant/pkg/models"
)

// VPTree is a vantage-point tree over the signature vectors. Construction is
// fully deterministic: records are ordered by identity, the pivot is always
// the last record of the partition, and ties in the median split are broken
// by rank. Partitioning and pruning run in tree space (see treeDistance),
// a true metric, so triangle-inequality pruning is exact and results agree
// with the brute-force oracle.
type VPTree struct {
	metric Metric
	dim    int
	recs   []*models.SignatureRecord
	mags   []float32
	root   *vpNode
}

type vpNode struct {
	idx   int // index into recs/mags
	thr   float64
	left  *vpNode
	right *vpNode
}

// NewVPTree builds the tree over the records.
func NewVPTree(records []*models.SignatureRecord, metric Metric) (*VPTree, error) {
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: unknown metric %q", models.ErrIndexBuild, metric)
	}
	t := &VPTree{metric: metric}
	if len(records) == 0 {
		return t, nil
	}

	recs := append([]*models.SignatureRecord(nil), records...)
	sort.Slice(recs, func(i, j int) bool { return recordLess(recs[i], recs[j]) })

	t.dim = len(recs[0].Vector)
	t.mags = make([]float32, len(recs))
	for i, r := range recs {
		if len(r.Vector) != t.dim {
			return nil, fmt.Errorf("%w: record %q has dimension %d, index has %d", models.ErrIndexBuild, r.Key(), len(r.Vector), t.dim)
		}
		t.mags[i] = magnitudeOf(r.Vector)
	}
	t.recs = recs

	idxs := make([]int, len(recs))
	for i := range idxs {
		idxs[i] = i
	}
	t.root = t.build(idxs)
	return t, nil
}

func (t *VPTree) Len() int { return len(t.recs) }
func (t *VPTree) Dim() int { return t.dim }

func (t *VPTree) dist(i, j int) float64 {
	return treeDistance(t.metric, t.recs[i].Vector, t.mags[i], t.recs[j].Vector, t.mags[j])
}

func (t *VPTree) build(idxs []int) *vpNode {
	if len(idxs) == 0 {
		return nil
	}
	// Last element as vantage point avoids extra randomness.
	vp := idxs[len(idxs)-1]
	rest := idxs[:len(idxs)-1]
	if len(rest) == 0 {
		return &vpNode{idx: vp}
	}

	dists := make([]float64, len(rest))
	for k, j := range rest {
		dists[k] = t.dist(vp, j)
	}

	order := make([]int, len(rest))
	for k := range order {
		order[k] = k
	}
	sort.Slice(order, func(a, b int) bool {
		if dists[order[a]] != dists[order[b]] {
			return dists[order[a]] < dists[order[b]]
		}
		return order[a] < order[b]
	})

	mid := len(dists) / 2
	thr := dists[order[mid]]
	leftIdxs := make([]int, 0, mid+1)
	rightIdxs := make([]int, 0, len(rest)-(mid+1))
	for rank, k := range order {
		if rank <= mid {
			leftIdxs = append(leftIdxs, rest[k])
		} else {
			rightIdxs = append(rightIdxs, rest[k])
		}
	}
	return &vpNode{
		idx:   vp,
		thr:   thr,
		left:  t.build(leftIdxs),
		right: t.build(rightIdxs),
	}
}

// vpCand orders by tree-space distance with identity tie-break, matching the
// oracle's ordering under the monotone metric transform.
type vpCand struct {
	idx  int
	dist float64
}

func (t *VPTree) candLess(a, b vpCand) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return recordLess(t.recs[a.idx], t.recs[b.idx])
}

// vpHeap is a max-heap of the current best candidates; the root is the worst
// kept candidate and supplies the pruning radius.
type vpHeap struct {
	t     *VPTree
	cands []vpCand
}

func (h *vpHeap) Len() int           { return len(h.cands) }
func (h *vpHeap) Less(i, j int) bool { return h.t.candLess(h.cands[j], h.cands[i]) }
func (h *vpHeap) Swap(i, j int)      { h.cands[i], h.cands[j] = h.cands[j], h.cands[i] }
func (h *vpHeap) Push(x interface{}) { h.cands = append(h.cands, x.(vpCand)) }
func (h *vpHeap) Pop() interface{} {
	old := h.cands
	n := len(old)
	x := old[n-1]
	h.cands = old[:n-1]
	return x
}

// Query returns the k nearest records, ascending, ties broken by
// (BinaryID, FunctionID). k <= 0 returns every record ranked.
func (t *VPTree) Query(probe []float32, k int) ([]Match, error) {
	if len(t.recs) == 0 {
		return nil, nil
	}
	if len(probe) != t.dim {
		return nil, fmt.Errorf("%w: probe dimension %d, index dimension %d", ErrWrongDimension, len(probe), t.dim)
	}
	if k <= 0 || k > len(t.recs) {
		k = len(t.recs)
	}

	pm := magnitudeOf(probe)
	h := &vpHeap{t: t}
	heap.Init(h)

	// bound re-reads the worst kept distance so each prune decision uses the
	// radius as tightened by earlier descents.
	bound := func() float64 {
		if h.Len() == k {
			return h.cands[0].dist
		}
		return math.Inf(1)
	}

	var visit func(n *vpNode)
	visit = func(n *vpNode) {
		if n == nil {
			return
		}
		d := treeDistance(t.metric, probe, pm, t.recs[n.idx].Vector, t.mags[n.idx])
		c := vpCand{idx: n.idx, dist: d}
		if h.Len() < k {
			heap.Push(h, c)
		} else if t.candLess(c, h.cands[0]) {
			heap.Pop(h)
			heap.Push(h, c)
		}

		// Search the side containing the probe first; the far side matters
		// only if the shell of radius bound crosses the threshold.
		if d < n.thr {
			if d-bound() <= n.thr {
				visit(n.left)
			}
			if d+bound() >= n.thr {
				visit(n.right)
			}
		} else {
			if d+bound() >= n.thr {
				visit(n.right)
			}
			if d-bound() <= n.thr {
				visit(n.left)
			}
		}
	}
	visit(t.root)

	matches := make([]Match, h.Len())
	for i := len(matches) - 1; i >= 0; i-- {
		c := heap.Pop(h).(vpCand)
		matches[i] = Match{
			Record:   t.recs[c.idx],
			Distance: reportDistance(t.metric, c.dist),
		}
	}
	sortMatches(matches)
	return matches, nil
}
