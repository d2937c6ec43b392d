// Package index provides nearest-neighbor search over signature vectors: an
// exact brute-force scan used as the oracle, a VP-tree for sublinear queries,
// and a Searcher that hot-swaps a freshly built index behind live queries.
package index

import (
	"errors"
	"fmt"
	"sync"

	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/storage"
)

// ErrWrongDimension reports a probe whose dimensionality differs from the
// indexed vectors.
var ErrWrongDimension = errors.New("index: wrong probe dimension")

// Match pairs a stored record with its distance to the probe.
type Match struct {
	Record   *models.SignatureRecord
	Distance float64
}

// Index answers nearest-neighbor queries over a fixed record set.
type Index interface {
	Query(probe []float32, k int) ([]Match, error)
	Len() int
	Dim() int
}

// Build constructs an index of the named kind over the records.
func Build(kind string, records []*models.SignatureRecord, metric Metric) (Index, error) {
	switch kind {
	case models.IndexBruteForce:
		return NewBruteForce(records, metric)
	case models.IndexVPTree, "":
		return NewVPTree(records, metric)
	}
	return nil, fmt.Errorf("%w: unknown index kind %q", models.ErrIndexBuild, kind)
}

// Options configures a Searcher.
type Options struct {
	Kind   string
	Metric Metric
}

// DefaultOptions returns the production configuration: VP-tree over cosine
// distance.
func DefaultOptions() Options {
	return Options{
		Kind:   models.IndexVPTree,
		Metric: MetricCosine,
	}
}

// Searcher wraps the active index behind a read-write lock. Rebuilds happen
// offline and swap in atomically; queries issued during a rebuild are served
// by the previous index, and a failed rebuild leaves it untouched.
type Searcher struct {
	mu     sync.RWMutex
	kind   string
	metric Metric
	idx    Index
}

// NewSearcher validates the configuration and returns an empty searcher.
// The index is absent until the first Rebuild.
func NewSearcher(opts Options) (*Searcher, error) {
	if opts.Kind == "" {
		opts.Kind = models.IndexVPTree
	}
	if opts.Metric == "" {
		opts.Metric = MetricCosine
	}
	if opts.Kind != models.IndexBruteForce && opts.Kind != models.IndexVPTree {
		return nil, fmt.Errorf("index: unknown index kind %q", opts.Kind)
	}
	if !opts.Metric.Valid() {
		return nil, fmt.Errorf("index: unknown metric %q", opts.Metric)
	}
	return &Searcher{kind: opts.Kind, metric: opts.Metric}, nil
}

// Rebuild loads every record from the provider and builds a fresh index
// before taking the write lock, so live queries never wait on a build.
// Corrupt records skipped by the store scan are reported, not fatal.
func (s *Searcher) Rebuild(provider storage.Provider) (*storage.ScanReport, error) {
	var records []*models.SignatureRecord
	report, err := provider.ScanAll(func(rec *models.SignatureRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("%w: store scan: %v", models.ErrIndexBuild, err)
	}

	idx, err := Build(s.kind, records, s.metric)
	if err != nil {
		return report, err
	}

	s.mu.Lock()
	s.idx = idx
	s.mu.Unlock()
	return report, nil
}

// Query answers against the active index: k nearest matches ascending by
// distance, ties broken by (BinaryID, FunctionID). An unbuilt or empty index
// answers with no matches. k <= 0 falls back to DefaultTopK.
func (s *Searcher) Query(probe []float32, k int) ([]Match, error) {
	if k <= 0 {
		k = models.DefaultTopK
	}

	s.mu.RLock()
	idx := s.idx
	s.mu.RUnlock()

	if idx == nil || idx.Len() == 0 {
		return nil, nil
	}
	return idx.Query(probe, k)
}

// Ready reports whether an index has been built.
func (s *Searcher) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx != nil
}

// Len reports the number of indexed records.
func (s *Searcher) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.idx == nil {
		return 0
	}
	return s.idx.Len()
}

// Kind reports the configured index kind.
func (s *Searcher) Kind() string {
	return s.kind
}
