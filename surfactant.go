// -- surfactant.go --

// Package surfactant is the embedding surface for hosts that want the whole
// subsystem behind one handle: Open a database, Process binaries as the host
// walks its tree, Query suspects, Close. The packages under pkg/ remain the
// real API; this facade only bundles provider selection and processor
// lifecycle for callers that should not care which backend sits below.
package surfactant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/theStache/Surfactant/pkg/analysis/extract"
	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/pipeline"
	"github.com/theStache/Surfactant/pkg/storage"
	"github.com/theStache/Surfactant/pkg/storage/pebbledb"
	"github.com/theStache/Surfactant/pkg/storage/sqlitedb"
)

// Options configures an Engine. The zero value opens a writable Pebble or
// SQLite store (decided by the path suffix) with the default weighted
// strategy and VP-tree index.
type Options struct {
	// Backend forces a store backend. Empty selects by path suffix:
	// .db or .sqlite is SQLite, anything else a Pebble directory.
	Backend string

	// ReadOnly opens the store for queries only. Process fails on a
	// read-only engine.
	ReadOnly bool

	// Strategy selects the signature encoding (weighted, minhash).
	Strategy string

	// Index selects the similarity index kind (vptree, brute).
	Index string

	// FunctionTimeout bounds single-function disassembly. Zero keeps the
	// pipeline default.
	FunctionTimeout time.Duration

	// CacheSize is the digest cache capacity in entries. Zero keeps the
	// pipeline default; negative disables the cache.
	CacheSize int64
}

// Engine owns one database session: the store handle and the processor
// wired to it. Safe for concurrent use by the host's workers.
type Engine struct {
	provider storage.Provider
	proc     *pipeline.Processor
	backend  string
	dbPath   string
}

// BackendForPath maps a database path to its backend name by suffix.
func BackendForPath(path string) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".db") || strings.HasSuffix(lower, ".sqlite") {
		return models.BackendSQLite
	}
	return models.BackendPebbleDB
}

// Open opens or creates the signature database at dbPath and wires a
// processor to it. The Engine owns the store handle; Close releases it.
func Open(dbPath string, opts Options) (*Engine, error) {
	backend := opts.Backend
	if backend == "" {
		backend = BackendForPath(dbPath)
	}

	var (
		provider storage.Provider
		err      error
	)
	switch backend {
	case models.BackendSQLite:
		sopts := sqlitedb.DefaultOptions()
		sopts.ReadOnly = opts.ReadOnly
		provider, err = sqlitedb.Open(dbPath, sopts)
	case models.BackendPebbleDB:
		popts := pebbledb.DefaultOptions()
		popts.ReadOnly = opts.ReadOnly
		provider, err = pebbledb.Open(dbPath, popts)
	default:
		return nil, fmt.Errorf("surfactant: unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	plOpts := pipeline.DefaultOptions()
	plOpts.DBPath = dbPath
	plOpts.Backend = backend
	plOpts.Strategy = opts.Strategy
	if opts.Index != "" {
		plOpts.Index.Kind = opts.Index
	}
	if opts.FunctionTimeout > 0 {
		plOpts.FunctionTimeout = opts.FunctionTimeout
	}
	if opts.CacheSize != 0 {
		plOpts.CacheSize = opts.CacheSize
	}

	proc, err := pipeline.New(provider, plOpts)
	if err != nil {
		provider.Close()
		return nil, err
	}

	return &Engine{
		provider: provider,
		proc:     proc,
		backend:  backend,
		dbPath:   dbPath,
	}, nil
}

// Process extracts and commits signatures for one binary, returning the
// reference the host embeds in its document model. Files that are neither
// ELF nor PE come back as models.ErrUnsupportedFormat; the host treats that
// as "not my artifact" and moves on.
func (e *Engine) Process(ctx context.Context, path string, meta pipeline.Meta) (*models.ArtifactRef, error) {
	return e.proc.Process(ctx, path, meta)
}

// Ingest is Process with the per-function skip detail kept.
func (e *Engine) Ingest(ctx context.Context, path string, meta pipeline.Meta) (*pipeline.Result, error) {
	return e.proc.Ingest(ctx, path, meta)
}

// Query extracts every function of the probe file and returns its nearest
// stored matches. Nothing from the probe is persisted.
func (e *Engine) Query(ctx context.Context, path string, k int) ([]models.QueryResult, *extract.Report, error) {
	return e.proc.FindSimilarFile(ctx, path, k)
}

// Rebuild rescans the store and swaps in a fresh similarity index.
func (e *Engine) Rebuild() (*storage.ScanReport, error) {
	return e.proc.RebuildIndex()
}

// Invalidate drops one binary's records, summary, and cache entry.
func (e *Engine) Invalidate(binaryID string) error {
	return e.proc.Invalidate(binaryID)
}

// Stats reports the database's status rollup.
func (e *Engine) Stats() (*storage.Stats, error) {
	return e.provider.Stats()
}

// Backend reports which store backend the engine opened.
func (e *Engine) Backend() string { return e.backend }

// DBPath reports the database location the engine was opened with.
func (e *Engine) DBPath() string { return e.dbPath }

// Processor exposes the full pipeline API for hosts that outgrow the facade.
func (e *Engine) Processor() *pipeline.Processor { return e.proc }

// Provider exposes the raw store contract.
func (e *Engine) Provider() storage.Provider { return e.provider }

// Close releases the processor's resources and the store handle.
func (e *Engine) Close() error {
	e.proc.Close()
	return e.provider.Close()
}
