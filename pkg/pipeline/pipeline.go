// Package pipeline is the host-facing surface of the signature subsystem.
// A Processor owns the wiring from file path to persisted signature batch
// (load, extract, encode, commit) plus similarity queries and index rebuild
// orchestration over a shared store. The host SBOM walker calls Process per
// file and embeds the returned artifact reference in its document model.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/theStache/Surfactant/pkg/analysis/disasm"
	"github.com/theStache/Surfactant/pkg/analysis/extract"
	"github.com/theStache/Surfactant/pkg/analysis/loader"
	"github.com/theStache/Surfactant/pkg/index"
	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/signature"
	"github.com/theStache/Surfactant/pkg/storage"
)

// DefaultCacheSize is the digest cache capacity when Options leaves it zero.
const DefaultCacheSize = 4096

// sniffLen is how much of a file the format gate reads before deciding
// whether to parse it at all.
const sniffLen = 4096

// Options configures a Processor.
type Options struct {
	// DBPath and Backend identify the store inside artifact references.
	// They are reporting fields only; the caller opens the Provider.
	DBPath  string
	Backend string

	// Strategy selects the signature encoding. Empty means weighted.
	Strategy string

	// Index configures the similarity searcher.
	Index index.Options

	// FunctionTimeout bounds the disassembly of a single function.
	// Zero selects models.DefaultFunctionTimeout.
	FunctionTimeout time.Duration

	// CacheSize is the digest cache capacity in entries. Zero selects
	// DefaultCacheSize; negative disables the cache.
	CacheSize int64
}

func DefaultOptions() Options {
	return Options{
		Index:           index.DefaultOptions(),
		FunctionTimeout: models.DefaultFunctionTimeout,
		CacheSize:       DefaultCacheSize,
	}
}

// Meta carries host-supplied context for one file. The zero value works.
type Meta struct {
	// Name is the display name recorded in the binary summary.
	// Empty means the file's base name.
	Name string
}

// Result is the full outcome of ingesting one file. The host hook returns
// only the ArtifactRef; the CLI wants the skip detail too.
type Result struct {
	Ref    *models.ArtifactRef
	Name   string
	Skips  []models.FunctionSkip
	Cached bool
}

// Processor is safe for concurrent use: per-file state is local to each
// call, the store serializes its own writes, and the searcher swaps
// indexes under its own lock.
type Processor struct {
	provider storage.Provider
	enc      *signature.Encoder
	searcher *index.Searcher
	cache    *ArtifactCache
	opts     Options

	rebuildMu sync.Mutex
	built     atomic.Bool
}

func New(provider storage.Provider, opts Options) (*Processor, error) {
	if provider == nil {
		return nil, fmt.Errorf("pipeline: nil provider")
	}
	if opts.FunctionTimeout <= 0 {
		opts.FunctionTimeout = models.DefaultFunctionTimeout
	}

	enc, err := signature.NewEncoder(opts.Strategy)
	if err != nil {
		return nil, err
	}
	searcher, err := index.NewSearcher(opts.Index)
	if err != nil {
		return nil, err
	}

	p := &Processor{
		provider: provider,
		enc:      enc,
		searcher: searcher,
		opts:     opts,
	}

	if opts.CacheSize >= 0 {
		size := opts.CacheSize
		if size == 0 {
			size = DefaultCacheSize
		}
		cache, err := NewArtifactCache(size)
		if err != nil {
			return nil, fmt.Errorf("pipeline: digest cache: %w", err)
		}
		p.cache = cache
	}

	return p, nil
}

// Close releases the Processor's own resources. The Provider belongs to the
// caller and stays open.
func (p *Processor) Close() {
	if p.cache != nil {
		p.cache.Close()
	}
}

// Strategy returns the signature strategy this Processor encodes with.
func (p *Processor) Strategy() string { return p.enc.Strategy() }

// IndexKind returns the configured similarity index kind.
func (p *Processor) IndexKind() string { return p.searcher.Kind() }

// Process is the host pipeline hook. Non-ELF/PE files fail the magic-byte
// gate and come back as ErrUnsupportedFormat, which the host treats as
// "skip, not my artifact". On success the returned reference points at the
// persisted signature set for the file's content digest.
func (p *Processor) Process(ctx context.Context, path string, meta Meta) (*models.ArtifactRef, error) {
	res, err := p.Ingest(ctx, path, meta)
	if err != nil {
		return nil, err
	}
	return res.Ref, nil
}

// Ingest runs the full per-file pipeline and keeps the skip detail that
// Process throws away. Extraction produces the record batch in memory;
// the store write is a single atomic batch, so a failure partway leaves
// the prior state intact. A ctx abort persists nothing.
func (p *Processor) Ingest(ctx context.Context, path string, meta Meta) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	format, err := sniffFormat(path)
	if err != nil {
		binariesSkipped.WithLabelValues("read").Inc()
		return nil, err
	}
	if format == "" {
		binariesSkipped.WithLabelValues("unsupported").Inc()
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, path)
	}

	bin, err := loader.Load(path)
	if err != nil {
		binariesSkipped.WithLabelValues(loadSkipReason(err)).Inc()
		return nil, err
	}

	name := meta.Name
	if name == "" {
		name = filepath.Base(path)
	}

	if p.cache != nil {
		if ref, ok := p.cache.Get(bin.ID); ok {
			digestCacheHits.Inc()
			return &Result{Ref: ref, Name: name, Cached: true}, nil
		}
	}

	records, skips, err := p.generate(ctx, bin)
	if err != nil {
		if ctx.Err() != nil {
			binariesSkipped.WithLabelValues("canceled").Inc()
		} else {
			binariesSkipped.WithLabelValues("analysis").Inc()
		}
		return nil, err
	}

	now := time.Now().UTC()
	summary := models.BinarySummary{
		BinaryID:     bin.ID,
		Name:         name,
		Format:       bin.Format,
		Arch:         bin.Arch,
		Strategy:     p.enc.Strategy(),
		SkippedCount: len(skips),
		IngestedAt:   now,
	}
	if err := p.provider.PutBatch(summary, records); err != nil {
		binariesSkipped.WithLabelValues("store").Inc()
		return nil, err
	}

	functionsExtracted.Add(float64(len(records)))
	functionsSkipped.Add(float64(len(skips)))
	binariesProcessed.WithLabelValues(bin.Format).Inc()
	ingestDuration.WithLabelValues(bin.Format).Observe(time.Since(start).Seconds())

	ref := &models.ArtifactRef{
		BinaryID:      bin.ID,
		Database:      p.opts.DBPath,
		Backend:       p.opts.Backend,
		Format:        bin.Format,
		Arch:          bin.Arch,
		FunctionCount: len(records),
		SkippedCount:  len(skips),
	}
	if p.cache != nil {
		p.cache.Set(bin.ID, ref)
	}

	return &Result{Ref: ref, Name: name, Skips: skips}, nil
}

// generate is the extraction phase: function starts to encoded records,
// nothing persisted. Per-function failures land in skips; only a ctx abort
// or a broken entry point fails the whole binary.
func (p *Processor) generate(ctx context.Context, bin *loader.Binary) ([]*models.SignatureRecord, []models.FunctionSkip, error) {
	dis := disasm.ForArch(bin.Arch)
	if dis == nil {
		return nil, nil, fmt.Errorf("%w: no disassembler for %s", models.ErrUnsupportedFormat, bin.Arch)
	}
	ext, err := extract.New(dis, extract.Options{FunctionTimeout: p.opts.FunctionTimeout})
	if err != nil {
		return nil, nil, err
	}

	starts := bin.FunctionStarts()
	if len(starts) == 0 {
		// Stripped binary: fall back to recursive descent from the entry point.
		starts, err = ext.DiscoverStarts(ctx, bin)
		if err != nil {
			return nil, nil, err
		}
	}

	created := time.Now().UTC()
	var (
		records     []*models.SignatureRecord
		encodeSkips []models.FunctionSkip
	)
	report, err := ext.ForEach(ctx, bin, starts, func(fu *extract.FunctionUnit) error {
		vec, encErr := p.enc.Encode(fu)
		if encErr != nil {
			encodeSkips = append(encodeSkips, models.FunctionSkip{
				Offset: fu.EntryOffset,
				Reason: encErr.Error(),
			})
			return nil
		}
		records = append(records, &models.SignatureRecord{
			BinaryID:    fu.BinaryID,
			FunctionID:  models.FormatFunctionID(fu.EntryOffset),
			Vector:      vec,
			SymbolName:  fu.SymbolName,
			EntryOffset: fu.EntryOffset,
			ByteLength:  fu.ByteLength,
			BlockCount:  len(fu.Graph.Blocks),
			InstrCount:  fu.Graph.InstrCount(),
			Format:      bin.Format,
			Arch:        bin.Arch,
			Strategy:    p.enc.Strategy(),
			Created:     created,
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return records, append(report.Skips, encodeSkips...), nil
}

// FindSimilar answers a raw-vector similarity query against the current
// index, building it from the store on first use.
func (p *Processor) FindSimilar(ctx context.Context, vec []float32, k int) ([]index.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.ensureIndex(); err != nil {
		return nil, err
	}
	queriesTotal.Inc()
	return p.searcher.Query(vec, k)
}

// FindSimilarFile extracts and encodes every function of the probe file and
// queries each one. Nothing from the probe is persisted. The report carries
// the probe-side skip accounting.
func (p *Processor) FindSimilarFile(ctx context.Context, path string, k int) ([]models.QueryResult, *extract.Report, error) {
	format, err := sniffFormat(path)
	if err != nil {
		return nil, nil, err
	}
	if format == "" {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, path)
	}

	bin, err := loader.Load(path)
	if err != nil {
		return nil, nil, err
	}
	dis := disasm.ForArch(bin.Arch)
	if dis == nil {
		return nil, nil, fmt.Errorf("%w: no disassembler for %s", models.ErrUnsupportedFormat, bin.Arch)
	}
	ext, err := extract.New(dis, extract.Options{FunctionTimeout: p.opts.FunctionTimeout})
	if err != nil {
		return nil, nil, err
	}

	starts := bin.FunctionStarts()
	if len(starts) == 0 {
		starts, err = ext.DiscoverStarts(ctx, bin)
		if err != nil {
			return nil, nil, err
		}
	}
	units, report, err := ext.ExtractAll(ctx, bin, starts)
	if err != nil {
		return nil, report, err
	}

	var results []models.QueryResult
	for _, fu := range units {
		vec, err := p.enc.Encode(fu)
		if err != nil {
			report.Skips = append(report.Skips, models.FunctionSkip{
				Offset: fu.EntryOffset,
				Reason: err.Error(),
			})
			continue
		}
		matches, err := p.FindSimilar(ctx, vec, k)
		if err != nil {
			return results, report, err
		}
		results = append(results, models.QueryResult{
			Probe:   probeLabel(fu),
			Matches: toQueryMatches(matches),
		})
	}

	return results, report, nil
}

// RebuildIndex rebuilds the similarity index from the store and swaps it
// in. Queries running meanwhile keep the prior index; a failed rebuild
// leaves it live. The returned report lists corrupt records the scan
// stepped over.
func (p *Processor) RebuildIndex() (*storage.ScanReport, error) {
	p.rebuildMu.Lock()
	defer p.rebuildMu.Unlock()
	return p.rebuild()
}

// Invalidate removes one binary's records and summary ahead of a re-index
// and drops its digest cache entry. The index keeps serving the prior
// snapshot until the next rebuild.
func (p *Processor) Invalidate(binaryID string) error {
	if err := p.provider.Invalidate(binaryID); err != nil {
		return err
	}
	if p.cache != nil {
		p.cache.Delete(binaryID)
	}
	return nil
}

func (p *Processor) ensureIndex() error {
	if p.built.Load() {
		return nil
	}
	p.rebuildMu.Lock()
	defer p.rebuildMu.Unlock()
	if p.built.Load() {
		return nil
	}
	_, err := p.rebuild()
	return err
}

// rebuild must run with rebuildMu held.
func (p *Processor) rebuild() (*storage.ScanReport, error) {
	report, err := p.searcher.Rebuild(p.provider)
	if err != nil {
		indexRebuilds.WithLabelValues("failure").Inc()
		return report, err
	}
	indexRebuilds.WithLabelValues("success").Inc()
	p.built.Store(true)
	return report, nil
}

// sniffFormat reads a short prefix and classifies it by magic, so arbitrary
// large files are rejected without a full read. Empty string means neither
// ELF nor PE.
func sniffFormat(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	prefix := buf[:n]

	if format := loader.DetectFormat(prefix); format != "" {
		return format, nil
	}
	// An MZ stub whose PE header sits past the sniff window is settled by
	// the full parse.
	if n >= 2 && prefix[0] == 'M' && prefix[1] == 'Z' {
		return models.FormatPE, nil
	}
	return "", nil
}

func loadSkipReason(err error) string {
	switch {
	case errors.Is(err, models.ErrUnsupportedFormat):
		return "unsupported"
	case errors.Is(err, models.ErrCorruptHeader):
		return "corrupt"
	default:
		return "read"
	}
}

func probeLabel(fu *extract.FunctionUnit) string {
	if fu.SymbolName != "" {
		return fu.SymbolName
	}
	return fmt.Sprintf("0x%x", fu.EntryOffset)
}

func toQueryMatches(matches []index.Match) []models.QueryMatch {
	out := make([]models.QueryMatch, 0, len(matches))
	for _, m := range matches {
		out = append(out, models.QueryMatch{
			BinaryID:    m.Record.BinaryID,
			FunctionID:  m.Record.FunctionID,
			SymbolName:  m.Record.SymbolName,
			EntryOffset: m.Record.EntryOffset,
			Distance:    m.Distance,
		})
	}
	return out
}
