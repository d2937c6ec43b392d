// Package extract turns candidate function starts into FunctionUnits:
// per-function control-flow graphs built from the injected disassembly
// collaborator, with overlap resolution, per-function deadlines, and
// skip-and-continue error isolation.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/theStache/Surfactant/pkg/analysis/disasm"
	"github.com/theStache/Surfactant/pkg/analysis/loader"
	"github.com/theStache/Surfactant/pkg/models"
)

// FunctionUnit is one extracted function. Immutable once emitted.
type FunctionUnit struct {
	BinaryID    string
	EntryOffset uint64
	ByteLength  uint64
	SymbolName  string
	Graph       *ControlFlowGraph
	CallTargets []uint64
}

// Report accounts for everything that did not become a FunctionUnit.
// Nothing is skipped silently.
type Report struct {
	BinaryID   string
	Functions  int
	Overlapped int
	Skips      []models.FunctionSkip
}

// Options tunes extraction behavior.
type Options struct {
	// FunctionTimeout bounds the disassembly of a single function.
	// Zero selects models.DefaultFunctionTimeout.
	FunctionTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{FunctionTimeout: models.DefaultFunctionTimeout}
}

// Extractor drives one disassembly collaborator. Safe for concurrent use
// across binaries: all per-call state is local.
type Extractor struct {
	dis  disasm.Disassembler
	opts Options
}

func New(dis disasm.Disassembler, opts Options) (*Extractor, error) {
	if dis == nil {
		return nil, fmt.Errorf("extract: nil disassembler")
	}
	if opts.FunctionTimeout <= 0 {
		opts.FunctionTimeout = models.DefaultFunctionTimeout
	}
	return &Extractor{dis: dis, opts: opts}, nil
}

// candidate pairs a start offset with its provenance. Symbol-confirmed
// boundaries outrank discovered ones during overlap resolution.
type candidate struct {
	addr      uint64
	symbol    bool
	symbolEnd uint64
}

// ForEach streams FunctionUnits to the callback, one at a time, so large
// binaries never hold their whole function set in memory. Extraction is
// restartable per binary; a ctx error aborts between functions and the
// caller discards partial results. Per-function failures are recorded in
// the report and do not stop the remaining functions.
func (e *Extractor) ForEach(ctx context.Context, bin *loader.Binary, starts []uint64, emit func(*FunctionUnit) error) (*Report, error) {
	report := &Report{BinaryID: bin.ID}

	cands := e.resolveCandidates(bin, starts)
	var coveredEnd uint64 // end of the last symbol-confirmed body

	for i, c := range cands {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		// A discovered candidate inside a symbol-confirmed body is a
		// boundary artifact, not a function.
		if !c.symbol && c.addr < coveredEnd {
			report.Overlapped++
			continue
		}

		limit := c.symbolEnd
		if limit == 0 && i+1 < len(cands) {
			limit = cands[i+1].addr
		}

		fctx, cancel := context.WithTimeout(ctx, e.opts.FunctionTimeout)
		res, err := e.dis.Disassemble(fctx, bin, c.addr, limit)
		cancel()
		if err != nil {
			// The whole binary was cancelled, not just this function.
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Skips = append(report.Skips, models.FunctionSkip{
				Offset: c.addr,
				Reason: skipReason(err),
			})
			continue
		}

		if c.symbol && res.End > coveredEnd {
			coveredEnd = res.End
		}

		fu := &FunctionUnit{
			BinaryID:    bin.ID,
			EntryOffset: c.addr,
			ByteLength:  res.End - c.addr,
			SymbolName:  bin.SymbolAt(c.addr),
			Graph:       buildCFG(res),
			CallTargets: res.CallTargets,
		}
		if err := emit(fu); err != nil {
			return report, err
		}
		report.Functions++
	}

	return report, nil
}

// ExtractAll collects every FunctionUnit into memory. Convenience wrapper
// for small binaries and tests; prefer ForEach when streaming matters.
func (e *Extractor) ExtractAll(ctx context.Context, bin *loader.Binary, starts []uint64) ([]*FunctionUnit, *Report, error) {
	var units []*FunctionUnit
	report, err := e.ForEach(ctx, bin, starts, func(fu *FunctionUnit) error {
		units = append(units, fu)
		return nil
	})
	if err != nil {
		return nil, report, err
	}
	return units, report, nil
}

// DiscoverStarts finds candidate function entries on stripped binaries by
// recursive descent: start at the entry point and chase every direct call
// destination. The walk is capped so a pathological call graph cannot
// explode the candidate set.
func (e *Extractor) DiscoverStarts(ctx context.Context, bin *loader.Binary) ([]uint64, error) {
	if bin.SectionAt(bin.Entry) == nil {
		return nil, fmt.Errorf("%w: entry point 0x%x maps to no executable section", models.ErrAnalysis, bin.Entry)
	}

	seen := make(map[uint64]bool)
	pending := []uint64{bin.Entry}
	var starts []uint64

	for len(pending) > 0 && len(starts) < models.MaxDiscoveredStarts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		addr := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if seen[addr] || bin.SectionAt(addr) == nil {
			continue
		}
		seen[addr] = true

		fctx, cancel := context.WithTimeout(ctx, e.opts.FunctionTimeout)
		res, err := e.dis.Disassemble(fctx, bin, addr, 0)
		cancel()
		if err != nil {
			// A target that fails to decode is simply not a function.
			continue
		}

		starts = append(starts, addr)
		pending = append(pending, res.CallTargets...)
	}

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

// resolveCandidates merges the caller's starts with symbol metadata,
// ascending and deduplicated. When both a symbol and a discovered start
// land on one address the symbol provenance wins.
func (e *Extractor) resolveCandidates(bin *loader.Binary, starts []uint64) []candidate {
	symbolEnds := make(map[uint64]uint64, len(bin.Symbols))
	symbolAt := make(map[uint64]bool, len(bin.Symbols))
	for _, sym := range bin.Symbols {
		symbolAt[sym.Addr] = true
		if sym.Size > 0 {
			symbolEnds[sym.Addr] = sym.Addr + sym.Size
		}
	}

	seen := make(map[uint64]bool, len(starts))
	cands := make([]candidate, 0, len(starts))
	for _, s := range starts {
		if s == 0 || seen[s] {
			continue
		}
		seen[s] = true
		cands = append(cands, candidate{
			addr:      s,
			symbol:    symbolAt[s],
			symbolEnd: symbolEnds[s],
		})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].addr < cands[j].addr })
	return cands
}

func skipReason(err error) string {
	if errors.Is(err, models.ErrAnalysisTimeout) {
		return "analysis timeout"
	}
	return err.Error()
}
