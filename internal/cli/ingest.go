// -- internal/cli/ingest.go --
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/pipeline"
)

// -- Public API --

func RunIngest(target string, opts models.IngestOptions) error {
	fsys := RealFileSystem{}

	cleanTarget := filepath.Clean(target)
	files, err := CollectFiles(fsys, cleanTarget)
	if err != nil {
		return fmt.Errorf("collect files failed: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found in %s", cleanTarget)
	}

	provider, err := OpenProvider(opts.DBPath, false)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer provider.Close()

	backend := BackendForPath(opts.DBPath)
	proc, err := pipeline.New(provider, pipeline.Options{
		DBPath:          opts.DBPath,
		Backend:         backend,
		Strategy:        opts.Strategy,
		FunctionTimeout: opts.Timeout,
	})
	if err != nil {
		return err
	}
	defer proc.Close()

	results, totalRecords, totalSkipped, rejected, err := RunIngestParallel(proc, files, opts.Workers)
	if err != nil {
		return err
	}

	output := models.IngestOutput{
		Database:     opts.DBPath,
		Backend:      backend,
		Strategy:     proc.Strategy(),
		Files:        results,
		TotalRecords: totalRecords,
		TotalSkipped: totalSkipped,
		Rejected:     rejected,
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

// -- Core Logic --

// RunIngestParallel fans the file list out over a bounded worker group.
// Non-binaries are counted as rejected and stay quiet; real failures are
// warned to stderr and recorded per file. Neither stops the other files.
func RunIngestParallel(proc *pipeline.Processor, files []string, workers int) ([]models.IngestFileResult, int, int, int, error) {
	var (
		results      []models.IngestFileResult
		totalRecords int
		totalSkipped int
		rejected     int
		mu           sync.Mutex
	)

	ctx, cancel := context.WithTimeout(context.Background(), models.GlobalIngestTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)

	for _, file := range files {
		f := file
		g.Go(func() error {
			res, err := proc.Ingest(ctx, f, pipeline.Meta{})
			if err != nil {
				if errors.Is(err, models.ErrUnsupportedFormat) {
					mu.Lock()
					rejected++
					mu.Unlock()
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", f, err)
				mu.Lock()
				results = append(results, models.IngestFileResult{
					File:         f,
					ErrorMessage: err.Error(),
				})
				mu.Unlock()
				return nil
			}

			for _, skip := range res.Skips {
				fmt.Fprintf(os.Stderr, "warning: %s: skipped function %s\n", f, skip.String())
			}

			mu.Lock()
			results = append(results, models.IngestFileResult{
				File:      f,
				BinaryID:  res.Ref.BinaryID,
				Format:    res.Ref.Format,
				Arch:      res.Ref.Arch,
				Functions: res.Ref.FunctionCount,
				Skipped:   res.Skips,
			})
			totalRecords += res.Ref.FunctionCount
			totalSkipped += res.Ref.SkippedCount
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, 0, 0, err
	}

	// Deterministic Sort
	sort.Slice(results, func(i, j int) bool { return results[i].File < results[j].File })

	return results, totalRecords, totalSkipped, rejected, nil
}
