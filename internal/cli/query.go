// -- internal/cli/query.go --
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/theStache/Surfactant/pkg/index"
	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/pipeline"
)

// QueryOptions configures one similarity query run.
type QueryOptions struct {
	DBPath string
	TopK   int
	Index  string
}

func RunQuery(target string, opts QueryOptions) error {
	cleanTarget := filepath.Clean(target)

	provider, err := OpenProvider(opts.DBPath, true)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer provider.Close()

	backend := BackendForPath(opts.DBPath)
	proc, err := pipeline.New(provider, pipeline.Options{
		DBPath:  opts.DBPath,
		Backend: backend,
		Index:   index.Options{Kind: opts.Index},
	})
	if err != nil {
		return err
	}
	defer proc.Close()

	results, report, err := proc.FindSimilarFile(context.Background(), cleanTarget, opts.TopK)
	if err != nil {
		return err
	}
	if report != nil {
		for _, skip := range report.Skips {
			fmt.Fprintf(os.Stderr, "warning: %s: skipped function %s\n", cleanTarget, skip.String())
		}
	}

	k := opts.TopK
	if k <= 0 {
		k = models.DefaultTopK
	}

	output := models.QueryOutput{
		Database:   opts.DBPath,
		Backend:    backend,
		Index:      proc.IndexKind(),
		TopK:       k,
		Results:    results,
		TotalProbe: len(results),
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}
