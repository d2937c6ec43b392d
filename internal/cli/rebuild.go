// -- internal/cli/rebuild.go --
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/theStache/Surfactant/pkg/index"
	"github.com/theStache/Surfactant/pkg/pipeline"
	"github.com/theStache/Surfactant/pkg/storage"
)

// RunRebuild repairs the store's derived state and proves the similarity
// index builds from what remains: summaries are recomputed on backends
// that keep them separately, then the index is rebuilt from a full scan.
func RunRebuild(dbPath, indexKind string) error {
	provider, err := OpenProvider(dbPath, false)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer provider.Close()

	summariesRebuilt := 0
	if sr, ok := provider.(storage.SummaryRebuilder); ok {
		n, err := sr.RebuildSummaries()
		if err != nil {
			return fmt.Errorf("rebuild summaries: %w", err)
		}
		summariesRebuilt = n
	}

	backend := BackendForPath(dbPath)
	proc, err := pipeline.New(provider, pipeline.Options{
		DBPath:  dbPath,
		Backend: backend,
		Index:   index.Options{Kind: indexKind},
	})
	if err != nil {
		return err
	}
	defer proc.Close()

	report, err := proc.RebuildIndex()
	if err != nil {
		return err
	}
	for _, c := range report.Corrupt {
		fmt.Fprintf(os.Stderr, "warning: corrupt record %s: %s\n", c.Key, c.Reason)
	}

	output := struct {
		Database         string `json:"database"`
		Backend          string `json:"backend"`
		Index            string `json:"index"`
		RecordsIndexed   int    `json:"records_indexed"`
		CorruptRecords   int    `json:"corrupt_records"`
		SummariesRebuilt int    `json:"summaries_rebuilt"`
	}{
		Database:         dbPath,
		Backend:          backend,
		Index:            proc.IndexKind(),
		RecordsIndexed:   report.Scanned,
		CorruptRecords:   len(report.Corrupt),
		SummariesRebuilt: summariesRebuilt,
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}
