// -- internal/cli/export.go --
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/storage/jsondb"
)

// RunExport writes the whole store as one archive document for interchange:
// summaries first, then every record. Corrupt records are warned to stderr
// and left out rather than failing the export.
func RunExport(dbPath, outPath string) error {
	provider, err := OpenProvider(dbPath, true)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer provider.Close()

	stats, err := provider.Stats()
	if err != nil {
		return err
	}
	binaries, err := provider.Binaries()
	if err != nil {
		return err
	}

	var records []*models.SignatureRecord
	report, err := provider.ScanAll(func(r *models.SignatureRecord) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range report.Corrupt {
		fmt.Fprintf(os.Stderr, "warning: corrupt record %s: %s\n", c.Key, c.Reason)
	}

	archive := &jsondb.Archive{
		Version:    jsondb.ArchiveVersion,
		Database:   dbPath,
		Backend:    stats.Backend,
		Strategy:   stats.Strategy,
		ExportedAt: time.Now().UTC(),
		Binaries:   binaries,
		Records:    records,
	}

	if outPath == "" {
		return jsondb.Write(os.Stdout, archive)
	}
	return jsondb.Save(outPath, archive)
}
