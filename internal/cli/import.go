// -- internal/cli/import.go --
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/theStache/Surfactant/pkg/storage/jsondb"
)

// RunImport loads an archive written by export and commits it into the
// database at dbPath, one atomic batch per binary. This is also the backend
// migration path: export from one backend, import into the other. Importing
// into a database pinned to a different strategy fails on the first batch
// with nothing committed.
func RunImport(archivePath, dbPath string) error {
	archive, err := jsondb.Load(archivePath)
	if err != nil {
		return err
	}

	provider, err := OpenProvider(dbPath, false)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer provider.Close()

	var binaries, records int
	for _, batch := range archive.Batches() {
		if err := provider.PutBatch(batch.Summary, batch.Records); err != nil {
			return fmt.Errorf("import %s: %w", batch.Summary.BinaryID, err)
		}
		binaries++
		records += len(batch.Records)
	}

	output := struct {
		Message  string `json:"message"`
		Source   string `json:"source"`
		Database string `json:"database"`
		Backend  string `json:"backend"`
		Binaries int    `json:"binaries_imported"`
		Records  int    `json:"records_imported"`
	}{
		Message:  fmt.Sprintf("imported %d binaries (%d records)", binaries, records),
		Source:   archivePath,
		Database: dbPath,
		Backend:  BackendForPath(dbPath),
		Binaries: binaries,
		Records:  records,
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}
