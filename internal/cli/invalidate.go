// -- internal/cli/invalidate.go --
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/theStache/Surfactant/pkg/storage"
)

// RunInvalidate drops every record and the summary for one binary so a
// later ingest or rebuild starts clean.
func RunInvalidate(dbPath, binaryID string) error {
	provider, err := OpenProvider(dbPath, false)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer provider.Close()

	if err := provider.Invalidate(binaryID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no signatures for binary %s in %s", binaryID, dbPath)
		}
		return err
	}

	output := struct {
		Database string `json:"database"`
		BinaryID string `json:"binary_id"`
		Message  string `json:"message"`
	}{
		Database: dbPath,
		BinaryID: binaryID,
		Message:  "signatures invalidated; run rebuild or re-ingest to refresh the index",
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}
