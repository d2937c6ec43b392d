// -- internal/cli/stats.go --
package cli

import (
	"encoding/json"
	"os"

	"github.com/theStache/Surfactant/pkg/models"
)

func RunStats(dbPath string) error {
	fsys := RealFileSystem{}
	fileSize, _ := GetPathSize(fsys, dbPath)

	provider, err := OpenProvider(dbPath, true)
	if err != nil {
		return err
	}
	defer provider.Close()

	stats, err := provider.Stats()
	if err != nil {
		return err
	}

	diskSpace := stats.DiskSpaceUsed
	if diskSpace == 0 {
		diskSpace = fileSize
	}

	output := models.StatsOutput{
		Database:       dbPath,
		Backend:        stats.Backend,
		Strategy:       stats.Strategy,
		Binaries:       stats.BinaryCount,
		Records:        stats.RecordCount,
		DiskSpace:      diskSpace,
		DiskSpaceHuman: HumanizeBytes(diskSpace),
		SchemaVer:      stats.SchemaVersion,
		LastUpdated:    stats.LastUpdated,
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}
