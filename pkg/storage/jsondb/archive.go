// Package jsondb implements the portable JSON interchange format for
// signature databases. An Archive is one self-describing document holding
// every summary and record of a store; export writes one, import reads one
// back into any live backend. It is a transfer format, not a serving
// backend: nothing queries an archive in place.
package jsondb

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/theStache/Surfactant/pkg/models"
)

const (
	// ArchiveVersion is the interchange schema. Bump it when the document
	// layout changes; Load refuses documents written by a newer version.
	ArchiveVersion = 1

	// MaxArchiveBytes caps how much of an archive Load will read. A 64-dim
	// record is around a kilobyte of JSON, so the cap clears corpora in the
	// low hundreds of thousands of functions while a padding bomb cannot
	// blow the heap.
	MaxArchiveBytes = 256 * 1024 * 1024
)

// Archive is the interchange document. Binaries carries the per-binary
// rollups and Records every signature; Strategy is the database-wide pin so
// an importer can reject a mismatched target before writing anything.
type Archive struct {
	Version    int                       `json:"version"`
	Database   string                    `json:"database,omitempty"`
	Backend    string                    `json:"backend,omitempty"`
	Strategy   string                    `json:"strategy,omitempty"`
	ExportedAt time.Time                 `json:"exported_at"`
	Binaries   []*models.BinarySummary   `json:"binaries"`
	Records    []*models.SignatureRecord `json:"records"`
}

// Batch pairs one binary's summary with its records, the unit of an atomic
// store commit.
type Batch struct {
	Summary models.BinarySummary
	Records []*models.SignatureRecord
}

// Batches regroups the flat record list into per-binary commits, ordered by
// BinaryID with records in FunctionID order. A record whose binary has no
// summary in the document gets one synthesized from the record itself; the
// store recomputes the authoritative counts on write anyway.
func (a *Archive) Batches() []Batch {
	summaries := make(map[string]*models.BinarySummary, len(a.Binaries))
	for _, s := range a.Binaries {
		summaries[s.BinaryID] = s
	}

	grouped := make(map[string][]*models.SignatureRecord)
	for _, r := range a.Records {
		grouped[r.BinaryID] = append(grouped[r.BinaryID], r)
	}

	ids := make([]string, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	batches := make([]Batch, 0, len(ids))
	for _, id := range ids {
		records := grouped[id]
		sort.Slice(records, func(i, j int) bool {
			return records[i].FunctionID < records[j].FunctionID
		})

		var summary models.BinarySummary
		if s, ok := summaries[id]; ok {
			summary = *s
		} else {
			first := records[0]
			summary = models.BinarySummary{
				BinaryID:   id,
				Format:     first.Format,
				Arch:       first.Arch,
				Strategy:   first.Strategy,
				IngestedAt: first.Created,
			}
		}
		batches = append(batches, Batch{Summary: summary, Records: records})
	}
	return batches
}

// Write streams the archive to w as indented JSON. Humans read these too.
func Write(w io.Writer, a *Archive) error {
	if a == nil {
		return fmt.Errorf("jsondb: nil archive")
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(a); err != nil {
		return fmt.Errorf("jsondb: encode archive: %w", err)
	}
	return nil
}

// Save writes the archive to path atomically: encode into a temp file in the
// same directory, fsync, then rename over the destination. A crash midway
// leaves the old file or none, never a truncated document. The temp file
// stays in the target directory because a cross-partition rename is not
// atomic.
func Save(path string, a *Archive) error {
	if a == nil {
		return fmt.Errorf("jsondb: nil archive")
	}
	cleanPath := filepath.Clean(path)
	dir := filepath.Dir(cleanPath)

	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("jsondb: destination directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "bsig-archive-*.tmp")
	if err != nil {
		return fmt.Errorf("jsondb: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	// Restrict permissions before any bytes land, not after.
	if err := tmp.Chmod(models.FilePermSecure); err != nil {
		tmp.Close()
		return fmt.Errorf("jsondb: set permissions: %w", err)
	}

	if err := Write(tmp, a); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("jsondb: sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jsondb: close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), cleanPath); err != nil {
		return fmt.Errorf("jsondb: replace %s: %w", cleanPath, err)
	}
	return nil
}

// Load reads an archive from path. The read is capped at MaxArchiveBytes and
// the decoder rejects unknown fields, so a wrong or padded file fails loudly
// instead of importing garbage.
func Load(path string) (*Archive, error) {
	cleanPath := filepath.Clean(path)

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("jsondb: %w", err)
	}
	// Named pipes and devices would hang the read.
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("jsondb: %s is not a regular file", cleanPath)
	}

	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("jsondb: open archive: %w", err)
	}
	defer f.Close()

	decoder := json.NewDecoder(io.LimitReader(f, MaxArchiveBytes))
	decoder.DisallowUnknownFields()

	var a Archive
	if err := decoder.Decode(&a); err != nil {
		return nil, fmt.Errorf("jsondb: parse %s: %w", cleanPath, err)
	}
	if a.Version > ArchiveVersion {
		return nil, fmt.Errorf("jsondb: archive version %d is newer than supported version %d; please upgrade bsig", a.Version, ArchiveVersion)
	}
	return &a, nil
}
