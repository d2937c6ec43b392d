package models

import (
	"fmt"
	"time"
)

// -- Signature Records --

// SignatureRecord is the persisted tuple for one function of one binary.
// Records are append-only: they are removed only when their whole binary is
// invalidated ahead of a re-index.
type SignatureRecord struct {
	BinaryID   string    `json:"binary_id"`
	FunctionID string    `json:"function_id"`
	Vector     []float32 `json:"vector"`

	SymbolName  string `json:"symbol_name,omitempty"`
	EntryOffset uint64 `json:"entry_offset"`
	ByteLength  uint64 `json:"byte_length"`
	BlockCount  int    `json:"block_count"`
	InstrCount  int    `json:"instr_count"`

	Format   string    `json:"format"`
	Arch     string    `json:"arch"`
	Strategy string    `json:"strategy"`
	Created  time.Time `json:"created_at"`
}

// Key returns the composite identity used for point lookup and for
// deterministic tie-breaking in similarity results.
func (r *SignatureRecord) Key() string {
	return r.BinaryID + ":" + r.FunctionID
}

// FormatFunctionID renders an entry offset as the canonical function
// identity. Zero-padded hex keeps lexicographic and numeric order aligned,
// which the store's range scans and the index's tie-breaks both rely on.
func FormatFunctionID(entry uint64) string {
	return fmt.Sprintf("%016x", entry)
}

// BinarySummary is the per-binary rollup a store keeps beside the individual
// records. It exists so listing a database never requires scanning every
// record, and it is replaced wholesale by the same batch that replaces the
// binary's records.
type BinarySummary struct {
	BinaryID      string    `json:"binary_id"`
	Name          string    `json:"name,omitempty"`
	Format        string    `json:"format"`
	Arch          string    `json:"arch"`
	Strategy      string    `json:"strategy"`
	FunctionCount int       `json:"function_count"`
	SkippedCount  int       `json:"skipped_count"`
	IngestedAt    time.Time `json:"ingested_at"`
}

// -- Host Hook --

// ArtifactRef is what the host SBOM pipeline attaches to its document model
// after Process: a pointer to the persisted signature set for one binary.
type ArtifactRef struct {
	BinaryID      string `json:"binary_id"`
	Database      string `json:"database"`
	Backend       string `json:"backend"`
	Format        string `json:"format"`
	Arch          string `json:"arch"`
	FunctionCount int    `json:"function_count"`
	SkippedCount  int    `json:"skipped_count"`
}

// -- CLI & Reports --

type IngestOptions struct {
	DBPath   string
	Backend  string
	Strategy string
	Timeout  time.Duration
	Workers  int
}

type IngestFileResult struct {
	File         string         `json:"file"`
	BinaryID     string         `json:"binary_id,omitempty"`
	Format       string         `json:"format,omitempty"`
	Arch         string         `json:"arch,omitempty"`
	Functions    int            `json:"functions"`
	Skipped      []FunctionSkip `json:"skipped,omitempty"`
	ErrorMessage string         `json:"error,omitempty"`
}

type IngestOutput struct {
	Database     string             `json:"database"`
	Backend      string             `json:"backend"`
	Strategy     string             `json:"strategy"`
	Files        []IngestFileResult `json:"files"`
	TotalRecords int                `json:"total_records"`
	TotalSkipped int                `json:"total_skipped"`
	Rejected     int                `json:"rejected_files"`
}

type QueryMatch struct {
	BinaryID    string  `json:"binary_id"`
	FunctionID  string  `json:"function_id"`
	SymbolName  string  `json:"symbol_name,omitempty"`
	EntryOffset uint64  `json:"entry_offset"`
	Distance    float64 `json:"distance"`
}

type QueryResult struct {
	Probe   string       `json:"probe"`
	Matches []QueryMatch `json:"matches"`
}

type QueryOutput struct {
	Database   string        `json:"database"`
	Backend    string        `json:"backend"`
	Index      string        `json:"index"`
	TopK       int           `json:"top_k"`
	Results    []QueryResult `json:"results"`
	TotalProbe int           `json:"total_probes"`
	Error      string        `json:"error,omitempty"`
}

type StatsOutput struct {
	Database       string    `json:"database"`
	Backend        string    `json:"backend"`
	Strategy       string    `json:"strategy,omitempty"`
	Binaries       int       `json:"binaries"`
	Records        int       `json:"records"`
	DiskSpace      int64     `json:"disk_space_bytes,omitempty"`
	DiskSpaceHuman string    `json:"disk_space_human,omitempty"`
	SchemaVer      int       `json:"schema_version"`
	LastUpdated    time.Time `json:"last_updated,omitempty"`
	ErrorMessage   string    `json:"error,omitempty"`
}
