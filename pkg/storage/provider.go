// Package storage defines the persistence contract shared by all signature
// database backends. A backend stores SignatureRecords grouped by binary,
// replaces a binary's records atomically, and supports a bulk scan that
// tolerates individually corrupt records.
package storage

import (
	"errors"
	"time"

	"github.com/theStache/Surfactant/pkg/models"
)

// ErrNotFound reports a point lookup that matched nothing. Backends return it
// unwrapped so callers can test with errors.Is.
var ErrNotFound = errors.New("storage: not found")

// Provider is the signature database contract. This abstraction keeps the
// pipeline and the index agnostic of the underlying engine.
//
// PutBatch replaces every record for summary.BinaryID with the given set in
// one atomic batch; a failed batch leaves the prior state intact and
// retryable. Write failures wrap models.ErrStoreWrite.
type Provider interface {
	PutBatch(summary models.BinarySummary, records []*models.SignatureRecord) error
	GetByBinary(binaryID string) ([]*models.SignatureRecord, error)
	GetRecord(binaryID, functionID string) (*models.SignatureRecord, error)
	Invalidate(binaryID string) error

	// ScanAll streams every record to fn. A record that fails to decode is
	// reported in the ScanReport and skipped; an error from fn aborts the
	// scan and is returned as-is.
	ScanAll(fn func(*models.SignatureRecord) error) (*ScanReport, error)

	Binaries() ([]*models.BinarySummary, error)
	Stats() (*Stats, error)
	Close() error
}

// SummaryRebuilder is implemented by backends whose per-binary summaries are
// derived state that can drift from the records and be re-derived from them.
type SummaryRebuilder interface {
	RebuildSummaries() (int, error)
}

// CorruptRecord identifies one undecodable record encountered during a scan.
type CorruptRecord struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// ScanReport summarizes a bulk scan. Corrupt holds the records that were
// skipped; Scanned counts only the records successfully delivered.
type ScanReport struct {
	Scanned int             `json:"scanned"`
	Corrupt []CorruptRecord `json:"corrupt,omitempty"`
}

// Stats describes a database for status reporting.
type Stats struct {
	Backend       string    `json:"backend"`
	BinaryCount   int       `json:"binary_count"`
	RecordCount   int       `json:"record_count"`
	DiskSpaceUsed int64     `json:"disk_space_bytes,omitempty"`
	SchemaVersion int       `json:"schema_version"`
	Strategy      string    `json:"strategy,omitempty"`
	LastUpdated   time.Time `json:"last_updated,omitempty"`
}
