// Package sqlitedb implements the signature store on SQLite via the pure-Go
// modernc.org/sqlite driver. A single file with real tables suits small
// corpora and interchange; the summary table is maintained in the same
// transaction as the records, so unlike the Pebble backend it cannot drift.
package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/storage"
)

// CurrentSchemaVersion enforces binary compatibility. Increment only if the
// table shapes or the vector BLOB encoding change.
const CurrentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS signatures (
	binary_id    TEXT NOT NULL,
	function_id  TEXT NOT NULL,
	vector       BLOB NOT NULL,
	symbol_name  TEXT,
	entry_offset INTEGER NOT NULL,
	byte_length  INTEGER NOT NULL,
	block_count  INTEGER NOT NULL,
	instr_count  INTEGER NOT NULL,
	format       TEXT NOT NULL,
	arch         TEXT NOT NULL,
	strategy     TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	PRIMARY KEY (binary_id, function_id)
);

CREATE INDEX IF NOT EXISTS idx_signatures_symbol ON signatures(symbol_name);

CREATE TABLE IF NOT EXISTS binaries (
	binary_id      TEXT PRIMARY KEY,
	name           TEXT,
	format         TEXT NOT NULL,
	arch           TEXT NOT NULL,
	strategy       TEXT NOT NULL,
	function_count INTEGER NOT NULL,
	skipped_count  INTEGER NOT NULL,
	ingested_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the SQLite-backed signature database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Options configures Store initialization.
type Options struct {
	ReadOnly bool
}

// DefaultOptions returns defaults for a standard deployment.
func DefaultOptions() Options {
	return Options{}
}

// Open opens or creates a SQLite signature database at dbPath.
func Open(dbPath string, opts Options) (*Store, error) {
	if opts.ReadOnly {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database does not exist: %s", dbPath)
		}
	} else if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers unblocked during batch writes; busy_timeout makes
	// concurrent openers wait instead of failing. One writer connection
	// serializes BEGIN IMMEDIATE transactions.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma setup failed: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}

	if !opts.ReadOnly {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	if v, err := s.getMeta(metaKeySchemaVersion); err == nil && v != "" {
		var dbVer int
		if _, scanErr := fmt.Sscanf(v, "%d", &dbVer); scanErr == nil && dbVer > CurrentSchemaVersion {
			db.Close()
			return nil, fmt.Errorf("database schema version %d is newer than supported version %d; please upgrade bsig", dbVer, CurrentSchemaVersion)
		}
	} else if !opts.ReadOnly {
		if err := s.setMeta(metaKeySchemaVersion, fmt.Sprintf("%d", CurrentSchemaVersion)); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize schema version: %w", err)
		}
		s.setMeta(metaKeyCreatedAt, time.Now().Format(time.RFC3339Nano))
	}

	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const (
	metaKeySchemaVersion = "schema_version"
	metaKeyStrategy      = "strategy"
	metaKeyCreatedAt     = "created_at"
	metaKeyLastUpdated   = "last_updated_at"
)

func (s *Store) getMeta(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *Store) setMeta(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES(?, ?)`, key, value)
	return err
}

// encodeVector packs float32 values as a little-endian BLOB without a length
// prefix; the dimension is derived from the BLOB size on decode.
func encodeVector(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector blob length %d (not multiple of 4)", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

// PutBatch atomically replaces every stored record for summary.BinaryID.
// BEGIN IMMEDIATE takes the write reservation up front and cooperates with
// busy_timeout, so a failed batch rolls back to the prior generation.
func (s *Store) PutBatch(summary models.BinarySummary, records []*models.SignatureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if summary.BinaryID == "" {
		return fmt.Errorf("%w: empty binary id", models.ErrStoreWrite)
	}
	for _, rec := range records {
		if rec.BinaryID != summary.BinaryID {
			return fmt.Errorf("%w: record %q does not belong to binary %q", models.ErrStoreWrite, rec.Key(), summary.BinaryID)
		}
	}

	// One database holds vectors from exactly one strategy; first write pins it.
	dbStrategy, _ := s.getMeta(metaKeyStrategy)
	if dbStrategy != "" && summary.Strategy != "" && dbStrategy != summary.Strategy {
		return fmt.Errorf("%w: database strategy %q, batch strategy %q", models.ErrStoreWrite, dbStrategy, summary.Strategy)
	}

	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire connection: %v", models.ErrStoreWrite, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("%w: begin batch for %q: %v", models.ErrStoreWrite, summary.BinaryID, err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(ctx, `ROLLBACK`)
		}
	}()

	if _, err := conn.ExecContext(ctx, `DELETE FROM signatures WHERE binary_id = ?`, summary.BinaryID); err != nil {
		return fmt.Errorf("%w: clear prior records for %q: %v", models.ErrStoreWrite, summary.BinaryID, err)
	}

	stmt, err := conn.PrepareContext(ctx, `INSERT INTO signatures(
		binary_id, function_id, vector, symbol_name, entry_offset, byte_length,
		block_count, instr_count, format, arch, strategy, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %v", models.ErrStoreWrite, err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.BinaryID, rec.FunctionID, encodeVector(rec.Vector), rec.SymbolName,
			int64(rec.EntryOffset), int64(rec.ByteLength), rec.BlockCount, rec.InstrCount,
			rec.Format, rec.Arch, rec.Strategy, rec.Created.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("%w: store record %q: %v", models.ErrStoreWrite, rec.Key(), err)
		}
	}

	if summary.IngestedAt.IsZero() {
		summary.IngestedAt = time.Now()
	}
	summary.FunctionCount = len(records)

	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO binaries(
		binary_id, name, format, arch, strategy, function_count, skipped_count, ingested_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.BinaryID, summary.Name, summary.Format, summary.Arch, summary.Strategy,
		summary.FunctionCount, summary.SkippedCount, summary.IngestedAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("%w: store summary %q: %v", models.ErrStoreWrite, summary.BinaryID, err)
	}

	if dbStrategy == "" && summary.Strategy != "" {
		conn.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key, value) VALUES(?, ?)`, metaKeyStrategy, summary.Strategy)
	}
	conn.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key, value) VALUES(?, ?)`, metaKeyLastUpdated, time.Now().Format(time.RFC3339Nano))

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("%w: commit batch for %q: %v", models.ErrStoreWrite, summary.BinaryID, err)
	}
	committed = true
	return nil
}

const recordColumns = `binary_id, function_id, vector, symbol_name, entry_offset, byte_length,
	block_count, instr_count, format, arch, strategy, created_at`

func scanRecord(scan func(dest ...any) error) (*models.SignatureRecord, error) {
	var (
		rec         models.SignatureRecord
		vecBlob     []byte
		entryOffset int64
		byteLength  int64
		created     string
	)
	if err := scan(&rec.BinaryID, &rec.FunctionID, &vecBlob, &rec.SymbolName,
		&entryOffset, &byteLength, &rec.BlockCount, &rec.InstrCount,
		&rec.Format, &rec.Arch, &rec.Strategy, &created); err != nil {
		return nil, err
	}
	vec, err := decodeVector(vecBlob)
	if err != nil {
		return nil, err
	}
	rec.Vector = vec
	rec.EntryOffset = uint64(entryOffset)
	rec.ByteLength = uint64(byteLength)
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		rec.Created = t
	}
	return &rec, nil
}

// GetByBinary returns the stored records for one binary in function-id order.
func (s *Store) GetByBinary(binaryID string) ([]*models.SignatureRecord, error) {
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM signatures
		WHERE binary_id = ? ORDER BY function_id`, binaryID)
	if err != nil {
		return nil, fmt.Errorf("query records for %q: %w", binaryID, err)
	}
	defer rows.Close()

	var records []*models.SignatureRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("decode record for %q: %w", binaryID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// GetRecord looks up a single record by its composite identity.
func (s *Store) GetRecord(binaryID, functionID string) (*models.SignatureRecord, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM signatures
		WHERE binary_id = ? AND function_id = ?`, binaryID, functionID)
	rec, err := scanRecord(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read record %s:%s: %w", binaryID, functionID, err)
	}
	return rec, nil
}

// Invalidate removes every record and the summary row for one binary in one
// transaction. Unknown binaries return storage.ErrNotFound.
func (s *Store) Invalidate(binaryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM binaries WHERE binary_id = ?`, binaryID).Scan(&exists); err != nil {
		return fmt.Errorf("read summary %q: %w", binaryID, err)
	}
	if exists == 0 {
		return storage.ErrNotFound
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin invalidation for %q: %v", models.ErrStoreWrite, binaryID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM signatures WHERE binary_id = ?`, binaryID); err != nil {
		return fmt.Errorf("%w: delete records for %q: %v", models.ErrStoreWrite, binaryID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM binaries WHERE binary_id = ?`, binaryID); err != nil {
		return fmt.Errorf("%w: delete summary %q: %v", models.ErrStoreWrite, binaryID, err)
	}
	tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key, value) VALUES(?, ?)`, metaKeyLastUpdated, time.Now().Format(time.RFC3339Nano))

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit invalidation for %q: %v", models.ErrStoreWrite, binaryID, err)
	}
	return nil
}

// ScanAll streams every record to fn in (binary_id, function_id) order.
// Records whose vector BLOB fails to decode are reported and skipped.
func (s *Store) ScanAll(fn func(*models.SignatureRecord) error) (*storage.ScanReport, error) {
	report := &storage.ScanReport{}

	rows, err := s.db.Query(`SELECT ` + recordColumns + ` FROM signatures
		ORDER BY binary_id, function_id`)
	if err != nil {
		return report, fmt.Errorf("scan query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			report.Corrupt = append(report.Corrupt, storage.CorruptRecord{Reason: err.Error()})
			continue
		}
		if err := fn(rec); err != nil {
			return report, err
		}
		report.Scanned++
	}
	if err := rows.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// Binaries lists the stored per-binary summaries.
func (s *Store) Binaries() ([]*models.BinarySummary, error) {
	rows, err := s.db.Query(`SELECT binary_id, name, format, arch, strategy,
		function_count, skipped_count, ingested_at FROM binaries ORDER BY binary_id`)
	if err != nil {
		return nil, fmt.Errorf("query binaries: %w", err)
	}
	defer rows.Close()

	var out []*models.BinarySummary
	for rows.Next() {
		var (
			sum      models.BinarySummary
			ingested string
		)
		if err := rows.Scan(&sum.BinaryID, &sum.Name, &sum.Format, &sum.Arch,
			&sum.Strategy, &sum.FunctionCount, &sum.SkippedCount, &ingested); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ingested); err == nil {
			sum.IngestedAt = t
		}
		out = append(out, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats reports record and binary counts plus database health metadata.
func (s *Store) Stats() (*storage.Stats, error) {
	stats := &storage.Stats{Backend: models.BackendSQLite}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM signatures`).Scan(&stats.RecordCount); err != nil {
		return nil, fmt.Errorf("count signatures: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM binaries`).Scan(&stats.BinaryCount); err != nil {
		return nil, fmt.Errorf("count binaries: %w", err)
	}

	var path string
	if err := s.db.QueryRow(`SELECT file FROM pragma_database_list WHERE name = 'main'`).Scan(&path); err == nil && path != "" {
		if fi, err := os.Stat(path); err == nil {
			stats.DiskSpaceUsed = fi.Size()
		}
	}

	if v, err := s.getMeta(metaKeySchemaVersion); err == nil {
		fmt.Sscanf(v, "%d", &stats.SchemaVersion)
	}
	if v, err := s.getMeta(metaKeyStrategy); err == nil {
		stats.Strategy = v
	}
	if v, err := s.getMeta(metaKeyLastUpdated); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			stats.LastUpdated = t
		}
	}
	return stats, nil
}
