// Package pebbledb implements the signature store on CockroachDB's Pebble.
// The LSM layout fits the workload: per-binary record groups arrive as bulk
// sorted writes, invalidation is a single range tombstone, and index rebuilds
// are one forward scan over a contiguous keyspace.
package pebbledb

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/storage"
)

// Key prefixes simulate logical buckets in Pebble's flat key space.
// Keep these short to minimize storage overhead per key.
var (
	prefixRecords  = []byte("rec:")  // Master storage: rec:BinaryID:FunctionID -> Gob/JSON blob
	prefixBinaries = []byte("bin:")  // Summary: bin:BinaryID -> Gob/JSON blob
	prefixMeta     = []byte("meta:") // Metadata: meta:key -> value
)

const (
	// CurrentSchemaVersion enforces binary compatibility. Increment only if
	// the serialization format (e.g. Gob struct shape) changes.
	CurrentSchemaVersion = 1

	// BatchSizeLimitBytes bounds batch memory during summary rebuilds (10MB).
	BatchSizeLimitBytes = 10 * 1024 * 1024

	// rebuildCommitEvery bounds the record count per rebuild batch.
	rebuildCommitEvery = 1000
)

// Store is the Pebble-backed signature database.
type Store struct {
	db *pebble.DB
	mu sync.RWMutex
}

// Options configures Store initialization.
type Options struct {
	ReadOnly  bool
	CacheSize int64
}

// DefaultOptions returns sensible defaults for a standard deployment.
func DefaultOptions() Options {
	return Options{
		ReadOnly:  false,
		CacheSize: 8 << 20, // 8MB cache
	}
}

// Open opens or creates a Pebble-backed signature database. It includes retry
// logic to handle transient file locks common in containerized environments.
func Open(dbPath string, opts Options) (*Store, error) {
	// 1. Path Sanitization
	// We prevent the engine from initializing in sensitive system roots.
	// This captures cases where a misconfigured env var points the DB to /etc.
	absPath, err := filepath.EvalSymlinks(dbPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to resolve absolute path for db: %w", err)
		}
		absPath, _ = filepath.Abs(dbPath)
	}
	if runtime.GOOS == "linux" {
		sensitivePrefixes := []string{"/etc", "/root", "/usr", "/bin", "/sbin", "/boot"}
		for _, sp := range sensitivePrefixes {
			if strings.HasPrefix(absPath, sp) {
				return nil, fmt.Errorf("refusing to initialize database in system directory %q", absPath)
			}
		}
	}

	if opts.CacheSize == 0 {
		opts.CacheSize = 8 << 20
	}

	if opts.ReadOnly {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database does not exist: %s", dbPath)
		}
	}

	pebbleOpts := &pebble.Options{
		Cache: pebble.NewCache(opts.CacheSize),
	}
	if opts.ReadOnly {
		pebbleOpts.ReadOnly = true
	}

	// Automated pipelines and rapid restarts often leave the lock file held
	// for a few milliseconds, so opening retries with exponential backoff.
	var db *pebble.DB
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		db, err = pebble.Open(dbPath, pebbleOpts)
		if err == nil {
			break
		}

		if strings.Contains(err.Error(), "lock") || strings.Contains(err.Error(), "temporarily unavailable") {
			// Backoff: 100ms, 200ms, 400ms, 800ms, 1.6s
			time.Sleep(100 * time.Millisecond * time.Duration(1<<i))
			continue
		}

		return nil, fmt.Errorf("failed to open signature db %q: %w", dbPath, err)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to acquire db lock for %q after %d attempts: %w", dbPath, maxRetries, err)
	}

	s := &Store{db: db}

	// Schema version check. This prevents an older binary from reading a
	// newer format it does not understand.
	metaVerStr, err := s.GetMetadata(metaKeySchemaVersion)
	if err == nil && metaVerStr != "" {
		var dbVer int
		if _, scanErr := fmt.Sscanf(metaVerStr, "%d", &dbVer); scanErr == nil {
			if dbVer > CurrentSchemaVersion {
				db.Close()
				return nil, fmt.Errorf("database schema version %d is newer than supported version %d; please upgrade bsig", dbVer, CurrentSchemaVersion)
			}
		}
	} else if !opts.ReadOnly {
		if err := s.SetMetadata(metaKeySchemaVersion, fmt.Sprintf("%d", CurrentSchemaVersion)); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize schema version: %w", err)
		}
		s.SetMetadata(metaKeyCreatedAt, time.Now().Format(time.RFC3339Nano))
	}

	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Metadata keys.
const (
	metaKeySchemaVersion = "schema_version"
	metaKeyStrategy      = "strategy"
	metaKeyCreatedAt     = "created_at"
	metaKeyLastUpdated   = "last_updated_at"
)

func recordKey(binaryID, functionID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixRecords, binaryID, functionID))
}

// recordPrefix covers every record of one binary. FunctionIDs are fixed-width
// hex, so lexicographic iteration inside the prefix is entry-offset order.
func recordPrefix(binaryID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixRecords, binaryID))
}

func binaryKey(binaryID string) []byte {
	return append(append([]byte(nil), prefixBinaries...), []byte(binaryID)...)
}

func buildMetaKey(key string) []byte {
	return append(append([]byte(nil), prefixMeta...), []byte(key)...)
}

func encodeRecord(rec *models.SignatureRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("encode record %q: %w", rec.Key(), err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte, rec *models.SignatureRecord) error {
	if len(data) == 0 {
		return fmt.Errorf("empty record data")
	}
	// Support both JSON and Gob payloads seamlessly; exports are JSON.
	if data[0] == '{' {
		return json.Unmarshal(data, rec)
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(rec)
}

func decodeSummary(data []byte, sum *models.BinarySummary) error {
	if len(data) == 0 {
		return fmt.Errorf("empty summary data")
	}
	if data[0] == '{' {
		return json.Unmarshal(data, sum)
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(sum)
}

// incrementLastByte returns the smallest key strictly greater than every key
// carrying the prefix, for use as an iterator upper bound. A nil return means
// the prefix was all 0xFF and no finite bound exists; callers must treat that
// as an error rather than scan the rest of the keyspace.
func incrementLastByte(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	result := make([]byte, len(prefix))
	copy(result, prefix)
	for i := len(result) - 1; i >= 0; i-- {
		if result[i] < 0xff {
			result[i]++
			return result
		}
		result[i] = 0
	}
	return nil
}

func (s *Store) newIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("pebble iterator creation failed: %w", err)
	}
	return iter, nil
}

// PutBatch atomically replaces every stored record for summary.BinaryID with
// the given set. The range delete and the inserts commit as one batch, so a
// failure leaves the previous generation of the binary untouched.
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

	// One database holds vectors from exactly one strategy; mixing them
	// would make distances meaningless. First write pins the strategy.
	dbStrategy, err := s.GetMetadata(metaKeyStrategy)
	if err == nil && dbStrategy != "" && summary.Strategy != "" && dbStrategy != summary.Strategy {
		return fmt.Errorf("%w: database strategy %q, batch strategy %q", models.ErrStoreWrite, dbStrategy, summary.Strategy)
	}

	prefix := recordPrefix(summary.BinaryID)
	upper := incrementLastByte(prefix)
	if upper == nil {
		return fmt.Errorf("%w: range overflow for binary %q", models.ErrStoreWrite, summary.BinaryID)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(prefix, upper, nil); err != nil {
		return fmt.Errorf("%w: clear prior records for %q: %v", models.ErrStoreWrite, summary.BinaryID, err)
	}

	for _, rec := range records {
		data, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrStoreWrite, err)
		}
		if err := batch.Set(recordKey(rec.BinaryID, rec.FunctionID), data, nil); err != nil {
			return fmt.Errorf("%w: store record %q: %v", models.ErrStoreWrite, rec.Key(), err)
		}
	}

	if summary.IngestedAt.IsZero() {
		summary.IngestedAt = time.Now()
	}
	summary.FunctionCount = len(records)

	var sumBuf bytes.Buffer
	if err := gob.NewEncoder(&sumBuf).Encode(&summary); err != nil {
		return fmt.Errorf("%w: encode summary %q: %v", models.ErrStoreWrite, summary.BinaryID, err)
	}
	if err := batch.Set(binaryKey(summary.BinaryID), sumBuf.Bytes(), nil); err != nil {
		return fmt.Errorf("%w: store summary %q: %v", models.ErrStoreWrite, summary.BinaryID, err)
	}

	if dbStrategy == "" && summary.Strategy != "" {
		batch.Set(buildMetaKey(metaKeyStrategy), []byte(summary.Strategy), nil)
	}
	batch.Set(buildMetaKey(metaKeyLastUpdated), []byte(time.Now().Format(time.RFC3339Nano)), nil)

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: commit batch for %q: %v", models.ErrStoreWrite, summary.BinaryID, err)
	}
	return nil
}

// GetByBinary returns the stored records for one binary in function-id order.
func (s *Store) GetByBinary(binaryID string) ([]*models.SignatureRecord, error) {
	prefix := recordPrefix(binaryID)
	upper := incrementLastByte(prefix)
	if upper == nil {
		return nil, fmt.Errorf("scan range overflow for binary %q", binaryID)
	}

	snap := s.db.NewSnapshot()
	defer snap.Close()

	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iterator creation failed: %w", err)
	}
	defer iter.Close()

	var records []*models.SignatureRecord
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var rec models.SignatureRecord
		if err := decodeRecord(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode record %q: %w", iter.Key(), err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// GetRecord looks up a single record by its composite identity.
func (s *Store) GetRecord(binaryID, functionID string) (*models.SignatureRecord, error) {
	data, closer, err := s.db.Get(recordKey(binaryID, functionID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read record %s:%s: %w", binaryID, functionID, err)
	}
	defer closer.Close()

	var rec models.SignatureRecord
	if err := decodeRecord(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s:%s: %w", binaryID, functionID, err)
	}
	return &rec, nil
}

// Invalidate removes every record and the summary for one binary in a single
// batch. Unknown binaries return storage.ErrNotFound.
func (s *Store) Invalidate(binaryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, closer, err := s.db.Get(binaryKey(binaryID)); err != nil {
		if err == pebble.ErrNotFound {
			return storage.ErrNotFound
		}
		return fmt.Errorf("read summary %q: %w", binaryID, err)
	} else {
		closer.Close()
	}

	prefix := recordPrefix(binaryID)
	upper := incrementLastByte(prefix)
	if upper == nil {
		return fmt.Errorf("%w: range overflow for binary %q", models.ErrStoreWrite, binaryID)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(prefix, upper, nil); err != nil {
		return fmt.Errorf("%w: delete records for %q: %v", models.ErrStoreWrite, binaryID, err)
	}
	if err := batch.Delete(binaryKey(binaryID), nil); err != nil {
		return fmt.Errorf("%w: delete summary %q: %v", models.ErrStoreWrite, binaryID, err)
	}
	batch.Set(buildMetaKey(metaKeyLastUpdated), []byte(time.Now().Format(time.RFC3339Nano)), nil)

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: commit invalidation for %q: %v", models.ErrStoreWrite, binaryID, err)
	}
	return nil
}

// ScanAll streams every record to fn under a snapshot, so a scan sees one
// consistent generation of the database even while ingest continues. Corrupt
// records are reported and skipped rather than failing the whole scan; one
// damaged value must not take down index rebuilds for the rest of the corpus.
func (s *Store) ScanAll(fn func(*models.SignatureRecord) error) (*storage.ScanReport, error) {
	report := &storage.ScanReport{}

	upper := incrementLastByte(prefixRecords)
	if upper == nil {
		return report, fmt.Errorf("scan range overflow for record prefix")
	}

	snap := s.db.NewSnapshot()
	defer snap.Close()

	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: prefixRecords,
		UpperBound: upper,
	})
	if err != nil {
		return report, fmt.Errorf("pebble iterator creation failed: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefixRecords) {
			break
		}

		var rec models.SignatureRecord
		if err := decodeRecord(iter.Value(), &rec); err != nil {
			report.Corrupt = append(report.Corrupt, storage.CorruptRecord{
				Key:    string(iter.Key()),
				Reason: err.Error(),
			})
			continue
		}

		if err := fn(&rec); err != nil {
			return report, err
		}
		report.Scanned++
	}
	return report, nil
}

// Binaries lists the stored per-binary summaries. Summaries that fail to
// decode are skipped; RebuildSummaries re-derives them from the records.
func (s *Store) Binaries() ([]*models.BinarySummary, error) {
	upper := incrementLastByte(prefixBinaries)
	if upper == nil {
		return nil, fmt.Errorf("scan range overflow for summary prefix")
	}

	iter, err := s.newIter(&pebble.IterOptions{
		LowerBound: prefixBinaries,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*models.BinarySummary
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefixBinaries) {
			break
		}
		var sum models.BinarySummary
		if err := decodeSummary(iter.Value(), &sum); err != nil {
			continue
		}
		cp := sum
		out = append(out, &cp)
	}
	return out, nil
}

// Stats reports record and binary counts plus database health metadata.
func (s *Store) Stats() (*storage.Stats, error) {
	stats := &storage.Stats{Backend: models.BackendPebbleDB}

	countPrefix := func(prefix []byte) int {
		c := 0
		upper := incrementLastByte(prefix)
		if upper == nil {
			return 0
		}
		iter, err := s.newIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: upper,
		})
		if err != nil {
			return 0
		}
		for iter.First(); iter.Valid(); iter.Next() {
			if !bytes.HasPrefix(iter.Key(), prefix) {
				break
			}
			c++
		}
		iter.Close()
		return c
	}

	stats.RecordCount = countPrefix(prefixRecords)
	stats.BinaryCount = countPrefix(prefixBinaries)

	metrics := s.db.Metrics()
	stats.DiskSpaceUsed = int64(metrics.DiskSpaceUsage())

	if v, err := s.GetMetadata(metaKeySchemaVersion); err == nil {
		fmt.Sscanf(v, "%d", &stats.SchemaVersion)
	}
	if v, err := s.GetMetadata(metaKeyStrategy); err == nil {
		stats.Strategy = v
	}
	if v, err := s.GetMetadata(metaKeyLastUpdated); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			stats.LastUpdated = t
		}
	}
	return stats, nil
}

// RebuildSummaries clears and re-derives the bin: keyspace from the master
// records, streaming to keep memory flat. The rec: keyspace sorts by binary
// first, so one forward pass sees each binary as a contiguous run.
func (s *Store) RebuildSummaries() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()

	commitBatch := func() error {
		if err := batch.Commit(pebble.Sync); err != nil {
			batch.Close()
			return err
		}
		batch.Close()
		batch = s.db.NewBatch()
		return nil
	}
	defer func() {
		if batch != nil {
			batch.Close()
		}
	}()

	// Step 1: Clear existing summaries with a range tombstone. Vastly
	// cheaper than iterating keys and writing per-key tombstones.
	endKey := incrementLastByte(prefixBinaries)
	if endKey == nil {
		return 0, fmt.Errorf("unable to calculate range end for prefix %x", prefixBinaries)
	}
	if err := batch.DeleteRange(prefixBinaries, endKey, nil); err != nil {
		return 0, fmt.Errorf("batch delete range failed: %w", err)
	}
	if err := commitBatch(); err != nil {
		return 0, err
	}

	// Step 2: Stream records and aggregate per contiguous binary run.
	upper := incrementLastByte(prefixRecords)
	if upper == nil {
		return 0, fmt.Errorf("rebuild failed: prefix overflow")
	}
	iter, err := s.newIter(&pebble.IterOptions{
		LowerBound: prefixRecords,
		UpperBound: upper,
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var (
		current  models.BinarySummary
		rebuilt  int
		inBatch  int
		flushSum = func() error {
			if current.BinaryID == "" {
				return nil
			}
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(&current); err != nil {
				return fmt.Errorf("encode summary %q: %w", current.BinaryID, err)
			}
			batch.Set(binaryKey(current.BinaryID), buf.Bytes(), nil)
			rebuilt++
			inBatch++
			return nil
		}
	)

	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefixRecords) {
			break
		}

		var rec models.SignatureRecord
		if err := decodeRecord(iter.Value(), &rec); err != nil {
			// Fail hard on corruption to prevent silently dropping a
			// binary from the summary listing.
			return rebuilt, fmt.Errorf("corrupt record encountered during rebuild: %w", err)
		}

		if rec.BinaryID != current.BinaryID {
			if err := flushSum(); err != nil {
				return rebuilt, err
			}
			current = models.BinarySummary{
				BinaryID:   rec.BinaryID,
				Format:     rec.Format,
				Arch:       rec.Arch,
				Strategy:   rec.Strategy,
				IngestedAt: rec.Created,
			}
		}
		current.FunctionCount++
		if rec.Created.After(current.IngestedAt) {
			current.IngestedAt = rec.Created
		}

		if inBatch >= rebuildCommitEvery || batch.Len() > BatchSizeLimitBytes {
			if err := commitBatch(); err != nil {
				return rebuilt, err
			}
			inBatch = 0
		}
	}
	if err := flushSum(); err != nil {
		return rebuilt, err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return rebuilt, err
	}
	batch.Close()
	batch = nil
	return rebuilt, nil
}

func (s *Store) SetMetadata(key, value string) error {
	return s.db.Set(buildMetaKey(key), []byte(value), pebble.Sync)
}

func (s *Store) GetMetadata(key string) (string, error) {
	data, closer, err := s.db.Get(buildMetaKey(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return "", fmt.Errorf("metadata key %q not found", key)
		}
		return "", fmt.Errorf("read metadata %q: %w", key, err)
	}
	defer closer.Close()
	return string(data), nil
}

// Compact forces a full compaction, reclaiming space from range tombstones.
func (s *Store) Compact() error {
	return s.db.Compact(nil, []byte{0xff}, true)
}
