package surfactant_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	surfactant "github.com/theStache/Surfactant"
	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/pipeline"
	"github.com/theStache/Surfactant/pkg/testutil"
)

// sampleELF writes the four-function synthetic ELF and returns its path and
// function count.
func sampleELF(t *testing.T) (string, int) {
	t.Helper()
	text, funcs, entry := testutil.SampleText()
	img := testutil.BuildELF(t, text, entry, funcs)
	return testutil.WriteFile(t, t.TempDir(), "libsample.so", img), len(funcs)
}

// TestEngine_ProcessAndQuery walks the whole host path: open, process one
// binary, self-query it, read stats, close.
func TestEngine_ProcessAndQuery(t *testing.T) {
	ctx := context.Background()
	db := filepath.Join(t.TempDir(), "signatures.bsig")

	eng, err := surfactant.Open(db, surfactant.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	if eng.Backend() != models.BackendPebbleDB {
		t.Errorf("backend %q, want %q", eng.Backend(), models.BackendPebbleDB)
	}
	if eng.DBPath() != db {
		t.Errorf("db path %q, want %q", eng.DBPath(), db)
	}

	path, wantFuncs := sampleELF(t)
	ref, err := eng.Process(ctx, path, pipeline.Meta{Name: "libsample.so.6"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(ref.BinaryID) != 64 {
		t.Errorf("binary id %q is not a sha256 digest", ref.BinaryID)
	}
	if ref.FunctionCount != wantFuncs || ref.SkippedCount != 0 {
		t.Errorf("counts %d/%d, want %d/0", ref.FunctionCount, ref.SkippedCount, wantFuncs)
	}
	if ref.Database != db || ref.Backend != models.BackendPebbleDB {
		t.Errorf("ref points at %s (%s), want %s (%s)",
			ref.Database, ref.Backend, db, models.BackendPebbleDB)
	}
	if ref.Format != models.FormatELF || ref.Arch != models.ArchX86_64 {
		t.Errorf("identity %s/%s, want ELF/x86-64", ref.Format, ref.Arch)
	}

	results, report, err := eng.Query(ctx, path, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(report.Skips) != 0 {
		t.Errorf("probe skips: %v", report.Skips)
	}
	if len(results) != wantFuncs {
		t.Fatalf("probe results %d, want %d", len(results), wantFuncs)
	}
	for _, r := range results {
		if len(r.Matches) != 1 {
			t.Fatalf("probe %s matches %d, want 1", r.Probe, len(r.Matches))
		}
		m := r.Matches[0]
		if m.BinaryID != ref.BinaryID {
			t.Errorf("probe %s matched foreign binary %s", r.Probe, m.BinaryID[:8])
		}
		if m.Distance > 1e-6 {
			t.Errorf("probe %s self-distance %g", r.Probe, m.Distance)
		}
		if m.SymbolName != r.Probe {
			t.Errorf("probe %s matched symbol %q", r.Probe, m.SymbolName)
		}
	}

	stats, err := eng.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.BinaryCount != 1 || stats.RecordCount != wantFuncs {
		t.Errorf("stats %d binaries / %d records, want 1/%d",
			stats.BinaryCount, stats.RecordCount, wantFuncs)
	}
}

// TestEngine_RebuildAndInvalidate verifies the maintenance surface: an
// explicit rebuild scans every record, invalidation empties the store, and
// a post-invalidate query finds nothing without erroring.
func TestEngine_RebuildAndInvalidate(t *testing.T) {
	ctx := context.Background()
	db := filepath.Join(t.TempDir(), "signatures.bsig")

	eng, err := surfactant.Open(db, surfactant.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	path, wantFuncs := sampleELF(t)
	ref, err := eng.Process(ctx, path, pipeline.Meta{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	report, err := eng.Rebuild()
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if report.Scanned != wantFuncs {
		t.Errorf("rebuild scanned %d, want %d", report.Scanned, wantFuncs)
	}

	if err := eng.Invalidate(ref.BinaryID); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	stats, err := eng.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.BinaryCount != 0 || stats.RecordCount != 0 {
		t.Errorf("store not empty after invalidate: %d/%d",
			stats.BinaryCount, stats.RecordCount)
	}

	report, err = eng.Rebuild()
	if err != nil {
		t.Fatalf("Rebuild after invalidate: %v", err)
	}
	if report.Scanned != 0 {
		t.Errorf("rebuild scanned %d after invalidate", report.Scanned)
	}

	results, _, err := eng.Query(ctx, path, 3)
	if err != nil {
		t.Fatalf("Query on empty store: %v", err)
	}
	if len(results) != wantFuncs {
		t.Fatalf("probe results %d, want %d", len(results), wantFuncs)
	}
	for _, r := range results {
		if len(r.Matches) != 0 {
			t.Errorf("probe %s found %d matches in empty store", r.Probe, len(r.Matches))
		}
	}
}

// TestEngine_SQLiteBackend exercises suffix-based backend selection end to
// end on the single-file store.
func TestEngine_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	db := filepath.Join(t.TempDir(), "corpus.db")

	eng, err := surfactant.Open(db, surfactant.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	if eng.Backend() != models.BackendSQLite {
		t.Fatalf("backend %q, want %q", eng.Backend(), models.BackendSQLite)
	}

	path, wantFuncs := sampleELF(t)
	ref, err := eng.Process(ctx, path, pipeline.Meta{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ref.Backend != models.BackendSQLite || ref.FunctionCount != wantFuncs {
		t.Errorf("ref %s/%d, want %s/%d",
			ref.Backend, ref.FunctionCount, models.BackendSQLite, wantFuncs)
	}

	stats, err := eng.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Backend != models.BackendSQLite || stats.RecordCount != wantFuncs {
		t.Errorf("stats %s/%d records", stats.Backend, stats.RecordCount)
	}
}

// TestEngine_ReadOnly re-opens a populated database read-only: queries work,
// processing fails with a store write error.
func TestEngine_ReadOnly(t *testing.T) {
	ctx := context.Background()
	db := filepath.Join(t.TempDir(), "signatures.bsig")
	path, wantFuncs := sampleELF(t)

	rw, err := surfactant.Open(db, surfactant.Options{})
	if err != nil {
		t.Fatalf("Open rw: %v", err)
	}
	if _, err := rw.Process(ctx, path, pipeline.Meta{}); err != nil {
		rw.Close()
		t.Fatalf("Process: %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close rw: %v", err)
	}

	ro, err := surfactant.Open(db, surfactant.Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("Open ro: %v", err)
	}
	defer ro.Close()

	results, _, err := ro.Query(ctx, path, 1)
	if err != nil {
		t.Fatalf("Query on read-only engine: %v", err)
	}
	if len(results) != wantFuncs {
		t.Errorf("probe results %d, want %d", len(results), wantFuncs)
	}

	if _, err := ro.Process(ctx, path, pipeline.Meta{}); !errors.Is(err, models.ErrStoreWrite) {
		t.Errorf("Process on read-only engine: %v, want ErrStoreWrite", err)
	}
}

// TestEngine_NonBinary confirms the facade passes the format gate through
// unchanged: text files are not artifacts.
func TestEngine_NonBinary(t *testing.T) {
	db := filepath.Join(t.TempDir(), "signatures.bsig")
	eng, err := surfactant.Open(db, surfactant.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	notes := testutil.WriteFile(t, t.TempDir(), "notes.txt", []byte("not a binary\n"))
	if _, err := eng.Process(context.Background(), notes, pipeline.Meta{}); !errors.Is(err, models.ErrUnsupportedFormat) {
		t.Errorf("Process(text file): %v, want ErrUnsupportedFormat", err)
	}
}

func TestOpen_Validation(t *testing.T) {
	db := filepath.Join(t.TempDir(), "signatures.bsig")

	if _, err := surfactant.Open(db, surfactant.Options{Backend: "leveldb"}); err == nil {
		t.Error("unknown backend accepted")
	}
	if _, err := surfactant.Open(db, surfactant.Options{Strategy: "simhash"}); err == nil {
		t.Error("unknown strategy accepted")
	}
	if _, err := surfactant.Open(db, surfactant.Options{Index: "ann"}); err == nil {
		t.Error("unknown index kind accepted")
	}
	if _, err := surfactant.Open(filepath.Join(t.TempDir(), "absent.bsig"), surfactant.Options{ReadOnly: true}); err == nil {
		t.Error("read-only open of a missing database accepted")
	}
}
