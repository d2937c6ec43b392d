// -- internal/cli/cli_test.go --
package cli

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/theStache/Surfactant/pkg/models"
)

// -- MOCKS --

type MockFileSystem struct {
	Files map[string][]byte
}

func (m *MockFileSystem) Stat(name string) (os.FileInfo, error) {
	if _, ok := m.Files[name]; ok {
		return &mockFileInfo{name: name, size: int64(len(m.Files[name]))}, nil
	}
	return nil, os.ErrNotExist
}
func (m *MockFileSystem) Open(name string) (fs.File, error) { return nil, os.ErrNotExist }
func (m *MockFileSystem) Getwd() (string, error)            { return "/mock/wd", nil }
func (m *MockFileSystem) Abs(path string) (string, error)   { return path, nil }
func (m *MockFileSystem) WalkDir(root string, fn fs.WalkDirFunc) error {
	for name := range m.Files {
		if strings.HasPrefix(name, root) {
			fn(name, &mockDirEntry{name: name}, nil)
		}
	}
	return nil
}
func (m *MockFileSystem) ReadFile(name string) ([]byte, error) {
	if data, ok := m.Files[name]; ok {
		return data, nil
	}
	return nil, os.ErrNotExist
}

type mockFileInfo struct {
	name string
	size int64
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() os.FileMode  { return 0644 }
func (m *mockFileInfo) ModTime() time.Time { return time.Now() }
func (m *mockFileInfo) IsDir() bool        { return false }
func (m *mockFileInfo) Sys() any           { return nil }

type mockDirEntry struct{ name string }

func (m *mockDirEntry) Name() string               { return m.name }
func (m *mockDirEntry) IsDir() bool                { return false }
func (m *mockDirEntry) Type() os.FileMode          { return 0644 }
func (m *mockDirEntry) Info() (fs.FileInfo, error) { return &mockFileInfo{name: m.name}, nil }

// -- TESTS --

func TestLoadConfig(t *testing.T) {
	mockFS := &MockFileSystem{
		Files: map[string][]byte{
			"/etc/bsig.conf": []byte(`
# signature database defaults
DATABASE = /var/lib/bsig/corp.db

STRATEGY=minhash
INDEX = brute
TOP_K = 25

COLOR = auto
this line has no equals sign
`),
		},
	}

	cfg, err := LoadConfig(mockFS, "/etc/bsig.conf")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Database != "/var/lib/bsig/corp.db" {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.Strategy != models.StrategyMinHash {
		t.Errorf("Strategy = %q", cfg.Strategy)
	}
	if cfg.Index != models.IndexBruteForce {
		t.Errorf("Index = %q", cfg.Index)
	}
	if cfg.TopK != 25 {
		t.Errorf("TopK = %d", cfg.TopK)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	mockFS := &MockFileSystem{
		Files: map[string][]byte{
			"/etc/bad.conf": []byte("TOP_K = twenty\n"),
		},
	}
	if _, err := LoadConfig(mockFS, "/etc/bad.conf"); err == nil {
		t.Error("non-numeric TOP_K accepted")
	}
	if _, err := LoadConfig(mockFS, "/etc/missing.conf"); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestMaybeLoadConfig(t *testing.T) {
	mockFS := &MockFileSystem{
		Files: map[string][]byte{
			"/etc/bsig.conf": []byte("TOP_K = 7\n"),
		},
	}

	cfg, err := MaybeLoadConfig(mockFS, "/etc/absent.conf")
	if err != nil {
		t.Fatalf("absent config should not error: %v", err)
	}
	if *cfg != (Config{}) {
		t.Errorf("absent config = %+v, want zero value", cfg)
	}

	cfg, err = MaybeLoadConfig(mockFS, "/etc/bsig.conf")
	if err != nil {
		t.Fatalf("MaybeLoadConfig failed: %v", err)
	}
	if cfg.TopK != 7 {
		t.Errorf("TopK = %d, want 7", cfg.TopK)
	}
}

func TestBackendForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"signatures.db", models.BackendSQLite},
		{"SIGNATURES.DB", models.BackendSQLite},
		{"/data/corpus.sqlite", models.BackendSQLite},
		{"signatures.bsig", models.BackendPebbleDB},
		{"/var/lib/bsig/store", models.BackendPebbleDB},
		{"backup.db.old", models.BackendPebbleDB},
	}
	for _, tc := range tests {
		if got := BackendForPath(tc.path); got != tc.want {
			t.Errorf("BackendForPath(%q) = %q; want %q", tc.path, got, tc.want)
		}
	}
}

func TestResolveDBPath(t *testing.T) {
	t.Setenv("BSIG_DB_PATH", "")

	if got := ResolveDBPath("/explicit.db", "/configured.db"); got != "/explicit.db" {
		t.Errorf("explicit path lost: %q", got)
	}

	t.Setenv("BSIG_DB_PATH", "/from-env.db")
	if got := ResolveDBPath("", "/configured.db"); got != "/from-env.db" {
		t.Errorf("env path lost: %q", got)
	}

	t.Setenv("BSIG_DB_PATH", "")
	if got := ResolveDBPath("", "/configured.db"); got != "/configured.db" {
		t.Errorf("configured path lost: %q", got)
	}

	// With nothing set the resolver falls back to a well-known location.
	if got := ResolveDBPath("", ""); !strings.HasSuffix(got, "signatures.bsig") {
		t.Errorf("default path = %q", got)
	}
}

func TestSuggestCommand(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"ingset", "ingest"},
		{"INGEST", "ingest"},
		{"quer", "query"},
		{"rebuld", "rebuild"},
		{"invaldiate", "invalidate"},
		{"stat", "stats"},
		{"exprot", "export"},
		{"improt", "import"},
		{"frobnicate", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := SuggestCommand(tc.input); got != tc.want {
			t.Errorf("SuggestCommand(%q) = %q; want %q", tc.input, got, tc.want)
		}
	}
}

func TestHumanizeBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{5 << 30, "5.0 GB"},
	}
	for _, tc := range tests {
		if got := HumanizeBytes(tc.in); got != tc.want {
			t.Errorf("HumanizeBytes(%d) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestCollectFiles(t *testing.T) {
	root := t.TempDir()
	write := func(rel string) {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("a.bin")
	write(".hidden-file")
	write("sub/b.bin")
	write(".git/objects/aa/blob") // hidden tree must be skipped

	files, err := CollectFiles(RealFileSystem{}, root)
	if err != nil {
		t.Fatalf("CollectFiles failed: %v", err)
	}

	want := []string{
		filepath.Join(root, ".hidden-file"),
		filepath.Join(root, "a.bin"),
		filepath.Join(root, "sub", "b.bin"),
	}
	sort.Strings(files)
	sort.Strings(want)
	if len(files) != len(want) {
		t.Fatalf("collected %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("collected[%d] = %q, want %q", i, files[i], want[i])
		}
	}

	// A plain file target comes back as itself.
	single, err := CollectFiles(RealFileSystem{}, filepath.Join(root, "a.bin"))
	if err != nil {
		t.Fatalf("CollectFiles on a file failed: %v", err)
	}
	if len(single) != 1 || single[0] != filepath.Join(root, "a.bin") {
		t.Errorf("single-file target = %v", single)
	}

	if _, err := CollectFiles(RealFileSystem{}, filepath.Join(root, "nope")); err == nil {
		t.Error("missing target accepted")
	}
}

func TestGetPathSize(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a"), make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b"), make([]byte, 30), 0644); err != nil {
		t.Fatal(err)
	}

	size, err := GetPathSize(RealFileSystem{}, filepath.Join(root, "a"))
	if err != nil || size != 100 {
		t.Errorf("file size = (%d, %v), want 100", size, err)
	}
	size, err = GetPathSize(RealFileSystem{}, root)
	if err != nil || size != 130 {
		t.Errorf("dir size = (%d, %v), want 130", size, err)
	}
}
