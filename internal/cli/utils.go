// -- internal/cli/utils.go --
package cli

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/theStache/Surfactant/pkg/models"
	"github.com/theStache/Surfactant/pkg/storage"
	"github.com/theStache/Surfactant/pkg/storage/pebbledb"
	"github.com/theStache/Surfactant/pkg/storage/sqlitedb"
)

// -- Real Implementations --

// RealFileSystem implements FileSystem using the actual OS.
type RealFileSystem struct{}

func (fs RealFileSystem) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (fs RealFileSystem) Open(name string) (fs.File, error)     { return os.Open(name) }
func (fs RealFileSystem) Getwd() (string, error)                { return os.Getwd() }
func (fs RealFileSystem) Abs(path string) (string, error)       { return filepath.Abs(path) }
func (fs RealFileSystem) WalkDir(root string, fn fs.WalkDirFunc) error {
	return filepath.WalkDir(root, fn)
}
func (fs RealFileSystem) ReadFile(name string) ([]byte, error) {
	// Re-implement safety logic here to ensure it applies to all users
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory: %s", name)
	}
	if info.Size() > models.MaxBinaryFileSize {
		return nil, fmt.Errorf("file exceeds maximum supported size of %d bytes", int64(models.MaxBinaryFileSize))
	}

	limit := int64(models.MaxBinaryFileSize + 1)
	content, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, err
	}
	if len(content) > models.MaxBinaryFileSize {
		return nil, fmt.Errorf("file exceeds maximum supported size of %d bytes", int64(models.MaxBinaryFileSize))
	}
	return content, nil
}

// -- Helpers --

// ResolveDBPath picks the database location: explicit flag first, then the
// BSIG_DB_PATH environment variable, then the config file, then the first
// existing well-known location.
func ResolveDBPath(path, configured string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("BSIG_DB_PATH"); env != "" {
		return env
	}
	if configured != "" {
		return configured
	}
	candidates := []string{
		"./signatures.bsig",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".bsig", "signatures.bsig"))
	}
	candidates = append(candidates,
		"/usr/local/share/bsig/signatures.bsig",
		"/var/lib/bsig/signatures.bsig",
	)
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "./signatures.bsig"
}

// BackendForPath selects the store backend from the path shape: a .db or
// .sqlite suffix means the single-file SQLite backend, anything else is a
// Pebble directory.
func BackendForPath(path string) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".db") || strings.HasSuffix(lower, ".sqlite") {
		return models.BackendSQLite
	}
	return models.BackendPebbleDB
}

// OpenProvider opens the store behind dbPath with the backend implied by
// its suffix.
func OpenProvider(dbPath string, readOnly bool) (storage.Provider, error) {
	if BackendForPath(dbPath) == models.BackendSQLite {
		opts := sqlitedb.DefaultOptions()
		opts.ReadOnly = readOnly
		return sqlitedb.Open(dbPath, opts)
	}
	opts := pebbledb.DefaultOptions()
	opts.ReadOnly = readOnly
	return pebbledb.Open(dbPath, opts)
}

func levenshtein(s1, s2 string) int {
	r1, r2 := []rune(s1), []rune(s2)
	n, m := len(r1), len(r2)
	if n > m {
		r1, r2 = r2, r1
		n, m = m, n
	}
	current := make([]int, n+1)
	for i := 0; i <= n; i++ {
		current[i] = i
	}
	for j := 1; j <= m; j++ {
		previous := current[0]
		current[0] = j
		targetChar := r2[j-1]
		for i := 1; i <= n; i++ {
			temp := current[i]
			cost := 0
			if r1[i-1] != targetChar {
				cost = 1
			}
			// Use built-in variadic min for cleaner comparison logic
			current[i] = min(current[i-1]+1, current[i]+1, previous+cost)
			previous = temp
		}
	}
	return current[n]
}

func SuggestCommand(cmd string) string {
	commands := []string{"ingest", "query", "rebuild", "invalidate", "stats", "export", "import"}
	bestMatch := ""
	minDist := 100
	cmdLower := strings.ToLower(cmd)
	for _, c := range commands {
		dist := levenshtein(cmdLower, c)
		if dist < minDist {
			minDist = dist
			bestMatch = c
		}
	}
	if minDist <= 2 {
		return bestMatch
	}
	return ""
}

func HumanizeBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	suffixes := "KMGTPE"
	if exp >= len(suffixes) {
		exp = len(suffixes) - 1
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), suffixes[exp])
}

// Recursively collects candidate files using the provided FileSystem. The
// format gate downstream decides what is actually a binary, so no extension
// filtering happens here.
func CollectFiles(fsys FileSystem, target string) ([]string, error) {
	// Clean the target path to ensure reliable string comparison
	target = filepath.Clean(target)
	info, err := fsys.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{target}, nil
	}
	var files []string

	err = fsys.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", path, err)
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			// Skip hidden directories to avoid scanning metadata trees.
			if len(name) > 1 && strings.HasPrefix(name, ".") {
				if path != target {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// Calculates the size of a file or recursively sums the size of a directory.
func GetPathSize(fsys FileSystem, path string) (int64, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var size int64
	err = fsys.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			info, err := d.Info()
			if err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size, err
}

func ExitError(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
