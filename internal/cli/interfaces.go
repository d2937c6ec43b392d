// -- internal/cli/interfaces.go --
package cli

import (
	"io/fs"
	"os"
)

// FileSystem abstracts OS file operations to enable hermetic testing.
type FileSystem interface {
	Stat(name string) (os.FileInfo, error)
	Open(name string) (fs.File, error)
	Getwd() (string, error)
	Abs(path string) (string, error)
	WalkDir(root string, fn fs.WalkDirFunc) error
	ReadFile(name string) ([]byte, error)
}
