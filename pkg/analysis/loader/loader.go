// Package loader parses ELF and PE containers into an immutable Binary:
// executable section images, symbol-seeded function starts, and a content
// digest identity. Malformed input yields typed errors, never a panic.
package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/theStache/Surfactant/pkg/models"
)

// Section is one executable region of the binary image.
type Section struct {
	Name   string
	Addr   uint64 // virtual address
	Offset uint64 // file offset
	Data   []byte
}

// Contains reports whether the virtual address falls inside the section.
func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.Addr+uint64(len(s.Data))
}

// FuncSymbol is a function entry taken from a symbol table.
type FuncSymbol struct {
	Name string
	Addr uint64
	Size uint64
}

// Binary is the immutable result of loading one file. Identity is the
// sha256 digest of the raw content, so renamed copies collapse to one entry.
type Binary struct {
	ID     string
	Name   string
	Format string
	Arch   string
	Entry  uint64

	Sections []Section
	Symbols  []FuncSymbol
}

// DetectFormat classifies raw bytes by magic. Empty string means neither
// ELF nor PE.
func DetectFormat(data []byte) string {
	if isELF(data) {
		return models.FormatELF
	}
	if isPE(data) {
		return models.FormatPE
	}
	return ""
}

func isELF(data []byte) bool {
	return len(data) >= 4 && data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F'
}

// isPE checks the MZ stub, then follows e_lfanew to the PE signature.
func isPE(data []byte) bool {
	if len(data) < 0x40 || data[0] != 'M' || data[1] != 'Z' {
		return false
	}
	peOff := uint32(data[0x3c]) | uint32(data[0x3d])<<8 | uint32(data[0x3e])<<16 | uint32(data[0x3f])<<24
	if uint64(peOff)+4 > uint64(len(data)) {
		return false
	}
	return data[peOff] == 'P' && data[peOff+1] == 'E' && data[peOff+2] == 0 && data[peOff+3] == 0
}

// Load reads and parses a binary from disk. The read is capped to keep a
// hostile path from exhausting memory.
func Load(path string) (*Binary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", models.ErrUnsupportedFormat, path)
	}
	if info.Size() > models.MaxBinaryFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", models.ErrUnsupportedFormat, path, int64(models.MaxBinaryFileSize))
	}

	limit := int64(models.MaxBinaryFileSize + 1)
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > models.MaxBinaryFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", models.ErrUnsupportedFormat, path, int64(models.MaxBinaryFileSize))
	}

	return LoadBytes(path, data)
}

// LoadBytes parses an in-memory image. The name is carried for reporting
// only; identity comes from the content digest.
func LoadBytes(name string, data []byte) (*Binary, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	switch DetectFormat(data) {
	case models.FormatELF:
		return loadELF(name, id, data)
	case models.FormatPE:
		return loadPE(name, id, data)
	}
	return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, name)
}

// SectionAt returns the executable section containing the virtual address,
// or nil if the address maps to no code.
func (b *Binary) SectionAt(addr uint64) *Section {
	for i := range b.Sections {
		if b.Sections[i].Contains(addr) {
			return &b.Sections[i]
		}
	}
	return nil
}

// FunctionStarts returns the symbol-seeded candidate function entries,
// ascending and deduplicated, restricted to addresses inside executable
// sections. Empty on stripped binaries: the extractor then falls back to
// recursive descent from the entry point.
func (b *Binary) FunctionStarts() []uint64 {
	seen := make(map[uint64]bool, len(b.Symbols))
	var starts []uint64
	for _, sym := range b.Symbols {
		if sym.Addr == 0 || seen[sym.Addr] {
			continue
		}
		if b.SectionAt(sym.Addr) == nil {
			continue
		}
		seen[sym.Addr] = true
		starts = append(starts, sym.Addr)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

// SymbolAt returns the name of the function symbol starting exactly at addr.
func (b *Binary) SymbolAt(addr uint64) string {
	for _, sym := range b.Symbols {
		if sym.Addr == addr {
			return sym.Name
		}
	}
	return ""
}

// SymbolEnd returns the declared end (Addr+Size) for a symbol-confirmed
// function start, or 0 when the symbol is absent or carries no size.
func (b *Binary) SymbolEnd(addr uint64) uint64 {
	for _, sym := range b.Symbols {
		if sym.Addr == addr && sym.Size > 0 {
			return sym.Addr + sym.Size
		}
	}
	return 0
}
