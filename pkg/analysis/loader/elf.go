package loader

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/theStache/Surfactant/pkg/models"
)

// loadELF parses the ELF container. Section and symbol reads are tolerant:
// a stripped binary is valid input, a structurally broken one is not.
func loadELF(name, id string, data []byte) (*Binary, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrCorruptHeader, name, err)
	}
	defer f.Close()

	arch, err := elfArch(f.Machine)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, name)
	}

	bin := &Binary{
		ID:     id,
		Name:   name,
		Format: models.FormatELF,
		Arch:   arch,
		Entry:  f.Entry,
	}

	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 || sec.Type != elf.SHT_PROGBITS {
			continue
		}
		if sec.Size == 0 || sec.Size > models.MaxBinaryFileSize {
			continue
		}
		raw, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: section %s: %v", models.ErrCorruptHeader, name, sec.Name, err)
		}
		bin.Sections = append(bin.Sections, Section{
			Name:   sec.Name,
			Addr:   sec.Addr,
			Offset: sec.Offset,
			Data:   raw,
		})
	}
	if len(bin.Sections) == 0 {
		return nil, fmt.Errorf("%w: %s: no executable sections", models.ErrCorruptHeader, name)
	}

	bin.Symbols = elfFuncSymbols(f)
	return bin, nil
}

func elfArch(m elf.Machine) (string, error) {
	switch m {
	case elf.EM_X86_64:
		return models.ArchX86_64, nil
	case elf.EM_AARCH64:
		return models.ArchARM64, nil
	}
	return "", fmt.Errorf("%w: ELF machine %s", models.ErrUnsupportedFormat, m)
}

// elfFuncSymbols merges the static and dynamic symbol tables, keeping only
// defined STT_FUNC entries. Missing tables are normal (stripped binaries),
// so elf.ErrNoSymbols is swallowed here.
func elfFuncSymbols(f *elf.File) []FuncSymbol {
	var out []FuncSymbol
	appendFuncs := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
				continue
			}
			if sym.Value == 0 || sym.Section == elf.SHN_UNDEF {
				continue
			}
			out = append(out, FuncSymbol{Name: sym.Name, Addr: sym.Value, Size: sym.Size})
		}
	}

	// Errors here mean "no usable table" (elf.ErrNoSymbols on stripped
	// binaries, or a corrupt symtab). Either way the load proceeds and
	// boundary detection falls back to recursive descent.
	if syms, err := f.Symbols(); err == nil {
		appendFuncs(syms)
	}
	if dyns, err := f.DynamicSymbols(); err == nil {
		appendFuncs(dyns)
	}
	return out
}
