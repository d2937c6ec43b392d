package loader

import (
	"bytes"
	"debug/pe"
	"fmt"

	"github.com/theStache/Surfactant/pkg/models"
)

// loadPE parses the PE container. Image-relative addresses are rebased onto
// ImageBase so downstream code sees one flat virtual address space for both
// formats. COFF symbol tables are rare in linked images; when absent the
// extractor discovers functions from the entry point.
func loadPE(name, id string, data []byte) (*Binary, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrCorruptHeader, name, err)
	}
	defer f.Close()

	arch, err := peArch(f.Machine)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, name)
	}

	var imageBase, entryRVA uint64
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		imageBase = oh.ImageBase
		entryRVA = uint64(oh.AddressOfEntryPoint)
	case *pe.OptionalHeader32:
		imageBase = uint64(oh.ImageBase)
		entryRVA = uint64(oh.AddressOfEntryPoint)
	default:
		return nil, fmt.Errorf("%w: %s: missing optional header", models.ErrCorruptHeader, name)
	}

	bin := &Binary{
		ID:     id,
		Name:   name,
		Format: models.FormatPE,
		Arch:   arch,
		Entry:  imageBase + entryRVA,
	}

	for _, sec := range f.Sections {
		if sec.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE == 0 {
			continue
		}
		if sec.Size == 0 {
			continue
		}
		raw, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: section %s: %v", models.ErrCorruptHeader, name, sec.Name, err)
		}
		// VirtualSize < SizeOfRawData means file padding past the image;
		// keep the mapped portion only so addresses stay meaningful.
		if vs := uint64(sec.VirtualSize); vs > 0 && vs < uint64(len(raw)) {
			raw = raw[:vs]
		}
		bin.Sections = append(bin.Sections, Section{
			Name:   sec.Name,
			Addr:   imageBase + uint64(sec.VirtualAddress),
			Offset: uint64(sec.Offset),
			Data:   raw,
		})
	}
	if len(bin.Sections) == 0 {
		return nil, fmt.Errorf("%w: %s: no executable sections", models.ErrCorruptHeader, name)
	}

	bin.Symbols = peFuncSymbols(f, imageBase)
	return bin, nil
}

func peArch(m uint16) (string, error) {
	switch m {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return models.ArchX86_64, nil
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return models.ArchARM64, nil
	}
	return "", fmt.Errorf("%w: PE machine 0x%x", models.ErrUnsupportedFormat, m)
}

// peFuncSymbols extracts function entries from the COFF symbol table.
// The COFF type field encodes DTYPE_FUNCTION in its upper nibble; symbol
// values are section-relative offsets.
func peFuncSymbols(f *pe.File, imageBase uint64) []FuncSymbol {
	const dtypeFunction = 0x20

	var out []FuncSymbol
	for _, sym := range f.Symbols {
		if sym.Type&0xf0 != dtypeFunction {
			continue
		}
		// SectionNumber is 1-based; zero and negative values are
		// absolute/debug symbols with no code behind them.
		if sym.SectionNumber <= 0 || int(sym.SectionNumber) > len(f.Sections) {
			continue
		}
		sec := f.Sections[sym.SectionNumber-1]
		if sec.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE == 0 {
			continue
		}
		out = append(out, FuncSymbol{
			Name: sym.Name,
			Addr: imageBase + uint64(sec.VirtualAddress) + uint64(sym.Value),
		})
	}
	return out
}
