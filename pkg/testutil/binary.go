// Package testutil builds the synthetic inputs the package tests share:
// hand-assembled x86-64 function bodies, minimal ELF and PE images around
// them, ready-made control-flow graphs, and deterministic record corpora.
package testutil

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/theStache/Surfactant/pkg/models"
)

// TextVaddr is where the synthetic .text section is mapped in ELF images.
const TextVaddr = 0x401000

// PEImageBase and PETextRVA locate the text section in PE images.
const (
	PEImageBase = 0x140000000
	PETextRVA   = 0x1000
)

// TextFunc places one function body inside the synthetic text section.
type TextFunc struct {
	Name string
	Off  uint64
	Code []byte
}

// X86Ret is a leaf: mov eax, 0x2a; ret. One block.
func X86Ret() []byte {
	return []byte{
		0xb8, 0x2a, 0x00, 0x00, 0x00, // mov eax, 0x2a
		0xc3, // ret
	}
}

// X86Branch is a diamond: compare, branch to one of two assignments, join
// at the ret. Four blocks, depths 0/1/1/2.
func X86Branch() []byte {
	return []byte{
		0x83, 0xf8, 0x00, // cmp eax, 0
		0x74, 0x07, // je +7
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xeb, 0x05, // jmp +5
		0xb8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2
		0xc3, // ret
	}
}

// X86Loop counts ecx down with a backward jne. Three blocks with one back
// edge onto the loop body.
func X86Loop() []byte {
	return []byte{
		0xb9, 0x0a, 0x00, 0x00, 0x00, // mov ecx, 10
		0xff, 0xc9, // dec ecx
		0x75, 0xfc, // jne -4
		0xc3, // ret
	}
}

// X86Call emits call rel32 followed by mov eax, 0; ret. Two blocks split
// at the call boundary.
func X86Call(rel int32) []byte {
	code := []byte{0xe8, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(code[1:], uint32(rel))
	return append(code,
		0xb8, 0x00, 0x00, 0x00, 0x00, // mov eax, 0
		0xc3, // ret
	)
}

// SampleText lays out four functions at stable 16-byte offsets: the leaf,
// the diamond, the loop, and a caller whose call lands on the leaf. The
// caller doubles as the entry point for stripped-binary discovery.
func SampleText() ([]byte, []TextFunc, uint64) {
	funcs := []TextFunc{
		{Name: "leaf_const", Off: 0x00, Code: X86Ret()},
		{Name: "branch_diamond", Off: 0x10, Code: X86Branch()},
		{Name: "count_loop", Off: 0x30, Code: X86Loop()},
		// call rel32 = leaf - (caller + 5)
		{Name: "call_leaf", Off: 0x40, Code: X86Call(-0x45)},
	}
	return composeText(funcs), funcs, 0x40
}

// SampleText3 is the three-function layout without the caller; entry is
// the leaf.
func SampleText3() ([]byte, []TextFunc, uint64) {
	funcs := []TextFunc{
		{Name: "leaf_const", Off: 0x00, Code: X86Ret()},
		{Name: "branch_diamond", Off: 0x10, Code: X86Branch()},
		{Name: "count_loop", Off: 0x30, Code: X86Loop()},
	}
	return composeText(funcs), funcs, 0x00
}

func composeText(funcs []TextFunc) []byte {
	var size uint64
	for _, f := range funcs {
		if end := f.Off + uint64(len(f.Code)); end > size {
			size = end
		}
	}
	text := bytes.Repeat([]byte{0x90}, int(size)) // nop padding between bodies
	for _, f := range funcs {
		copy(text[f.Off:], f.Code)
	}
	return text
}

// -- ELF image builder --

type elf64Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf64Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

type elf64Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// BuildELF assembles a minimal x86-64 ELF executable around text. Every
// entry in funcs becomes a sized STT_FUNC symbol; an empty funcs slice
// produces a stripped image. entryOff is the entry point's offset inside
// the text section.
func BuildELF(t *testing.T, text []byte, entryOff uint64, funcs []TextFunc) []byte {
	t.Helper()

	const ehSize = 64
	stripped := len(funcs) == 0

	var symtab, strtab bytes.Buffer
	if !stripped {
		strtab.WriteByte(0)
		writeStruct(t, &symtab, elf64Sym{}) // null symbol
		for _, f := range funcs {
			nameOff := uint32(strtab.Len())
			strtab.WriteString(f.Name)
			strtab.WriteByte(0)
			writeStruct(t, &symtab, elf64Sym{
				Name:  nameOff,
				Info:  0x12, // STB_GLOBAL | STT_FUNC
				Shndx: 1,
				Value: TextVaddr + f.Off,
				Size:  uint64(len(f.Code)),
			})
		}
	}

	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	strippedShstrtab := []byte("\x00.text\x00.shstrtab\x00")
	if stripped {
		shstrtab = strippedShstrtab
	}

	textOff := uint64(ehSize)
	symtabOff := alignUp(textOff+uint64(len(text)), 8)
	strtabOff := symtabOff + uint64(symtab.Len())
	shstrtabOff := strtabOff + uint64(strtab.Len())
	shOff := alignUp(shstrtabOff+uint64(len(shstrtab)), 8)

	shnum := uint16(5)
	shstrndx := uint16(4)
	if stripped {
		shnum, shstrndx = 3, 2
	}

	hdr := elf64Header{
		Type:      2,  // ET_EXEC
		Machine:   62, // EM_X86_64
		Version:   1,
		Entry:     TextVaddr + entryOff,
		Shoff:     shOff,
		Ehsize:    ehSize,
		Phentsize: 56,
		Shentsize: 64,
		Shnum:     shnum,
		Shstrndx:  shstrndx,
	}
	copy(hdr.Ident[:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})

	var buf bytes.Buffer
	writeStruct(t, &buf, hdr)
	buf.Write(text)
	padTo(&buf, symtabOff)
	buf.Write(symtab.Bytes())
	buf.Write(strtab.Bytes())
	buf.Write(shstrtab)
	padTo(&buf, shOff)

	// Section name offsets inside shstrtab.
	const (
		nameText     = 1
		nameSymtab   = 7
		nameStrtab   = 15
		nameShstrtab = 23
	)
	strippedNameShstrtab := uint32(7)

	writeStruct(t, &buf, elf64Shdr{}) // null section
	writeStruct(t, &buf, elf64Shdr{
		Name:      nameText,
		Type:      1, // SHT_PROGBITS
		Flags:     0x6,
		Addr:      TextVaddr,
		Off:       textOff,
		Size:      uint64(len(text)),
		Addralign: 16,
	})
	if stripped {
		writeStruct(t, &buf, elf64Shdr{
			Name:      strippedNameShstrtab,
			Type:      3, // SHT_STRTAB
			Off:       shstrtabOff,
			Size:      uint64(len(shstrtab)),
			Addralign: 1,
		})
	} else {
		writeStruct(t, &buf, elf64Shdr{
			Name:      nameSymtab,
			Type:      2, // SHT_SYMTAB
			Off:       symtabOff,
			Size:      uint64(symtab.Len()),
			Link:      3, // .strtab
			Info:      1, // first non-local symbol
			Addralign: 8,
			Entsize:   24,
		})
		writeStruct(t, &buf, elf64Shdr{
			Name:      nameStrtab,
			Type:      3,
			Off:       strtabOff,
			Size:      uint64(strtab.Len()),
			Addralign: 1,
		})
		writeStruct(t, &buf, elf64Shdr{
			Name:      nameShstrtab,
			Type:      3,
			Off:       shstrtabOff,
			Size:      uint64(len(shstrtab)),
			Addralign: 1,
		})
	}

	return buf.Bytes()
}

// -- PE image builder --

type coffHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type optHeader64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

type peSectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

// BuildPE assembles a minimal x86-64 PE executable with one .text section
// and no symbol table, so extraction must discover functions from the
// entry point. entryOff is the entry point's offset inside the section.
func BuildPE(t *testing.T, text []byte, entryOff uint64) []byte {
	t.Helper()

	const (
		lfanew      = 0x80
		headersSize = 0x200
		fileAlign   = 0x200
		sectAlign   = 0x1000
	)
	rawSize := uint32(alignUp(uint64(len(text)), fileAlign))

	var buf bytes.Buffer
	// DOS stub: MZ magic, then e_lfanew at 0x3c.
	dos := make([]byte, lfanew)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], lfanew)
	buf.Write(dos)

	buf.WriteString("PE\x00\x00")
	writeStruct(t, &buf, coffHeader{
		Machine:              0x8664, // IMAGE_FILE_MACHINE_AMD64
		NumberOfSections:     1,
		SizeOfOptionalHeader: 240,
		Characteristics:      0x0022, // EXECUTABLE_IMAGE | LARGE_ADDRESS_AWARE
	})
	writeStruct(t, &buf, optHeader64{
		Magic:                       0x20b,
		MajorLinkerVersion:          14,
		SizeOfCode:                  rawSize,
		AddressOfEntryPoint:         uint32(PETextRVA + entryOff),
		BaseOfCode:                  PETextRVA,
		ImageBase:                   PEImageBase,
		SectionAlignment:            sectAlign,
		FileAlignment:               fileAlign,
		MajorOperatingSystemVersion: 6,
		MajorSubsystemVersion:       6,
		SizeOfImage:                 uint32(PETextRVA + alignUp(uint64(len(text)), sectAlign)),
		SizeOfHeaders:               headersSize,
		Subsystem:                   3, // IMAGE_SUBSYSTEM_WINDOWS_CUI
		SizeOfStackReserve:          0x100000,
		SizeOfStackCommit:           0x1000,
		SizeOfHeapReserve:           0x100000,
		SizeOfHeapCommit:            0x1000,
		NumberOfRvaAndSizes:         16,
	})
	buf.Write(make([]byte, 16*8)) // empty data directories

	var name [8]byte
	copy(name[:], ".text")
	writeStruct(t, &buf, peSectionHeader{
		Name:             name,
		VirtualSize:      uint32(len(text)),
		VirtualAddress:   PETextRVA,
		SizeOfRawData:    rawSize,
		PointerToRawData: headersSize,
		Characteristics:  0x60000020, // CNT_CODE | MEM_EXECUTE | MEM_READ
	})

	padTo(&buf, headersSize)
	buf.Write(text)
	padTo(&buf, uint64(headersSize)+uint64(rawSize))

	return buf.Bytes()
}

// WriteFile drops data into dir and returns the full path.
func WriteFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, models.FilePermReadWrite); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func writeStruct(t *testing.T, buf *bytes.Buffer, v interface{}) {
	t.Helper()
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("encode %T: %v", v, err)
	}
}

func padTo(buf *bytes.Buffer, off uint64) {
	for uint64(buf.Len()) < off {
		buf.WriteByte(0)
	}
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}
