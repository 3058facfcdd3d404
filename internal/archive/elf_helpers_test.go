package archive

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildELF returns a minimal x86-64 relocatable object defining syms as
// global functions in .text.
func buildELF(t *testing.T, syms ...string) []byte {
	t.Helper()

	strtab := []byte{0}
	symtab := []elf.Sym64{{}}
	for _, s := range syms {
		symtab = append(symtab, elf.Sym64{
			Name:  uint32(len(strtab)),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: 1,
		})
		strtab = append(strtab, s...)
		strtab = append(strtab, 0)
	}
	shstrtab := []byte("\x00.text\x00.strtab\x00.symtab\x00.shstrtab\x00")
	text := []byte{0xc3}

	var symBuf bytes.Buffer
	for _, s := range symtab {
		if err := binary.Write(&symBuf, binary.LittleEndian, s); err != nil {
			t.Fatal(err)
		}
	}

	const ehsize = 64
	textOff := uint64(ehsize)
	strOff := textOff + uint64(len(text))
	symOff := strOff + uint64(len(strtab))
	shstrOff := symOff + uint64(symBuf.Len())
	shOff := shstrOff + uint64(len(shstrtab))

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shOff,
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     5,
		Shstrndx:  4,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	sections := []elf.Section64{
		{},
		{Name: 1, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), Off: textOff, Size: uint64(len(text)), Addralign: 1},
		{Name: 7, Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint64(len(strtab)), Addralign: 1},
		{Name: 15, Type: uint32(elf.SHT_SYMTAB), Off: symOff, Size: uint64(symBuf.Len()), Link: 2, Info: 1, Addralign: 8, Entsize: 24},
		{Name: 23, Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint64(len(shstrtab)), Addralign: 1},
	}

	var out bytes.Buffer
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(binary.Write(&out, binary.LittleEndian, hdr))
	out.Write(text)
	out.Write(strtab)
	out.Write(symBuf.Bytes())
	out.Write(shstrtab)
	for _, s := range sections {
		must(binary.Write(&out, binary.LittleEndian, s))
	}
	return out.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
