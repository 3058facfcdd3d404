package archive

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"fortio.org/safecast"
	"github.com/blakesmith/ar"
)

// entry is one member as the built-in archiver writes it.
type entry struct {
	Name string
	Data []byte
}

func padded(n int64) int64 {
	return n + n%2
}

// encodeArchive writes entries in GNU format: optional symbol index, long
// name table, members. Timestamps and owners are zeroed so output depends
// on content only.
func encodeArchive(w io.Writer, entries []entry, withIndex bool) error {
	var longNames bytes.Buffer
	hdrNames := make([]string, len(entries))
	for i, e := range entries {
		if len(e.Name) <= 15 && !strings.ContainsAny(e.Name, "/ ") {
			hdrNames[i] = e.Name + "/"
			continue
		}
		hdrNames[i] = "/" + strconv.Itoa(longNames.Len())
		longNames.WriteString(e.Name)
		longNames.WriteString("/\n")
	}

	var (
		syms     = make([][]string, len(entries))
		symCount int
		strBytes int
	)
	if withIndex {
		for i, e := range entries {
			syms[i] = objectSymbols(e.Data)
			symCount += len(syms[i])
			for _, s := range syms[i] {
				strBytes += len(s) + 1
			}
		}
	}
	symSize := int64(4 + 4*symCount + strBytes)

	pos := int64(len(ar.GLOBAL_HEADER))
	if withIndex {
		pos += ar.HEADER_BYTE_SIZE + padded(symSize)
	}
	if longNames.Len() > 0 {
		pos += ar.HEADER_BYTE_SIZE + padded(int64(longNames.Len()))
	}
	offsets := make([]uint32, len(entries))
	for i, e := range entries {
		off, err := safecast.Conv[uint32](pos)
		if err != nil && withIndex {
			return fmt.Errorf("archive too large for a 32-bit symbol index: %w", err)
		}
		offsets[i] = off
		pos += ar.HEADER_BYTE_SIZE + padded(int64(len(e.Data)))
	}

	aw := ar.NewWriter(w)
	if err := aw.WriteGlobalHeader(); err != nil {
		return err
	}
	if withIndex {
		body := make([]byte, 0, symSize)
		count, err := safecast.Conv[uint32](symCount)
		if err != nil {
			return err
		}
		body = binary.BigEndian.AppendUint32(body, count)
		for i := range entries {
			for range syms[i] {
				body = binary.BigEndian.AppendUint32(body, offsets[i])
			}
		}
		for i := range entries {
			for _, s := range syms[i] {
				body = append(body, s...)
				body = append(body, 0)
			}
		}
		if err := writeMember(aw, "/", body); err != nil {
			return err
		}
	}
	if longNames.Len() > 0 {
		if err := writeMember(aw, "//", longNames.Bytes()); err != nil {
			return err
		}
	}
	for i, e := range entries {
		if err := writeMember(aw, hdrNames[i], e.Data); err != nil {
			return fmt.Errorf("write member %s: %w", e.Name, err)
		}
	}
	return nil
}

// writeMember emits header and data in one Write so the writer pads odd
// sizes correctly.
func writeMember(aw *ar.Writer, name string, data []byte) error {
	hdr := &ar.Header{
		Name:    name,
		ModTime: time.Unix(0, 0),
		Mode:    0o644,
		Size:    int64(len(data)),
	}
	if err := aw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := aw.Write(data)
	return err
}

// objectSymbols lists the defined external symbols of an ELF or COFF
// object. Anything else contributes nothing to the index.
func objectSymbols(data []byte) []string {
	switch {
	case bytes.HasPrefix(data, elfMagic):
		f, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil
		}
		defer f.Close()
		all, err := f.Symbols()
		if err != nil {
			return nil
		}
		var out []string
		for _, s := range all {
			bind := elf.ST_BIND(s.Info)
			if s.Name == "" || s.Section == elf.SHN_UNDEF {
				continue
			}
			if bind == elf.STB_GLOBAL || bind == elf.STB_WEAK {
				out = append(out, s.Name)
			}
		}
		return out
	case IsObject(data) && !bytes.HasPrefix(data, bitcodeMagic) && !bytes.HasPrefix(data, bcWrapMagic):
		f, err := pe.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil
		}
		defer f.Close()
		var out []string
		for _, s := range f.Symbols {
			if s.StorageClass == 2 && s.SectionNumber > 0 {
				out = append(out, s.Name)
			}
		}
		return out
	}
	return nil
}
