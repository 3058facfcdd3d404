package archive

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

var (
	elfMagic     = []byte{0x7f, 'E', 'L', 'F'}
	bitcodeMagic = []byte{'B', 'C', 0xC0, 0xDE}
	bcWrapMagic  = []byte{0xDE, 0xC0, 0x17, 0x0B}
)

// IsObject reports whether data looks like a relocatable object a linker
// can infer the target architecture from. Bitcode counts: restricted-ABI
// archives hold bitcode objects read through the gold plugin.
func IsObject(data []byte) bool {
	switch {
	case bytes.HasPrefix(data, elfMagic),
		bytes.HasPrefix(data, bitcodeMagic),
		bytes.HasPrefix(data, bcWrapMagic):
		return true
	case len(data) >= 4:
		switch binary.LittleEndian.Uint32(data) {
		case 0xfeedface, 0xfeedfacf, 0xcefaedfe, 0xcffaedfe:
			return true
		}
	}
	if len(data) >= 20 {
		// COFF: machine field of the file header
		switch binary.LittleEndian.Uint16(data) {
		case 0x8664, 0x014c, 0xaa64, 0x01c4:
			return true
		}
	}
	return false
}

func isObjectFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, 20)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, err
	}
	return IsObject(head[:n]), nil
}
