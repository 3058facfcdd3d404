package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/natefinch/atomic"
)

// Layout of a {crate}.bytecode.deflate member:
//
//	magic   "KILNBC"
//	version u32 little endian
//	length  u64 little endian, size of the deflated payload
//	payload raw deflate stream of the bitcode
const (
	BytecodeMagic   = "KILNBC"
	BytecodeVersion = uint32(1)

	headerLen = len(BytecodeMagic) + 4 + 8
)

var ErrNotBytecode = errors.New("not a kiln bytecode member")

// BytecodeFileName names the bytecode member of crate inside its rlib.
func BytecodeFileName(crate string) string {
	return crate + ".bytecode.deflate"
}

// EncodeBytecode wraps bitcode in the member format.
func EncodeBytecode(bc []byte) ([]byte, error) {
	var payload bytes.Buffer
	zw, err := flate.NewWriter(&payload, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(bc); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerLen+payload.Len())
	out = append(out, BytecodeMagic...)
	out = binary.LittleEndian.AppendUint32(out, BytecodeVersion)
	out = binary.LittleEndian.AppendUint64(out, uint64(payload.Len()))
	out = append(out, payload.Bytes()...)
	return out, nil
}

// DecodeBytecode checks the header and inflates the payload.
func DecodeBytecode(data []byte) ([]byte, error) {
	if len(data) < headerLen || string(data[:len(BytecodeMagic)]) != BytecodeMagic {
		return nil, ErrNotBytecode
	}
	rest := data[len(BytecodeMagic):]
	if v := binary.LittleEndian.Uint32(rest); v != BytecodeVersion {
		return nil, fmt.Errorf("unsupported bytecode version %d", v)
	}
	size := binary.LittleEndian.Uint64(rest[4:])
	payload := rest[12:]
	if size > uint64(len(payload)) {
		return nil, fmt.Errorf("bytecode member truncated: header says %d bytes, have %d", size, len(payload))
	}
	zr := flate.NewReader(bytes.NewReader(payload[:size]))
	defer zr.Close()
	bc, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate bytecode: %w", err)
	}
	return bc, nil
}

// WriteBytecode encodes bc into path.
func WriteBytecode(path string, bc []byte) error {
	data, err := EncodeBytecode(bc)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
