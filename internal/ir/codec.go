package ir

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"kiln/internal/toolchain"
)

var (
	bitcodeMagic = []byte{'B', 'C', 0xC0, 0xDE}
	wrapperMagic = []byte{0xDE, 0xC0, 0x17, 0x0B}
)

// IsBitcode reports whether data starts with a raw or wrapped bitcode magic.
func IsBitcode(data []byte) bool {
	return bytes.HasPrefix(data, bitcodeMagic) || bytes.HasPrefix(data, wrapperMagic)
}

// Codec converts units to and from bitcode through llvm-as and llvm-dis.
// Textual IR never touches the tools.
type Codec struct {
	TC *toolchain.Toolchain
}

// Load reads a unit from a .ll or bitcode file.
func (c Codec) Load(ctx context.Context, name, path string) (*Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !IsBitcode(data) {
		return Parse(name, data)
	}
	return c.disassemble(ctx, name, path)
}

// LoadBytes is Load for in-memory input such as archive members. Bitcode is
// spilled into dir for the disassembler.
func (c Codec) LoadBytes(ctx context.Context, name string, data []byte, dir string) (*Unit, error) {
	if !IsBitcode(data) {
		return Parse(name, data)
	}
	f, err := os.CreateTemp(dir, "unit-*.bc")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return c.disassemble(ctx, name, path)
}

func (c Codec) disassemble(ctx context.Context, name, path string) (*Unit, error) {
	out, err := c.TC.Run(ctx, toolchain.NewCommand(c.TC.Tools.LLVMDis, path, "-o", "-"))
	if err != nil {
		return nil, err
	}
	return Parse(name, out.Stdout)
}

// WriteBitcode assembles the unit into path.
func (c Codec) WriteBitcode(ctx context.Context, u *Unit, path string) error {
	text, err := u.Text()
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.ll")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if _, err := c.TC.Run(ctx, toolchain.NewCommand(c.TC.Tools.LLVMAs, tmp, "-o", path)); err != nil {
		return fmt.Errorf("assemble %s: %w", u.Name, err)
	}
	return nil
}
