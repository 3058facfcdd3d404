// Package metadata defines the two non-object members every rlib carries:
// the crate metadata record and the deflated bytecode of the crate.
package metadata

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/natefinch/atomic"
	"github.com/vmihailenco/msgpack/v5"

	"kiln/internal/session"
)

// FileName is the archive member holding the msgpack-encoded CrateMetadata.
const FileName = "kiln.metadata.bin"

// bump when CrateMetadata changes shape
const schemaVersion uint16 = 1

// CrateMetadata describes a compiled crate to downstream builds.
type CrateMetadata struct {
	Schema uint16

	Name   string
	Hash   string
	Triple string

	// Reachable lists the symbols the crate exports; LTO in a downstream
	// crate keeps them alive.
	Reachable []string
	Deps      []string

	NativeLibs []NativeLibRecord
}

type NativeLibRecord struct {
	Name string
	Kind uint8 // session.NativeLibKind
}

// ForCrate builds the metadata record for crate compiled for triple.
func ForCrate(crate *session.Crate, triple string) *CrateMetadata {
	md := &CrateMetadata{
		Schema:    schemaVersion,
		Name:      crate.Name,
		Hash:      crate.Hash,
		Triple:    triple,
		Reachable: append([]string(nil), crate.Reachable...),
	}
	for i := range crate.Deps {
		md.Deps = append(md.Deps, crate.Deps[i].Name)
	}
	for _, lib := range crate.NativeLibs {
		md.NativeLibs = append(md.NativeLibs, NativeLibRecord{Name: lib.Name, Kind: uint8(lib.Kind)})
	}
	return md
}

// Libs converts the stored records back.
func (m *CrateMetadata) Libs() []session.NativeLib {
	out := make([]session.NativeLib, 0, len(m.NativeLibs))
	for _, rec := range m.NativeLibs {
		out = append(out, session.NativeLib{Name: rec.Name, Kind: session.NativeLibKind(rec.Kind)})
	}
	return out
}

func Encode(w io.Writer, m *CrateMetadata) error {
	return msgpack.NewEncoder(w).Encode(m)
}

func Decode(r io.Reader) (*CrateMetadata, error) {
	var m CrateMetadata
	if err := msgpack.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode crate metadata: %w", err)
	}
	if m.Schema != schemaVersion {
		return nil, fmt.Errorf("crate metadata schema %d, expected %d", m.Schema, schemaVersion)
	}
	return &m, nil
}

// Write stores m at path, replacing any previous file atomically.
func Write(path string, m *CrateMetadata) error {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return err
	}
	return atomic.WriteFile(path, &buf)
}

func Read(path string) (*CrateMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}
