package codegen

import (
	"bytes"
	"strings"

	lir "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"

	"kiln/internal/ir"
	"kiln/internal/metadata"
	"kiln/internal/session"
)

// metadataSection keeps the record out of loadable segments.
const metadataSection = ".note.kiln"

// MetadataUnit builds the unit that carries the crate metadata into
// dynamic libraries and executables. Rlibs store the same record as a
// separate archive member instead.
func MetadataUnit(crate *session.Crate, target *session.Target) (*ir.Unit, error) {
	var buf bytes.Buffer
	if err := metadata.Encode(&buf, metadata.ForCrate(crate, target.Triple)); err != nil {
		return nil, err
	}

	m := lir.NewModule()
	m.TargetTriple = target.Triple
	m.DataLayout = target.DataLayout

	g := m.NewGlobalDef(metadataSymbol(crate.Name), constant.NewCharArray(buf.Bytes()))
	g.Linkage = enum.LinkageExternal
	g.Immutable = true
	g.Section = metadataSection
	return ir.New(crate.Name+".metadata", m), nil
}

func metadataSymbol(crate string) string {
	return "kiln_metadata_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, crate)
}
