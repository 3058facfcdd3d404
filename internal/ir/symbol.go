package ir

import (
	"slices"

	lir "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
)

type symKind uint8

const (
	symFunc symKind = iota
	symGlobal
	symAlias
	symIFunc
)

// symbol is a view over the four kinds of top-level values that share the
// module's global namespace.
type symbol struct {
	kind symKind
	fn   *lir.Func
	gv   *lir.Global
	al   *lir.Alias
	ifn  *lir.IFunc
}

func (s symbol) name() string {
	switch s.kind {
	case symFunc:
		return s.fn.Name()
	case symGlobal:
		return s.gv.Name()
	case symAlias:
		return s.al.Name()
	default:
		return s.ifn.Name()
	}
}

func (s symbol) ident() string {
	switch s.kind {
	case symFunc:
		return s.fn.Ident()
	case symGlobal:
		return s.gv.Ident()
	case symAlias:
		return s.al.Ident()
	default:
		return s.ifn.Ident()
	}
}

func (s symbol) setName(name string) {
	switch s.kind {
	case symFunc:
		s.fn.SetName(name)
	case symGlobal:
		s.gv.SetName(name)
	case symAlias:
		s.al.SetName(name)
	default:
		s.ifn.SetName(name)
	}
}

func (s symbol) linkage() enum.Linkage {
	switch s.kind {
	case symFunc:
		return s.fn.Linkage
	case symGlobal:
		return s.gv.Linkage
	case symAlias:
		return s.al.Linkage
	default:
		return s.ifn.Linkage
	}
}

func (s symbol) internalize() {
	switch s.kind {
	case symFunc:
		s.fn.Linkage = enum.LinkageInternal
		s.fn.Visibility = enum.VisibilityNone
		s.fn.Comdat = nil
	case symGlobal:
		s.gv.Linkage = enum.LinkageInternal
		s.gv.Visibility = enum.VisibilityNone
		s.gv.Comdat = nil
	case symAlias:
		s.al.Linkage = enum.LinkageInternal
		s.al.Visibility = enum.VisibilityNone
	default:
		s.ifn.Linkage = enum.LinkageInternal
		s.ifn.Visibility = enum.VisibilityNone
	}
}

// isDecl reports whether the symbol only declares an external value.
func (s symbol) isDecl() bool {
	switch s.kind {
	case symFunc:
		return len(s.fn.Blocks) == 0
	case symGlobal:
		return s.gv.Init == nil
	default:
		return false
	}
}

func (s symbol) llString() string {
	switch s.kind {
	case symFunc:
		return s.fn.LLString()
	case symGlobal:
		return s.gv.LLString()
	case symAlias:
		return s.al.LLString()
	default:
		return s.ifn.LLString()
	}
}

func (s symbol) comdat() string {
	switch {
	case s.kind == symFunc && s.fn.Comdat != nil:
		return s.fn.Comdat.Name
	case s.kind == symGlobal && s.gv.Comdat != nil:
		return s.gv.Comdat.Name
	}
	return ""
}

func isLocal(l enum.Linkage) bool {
	return l == enum.LinkageInternal || l == enum.LinkagePrivate
}

// isDiscardable reports linkages whose definition may be replaced by another
// definition of the same name.
func isDiscardable(l enum.Linkage) bool {
	switch l {
	case enum.LinkageLinkOnce, enum.LinkageLinkOnceODR,
		enum.LinkageWeak, enum.LinkageWeakODR,
		enum.LinkageCommon, enum.LinkageAvailableExternally:
		return true
	}
	return false
}

func symbols(m *lir.Module) []symbol {
	out := make([]symbol, 0, len(m.Globals)+len(m.Funcs)+len(m.Aliases)+len(m.IFuncs))
	for _, g := range m.Globals {
		out = append(out, symbol{kind: symGlobal, gv: g})
	}
	for _, f := range m.Funcs {
		out = append(out, symbol{kind: symFunc, fn: f})
	}
	for _, a := range m.Aliases {
		out = append(out, symbol{kind: symAlias, al: a})
	}
	for _, i := range m.IFuncs {
		out = append(out, symbol{kind: symIFunc, ifn: i})
	}
	return out
}

// setSymbols replaces the module's top-level values, keeping kinds apart.
func setSymbols(m *lir.Module, syms []symbol) {
	m.Globals = m.Globals[:0]
	m.Funcs = m.Funcs[:0]
	m.Aliases = m.Aliases[:0]
	m.IFuncs = m.IFuncs[:0]
	for _, s := range syms {
		switch s.kind {
		case symFunc:
			m.Funcs = append(m.Funcs, s.fn)
		case symGlobal:
			m.Globals = append(m.Globals, s.gv)
		case symAlias:
			m.Aliases = append(m.Aliases, s.al)
		default:
			m.IFuncs = append(m.IFuncs, s.ifn)
		}
	}
}

// ExternallyVisible lists the defined symbols other modules can bind to.
func (u *Unit) ExternallyVisible() ([]string, error) {
	m, err := u.Module()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range symbols(m) {
		if s.isDecl() || isLocal(s.linkage()) {
			continue
		}
		out = append(out, s.name())
	}
	slices.Sort(out)
	return out, nil
}

// Defined reports whether the unit carries a definition of name.
func (u *Unit) Defined(name string) bool {
	m, err := u.Module()
	if err != nil {
		return false
	}
	for _, s := range symbols(m) {
		if s.name() == name {
			return !s.isDecl()
		}
	}
	return false
}
