package ir

import (
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	lir "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
)

var globalRefRe = regexp.MustCompile(`@(?:"(?:[^"\\]|\\.)*"|[-a-zA-Z$._][-a-zA-Z$._0-9]*|[0-9]+)`)

// Restrict keeps the preserved symbols and everything they reach, gives
// every other surviving definition internal linkage and drops the rest.
// Symbols in the llvm. namespace are roots as well.
func (u *Unit) Restrict(preserve []string) error {
	m, err := u.Module()
	if err != nil {
		return err
	}
	keep := mapset.NewThreadUnsafeSet(preserve...)
	syms := symbols(m)
	byIdent := make(map[string]symbol, len(syms))
	var work []symbol
	for _, s := range syms {
		byIdent[s.ident()] = s
		if keep.Contains(s.name()) || isIntrinsicName(s.name()) {
			work = append(work, s)
		}
	}

	reached := mapset.NewThreadUnsafeSet[string]()
	for len(work) > 0 {
		s := work[len(work)-1]
		work = work[:len(work)-1]
		if !reached.Add(s.ident()) {
			continue
		}
		for _, ref := range globalRefRe.FindAllString(s.llString(), -1) {
			if next, ok := byIdent[ref]; ok && !reached.Contains(ref) {
				work = append(work, next)
			}
		}
	}

	live := syms[:0]
	comdats := mapset.NewThreadUnsafeSet[string]()
	for _, s := range syms {
		if !reached.Contains(s.ident()) {
			continue
		}
		if !s.isDecl() && !keep.Contains(s.name()) && !isIntrinsicName(s.name()) && !isLocal(s.linkage()) {
			s.internalize()
		}
		if c := s.comdat(); c != "" {
			comdats.Add(c)
		}
		live = append(live, s)
	}
	setSymbols(m, live)

	defs := m.ComdatDefs[:0]
	for _, c := range m.ComdatDefs {
		if comdats.Contains(c.Name) {
			defs = append(defs, c)
		}
	}
	m.ComdatDefs = defs
	return u.reload(m.String())
}

func isIntrinsicName(name string) bool {
	return strings.HasPrefix(name, "llvm.")
}

// HasLandingPads reports whether any function contains a landingpad.
func (u *Unit) HasLandingPads() (bool, error) {
	m, err := u.Module()
	if err != nil {
		return false, err
	}
	for _, f := range m.Funcs {
		for _, b := range f.Blocks {
			for _, inst := range b.Insts {
				if _, ok := inst.(*lir.InstLandingPad); ok {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// MarkAllNounwind adds nounwind to every function.
func (u *Unit) MarkAllNounwind() error {
	m, err := u.Module()
	if err != nil {
		return err
	}
	for _, f := range m.Funcs {
		if hasFuncAttr(f, enum.FuncAttrNoUnwind) {
			continue
		}
		f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoUnwind)
	}
	return nil
}

func hasFuncAttr(f *lir.Func, attr enum.FuncAttr) bool {
	for _, a := range f.FuncAttrs {
		if a == lir.FuncAttribute(attr) {
			return true
		}
		if g, ok := a.(*lir.AttrGroupDef); ok {
			for _, ga := range g.FuncAttrs {
				if ga == lir.FuncAttribute(attr) {
					return true
				}
			}
		}
	}
	return false
}
