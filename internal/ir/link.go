package ir

import (
	"fmt"
	"strconv"

	"github.com/llir/llvm/asm"
	lir "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
)

// Link moves every value of src into dst and disposes src. Metadata of src
// is dropped; callers strip debug info from toolchain code before merging it
// into a unit that carries its own.
//
// Symbol resolution follows the usual linker rules: a definition replaces a
// declaration, discardable definitions yield to strong ones, appending arrays
// are concatenated and local symbols are renamed on collision. Two strong
// definitions of the same name are an error.
func Link(dst, src *Unit) error {
	dm, err := dst.Module()
	if err != nil {
		return err
	}
	srcText, err := src.Text()
	if err != nil {
		return err
	}
	sm, err := asm.ParseString(src.Name, stripMetadataText(srcText))
	if err != nil {
		return fmt.Errorf("parse %s for linking: %w", src.Name, err)
	}

	l := &linker{dst: dm, src: sm, srcName: src.Name, taken: make(map[string]bool)}
	if err := l.run(); err != nil {
		return fmt.Errorf("link %s into %s: %w", src.Name, dst.Name, err)
	}
	src.Dispose()
	return dst.reload(dm.String())
}

// LinkAll merges units pairwise, left to right, into the first one.
func LinkAll(units []*Unit) (*Unit, error) {
	if len(units) == 0 {
		return nil, fmt.Errorf("nothing to link")
	}
	acc := units[0]
	for _, u := range units[1:] {
		if err := Link(acc, u); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

type linker struct {
	dst, src *lir.Module
	srcName  string
	taken    map[string]bool
	seq      int
}

func (l *linker) run() error {
	l.mergeTypes()
	l.mergeAttrGroups()

	dstSyms := symbols(l.dst)
	byName := make(map[string]int, len(dstSyms))
	for i, s := range dstSyms {
		byName[s.name()] = i
		l.taken[s.name()] = true
	}
	srcSyms := symbols(l.src)
	for _, s := range srcSyms {
		l.taken[s.name()] = true
	}

	removed := make(map[int]bool)
	var added []symbol
	for _, s := range srcSyms {
		name := s.name()
		if isAnonymous(name) {
			s.setName(l.fresh("anon"))
			added = append(added, s)
			continue
		}
		i, clash := byName[name]
		if !clash {
			added = append(added, s)
			continue
		}
		d := dstSyms[i]
		switch {
		case isLocal(s.linkage()):
			s.setName(l.fresh(name))
			added = append(added, s)
		case isLocal(d.linkage()):
			d.setName(l.fresh(name))
			added = append(added, s)
		case s.isDecl():
			// dst already declares or defines it
		case d.isDecl():
			if d.kind != s.kind {
				return fmt.Errorf("symbol @%s declared and defined with different kinds", name)
			}
			removed[i] = true
			added = append(added, s)
		case d.linkage() == enum.LinkageAppending && s.linkage() == enum.LinkageAppending:
			if err := appendArrays(d, s); err != nil {
				return err
			}
		case isDiscardable(s.linkage()):
			// keep the definition already present
		case isDiscardable(d.linkage()):
			removed[i] = true
			added = append(added, s)
		default:
			return fmt.Errorf("symbol @%s multiply defined", name)
		}
	}

	merged := make([]symbol, 0, len(dstSyms)+len(added))
	for i, s := range dstSyms {
		if !removed[i] {
			merged = append(merged, s)
		}
	}
	merged = append(merged, added...)
	setSymbols(l.dst, merged)

	have := make(map[string]bool, len(l.dst.ComdatDefs))
	for _, c := range l.dst.ComdatDefs {
		have[c.Name] = true
	}
	for _, c := range l.src.ComdatDefs {
		if !have[c.Name] {
			l.dst.ComdatDefs = append(l.dst.ComdatDefs, c)
		}
	}
	l.dst.ModuleAsms = append(l.dst.ModuleAsms, l.src.ModuleAsms...)
	return nil
}

// mergeTypes carries named types over. A name bound to a different body in
// dst makes the src type take a fresh name.
func (l *linker) mergeTypes() {
	known := make(map[string]types.Type, len(l.dst.TypeDefs))
	for _, t := range l.dst.TypeDefs {
		known[t.Name()] = t
	}
	for _, t := range l.src.TypeDefs {
		prev, ok := known[t.Name()]
		if ok && prev.LLString() == t.LLString() {
			continue
		}
		if ok {
			name := t.Name()
			for i := 1; ; i++ {
				cand := name + "." + strconv.Itoa(i)
				if _, used := known[cand]; !used {
					t.SetName(cand)
					break
				}
			}
		}
		known[t.Name()] = t
		l.dst.TypeDefs = append(l.dst.TypeDefs, t)
	}
}

// mergeAttrGroups renumbers src attribute groups past the ones dst uses.
func (l *linker) mergeAttrGroups() {
	var next int64
	for _, g := range l.dst.AttrGroupDefs {
		if g.ID >= next {
			next = g.ID + 1
		}
	}
	for _, g := range l.src.AttrGroupDefs {
		g.ID += next
		l.dst.AttrGroupDefs = append(l.dst.AttrGroupDefs, g)
	}
}

func (l *linker) fresh(base string) string {
	for {
		l.seq++
		cand := fmt.Sprintf("%s.%s.%d", base, l.srcName, l.seq)
		if !l.taken[cand] {
			l.taken[cand] = true
			return cand
		}
	}
}

func appendArrays(d, s symbol) error {
	if d.kind != symGlobal || s.kind != symGlobal {
		return fmt.Errorf("appending symbol @%s is not a global variable", d.name())
	}
	da, ok1 := d.gv.Init.(*constant.Array)
	sa, ok2 := s.gv.Init.(*constant.Array)
	if !ok1 || !ok2 {
		return fmt.Errorf("appending global @%s has a non-array initializer", d.name())
	}
	at, ok := d.gv.ContentType.(*types.ArrayType)
	if !ok {
		return fmt.Errorf("appending global @%s is not an array", d.name())
	}
	elems := make([]constant.Constant, 0, len(da.Elems)+len(sa.Elems))
	elems = append(elems, da.Elems...)
	elems = append(elems, sa.Elems...)
	t := types.NewArray(uint64(len(elems)), at.ElemType)
	d.gv.ContentType = t
	d.gv.Init = constant.NewArray(t, elems...)
	return nil
}

func isAnonymous(name string) bool {
	if name == "" {
		return true
	}
	_, err := strconv.ParseUint(name, 10, 64)
	return err == nil
}
