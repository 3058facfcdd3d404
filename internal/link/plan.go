// Package link turns the crate objects left by codegen into final
// artifacts: rlibs, static libraries, dynamic libraries, executables and
// restricted-ABI portable executables.
package link

import (
	"kiln/internal/toolchain"
)

// ArgKind classifies one entry of a linker command line.
type ArgKind uint8

const (
	// ArgObject is an object or bitcode file linked as a whole.
	ArgObject ArgKind = iota
	// ArgArchive is a static archive the linker pulls members from.
	ArgArchive
	// ArgFlag is passed verbatim.
	ArgFlag
	// ArgLib is a library looked up by name (-l<name>).
	ArgLib
	// ArgOutput names the produced file (-o <path>).
	ArgOutput
)

func (k ArgKind) String() string {
	switch k {
	case ArgObject:
		return "object"
	case ArgArchive:
		return "archive"
	case ArgFlag:
		return "flag"
	case ArgLib:
		return "lib"
	case ArgOutput:
		return "output"
	}
	return "unknown"
}

// Arg is one typed entry of a Plan.
type Arg struct {
	Kind  ArgKind
	Value string
}

// Plan is an ordered linker invocation. Order is significant: linkers only
// resolve symbols of an entry from entries to its right. A plan is frozen
// by Command and must not change afterwards.
type Plan struct {
	Program string
	Args    []Arg
	frozen  bool
}

// NewPlan starts a plan for program.
func NewPlan(program string) *Plan {
	return &Plan{Program: program}
}

func (p *Plan) add(kind ArgKind, values ...string) *Plan {
	if p.frozen {
		panic("link: plan modified after it was materialized")
	}
	for _, v := range values {
		p.Args = append(p.Args, Arg{Kind: kind, Value: v})
	}
	return p
}

func (p *Plan) Object(paths ...string) *Plan  { return p.add(ArgObject, paths...) }
func (p *Plan) Archive(paths ...string) *Plan { return p.add(ArgArchive, paths...) }
func (p *Plan) Flag(flags ...string) *Plan    { return p.add(ArgFlag, flags...) }
func (p *Plan) Lib(names ...string) *Plan     { return p.add(ArgLib, names...) }
func (p *Plan) Output(path string) *Plan      { return p.add(ArgOutput, path) }

// Argv renders the arguments, without the program name.
func (p *Plan) Argv() []string {
	out := make([]string, 0, len(p.Args)+1)
	for _, a := range p.Args {
		switch a.Kind {
		case ArgLib:
			out = append(out, "-l"+a.Value)
		case ArgOutput:
			out = append(out, "-o", a.Value)
		default:
			out = append(out, a.Value)
		}
	}
	return out
}

// Of returns the values of every argument of kind k, in order.
func (p *Plan) Of(k ArgKind) []string {
	var out []string
	for _, a := range p.Args {
		if a.Kind == k {
			out = append(out, a.Value)
		}
	}
	return out
}

// Command freezes the plan and returns the command that runs it.
func (p *Plan) Command() toolchain.Command {
	p.frozen = true
	return toolchain.NewCommand(p.Program, p.Argv()...)
}
