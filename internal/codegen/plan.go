package codegen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/natefinch/atomic"

	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/session"
	"kiln/internal/toolchain"
	"kiln/internal/trace"
)

// Batch is the planned work for one crate.
type Batch struct {
	Items   []*WorkItem
	Mode    Mode
	Modules *ModuleConfig
	Meta    *ModuleConfig
	Output  OutputTemplate
	// Units counts the numbered items; the metadata item comes first and is
	// not included.
	Units int
	// Metadata is set when the first item is the metadata unit.
	Metadata bool
	// NeedsCrateBitcode is set when an rlib or staticlib is built; the
	// archive embeds the crate bytecode.
	NeedsCrateBitcode bool
}

// Plan decides what every unit emits and how the batch is scheduled. The
// units are owned by the returned items. Under LTO the crate's units are
// first merged into one, since each upstream crate may be linked in only
// once.
func Plan(s *session.Session, units []*ir.Unit, meta *ir.Unit) (*Batch, error) {
	cfg := &s.Config
	// rejected before any unit is touched
	if s.LTO() && cfg.CodegenUnits > 1 && !s.TargetingPNaCl() {
		return nil, diag.Invariantf(diag.CGNWholeProgramWorkers, "can't perform LTO when using multiple codegen units")
	}
	tm, err := NewTargetMachine(s)
	if err != nil {
		return nil, err
	}

	modules := NewModuleConfig(tm, cfg.Passes)
	metaCfg := NewModuleConfig(tm, nil)
	modules.Optimize = true
	modules.OptLevel = cfg.OptLevel
	modules.LTO = s.LTO()

	if cfg.SaveTemps {
		modules.EmitNoOptBC = true
		modules.EmitBC = true
		modules.EmitLTOBC = true
		metaCfg.EmitBC = true
	}

	needsBitcode := archived(cfg) && cfg.HasOutput(session.OutputExe)
	if needsBitcode || s.TargetingPNaCl() {
		modules.EmitBC = true
	}

	for _, t := range cfg.OutputTypes {
		switch t {
		case session.OutputBitcode:
			modules.EmitBC = true
		case session.OutputLLVMAssembly:
			modules.EmitIR = true
		case session.OutputAssembly:
			modules.EmitAsm = true
		case session.OutputObject:
			modules.EmitObj = true
		case session.OutputExe:
			modules.EmitObj = true
			metaCfg.EmitObj = true
		}
	}

	modules.SetFlags(s)
	metaCfg.SetFlags(s)

	if s.TargetingPNaCl() {
		// llc never runs for PNaCl; the linker works on bitcode
		metaCfg.BitcodeOnly()
		modules.BitcodeOnly()
	}

	if s.LTO() && len(units) > 1 {
		merged, err := ir.LinkAll(units)
		if err != nil {
			return nil, fmt.Errorf("failed to merge units for LTO: %w", err)
		}
		units = []*ir.Unit{merged}
	}

	out := OutputTemplate{Dir: cfg.OutDir, Stem: s.CrateName()}
	b := &Batch{
		Modules:           modules,
		Meta:              metaCfg,
		Output:            out,
		Units:             len(units),
		NeedsCrateBitcode: needsBitcode,
	}
	if meta != nil && metaCfg.emitsAnything() {
		b.Items = append(b.Items, NewWorkItem(meta, metaCfg, out, "metadata"))
		b.Metadata = true
	} else {
		meta.Dispose()
	}
	for i, u := range units {
		b.Items = append(b.Items, NewWorkItem(u, modules, out, strconv.Itoa(i)))
	}
	tm.Close()

	if cfg.CodegenUnits == 1 && !s.TargetingPNaCl() {
		b.Mode = Mode{Kind: WholeProgram, Workers: 1}
	} else {
		b.Mode = Mode{Kind: Parallel, Workers: cfg.CodegenUnits, PNaCl: s.TargetingPNaCl()}
	}
	return b, nil
}

// Outputs are the crate-level files left after Compile.
type Outputs struct {
	Template OutputTemplate
	Units    int
	// Object is {crate}.o, linked from the numbered objects; empty when no
	// object was requested and no archive needs one.
	Object string
	// Objects are the numbered unit objects handed to the system linker
	// when several units were built. Empty means Object is linked.
	Objects []string
	// MetadataObject is {crate}.metadata.o when it was emitted.
	MetadataObject string
	// Bitcode lists the numbered unit bitcode files that were kept.
	Bitcode []string
	Emitted []EmittedPaths
}

// Compiler runs a crate's units through planning, scheduling and the final
// per-crate steps.
type Compiler struct {
	Session  *session.Session
	TC       *toolchain.Toolchain
	Reporter diag.Reporter
	Pipeline *Pipeline
}

// NewCompiler wires a pipeline for s.
func NewCompiler(s *session.Session, tc *toolchain.Toolchain, r diag.Reporter) *Compiler {
	p := NewPipeline(tc, r)
	p.SaveTemps = s.Config.SaveTemps
	return &Compiler{Session: s, TC: tc, Reporter: p.Reporter, Pipeline: p}
}

// Compile plans and schedules the batch, then produces the crate-level
// outputs and removes intermediates the user did not ask for.
func (c *Compiler) Compile(ctx context.Context, units []*ir.Unit, meta *ir.Unit, lto *LTOInput) (*Outputs, error) {
	s := c.Session
	EnsureInitialized(s)

	b, err := Plan(s, units, meta)
	if err != nil {
		for _, u := range units {
			u.Dispose()
		}
		meta.Dispose()
		return nil, err
	}
	if b.Mode.Kind == WholeProgram && s.LTO() {
		c.Pipeline.LTO = lto
	}

	res, err := Schedule(ctx, c.Pipeline, b.Items, b.Mode)
	if err != nil {
		return nil, err
	}

	out := &Outputs{Template: b.Output, Units: b.Units, Emitted: res.Emitted}
	if b.Metadata && b.Meta.EmitObj {
		out.MetadataObject = b.Output.Path("metadata.o")
	}
	if s.TargetingPNaCl() {
		out.Bitcode = numbered(b.Output, b.Units, "bc")
		return out, nil
	}
	if err := c.finish(ctx, b, out); err != nil {
		return nil, err
	}
	return out, nil
}

func numbered(o OutputTemplate, n int, ext string) []string {
	out := make([]string, n)
	for i := range n {
		o.Extra = strconv.Itoa(i)
		out[i] = o.Path(ext)
	}
	return out
}

// outputPath is where a user-requested output of kind t ends up.
func (c *Compiler) outputPath(t session.OutputType) string {
	cfg := &c.Session.Config
	if cfg.OutputFile != "" && len(cfg.OutputTypes) == 1 {
		return cfg.OutputFile
	}
	return c.Session.TempPath(t)
}

func (c *Compiler) finish(ctx context.Context, b *Batch, out *Outputs) error {
	s := c.Session
	cfg := &s.Config

	copyIfOneUnit := func(t session.OutputType, keepNumbered bool) error {
		numbered := b.Output
		numbered.Extra = "0"
		src := numbered.Path(t.Extension())
		switch {
		case b.Units == 1:
			if err := CopyFile(src, c.outputPath(t)); err != nil {
				return err
			}
			if !cfg.SaveTemps && !keepNumbered {
				c.remove(src)
			}
		case cfg.OutputFile != "":
			diag.ReportWarning(c.Reporter, diag.CGNInfo,
				fmt.Sprintf("ignoring -o because multiple .%s files were produced", t.Extension())).Emit()
		}
		return nil
	}

	userWantsBitcode := false
	for _, t := range cfg.OutputTypes {
		var err error
		switch t {
		case session.OutputBitcode:
			userWantsBitcode = true
			err = copyIfOneUnit(t, true)
		case session.OutputLLVMAssembly, session.OutputAssembly:
			err = copyIfOneUnit(t, false)
		case session.OutputObject:
			out.Object = c.outputPath(t)
			err = c.linkObj(ctx, b, out.Object)
		case session.OutputExe:
			if b.Units > 1 && nativeLink(cfg) {
				out.Objects = numbered(b.Output, b.Units, "o")
			}
			if out.Objects == nil || archived(cfg) {
				if !cfg.HasOutput(session.OutputObject) {
					out.Object = s.TempPath(session.OutputObject)
					err = c.linkObj(ctx, b, out.Object)
				}
			}
		}
		if err != nil {
			return err
		}
	}

	keepNumberedBitcode := b.NeedsCrateBitcode || (userWantsBitcode && b.Units > 1)
	if b.Modules.EmitBC && (keepNumberedBitcode || cfg.SaveTemps) {
		out.Bitcode = numbered(b.Output, b.Units, "bc")
	}
	if cfg.SaveTemps {
		return nil
	}
	for i := range b.Units {
		o := b.Output
		o.Extra = strconv.Itoa(i)
		// the linker removes the objects it was handed
		if b.Modules.EmitObj && out.Objects == nil {
			c.remove(o.Path("o"))
		}
		if b.Modules.EmitBC && !keepNumberedBitcode {
			c.remove(o.Path("bc"))
		}
	}
	if b.Metadata && b.Meta.EmitBC && !userWantsBitcode {
		c.remove(b.Output.Path("metadata.bc"))
	}
	return nil
}

func nativeLink(cfg *session.Config) bool {
	return cfg.HasCrateType(session.CrateExecutable) || cfg.HasCrateType(session.CrateDylib)
}

// archived reports whether an archive crate type needs {crate}.o.
func archived(cfg *session.Config) bool {
	return cfg.HasCrateType(session.CrateRlib) || cfg.HasCrateType(session.CrateStaticlib)
}

// linkObj produces the crate object: a copy for a single unit, `cc -r`
// over all numbered objects otherwise.
func (c *Compiler) linkObj(ctx context.Context, b *Batch, dst string) error {
	s := c.Session
	numbered := b.Output
	if b.Units == 1 {
		numbered.Extra = "0"
		// .0.o stays, like it does for several units
		return CopyFile(numbered.Path("o"), dst)
	}

	span := trace.Begin(trace.FromContext(ctx), trace.ScopeUnit, "ld -r", trace.CurrentSpan(ctx).SpanID)
	defer span.End("")

	// MinGW drivers may append .exe to outputs that lack it
	out := dst
	if s.Target.IsLikeWin {
		out = dst + ".o.exe"
	}
	cmd := toolchain.NewCommand(c.TC.Tools.CC, s.Target.PreLinkArgs...)
	cmd.Arg("-nostdlib")
	for i := range b.Units {
		numbered.Extra = strconv.Itoa(i)
		cmd.Arg(numbered.Path("o"))
	}
	cmd.Arg("-r", "-o", out)
	cmd.Arg(s.Target.PostLinkArgs...)

	if _, err := c.TC.Run(ctx, cmd); err != nil {
		rb := diag.ReportError(c.Reporter, diag.LNKLinkerFailed, fmt.Sprintf("linking of %s with `%s` failed", dst, cmd.String()))
		if te, ok := toolchain.AsError(err); ok {
			for _, n := range te.Notes()[1:] {
				rb.WithNote(n)
			}
		}
		rb.Emit()
		return err
	}
	if out != dst {
		if err := os.Rename(out, dst); err != nil {
			return fmt.Errorf("failed to rename %s: %w", out, err)
		}
	}
	return nil
}

// remove deletes an intermediate file; failures are only warnings.
func (c *Compiler) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		diag.ReportWarning(c.Reporter, diag.CGNCleanupFailed, fmt.Sprintf("failed to remove %s: %v", path, err)).
			WithSubject(path).
			Emit()
	}
}

// CopyFile atomically replaces dst with a copy of src.
func CopyFile(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	defer f.Close()
	if err := atomic.WriteFile(dst, f); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}

// LoadUnits reads the crate's unit sources. On failure the units already
// loaded are disposed.
func LoadUnits(ctx context.Context, codec ir.Codec, srcs []session.UnitSource) ([]*ir.Unit, error) {
	units := make([]*ir.Unit, 0, len(srcs))
	for _, src := range srcs {
		u, err := codec.Load(ctx, src.Name, src.Path)
		if err != nil {
			for _, done := range units {
				done.Dispose()
			}
			return nil, fmt.Errorf("failed to load unit %s: %w", src.Name, err)
		}
		units = append(units, u)
	}
	return units, nil
}
