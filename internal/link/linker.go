package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"kiln/internal/codegen"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/observ"
	"kiln/internal/session"
	"kiln/internal/toolchain"
	"kiln/internal/trace"
)

// Kind is a final artifact kind.
type Kind uint8

const (
	Rlib Kind = iota + 1
	StaticLibrary
	DynamicLibrary
	Executable
	// RestrictedAbiBinary is a PNaCl portable executable: whole-program
	// bitcode legalized for the restricted ABI.
	RestrictedAbiBinary
)

func (k Kind) String() string {
	switch k {
	case Rlib:
		return "rlib"
	case StaticLibrary:
		return "staticlib"
	case DynamicLibrary:
		return "dylib"
	case Executable:
		return "bin"
	case RestrictedAbiBinary:
		return "pexe"
	}
	return "unknown"
}

// KindOf maps a requested crate type to the artifact built for it.
func KindOf(ct session.CrateType, pnacl bool) Kind {
	switch ct {
	case session.CrateRlib:
		return Rlib
	case session.CrateStaticlib:
		return StaticLibrary
	case session.CrateDylib:
		return DynamicLibrary
	}
	if pnacl {
		return RestrictedAbiBinary
	}
	return Executable
}

// Inputs are the crate files codegen left for the linker.
type Inputs struct {
	// Object is {crate}.o.
	Object string
	// Objects replace Object on the native link line when set.
	Objects []string
	// MetadataObject carries the metadata section of dylibs.
	MetadataObject string
	// Bitcode are the kept numbered unit bitcode files. Restricted-ABI
	// builds link these instead of objects.
	Bitcode []string
}

// InputsFrom collects the linker inputs from a codegen result.
func InputsFrom(out *codegen.Outputs) Inputs {
	return Inputs{
		Object:         out.Object,
		Objects:        out.Objects,
		MetadataObject: out.MetadataObject,
		Bitcode:        out.Bitcode,
	}
}

// ownObjects are the crate's objects in link order.
func (in Inputs) ownObjects() []string {
	if len(in.Objects) > 0 {
		return in.Objects
	}
	if in.Object == "" {
		return nil
	}
	return []string{in.Object}
}

// Linker drives the system linker, the archiver and, for PNaCl, ld.gold.
type Linker struct {
	Session  *session.Session
	TC       *toolchain.Toolchain
	Reporter diag.Reporter
	// Pipeline runs opt for the restricted-ABI path.
	Pipeline *codegen.Pipeline
	Codec    ir.Codec
	Timer    *observ.Timer
	// Stdout receives --print-link-args output.
	Stdout io.Writer
}

// NewLinker returns a linker for s.
func NewLinker(s *session.Session, tc *toolchain.Toolchain, r diag.Reporter) *Linker {
	p := codegen.NewPipeline(tc, r)
	p.SaveTemps = s.Config.SaveTemps
	return &Linker{
		Session:  s,
		TC:       tc,
		Reporter: p.Reporter,
		Pipeline: p,
		Codec:    ir.Codec{TC: tc},
		Stdout:   os.Stdout,
	}
}

// LinkBinary produces one artifact per requested crate type and returns
// their paths. The crate objects, the metadata object and the bitcode
// embedded into archives are removed afterwards unless they were asked for
// or temps are kept.
func (l *Linker) LinkBinary(ctx context.Context, outputs *codegen.Outputs, crate *session.Crate) ([]string, error) {
	s := l.Session
	cfg := &s.Config

	ctx, span := trace.Start(ctx, trace.ScopeStage, "link")
	defer span.End("")

	in := InputsFrom(outputs)
	if s.TargetingPNaCl() {
		return l.linkPNaCl(ctx, in, crate)
	}

	var produced []string
	for _, ct := range cfg.CrateTypes {
		out, err := l.Link(ctx, KindOf(ct, false), in, crate)
		if err != nil {
			return produced, err
		}
		produced = append(produced, out)
	}

	if !cfg.SaveTemps {
		if in.Object != "" && !cfg.HasOutput(session.OutputObject) {
			l.remove(in.Object)
		}
		if in.MetadataObject != "" {
			l.remove(in.MetadataObject)
		}
		for _, o := range in.Objects {
			l.remove(o)
		}
		// embedded into archives; rlib and staticlib may share it
		if embedsBitcode(cfg) && !cfg.HasOutput(session.OutputBitcode) {
			for _, bc := range in.Bitcode {
				l.remove(bc)
			}
		}
	}
	return produced, nil
}

func embedsBitcode(cfg *session.Config) bool {
	return cfg.HasCrateType(session.CrateRlib) || cfg.HasCrateType(session.CrateStaticlib)
}

// linkPNaCl builds libraries first and the portable executable last.
func (l *Linker) linkPNaCl(ctx context.Context, in Inputs, crate *session.Crate) ([]string, error) {
	var produced []string
	var exe bool
	for _, ct := range l.Session.Config.CrateTypes {
		switch ct {
		case session.CrateDylib, session.CrateStaticlib:
			diag.ReportWarning(l.Reporter, diag.LNKCrateTypeSkipped,
				fmt.Sprintf("skipping %s output; PNaCl doesn't support it", ct)).Emit()
		case session.CrateRlib:
			out, err := l.Link(ctx, Rlib, in, crate)
			if err != nil {
				return produced, err
			}
			produced = append(produced, out)
		case session.CrateExecutable:
			exe = true
		}
	}
	if exe {
		out, err := l.Link(ctx, RestrictedAbiBinary, in, crate)
		if err != nil {
			return produced, err
		}
		produced = append(produced, out)
	}
	return produced, nil
}

// Link produces a single artifact of kind and returns its path.
func (l *Linker) Link(ctx context.Context, kind Kind, in Inputs, crate *session.Crate) (string, error) {
	out := l.outputFor(kind)

	ctx, span := trace.Start(ctx, trace.ScopeUnit, "link "+kind.String())
	span.WithExtra("output", out)
	defer span.End("")

	if err := checkOutputs(out, in.ownObjects()...); err != nil {
		diag.ReportError(l.Reporter, diag.IONotWritable, err.Error()).WithSubject(out).Emit()
		return "", err
	}

	var err error
	switch kind {
	case Rlib:
		if l.Session.TargetingPNaCl() {
			err = l.pnaclRlib(ctx, in, out, crate)
		} else {
			err = l.linkRlib(ctx, in, out, crate)
		}
	case StaticLibrary:
		err = l.linkStaticlib(ctx, in, out, crate)
	case DynamicLibrary:
		err = l.linkNatively(ctx, in, out, crate, true)
	case Executable:
		err = l.linkNatively(ctx, in, out, crate, false)
	case RestrictedAbiBinary:
		err = l.linkRestricted(ctx, in, out, crate)
	default:
		err = fmt.Errorf("unknown artifact kind %d", kind)
	}
	if err != nil {
		return "", err
	}

	if st, err := os.Stat(out); err == nil {
		span.WithExtra("size", humanize.Bytes(uint64(st.Size())))
	}
	return out, nil
}

// run executes a linker-like tool. Failures are reported with the full
// command line and both output streams.
func (l *Linker) run(ctx context.Context, what string, cmd toolchain.Command) (toolchain.Output, error) {
	var out toolchain.Output
	err := l.timed(what, func() error {
		var err error
		out, err = l.TC.Run(ctx, cmd)
		return err
	})
	if err == nil {
		return out, nil
	}
	te, isTool := toolchain.AsError(err)
	var msg string
	switch {
	case isTool && te.NotFound():
		msg = fmt.Sprintf("could not exec the linker `%s`: %v", cmd.Name, te.Err)
	case isTool:
		msg = fmt.Sprintf("linking with `%s` failed: %v", cmd.Name, te.Err)
	default:
		msg = fmt.Sprintf("linking with `%s` failed: %v", cmd.Name, err)
	}
	rb := diag.ReportError(l.Reporter, diag.LNKLinkerFailed, msg).WithSubject(what)
	if isTool {
		for _, n := range te.Notes() {
			rb.WithNote(n)
		}
	} else {
		rb.WithNote(cmd.String())
	}
	rb.Emit()
	return out, err
}

func (l *Linker) timed(name string, fn func() error) error {
	if !l.Session.Config.TimePasses {
		return fn()
	}
	return l.Timer.Time(name, fn)
}

// fail reports err as an error under code and returns it.
func (l *Linker) fail(code diag.Code, subject string, err error) error {
	diag.ReportError(l.Reporter, code, err.Error()).WithSubject(subject).Emit()
	return err
}

// remove deletes an intermediate file; failures are only warnings.
func (l *Linker) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		diag.ReportWarning(l.Reporter, diag.IORemoveFailed, fmt.Sprintf("failed to remove %s: %v", path, err)).
			WithSubject(path).
			Emit()
	}
}

// scratchDir creates a private directory removed by the returned func
// unless temps are kept.
func (l *Linker) scratchDir(pattern string) (string, func(), error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		err = fmt.Errorf("failed to create temporary directory: %w", err)
		return "", nil, l.fail(diag.IOTempDirFailed, pattern, err)
	}
	if l.Session.Config.SaveTemps {
		return dir, func() {}, nil
	}
	return dir, func() { l.removeAll(dir) }, nil
}

func (l *Linker) removeAll(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		diag.ReportWarning(l.Reporter, diag.IORemoveFailed, fmt.Sprintf("failed to remove %s: %v", dir, err)).
			WithSubject(dir).
			Emit()
	}
}
