package codegen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/observ"
	"kiln/internal/session"
	"kiln/internal/toolchain"
	"kiln/internal/trace"
)

// Pipeline optimizes and emits one work item at a time. Optimization runs
// in opt, native code generation in llc; the unit itself travels between
// them as textual IR.
type Pipeline struct {
	TC       *toolchain.Toolchain
	Codec    ir.Codec
	Reporter diag.Reporter
	// Timer records pass timings for units whose config asks for them.
	Timer *observ.Timer
	// LTO is set only for whole-program batches.
	LTO *LTOInput
	// SaveTemps keeps the scratch files handed to opt and llc.
	SaveTemps bool
	// Progress, when set, is told when an item starts and finishes. It is
	// called from worker goroutines.
	Progress func(UnitEvent)
}

// UnitEvent reports one work item starting (Done unset) or finishing.
type UnitEvent struct {
	Unit    string
	Done    bool
	Err     error
	Elapsed time.Duration
}

// NewPipeline returns a pipeline running tools through tc.
func NewPipeline(tc *toolchain.Toolchain, r diag.Reporter) *Pipeline {
	if r == nil {
		r = diag.NopReporter{}
	}
	return &Pipeline{TC: tc, Codec: ir.Codec{TC: tc}, Reporter: r}
}

// Run takes item through the optional optimization and LTO steps and
// writes every requested output. The item itself is not released; the
// scheduler does that.
func (p *Pipeline) Run(ctx context.Context, item *WorkItem) (EmittedPaths, error) {
	if p.Progress == nil {
		return p.run(ctx, item)
	}
	start := time.Now()
	p.Progress(UnitEvent{Unit: item.Name()})
	out, err := p.run(ctx, item)
	p.Progress(UnitEvent{Unit: item.Name(), Done: true, Err: err, Elapsed: time.Since(start)})
	return out, err
}

func (p *Pipeline) run(ctx context.Context, item *WorkItem) (EmittedPaths, error) {
	var out EmittedPaths
	ctx, span := trace.Start(ctx, trace.ScopeUnit, item.Name())
	defer span.End("")

	cfg := item.Config
	if item.Unit.Disposed() || cfg.TM.Closed() {
		return out, diag.Invariantf(diag.CGNUnitDisposed, "work item %s was already consumed", item.Name())
	}

	if cfg.EmitNoOptBC {
		path := item.Output.Path("no-opt.bc")
		if err := p.Codec.WriteBitcode(ctx, item.Unit, path); err != nil {
			return out, p.fail(diag.CGNEmitFailed, path, err)
		}
		out.NoOptBC = path
	}

	if cfg.Optimize {
		if err := p.timed(cfg, "llvm passes: "+item.Name(), func() error {
			return p.optimize(ctx, item)
		}); err != nil {
			return out, err
		}
		if cfg.LTO && p.LTO != nil {
			if err := p.timed(cfg, "all lto passes: "+item.Name(), func() error {
				return p.runLTO(ctx, item)
			}); err != nil {
				return out, err
			}
			if cfg.EmitLTOBC {
				path := item.Output.Path("lto.bc")
				if err := p.Codec.WriteBitcode(ctx, item.Unit, path); err != nil {
					return out, p.fail(diag.CGNEmitFailed, path, err)
				}
				out.LTOBC = path
			}
		}
	}

	if cfg.EmitBC {
		path := item.Output.Path("bc")
		if err := p.Codec.WriteBitcode(ctx, item.Unit, path); err != nil {
			return out, p.fail(diag.CGNEmitFailed, path, err)
		}
		out.BC = path
	}

	err := p.timed(cfg, "codegen passes: "+item.Name(), func() error {
		if cfg.EmitIR {
			path := item.Output.Path("ll")
			if err := item.Unit.WriteText(path); err != nil {
				return p.fail(diag.CGNEmitFailed, path, err)
			}
			out.IR = path
		}
		if !cfg.EmitAsm && !cfg.EmitObj {
			return nil
		}
		return p.withScratch(item, "llc", func(in string) error {
			// каждый вывод идёт отдельным запуском llc
			if cfg.EmitAsm {
				path := item.Output.Path("s")
				if err := p.llc(ctx, cfg, in, "asm", path); err != nil {
					return p.fail(diag.CGNEmitFailed, path, err)
				}
				out.Asm = path
			}
			if cfg.EmitObj {
				path := item.Output.Path("o")
				if err := p.llc(ctx, cfg, in, "obj", path); err != nil {
					return p.fail(diag.CGNEmitFailed, path, err)
				}
				out.Obj = path
			}
			return nil
		})
	})
	if err != nil {
		return out, p.fail(diag.CGNEmitFailed, item.Name(), err)
	}
	return out, nil
}

func (p *Pipeline) llc(ctx context.Context, cfg *ModuleConfig, in, fileType, dst string, extra ...string) error {
	cmd := toolchain.NewCommand(p.TC.Tools.LLC, cfg.TM.llcArgs(fileType)...)
	cmd.Arg(processLLCFlags()...)
	cmd.Arg(extra...)
	cmd.Arg(in, "-o", dst)
	_, err := p.TC.Run(ctx, cmd)
	return err
}

var (
	unknownPassRe       = regexp.MustCompile(`unknown pass name '([^']+)'`)
	unknownLegacyPassRe = regexp.MustCompile(`Unknown command line argument '-([^']+)'`)
)

// optimize runs the standard pipeline plus the configured passes. Passes
// opt does not know are dropped with a warning and the run is retried.
func (p *Pipeline) optimize(ctx context.Context, item *WorkItem) error {
	newPM, err := p.newPassManager(ctx)
	if err != nil {
		return p.fail(diag.TLCBadVersion, p.TC.Tools.Opt, err)
	}
	user := slices.Clone(item.Config.Passes)
	for {
		args, ok := optArgs(item.Config, newPM, user)
		if !ok {
			return nil
		}
		err := p.opt(ctx, item, args)
		if err == nil {
			return nil
		}
		if name, found := unknownPass(err, user); found {
			diag.ReportWarning(p.Reporter, diag.CGNUnknownPass, fmt.Sprintf("unknown pass %s, ignoring", name)).
				WithSubject(item.Name()).
				Emit()
			user = slices.DeleteFunc(user, func(s string) bool { return s == name })
			continue
		}
		return p.fail(diag.CGNOptimizeFailed, item.Name(), err)
	}
}

func (p *Pipeline) newPassManager(ctx context.Context) (bool, error) {
	v, err := p.TC.LLVMVersion(ctx)
	if err != nil {
		return false, err
	}
	return toolchain.NewPassManager(v), nil
}

// unknownPass finds which of the user passes opt rejected.
func unknownPass(err error, user []string) (string, bool) {
	te, ok := toolchain.AsError(err)
	if !ok {
		return "", false
	}
	text := te.Stderr + te.Stdout
	for _, re := range []*regexp.Regexp{unknownPassRe, unknownLegacyPassRe} {
		if m := re.FindStringSubmatch(text); m != nil && slices.Contains(user, m[1]) {
			return m[1], true
		}
	}
	return "", false
}

// opt runs opt over the unit and replaces it with the result.
func (p *Pipeline) opt(ctx context.Context, item *WorkItem, args []string) error {
	return p.withScratch(item, "opt", func(in string) error {
		out := strings.TrimSuffix(in, ".ll") + ".out.ll"
		cmd := toolchain.NewCommand(p.TC.Tools.Opt, args...)
		cmd.Arg(item.Config.TM.targetArgs()...)
		cmd.Arg(processOptFlags()...)
		cmd.Arg("-S", in, "-o", out)
		if _, err := p.TC.Run(ctx, cmd); err != nil {
			return err
		}
		if !p.SaveTemps {
			defer os.Remove(out)
		}
		data, err := os.ReadFile(out)
		if err != nil {
			return err
		}
		return item.Unit.Replace(data)
	})
}

// inlineThreshold mirrors clang's numbers for -O2 and -O3.
func inlineThreshold(level session.OptLevel) int {
	switch level {
	case session.OptDefault:
		return 225
	case session.OptAggressive:
		return 275
	}
	return 0
}

// optArgs builds the opt flags for cfg. ok is false when there is nothing
// to run at all.
func optArgs(cfg *ModuleConfig, newPM bool, user []string) (args []string, ok bool) {
	level := cfg.OptLevel
	var passes, flags []string
	tiered := false

	if cfg.NoVerify {
		flags = append(flags, "-disable-verify")
	} else {
		passes = append(passes, "verify")
	}
	if !cfg.NoPrepopulatePasses {
		switch {
		case level == session.OptNo:
			passes = append(passes, "always-inline")
		case newPM:
			passes = append(passes, "default<"+level.String()+">")
		default:
			flags = append(flags, "-"+level.String())
			tiered = true
		}
		if t := inlineThreshold(level); t > 0 {
			flags = append(flags, "-inline-threshold="+strconv.Itoa(t))
		}
		if level >= session.OptDefault {
			passes = append(passes, "mergefunc")
		}
		if cfg.NoBuiltins {
			flags = append(flags, "-disable-simplify-libcalls")
		}
	}
	passes = append(passes, user...)

	if newPM {
		if len(passes) == 0 {
			return nil, false
		}
		return append([]string{"-passes=" + strings.Join(passes, ",")}, flags...), true
	}
	if len(passes) == 0 && !tiered {
		return nil, false
	}
	for _, pass := range passes {
		flags = append(flags, "-"+pass)
	}
	return flags, true
}

// withScratch writes the unit as textual IR next to its outputs for the
// duration of fn.
func (p *Pipeline) withScratch(item *WorkItem, tag string, fn func(path string) error) error {
	text, err := item.Unit.Text()
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(item.Output.Dir, item.Name()+"."+tag+".*.ll")
	if err != nil {
		return err
	}
	path := f.Name()
	if !p.SaveTemps {
		defer os.Remove(path)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fn(path)
}

func (p *Pipeline) timed(cfg *ModuleConfig, name string, fn func() error) error {
	if !cfg.TimePasses {
		return fn()
	}
	return p.Timer.Time(name, fn)
}

// fail reports err under code and returns it. Tool failures carry the
// command line and its output as notes. Errors that were already reported
// pass through unchanged.
func (p *Pipeline) fail(code diag.Code, subject string, err error) error {
	var done *reportedError
	if errors.As(err, &done) {
		return err
	}
	b := diag.ReportError(p.Reporter, code, err.Error()).WithSubject(subject)
	if te, ok := toolchain.AsError(err); ok {
		for _, n := range te.Notes() {
			b.WithNote(n)
		}
	}
	b.Emit()
	return &reportedError{err: err}
}

// reportedError marks an error whose diagnostic has been emitted.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }
