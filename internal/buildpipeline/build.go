// Package buildpipeline drives one crate from its units on disk to the
// linked artifacts.
package buildpipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"kiln/internal/codegen"
	"kiln/internal/dag"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/link"
	"kiln/internal/observ"
	"kiln/internal/session"
	"kiln/internal/toolchain"
	"kiln/internal/trace"
)

// BuildRequest configures one crate build.
type BuildRequest struct {
	Session   *session.Session
	Toolchain *toolchain.Toolchain
	Reporter  diag.Reporter
	Progress  ProgressSink
	// Timer receives pass and link timings when the session asks for them.
	Timer *observ.Timer
	// Stdout receives --print-link-args output; os.Stdout when nil.
	Stdout io.Writer
}

// Artifact is one file the build left behind.
type Artifact struct {
	Path string
	Size int64
}

// BuildResult captures build artefacts and timings.
type BuildResult struct {
	Outputs   *codegen.Outputs
	Artifacts []Artifact
	Timings   Timings
}

// ErrReported marks a failure that has already been reported as a
// diagnostic.
var ErrReported = errors.New("build failed")

// Build compiles the session's crate and links every requested crate type.
func Build(ctx context.Context, req *BuildRequest) (BuildResult, error) {
	var result BuildResult
	if req == nil || req.Session == nil || req.Toolchain == nil {
		return result, fmt.Errorf("missing build request")
	}
	s := req.Session
	r := req.Reporter
	if r == nil {
		r = diag.NopReporter{}
	}
	crate := s.Crate

	ctx, span := trace.Start(ctx, trace.ScopeDriver, "build")
	span.WithExtra("crate", s.CrateName())
	span.WithExtra("target", s.Target.Triple)
	defer span.End("")

	if crate == nil {
		return result, fmt.Errorf("session has no crate")
	}
	if err := crate.Validate(); err != nil {
		diag.ReportError(r, diag.CfgManifestInvalid, err.Error()).WithSubject(crate.Root).Emit()
		return result, fmt.Errorf("%w: %w", ErrReported, err)
	}

	for _, src := range crate.Units {
		emit(req.Progress, Event{Unit: src.Name, Stage: StageLoad, Status: StatusQueued})
	}

	// load
	start := time.Now()
	emit(req.Progress, Event{Stage: StageLoad, Status: StatusWorking})
	codec := ir.Codec{TC: req.Toolchain}
	units, err := codegen.LoadUnits(ctx, codec, crate.Units)
	if err != nil {
		diag.ReportError(r, diag.IOReadFailed, err.Error()).WithSubject(crate.Root).Emit()
		emit(req.Progress, Event{Stage: StageLoad, Status: StatusError, Err: err})
		return result, fmt.Errorf("%w: %w", ErrReported, err)
	}
	meta, err := codegen.MetadataUnit(crate, &s.Target)
	if err != nil {
		for _, u := range units {
			u.Dispose()
		}
		emit(req.Progress, Event{Stage: StageLoad, Status: StatusError, Err: err})
		return result, err
	}
	result.Timings.Set(StageLoad, time.Since(start))
	emit(req.Progress, Event{Stage: StageLoad, Status: StatusDone, Elapsed: time.Since(start)})

	lto, cleanup, err := ltoInput(s, r)
	if err != nil {
		for _, u := range units {
			u.Dispose()
		}
		meta.Dispose()
		return result, fmt.Errorf("%w: %w", ErrReported, err)
	}
	defer cleanup()

	// codegen
	start = time.Now()
	emit(req.Progress, Event{Stage: StageCodegen, Status: StatusWorking})
	c := codegen.NewCompiler(s, req.Toolchain, r)
	c.Pipeline.Timer = req.Timer
	c.Pipeline.Progress = func(ev codegen.UnitEvent) {
		emit(req.Progress, unitEvent(ev))
	}
	out, err := c.Compile(ctx, units, meta, lto)
	if err != nil {
		emit(req.Progress, Event{Stage: StageCodegen, Status: StatusError, Err: err})
		return result, err
	}
	result.Outputs = out
	result.Timings.Set(StageCodegen, time.Since(start))
	emit(req.Progress, Event{Stage: StageCodegen, Status: StatusDone, Elapsed: time.Since(start)})

	// link
	start = time.Now()
	emit(req.Progress, Event{Stage: StageLink, Status: StatusWorking})
	l := link.NewLinker(s, req.Toolchain, r)
	l.Timer = req.Timer
	l.Pipeline.Timer = req.Timer
	if req.Stdout != nil {
		l.Stdout = req.Stdout
	}
	produced, err := l.LinkBinary(ctx, out, crate)
	result.Artifacts = artifacts(produced)
	if err != nil {
		emit(req.Progress, Event{Stage: StageLink, Status: StatusError, Err: err})
		return result, err
	}
	result.Timings.Set(StageLink, time.Since(start))
	emit(req.Progress, Event{Stage: StageLink, Status: StatusDone, Elapsed: time.Since(start)})
	return result, nil
}

// ltoInput collects the statically linked upstream crates whose bytecode
// joins the LTO unit. The scratch directory is removed by cleanup.
func ltoInput(s *session.Session, r diag.Reporter) (*codegen.LTOInput, func(), error) {
	nop := func() {}
	if !s.LTO() {
		return nil, nop, nil
	}
	order, err := dag.LinkOrder(s.Crate.Deps, r)
	if err != nil {
		return nil, nop, err
	}
	tmp, err := os.MkdirTemp("", "kiln-lto-")
	if err != nil {
		diag.ReportError(r, diag.IOTempDirFailed, err.Error()).Emit()
		return nil, nop, err
	}
	in := &codegen.LTOInput{Reachable: s.Crate.Reachable, ScratchDir: tmp}
	for _, d := range order {
		if d.Kind == session.LinkDynamic {
			continue
		}
		in.Upstream = append(in.Upstream, codegen.Upstream{Name: d.Name, Rlib: d.Rlib})
	}
	return in, func() {
		if err := os.RemoveAll(tmp); err != nil {
			diag.ReportWarning(r, diag.IORemoveFailed, fmt.Sprintf("failed to remove %s: %v", tmp, err)).
				WithSubject(tmp).
				Emit()
		}
	}, nil
}

func unitEvent(ev codegen.UnitEvent) Event {
	out := Event{Unit: ev.Unit, Stage: StageCodegen, Status: StatusWorking}
	if !ev.Done {
		return out
	}
	out.Elapsed = ev.Elapsed
	out.Status = StatusDone
	if ev.Err != nil {
		out.Status = StatusError
		out.Err = ev.Err
	}
	return out
}

func artifacts(paths []string) []Artifact {
	out := make([]Artifact, 0, len(paths))
	for _, p := range paths {
		a := Artifact{Path: p}
		if fi, err := os.Stat(p); err == nil {
			a.Size = fi.Size()
		}
		out = append(out, a)
	}
	return out
}

func emit(sink ProgressSink, ev Event) {
	if sink == nil {
		return
	}
	sink.OnEvent(ev)
}
