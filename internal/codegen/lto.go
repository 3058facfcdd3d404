package codegen

import (
	"context"
	"fmt"

	"kiln/internal/archive"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/metadata"
	"kiln/internal/trace"
)

// Upstream is one statically linked crate whose bytecode joins the LTO
// unit.
type Upstream struct {
	Name string
	Rlib string
}

// LTOInput is what whole-program optimization merges into a unit.
type LTOInput struct {
	// Reachable symbols survive restriction; everything else is
	// internalized or dropped.
	Reachable []string
	Upstream  []Upstream
	// ScratchDir receives inflated bitcode while it is disassembled.
	ScratchDir string
}

// runLTO links every upstream crate's bytecode into the unit, restricts
// the result to the reachable set and runs the link-time pipeline.
func (p *Pipeline) runLTO(ctx context.Context, item *WorkItem) error {
	span := trace.Begin(trace.FromContext(ctx), trace.ScopeUnit, "lto "+item.Name(), trace.CurrentSpan(ctx).SpanID)
	span.WithExtra("upstream", fmt.Sprint(len(p.LTO.Upstream)))
	defer span.End("")

	for _, up := range p.LTO.Upstream {
		bc, err := upstreamBytecode(up)
		if err != nil {
			return p.fail(diag.CGNLTOFailed, up.Rlib, err)
		}
		dir := p.LTO.ScratchDir
		if dir == "" {
			dir = item.Output.Dir
		}
		uu, err := p.Codec.LoadBytes(ctx, up.Name, bc, dir)
		if err != nil {
			return p.fail(diag.CGNLTOFailed, up.Rlib, fmt.Errorf("failed to load bytecode of `%s`: %w", up.Name, err))
		}
		if err := ir.Link(item.Unit, uu); err != nil {
			return p.fail(diag.CGNLTOFailed, item.Name(), fmt.Errorf("failed to link `%s`: %w", up.Name, err))
		}
	}

	if err := item.Unit.Restrict(p.LTO.Reachable); err != nil {
		return p.fail(diag.CGNLTOFailed, item.Name(), err)
	}

	newPM, err := p.newPassManager(ctx)
	if err != nil {
		return p.fail(diag.TLCBadVersion, p.TC.Tools.Opt, err)
	}
	if err := p.opt(ctx, item, ltoArgs(item.Config, newPM)); err != nil {
		return p.fail(diag.CGNLTOFailed, item.Name(), err)
	}
	return nil
}

func ltoArgs(cfg *ModuleConfig, newPM bool) []string {
	if !newPM {
		args := []string{"-std-link-opts", "-" + cfg.OptLevel.String()}
		if cfg.NoVerify {
			return append(args, "-disable-verify")
		}
		return append(args, "-verify")
	}
	pipeline := "lto<" + cfg.OptLevel.String() + ">"
	if cfg.NoVerify {
		return []string{"-passes=" + pipeline, "-disable-verify"}
	}
	return []string{"-passes=verify," + pipeline}
}

// upstreamBytecode inflates the bytecode member of an rlib.
func upstreamBytecode(up Upstream) ([]byte, error) {
	r, err := archive.OpenReader(up.Rlib)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, ok := r.Read(metadata.BytecodeFileName(up.Name))
	if !ok {
		return nil, fmt.Errorf("missing compressed bytecode in %s (perhaps it was compiled with more than one codegen unit)", up.Rlib)
	}
	return metadata.DecodeBytecode(data)
}
