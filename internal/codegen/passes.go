package codegen

import (
	"context"
	"strings"

	"kiln/internal/diag"
	"kiln/internal/ir"
)

// Optimize runs the standard pipeline of cfg over u in place, without
// emitting anything. Scratch files go to dir. The link stage uses it on
// bitcode that never went through Schedule.
func (p *Pipeline) Optimize(ctx context.Context, u *ir.Unit, cfg *ModuleConfig, dir string) error {
	return p.optimize(ctx, scratchItem(u, cfg, dir))
}

// RunPasses runs an explicit pass list over u, spelled the way the
// installed opt expects. Standard pipelines are written in the new pass
// manager syntax (lto<O2>, default<O2>) and translated for older releases.
func (p *Pipeline) RunPasses(ctx context.Context, u *ir.Unit, cfg *ModuleConfig, dir string, passes []string) error {
	item := scratchItem(u, cfg, dir)
	newPM, err := p.newPassManager(ctx)
	if err != nil {
		return p.fail(diag.TLCBadVersion, p.TC.Tools.Opt, err)
	}
	var args []string
	if newPM {
		args = append(args, "-passes="+strings.Join(passes, ","))
	} else {
		for _, pass := range passes {
			args = append(args, legacyPass(pass)...)
		}
	}
	if cfg.NoVerify {
		args = append(args, "-disable-verify")
	}
	if err := p.opt(ctx, item, args); err != nil {
		return p.fail(diag.CGNOptimizeFailed, item.Name(), err)
	}
	return nil
}

// EmitObject runs llc over u and writes an object file to dst. extra goes
// to llc after the target flags.
func (p *Pipeline) EmitObject(ctx context.Context, u *ir.Unit, cfg *ModuleConfig, dir, dst string, extra ...string) error {
	item := scratchItem(u, cfg, dir)
	return p.withScratch(item, "llc", func(in string) error {
		if err := p.llc(ctx, cfg, in, "obj", dst, extra...); err != nil {
			return p.fail(diag.CGNEmitFailed, dst, err)
		}
		return nil
	})
}

func legacyPass(pass string) []string {
	if lvl, ok := strings.CutPrefix(pass, "lto<"); ok {
		return []string{"-std-link-opts", "-" + strings.TrimSuffix(lvl, ">")}
	}
	if lvl, ok := strings.CutPrefix(pass, "default<"); ok {
		return []string{"-" + strings.TrimSuffix(lvl, ">")}
	}
	return []string{"-" + pass}
}

func scratchItem(u *ir.Unit, cfg *ModuleConfig, dir string) *WorkItem {
	return &WorkItem{Unit: u, Config: cfg, Output: OutputTemplate{Dir: dir, Stem: scratchStem(u.Name)}}
}

// scratchStem keeps unit names usable in temp file patterns.
func scratchStem(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '*':
			return '_'
		}
		return r
	}, name)
}
