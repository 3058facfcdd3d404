package link

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"kiln/internal/archive"
	"kiln/internal/codegen"
	"kiln/internal/dag"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/session"
	"kiln/internal/toolchain"
)

// supportBitcode are linked into every portable executable, in this order.
var supportBitcode = []string{"crti.bc", "crtbegin.bc", "sjlj_eh_redirect.bc"}

// Symbols the translator provides; ld.gold must not reject them.
var (
	translatorSymbols = []string{
		"memcpy", "memset", "memmove", "setjmp", "longjmp",
		"__nacl_tp_tls_offset", "__nacl_tp_tdb_offset", "__nacl_get_arch",
	}
	ehTables = []string{"__pnacl_eh_type_table", "__pnacl_eh_action_table", "__pnacl_eh_filter_table"}
)

// abiPasses legalize a whole program for the restricted ABI. The module is
// optimized as a whole once TLS is expanded; the rest lower what the ABI
// does not allow.
func abiPasses(level session.OptLevel, verify bool) []string {
	passes := []string{
		"nacl-expand-tls",
		"nacl-global-cleanup",
		"lto<" + level.String() + ">",
		"resolve-aliases",
		"expand-constant-expr",
		"flatten-globals",
		"replace-ptrs-with-ints",
		"nacl-promote-ints",
		"nacl-promote-i1-ops",
		"expand-getelementptr",
		"canonicalize-mem-intrinsics",
		"nacl-strip-attributes",
		"strip-dead-prototypes",
		"strip-metadata",
	}
	if verify {
		passes = append(passes, "verify-pnaclabi-module", "verify-pnaclabi-functions")
	}
	return passes
}

// moduleConfig is the opt configuration for bitcode handled at link time.
func (l *Linker) moduleConfig(noVerify bool) (*codegen.ModuleConfig, error) {
	s := l.Session
	tm, err := codegen.NewTargetMachine(s)
	if err != nil {
		return nil, l.fail(diag.CfgBadOption, s.Target.Triple, err)
	}
	mc := codegen.NewModuleConfig(tm, nil)
	mc.SetFlags(s)
	mc.Optimize = true
	mc.OptLevel = s.Config.OptLevel
	if noVerify {
		mc.NoVerify = true
	}
	return mc, nil
}

// crateUnit merges the crate's unit bitcode into one unit named after the
// crate.
func (l *Linker) crateUnit(ctx context.Context, in Inputs, crate string) (*ir.Unit, error) {
	if len(in.Bitcode) == 0 {
		return nil, l.fail(diag.LNKLinkerFailed, crate, fmt.Errorf("no bitcode was kept for %s", crate))
	}
	units := make([]*ir.Unit, 0, len(in.Bitcode))
	for _, bc := range in.Bitcode {
		u, err := l.Codec.Load(ctx, crate, bc)
		if err != nil {
			for _, done := range units {
				done.Dispose()
			}
			return nil, l.fail(diag.IOReadFailed, bc, fmt.Errorf("error reading file `%s`: %w", bc, err))
		}
		units = append(units, u)
	}
	u, err := ir.LinkAll(units)
	if err != nil {
		return nil, l.fail(diag.ABIMergeFailed, crate, err)
	}
	return u, nil
}

// libPaths are searched for native libraries of PNaCl crates: user paths
// first, then the toolchain and SDK.
func (l *Linker) libPaths() []string {
	s := l.Session
	flavor := "Release"
	if s.Config.Debuginfo {
		flavor = "Debug"
	}
	dir := s.ToolchainDir()
	paths := append([]string(nil), s.Config.LibSearchPaths...)
	return append(paths,
		filepath.Join(dir, "lib"),
		filepath.Join(dir, "sdk", "lib"),
		filepath.Join(dir, "usr", "lib"),
		filepath.Join(s.Config.PNaCl.CrossPath, "lib", "pnacl", flavor),
	)
}

// saveTemp writes u next to the outputs as <crate>.<tag> when temps are
// kept.
func (l *Linker) saveTemp(ctx context.Context, u *ir.Unit, tag string) {
	s := l.Session
	if !s.Config.SaveTemps {
		return
	}
	path := s.OutputPath(tag)
	if err := l.Codec.WriteBitcode(ctx, u, path); err != nil {
		diag.ReportWarning(l.Reporter, diag.IOWriteFailed, fmt.Sprintf("failed to save %s: %v", path, err)).
			WithSubject(path).
			Emit()
	}
}

// pnaclRlib archives the crate as bitcode. Native static libraries are
// optimized and bundled here as bitcode members, since the final link only
// sees bitcode; a library already linked by an upstream crate is skipped.
func (l *Linker) pnaclRlib(ctx context.Context, in Inputs, out string, crate *session.Crate) error {
	s := l.Session
	tmp, cleanup, err := l.scratchDir("kiln-pnacl-rlib-")
	if err != nil {
		return err
	}
	defer cleanup()

	u, err := l.crateUnit(ctx, in, crate.Name)
	if err != nil {
		return err
	}
	defer u.Dispose()

	// ar keys the member by name; the bitcode stands in for {crate}.o
	obj := filepath.Join(tmp, crate.Name+".o")
	if err := l.Codec.WriteBitcode(ctx, u, obj); err != nil {
		return l.fail(diag.IOWriteFailed, obj, err)
	}

	cfg := l.archiveConfig()
	cfg.Ar = s.HostTool("ar")
	cfg.Plugin = s.GoldPluginPath()
	a, err := archive.Create(ctx, cfg, out, obj)
	if err != nil {
		return l.fail(diag.ARCToolFailed, out, err)
	}

	linked := mapset.NewThreadUnsafeSet[string]()
	for _, d := range crate.Deps {
		for _, lib := range d.NativeLibs {
			linked.Add(lib.Name)
		}
	}
	mc, err := l.moduleConfig(false)
	if err != nil {
		return err
	}
	paths := l.libPaths()
	for _, lib := range crate.NativeLibs {
		if lib.Kind == session.NativeFramework {
			return l.fail(diag.ABIFrameworkLinked, lib.Name,
				fmt.Errorf("can't link framework `%s` for PNaCl", lib.Name))
		}
		if !linked.Add(lib.Name) {
			continue
		}
		if err := l.bundleNative(ctx, a, lib.Name, paths, mc, tmp); err != nil {
			return err
		}
	}

	if err := l.addMetadata(ctx, a, tmp, crate); err != nil {
		return err
	}
	if err := a.UpdateSymbols(ctx); err != nil {
		return l.fail(diag.ARCToolFailed, out, err)
	}
	if s.Config.HasOutput(session.OutputBitcode) {
		bc := s.OutputPath("bc")
		if err := codegen.CopyFile(obj, bc); err != nil {
			return l.fail(diag.IOCopyFailed, bc, err)
		}
	}
	return nil
}

// bundleNative adds every object of lib{name}.a to a as optimized bitcode.
func (l *Linker) bundleNative(ctx context.Context, a *archive.Builder, name string, paths []string, mc *codegen.ModuleConfig, tmp string) error {
	path, err := archive.FindLibrary(name, &l.Session.Target, paths)
	if err != nil {
		diag.ReportError(l.Reporter, diag.ARCLibraryNotFound, fmt.Sprintf("couldn't find library `%s`", name)).
			WithSubject(name).
			WithNote("maybe missing `-L`?").
			Emit()
		return err
	}
	r, err := archive.OpenReader(path)
	if err != nil {
		return l.fail(diag.ARCBadArchive, path, err)
	}
	defer r.Close()

	for _, m := range r.Members() {
		if !strings.HasSuffix(m.Name, ".o") && !strings.HasSuffix(m.Name, ".obj") {
			continue
		}
		u, err := l.Codec.LoadBytes(ctx, name+"/"+m.Name, r.Bytes(m), tmp)
		if err != nil {
			return l.fail(diag.IOReadFailed, path, fmt.Errorf("error reading `%s` of `%s`: %w", m.Name, path, err))
		}
		dst := filepath.Join(tmp, archive.RenameMember(name, m.Name))
		err = l.optimizeMember(ctx, u, mc, tmp, dst)
		u.Dispose()
		if err != nil {
			return err
		}
		if err := a.AddFile(ctx, dst, true); err != nil {
			return l.fail(diag.ARCToolFailed, a.Path(), err)
		}
	}
	return nil
}

func (l *Linker) optimizeMember(ctx context.Context, u *ir.Unit, mc *codegen.ModuleConfig, tmp, dst string) error {
	if err := u.StripDebugInfo(); err != nil {
		return l.fail(diag.ABIMergeFailed, u.Name, err)
	}
	if err := l.Pipeline.Optimize(ctx, u, mc, tmp); err != nil {
		return err
	}
	if err := l.Codec.WriteBitcode(ctx, u, dst); err != nil {
		return l.fail(diag.IOWriteFailed, dst, err)
	}
	return nil
}

// supportUnit merges the toolchain support bitcode. Files that cannot be
// read or merged are skipped with a warning; nil means none was usable.
func (l *Linker) supportUnit(ctx context.Context) *ir.Unit {
	s := l.Session
	lib := filepath.Join(s.ToolchainDir(), "lib")
	paths := make([]string, 0, len(supportBitcode)+len(s.Config.PNaCl.ExtraBitcode))
	for _, name := range supportBitcode {
		paths = append(paths, filepath.Join(lib, name))
	}
	paths = append(paths, s.Config.PNaCl.ExtraBitcode...)

	var acc *ir.Unit
	for _, path := range paths {
		u, err := l.Codec.Load(ctx, filepath.Base(path), path)
		if err != nil {
			diag.ReportWarning(l.Reporter, diag.ABISupportMissing,
				fmt.Sprintf("error reading file `%s`: `%v`", path, err)).
				WithSubject(path).
				Emit()
			continue
		}
		if acc == nil {
			acc = u
			continue
		}
		if err := ir.Link(acc, u); err != nil {
			u.Dispose()
			diag.ReportWarning(l.Reporter, diag.ABIMergeFailed,
				fmt.Sprintf("failed to link in external bitcode `%s`", path)).
				WithSubject(path).
				WithNote(err.Error()).
				Emit()
		}
	}
	if acc == nil {
		return nil
	}

	// toolchain debug info would clash with the crate's
	l.saveTemp(ctx, acc, "tc-pre-debug-purge.bc")
	if err := acc.StripDebugInfo(); err != nil {
		diag.ReportWarning(l.Reporter, diag.ABIMergeFailed, fmt.Sprintf("failed to strip debug info of the support bitcode: %v", err)).Emit()
	}
	l.saveTemp(ctx, acc, "tc-post-debug-purge.bc")
	return acc
}

// linkRestricted produces a portable executable: the crate, the toolchain
// support code and every upstream rlib are linked as bitcode with ld.gold,
// cut down to what _start reaches and legalized for the restricted ABI.
func (l *Linker) linkRestricted(ctx context.Context, in Inputs, out string, crate *session.Crate) error {
	s := l.Session
	cfg := &s.Config

	tmp, cleanup, err := l.scratchDir("kiln-pexe-")
	if err != nil {
		return err
	}
	defer cleanup()

	deps, err := dag.LinkOrder(crate.Deps, l.Reporter)
	if err != nil {
		return err
	}
	var rlibs []string
	for i := range deps {
		d := &deps[i]
		if d.Kind == session.LinkDynamic {
			return l.fail(diag.LNKMissingUpstream, d.Name,
				fmt.Errorf("PNaCl can't link against the dynamic library of `%s`", d.Name))
		}
		if d.Rlib == "" {
			return l.fail(diag.LNKMissingUpstream, d.Name, fmt.Errorf("could not find rlib for: `%s`", d.Name))
		}
		rlibs = append(rlibs, d.Rlib)
	}

	u, err := l.crateUnit(ctx, in, crate.Name)
	if err != nil {
		return err
	}
	defer u.Dispose()

	if support := l.supportUnit(ctx); support != nil {
		if err := ir.Link(u, support); err != nil {
			return l.fail(diag.ABIMergeFailed, crate.Name,
				fmt.Errorf("failed to merge our translated mod with the toolchain mod: %w", err))
		}
	}
	mc, err := l.moduleConfig(true)
	if err != nil {
		return err
	}
	if err := l.Pipeline.Optimize(ctx, u, mc, tmp); err != nil {
		return err
	}
	l.saveTemp(ctx, u, "post-opt.bc")

	preLink := filepath.Join(tmp, "pre-link.bc")
	postLink := filepath.Join(tmp, "post-link.bc")
	if err := l.Codec.WriteBitcode(ctx, u, preLink); err != nil {
		return l.fail(diag.IOWriteFailed, preLink, err)
	}
	u.Dispose()

	cmd := l.goldPlan(preLink, postLink, rlibs).Command()
	if cfg.PrintLinkArgs {
		if _, err := fmt.Fprintln(l.Stdout, cmd.String()); err != nil {
			return fmt.Errorf("failed to print link args: %w", err)
		}
	}
	if _, err := l.run(ctx, "running ld.gold", cmd); err != nil {
		return err
	}
	if !cfg.SaveTemps {
		l.remove(preLink)
	}

	prog, err := l.Codec.Load(ctx, crate.Name, postLink)
	if err != nil {
		return l.fail(diag.IOReadFailed, postLink, fmt.Errorf("error reading file `%s`: %w", postLink, err))
	}
	defer prog.Dispose()
	if !cfg.SaveTemps {
		l.remove(postLink)
	}

	if err := prog.Restrict([]string{"_start"}); err != nil {
		return l.fail(diag.ABIRestrictionFailed, crate.Name, err)
	}
	if cfg.NoLandingPads {
		if err := prog.MarkAllNounwind(); err != nil {
			return l.fail(diag.ABIRestrictionFailed, crate.Name, err)
		}
	}
	l.saveTemp(ctx, prog, "pre-lto.bc")

	mc, err = l.moduleConfig(false)
	if err != nil {
		return err
	}
	if err := l.Pipeline.RunPasses(ctx, prog, mc, tmp, abiPasses(cfg.OptLevel, !cfg.NoVerify)); err != nil {
		return err
	}

	if cfg.HasOutput(session.OutputLLVMAssembly) {
		ll := s.OutputPath("ll")
		if err := prog.WriteText(ll); err != nil {
			return l.fail(diag.IOWriteFailed, ll, err)
		}
	}
	if !cfg.PNaCl.StablePexe {
		if err := l.Codec.WriteBitcode(ctx, prog, out); err != nil {
			return l.fail(diag.IOWriteFailed, out, err)
		}
		return nil
	}

	final := filepath.Join(tmp, "final.bc")
	if err := l.Codec.WriteBitcode(ctx, prog, final); err != nil {
		return l.fail(diag.IOWriteFailed, final, err)
	}
	l.saveTemp(ctx, prog, "final.bc")
	freeze := toolchain.NewCommand(filepath.Join(s.ToolchainDir(), "bin", "pnacl-freeze"), final, "-o", out)
	_, err = l.run(ctx, "freezing the pexe", freeze)
	return err
}

// goldPlan links pre-link bitcode with the upstream rlibs through the gold
// plugin, leaving bitcode in postLink.
func (l *Linker) goldPlan(preLink, postLink string, rlibs []string) *Plan {
	s := l.Session
	p := NewPlan(s.HostTool("ld.gold"))
	p.Flag(
		"--oformat=elf32-i386-nacl",
		"-plugin="+s.GoldPluginPath(),
		"-plugin-opt=emit-llvm",
		"-nostdlib",
		"--undef-sym-check",
		"-static",
	)
	for _, sym := range translatorSymbols {
		p.Flag("--allow-unresolved=" + sym)
	}
	p.Flag("--undefined=__pnacl_eh_stack", "--undefined=__pnacl_eh_resume")
	for _, sym := range ehTables {
		p.Flag("--allow-unresolved=" + sym)
	}
	p.Flag("--undefined=main", "--undefined=exit", "--undefined=_exit")
	p.Object(preLink)
	p.Output(postLink)
	for _, dir := range l.libPaths() {
		p.Flag("-L" + dir)
	}
	p.Flag(s.Config.LinkArgs...)
	p.Flag("--start-group")
	p.Archive(rlibs...)
	p.Flag("--end-group")
	return p
}
