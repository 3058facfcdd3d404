package link

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"kiln/internal/archive"
	"kiln/internal/codegen"
	"kiln/internal/dag"
	"kiln/internal/diag"
	"kiln/internal/session"
	"kiln/internal/toolchain"
)

// linkNatively builds a dynamic library or an executable with the system
// compiler driver.
func (l *Linker) linkNatively(ctx context.Context, in Inputs, out string, crate *session.Crate, dylib bool) error {
	s := l.Session
	cfg := &s.Config

	tmp, cleanup, err := l.scratchDir("kiln-link-")
	if err != nil {
		return err
	}
	defer cleanup()

	plan, err := l.NativePlan(ctx, in, out, crate, dylib, tmp)
	if err != nil {
		return err
	}
	cmd := plan.Command()
	if cfg.PrintLinkArgs {
		if _, err := fmt.Fprintln(l.Stdout, cmd.String()); err != nil {
			return fmt.Errorf("failed to print link args: %w", err)
		}
	}
	if _, err := l.run(ctx, "running linker", cmd); err != nil {
		return err
	}

	// debuggers on macOS read DWARF from the .dSYM bundle only
	if s.Target.IsLikeOSX && cfg.Debuginfo {
		if _, err := l.TC.Run(ctx, toolchain.NewCommand(l.TC.Tools.Dsymutil, out)); err != nil {
			return l.fail(diag.LNKDsymutilFailed, out, fmt.Errorf("failed to run dsymutil: %w", err))
		}
	}
	if cfg.Strip {
		strip := toolchain.NewCommand(l.TC.Tools.Strip)
		if dylib {
			// keep the exported symbols
			strip.Arg("-x")
		}
		strip.Arg(out)
		if _, err := l.TC.Run(ctx, strip); err != nil {
			return l.fail(diag.LNKStripFailed, out, fmt.Errorf("failed to strip %s: %w", out, err))
		}
	}
	return nil
}

func (l *Linker) linkerProgram() string {
	s := l.Session
	prog := s.Config.Linker
	if prog != "" && prog != "cc" {
		return prog
	}
	switch {
	case s.Target.Linker != "":
		return s.Target.Linker
	case s.Target.IsLikeWin:
		return "gcc"
	}
	return l.TC.Tools.CC
}

// NativePlan builds the linker command line for a dylib or executable.
// Linkers resolve left to right, so the order is:
//
//  1. the crate objects (and the metadata object for dylibs)
//  2. upstream crates, dependents first
//  3. the crate's own native libraries
//  4. native libraries of upstream crates
//
// Flags that change how libraries are treated come before them; output
// mode flags, rpaths and user arguments come last. Upstream rlibs are
// copied into scratch under LTO, so scratch must outlive the command.
func (l *Linker) NativePlan(ctx context.Context, in Inputs, out string, crate *session.Crate, dylib bool, scratch string) (*Plan, error) {
	s := l.Session
	cfg := &s.Config
	t := &s.Target

	deps, err := dag.LinkOrder(crate.Deps, l.Reporter)
	if err != nil {
		return nil, err
	}

	p := NewPlan(l.linkerProgram())
	p.Flag(t.PreLinkArgs...)
	p.Output(out)
	for _, o := range in.ownObjects() {
		p.Object(o)
	}
	if dylib && in.MetadataObject != "" {
		p.Object(in.MetadataObject)
	}

	// no system library sneaks in unless a crate names it
	if !t.IsLikeWin {
		p.Flag("-nodefaultlibs")
	}
	// dylibs keep everything: LLVM already dropped what it could and the
	// metadata section must survive
	if !dylib && !t.IsLikeOSX {
		p.Flag("-Wl,--gc-sections")
	}
	switch {
	case t.OS == "linux":
		p.Flag("-Wl,--as-needed")
		if cfg.OptLevel == session.OptDefault || cfg.OptLevel == session.OptAggressive {
			p.Flag("-Wl,-O1")
		}
	case t.IsLikeOSX:
		p.Flag("-Wl,-dead_strip")
	}
	if t.IsLikeWin {
		// cross-module unwinding needs the shared libgcc
		p.Flag("-shared-libgcc")
	}

	if err := l.addUpstreamCrates(ctx, p, deps, scratch); err != nil {
		return nil, err
	}
	addLocalNativeLibraries(p, t, cfg.LibSearchPaths, crate.NativeLibs)
	addUpstreamNativeLibraries(p, deps)

	if dylib {
		if t.IsLikeOSX {
			p.Flag("-dynamiclib", "-Wl,-dylib")
			if !cfg.NoRpath {
				p.Flag("-Wl,-install_name,@rpath/" + filepath.Base(out))
			}
		} else {
			p.Flag("-shared")
		}
	}
	if !cfg.NoRpath {
		p.Flag(rpathFlags(t, out, deps)...)
	}

	p.Flag(cfg.LinkArgs...)
	p.Flag(t.PostLinkArgs...)
	return p, nil
}

// addUpstreamCrates passes rlibs as archives and dylibs as -l. Under LTO
// the upstream code is already in the crate object: each rlib is copied,
// its crate object removed, and the copy linked only if objects remain
// (its bundled native code). Linking an archive without objects fails on
// some platforms.
func (l *Linker) addUpstreamCrates(ctx context.Context, p *Plan, deps []session.Dependency, scratch string) error {
	s := l.Session
	for i := range deps {
		d := &deps[i]
		if d.Kind == session.LinkDynamic {
			if s.LTO() {
				return diag.Invariantf(diag.LNKMissingUpstream, "LTO needs an rlib of `%s`, found only a dynamic library", d.Name)
			}
			if dir := filepath.Dir(d.Dylib); dir != "." && dir != "" {
				p.Flag("-L" + dir)
			}
			p.Lib(unlib(&s.Target, d.Dylib))
			continue
		}
		if d.Rlib == "" {
			return l.fail(diag.LNKMissingUpstream, d.Name, fmt.Errorf("could not find rlib for: `%s`", d.Name))
		}
		if !s.LTO() {
			p.Archive(d.Rlib)
			continue
		}
		var keep string
		err := l.timed("altering "+d.Name+".rlib", func() error {
			var err error
			keep, err = l.stripCrateObject(ctx, d, scratch)
			return err
		})
		if err != nil {
			return err
		}
		if keep != "" {
			p.Archive(keep)
		}
	}
	return nil
}

// stripCrateObject copies the rlib of d into scratch and removes the crate
// object from the copy. It returns the copy, or "" when no object is left.
func (l *Linker) stripCrateObject(ctx context.Context, d *session.Dependency, scratch string) (string, error) {
	dst := filepath.Join(scratch, filepath.Base(d.Rlib))
	if err := codegen.CopyFile(d.Rlib, dst); err != nil {
		return "", l.fail(diag.IOCopyFailed, d.Rlib, err)
	}
	a, err := archive.Open(l.archiveConfig(), dst)
	if err != nil {
		return "", l.fail(diag.ARCBadArchive, dst, err)
	}
	switch err := a.RemoveFile(ctx, d.Name+".o"); {
	case err == nil, errors.Is(err, archive.ErrMemberNotFound):
	case diag.IsInvariant(err):
		// nothing at all left
		return "", nil
	default:
		return "", l.fail(diag.ARCToolFailed, dst, err)
	}
	files, err := a.Files(ctx)
	if err != nil {
		return "", l.fail(diag.ARCToolFailed, dst, err)
	}
	for _, f := range files {
		if strings.HasSuffix(f, ".o") {
			return dst, nil
		}
	}
	return "", nil
}

// unlib turns a library path into the name -l expects.
func unlib(t *session.Target, path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if !t.IsLikeWin {
		stem = strings.TrimPrefix(stem, "lib")
	}
	return stem
}

// addLocalNativeLibraries adds the search path and the crate's own native
// libraries. Where the linker takes hints, static libraries are requested
// explicitly so libfoo.a wins over libfoo.so.
func addLocalNativeLibraries(p *Plan, t *session.Target, searchPaths []string, libs []session.NativeLib) {
	for _, dir := range searchPaths {
		p.Flag("-L" + dir)
	}
	hints := !t.IsLikeOSX
	for _, lib := range libs {
		if lib.Kind == session.NativeFramework {
			p.Flag("-framework", lib.Name)
			continue
		}
		if hints {
			if lib.Kind == session.NativeStatic {
				p.Flag("-Wl,-Bstatic")
			} else {
				p.Flag("-Wl,-Bdynamic")
			}
		}
		p.Lib(lib.Name)
	}
	if hints {
		p.Flag("-Wl,-Bdynamic")
	}
}

// addUpstreamNativeLibraries links what upstream crates link against, in
// crate order so libc-like libraries end up rightmost. Static native
// libraries are already bundled in the upstream rlib.
func addUpstreamNativeLibraries(p *Plan, deps []session.Dependency) {
	for i := range deps {
		for _, lib := range deps[i].NativeLibs {
			switch lib.Kind {
			case session.NativeUnknown:
				p.Lib(lib.Name)
			case session.NativeFramework:
				p.Flag("-framework", lib.Name)
			}
		}
	}
}

// rpathFlags lets the output find its dynamic dependencies: relative to
// the output first, then at their absolute build location.
func rpathFlags(t *session.Target, out string, deps []session.Dependency) []string {
	origin := "$ORIGIN"
	if t.IsLikeOSX {
		origin = "@loader_path"
	}
	outDir, err := filepath.Abs(filepath.Dir(out))
	if err != nil {
		outDir = filepath.Dir(out)
	}

	var rel, abs []string
	seen := mapset.NewThreadUnsafeSet[string]()
	for i := range deps {
		d := &deps[i]
		if d.Kind != session.LinkDynamic || d.Dylib == "" {
			continue
		}
		dir, err := filepath.Abs(filepath.Dir(d.Dylib))
		if err != nil || !seen.Add(dir) {
			continue
		}
		if r, err := filepath.Rel(outDir, dir); err == nil {
			rel = append(rel, origin+"/"+filepath.ToSlash(r))
		}
		abs = append(abs, dir)
	}

	flags := make([]string, 0, len(rel)+len(abs))
	for _, r := range append(rel, abs...) {
		flags = append(flags, "-Wl,-rpath,"+r)
	}
	return flags
}
