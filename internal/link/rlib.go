package link

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"kiln/internal/archive"
	"kiln/internal/dag"
	"kiln/internal/diag"
	"kiln/internal/metadata"
	"kiln/internal/session"
)

func (l *Linker) archiveConfig() archive.Config {
	s := l.Session
	ar := s.Config.Ar
	if s.Target.Ar != "" && ar == "ar" {
		ar = s.Target.Ar
	}
	return archive.Config{
		Ar:             ar,
		TC:             l.TC,
		Target:         &s.Target,
		LibSearchPaths: s.Config.LibSearchPaths,
		SaveTemps:      s.Config.SaveTemps,
		Reporter:       l.Reporter,
	}
}

// linkRlib archives the crate object, the crate's own native static
// libraries, the metadata member and, for single-unit crates, the deflated
// bytecode.
func (l *Linker) linkRlib(ctx context.Context, in Inputs, out string, crate *session.Crate) error {
	a, err := l.crateArchive(ctx, in, out, crate)
	if err != nil {
		return err
	}
	return l.finishArchive(ctx, a, in, crate)
}

// crateArchive starts an archive with the crate object and bundles the
// crate's native static libraries.
func (l *Linker) crateArchive(ctx context.Context, in Inputs, out string, crate *session.Crate) (*archive.Builder, error) {
	if in.Object == "" {
		return nil, l.fail(diag.LNKLinkerFailed, out, fmt.Errorf("no crate object to archive into %s", out))
	}
	a, err := archive.Create(ctx, l.archiveConfig(), out, in.Object)
	if err != nil {
		return nil, l.fail(diag.ARCToolFailed, out, err)
	}
	for _, lib := range crate.NativeLibs {
		if lib.Kind != session.NativeStatic {
			continue
		}
		if err := a.AddNativeLibrary(ctx, lib.Name); err != nil {
			return nil, l.fail(diag.ARCLibraryNotFound, lib.Name, err)
		}
	}
	return a, nil
}

// finishArchive appends the metadata and bytecode members and rebuilds the
// symbol index.
//
// Member order matters: linkers infer the architecture of an archive from
// its first real member, and LTO later removes {crate}.o. The non-object
// members therefore go after every object.
func (l *Linker) finishArchive(ctx context.Context, a *archive.Builder, in Inputs, crate *session.Crate) error {
	// a private directory keeps concurrent builds in one out dir apart
	tmp, cleanup, err := l.scratchDir("kiln-rlib-")
	if err != nil {
		return err
	}
	defer cleanup()

	if err := l.addMetadata(ctx, a, tmp, crate); err != nil {
		return err
	}

	if bc, ok := crateBitcode(in); ok {
		deflated := filepath.Join(tmp, metadata.BytecodeFileName(crate.Name))
		data, err := os.ReadFile(bc)
		if err != nil {
			return l.fail(diag.IOReadFailed, bc, err)
		}
		if err := metadata.WriteBytecode(deflated, data); err != nil {
			return l.fail(diag.IOWriteFailed, deflated, fmt.Errorf("failed to write compressed bytecode: %w", err))
		}
		if err := a.AddFile(ctx, deflated, false); err != nil {
			return l.fail(diag.ARCToolFailed, a.Path(), err)
		}
	}

	// ld64 rejects the index ar writes here and does not need it
	if !l.Session.Target.IsLikeOSX {
		if err := a.UpdateSymbols(ctx); err != nil {
			return l.fail(diag.ARCToolFailed, a.Path(), err)
		}
	}
	return nil
}

func (l *Linker) addMetadata(ctx context.Context, a *archive.Builder, tmp string, crate *session.Crate) error {
	md := filepath.Join(tmp, metadata.FileName)
	if err := metadata.Write(md, metadata.ForCrate(crate, l.Session.Target.Triple)); err != nil {
		return l.fail(diag.IOWriteFailed, md, fmt.Errorf("failed to write %s: %w", md, err))
	}
	if err := a.AddFile(ctx, md, false); err != nil {
		return l.fail(diag.ARCToolFailed, a.Path(), err)
	}
	return nil
}

// crateBitcode picks the bitcode embedded for downstream LTO. Only crates
// built as a single unit have one; LTO in a downstream crate reports the
// missing member.
func crateBitcode(in Inputs) (string, bool) {
	if len(in.Bitcode) != 1 {
		return "", false
	}
	return in.Bitcode[0], true
}

// linkStaticlib is the crate's rlib plus every static upstream crate.
// Native libraries of those crates cannot be bundled; the user is told to
// link them.
func (l *Linker) linkStaticlib(ctx context.Context, in Inputs, out string, crate *session.Crate) error {
	s := l.Session
	a, err := l.crateArchive(ctx, in, out, crate)
	if err != nil {
		return err
	}

	deps, err := dag.LinkOrder(crate.Deps, l.Reporter)
	if err != nil {
		return err
	}
	var natives []session.NativeLib
	missing := false
	for i := range deps {
		d := &deps[i]
		if d.Kind == session.LinkDynamic {
			continue
		}
		if d.Rlib == "" {
			diag.ReportError(l.Reporter, diag.LNKMissingUpstream, fmt.Sprintf("could not find rlib for: `%s`", d.Name)).
				WithSubject(d.Name).
				Emit()
			missing = true
			continue
		}
		if err := a.AddRlib(ctx, d.Rlib, d.Name, s.LTO()); err != nil {
			return l.fail(diag.ARCToolFailed, d.Rlib, err)
		}
		// duplicates are kept: order can matter to the final link
		natives = append(natives, d.NativeLibs...)
	}
	if missing {
		return fmt.Errorf("missing upstream rlibs for %s", out)
	}

	if err := l.finishArchive(ctx, a, in, crate); err != nil {
		return err
	}

	if len(natives) > 0 {
		rb := diag.ReportWarning(l.Reporter, diag.LNKNativeArtifacts,
			"link against the following native artifacts when linking against this static library").
			WithSubject(out).
			WithNote("the order and any duplication can be significant on some platforms, and so may need to be preserved")
		for _, lib := range natives {
			rb.WithNote(nativeNote(lib))
		}
		rb.Emit()
	}
	return nil
}

func nativeNote(lib session.NativeLib) string {
	switch lib.Kind {
	case session.NativeStatic:
		return "static library: " + lib.Name
	case session.NativeFramework:
		return "framework: " + lib.Name
	}
	return "library: " + lib.Name
}
