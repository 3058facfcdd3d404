// Package archive builds static-library containers: rlibs, static libraries
// and the scratch copies the linker consumes.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"kiln/internal/diag"
	"kiln/internal/metadata"
	"kiln/internal/session"
	"kiln/internal/toolchain"
	"kiln/internal/trace"
)

type Config struct {
	// Ar is the archiver program. Empty selects the built-in archiver,
	// which writes GNU archives and cannot index bitcode.
	Ar string
	// Plugin is passed to ar as --plugin so it can index bitcode members.
	Plugin string
	TC     *toolchain.Toolchain
	Target *session.Target
	// LibSearchPaths are searched in order by AddNativeLibrary.
	LibSearchPaths []string
	SaveTemps      bool
	// Reporter receives cleanup warnings; nil drops them.
	Reporter diag.Reporter
}

// Builder edits one archive on disk. Member additions do not touch the
// symbol index; call UpdateSymbols once after a batch.
type Builder struct {
	cfg Config
	dst string
	be  backend
}

func newBackend(cfg Config) (backend, error) {
	if cfg.Ar == "" {
		if cfg.Plugin != "" {
			return nil, fmt.Errorf("the built-in archiver cannot use the linker plugin %s; configure an ar program", cfg.Plugin)
		}
		return nativeBackend{}, nil
	}
	tc := cfg.TC
	if tc == nil {
		tc = toolchain.New(toolchain.DefaultTools(), nil)
	}
	return &toolBackend{tc: tc, ar: cfg.Ar, plugin: cfg.Plugin}, nil
}

// Create starts a new archive at dst whose first member is seed. Any
// previous file at dst is replaced. A seed that is not an object file is an
// internal error: linkers infer the archive's architecture from its first
// member.
func Create(ctx context.Context, cfg Config, dst, seed string) (*Builder, error) {
	ok, err := isObjectFile(seed)
	if err != nil {
		return nil, fmt.Errorf("read archive seed: %w", err)
	}
	if !ok {
		return nil, diag.Invariantf(diag.ARCFirstNotObject, "first member of %s must be an object file, got %s", dst, seed)
	}
	be, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replace %s: %w", dst, err)
	}
	if err := be.create(ctx, dst, []string{seed}); err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, dst: dst, be: be}, nil
}

// Open edits an existing archive.
func Open(cfg Config, dst string) (*Builder, error) {
	if _, err := os.Stat(dst); err != nil {
		return nil, err
	}
	be, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, dst: dst, be: be}, nil
}

func (b *Builder) Path() string {
	return b.dst
}

// AddFile appends a file under its base name. Members without symbols
// (metadata, bytecode) are added without touching the index.
func (b *Builder) AddFile(ctx context.Context, path string, hasSymbols bool) error {
	return b.be.add(ctx, b.dst, []string{path}, hasSymbols)
}

// RemoveFile deletes a member. Removing the last member leaves an archive
// no linker accepts and is reported as an internal error.
func (b *Builder) RemoveFile(ctx context.Context, name string) error {
	if err := b.be.remove(ctx, b.dst, name); err != nil {
		return err
	}
	left, err := b.Files(ctx)
	if err != nil {
		return err
	}
	if len(left) == 0 {
		return diag.Invariantf(diag.ARCEmptyAfterStrip, "%s has no members left after removing %s", b.dst, name)
	}
	return nil
}

func (b *Builder) UpdateSymbols(ctx context.Context) error {
	return b.be.index(ctx, b.dst)
}

// Files lists member names in archive order.
func (b *Builder) Files(ctx context.Context) ([]string, error) {
	return b.be.list(ctx, b.dst)
}

// AddArchive copies the members of src into the archive, renamed with
// RenameMember so members of different libraries never collide. Members
// named in skip and BSD symbol tables are dropped.
func (b *Builder) AddArchive(ctx context.Context, src, name string, skip []string) error {
	span := trace.Begin(trace.FromContext(ctx), trace.ScopeUnit, "add-archive", trace.CurrentSpan(ctx).SpanID)
	span.WithExtra("src", src)
	defer span.End("")

	dir, err := os.MkdirTemp("", "kiln-ar-")
	if err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}
	if !b.cfg.SaveTemps {
		defer b.removeDir(dir)
	}

	if err := b.be.extract(ctx, src, dir); err != nil {
		return err
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var inputs []string
	for _, f := range files {
		orig := f.Name()
		if slices.Contains(skip, orig) || isSymdef(orig) {
			continue
		}
		renamed := filepath.Join(dir, RenameMember(name, orig))
		if err := os.Rename(filepath.Join(dir, orig), renamed); err != nil {
			return err
		}
		inputs = append(inputs, renamed)
	}
	if len(inputs) == 0 {
		return nil
	}
	return b.be.add(ctx, b.dst, inputs, true)
}

// removeDir deletes a scratch directory; failures are only warnings.
func (b *Builder) removeDir(dir string) {
	if err := os.RemoveAll(dir); err != nil && b.cfg.Reporter != nil {
		diag.ReportWarning(b.cfg.Reporter, diag.IORemoveFailed, fmt.Sprintf("failed to remove %s: %v", dir, err)).
			WithSubject(dir).
			Emit()
	}
}

// AddNativeLibrary adds every member of the static library lib{name}.a
// found on the search path.
func (b *Builder) AddNativeLibrary(ctx context.Context, name string) error {
	loc, err := FindLibrary(name, b.cfg.Target, b.cfg.LibSearchPaths)
	if err != nil {
		return err
	}
	return b.AddArchive(ctx, loc, name, nil)
}

// AddRlib adds the contents of an upstream rlib without its metadata and
// bytecode. Under LTO the crate object is left out too: its code already
// went through the bytecode.
func (b *Builder) AddRlib(ctx context.Context, rlib, name string, lto bool) error {
	skip := []string{metadata.BytecodeFileName(name), metadata.FileName}
	if lto {
		skip = append(skip, name+".o")
	}
	return b.AddArchive(ctx, rlib, name, skip)
}
