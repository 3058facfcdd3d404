package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/natefinch/atomic"

	"kiln/internal/toolchain"
)

// backend performs the primitive archive edits. toolBackend shells out to
// ar; nativeBackend edits GNU archives in-process.
type backend interface {
	create(ctx context.Context, dst string, files []string) error
	add(ctx context.Context, dst string, files []string, hasSymbols bool) error
	remove(ctx context.Context, dst, name string) error
	index(ctx context.Context, dst string) error
	list(ctx context.Context, dst string) ([]string, error)
	extract(ctx context.Context, src, dir string) error
}

type toolBackend struct {
	tc     *toolchain.Toolchain
	ar     string
	plugin string
}

func (b *toolBackend) run(ctx context.Context, op, dir string, paths ...string) (toolchain.Output, error) {
	cmd := toolchain.NewCommand(b.ar, op)
	if b.plugin != "" {
		cmd.Arg("--plugin=" + b.plugin)
	}
	cmd.Arg(paths...)
	cmd.Dir = dir
	return b.tc.Run(ctx, cmd)
}

func (b *toolBackend) create(ctx context.Context, dst string, files []string) error {
	_, err := b.run(ctx, "crus", "", append([]string{dst}, files...)...)
	return err
}

func (b *toolBackend) add(ctx context.Context, dst string, files []string, hasSymbols bool) error {
	op := "rS"
	if hasSymbols {
		op = "r"
	}
	_, err := b.run(ctx, op, "", append([]string{dst}, files...)...)
	return err
}

func (b *toolBackend) remove(ctx context.Context, dst, name string) error {
	_, err := b.run(ctx, "d", "", dst, name)
	return err
}

func (b *toolBackend) index(ctx context.Context, dst string) error {
	_, err := b.run(ctx, "s", "", dst)
	return err
}

func (b *toolBackend) list(ctx context.Context, dst string) ([]string, error) {
	out, err := b.run(ctx, "t", "", dst)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out.Stdout), "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (b *toolBackend) extract(ctx context.Context, src, dir string) error {
	abs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	_, err = b.run(ctx, "x", dir, abs)
	return err
}

// nativeBackend rewrites the whole archive on every edit. It only knows the
// GNU index format, so it serves ELF and COFF targets.
type nativeBackend struct{}

func load(path string) ([]entry, bool, error) {
	r, err := OpenReader(path)
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	out := make([]entry, 0, len(r.Members()))
	for _, m := range r.Members() {
		if isSymdef(m.Name) {
			continue
		}
		out = append(out, entry{Name: m.Name, Data: bytes.Clone(r.Bytes(m))})
	}
	return out, r.Indexed(), nil
}

func store(path string, entries []entry, withIndex bool) error {
	var buf bytes.Buffer
	if err := encodeArchive(&buf, entries, withIndex); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// upsert mirrors `ar r`: a member with the same name is replaced in place,
// new members are appended.
func upsert(entries []entry, files []string) ([]entry, error) {
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		e := entry{Name: filepath.Base(file), Data: data}
		i := slices.IndexFunc(entries, func(x entry) bool { return x.Name == e.Name })
		if i >= 0 {
			entries[i] = e
		} else {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (nativeBackend) create(_ context.Context, dst string, files []string) error {
	entries, err := upsert(nil, files)
	if err != nil {
		return err
	}
	return store(dst, entries, true)
}

func (nativeBackend) add(_ context.Context, dst string, files []string, hasSymbols bool) error {
	entries, _, err := load(dst)
	if err != nil {
		return err
	}
	if entries, err = upsert(entries, files); err != nil {
		return err
	}
	return store(dst, entries, hasSymbols)
}

func (nativeBackend) remove(_ context.Context, dst, name string) error {
	entries, indexed, err := load(dst)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(entries, func(x entry) bool { return x.Name == name })
	if i < 0 {
		return fmt.Errorf("%s: %s: %w", dst, name, ErrMemberNotFound)
	}
	entries = slices.Delete(entries, i, i+1)
	return store(dst, entries, indexed)
}

func (nativeBackend) index(_ context.Context, dst string) error {
	entries, _, err := load(dst)
	if err != nil {
		return err
	}
	return store(dst, entries, true)
}

func (nativeBackend) list(_ context.Context, dst string) ([]string, error) {
	r, err := OpenReader(dst)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Names(), nil
}

func (nativeBackend) extract(_ context.Context, src, dir string) error {
	r, err := OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, m := range r.Members() {
		name := filepath.Base(m.Name)
		if name == "." || name == ".." || name == string(filepath.Separator) {
			continue
		}
		// later members win, like `ar x`
		if err := os.WriteFile(filepath.Join(dir, name), r.Bytes(m), 0o644); err != nil {
			return err
		}
	}
	return nil
}
