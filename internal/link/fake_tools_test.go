package link

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"kiln/internal/diag"
	"kiln/internal/session"
	"kiln/internal/toolchain"
)

var bcMagic = []byte("BC\xc0\xde")

// fakeTools records every command and imitates the tools the linker runs.
// Linkers concatenate their object inputs into the output.
type fakeTools struct {
	mu    sync.Mutex
	calls []toolchain.Command
	// hook runs first; handled replaces the default behavior.
	hook func(c toolchain.Command) (out toolchain.Output, handled bool, err error)
}

func (f *fakeTools) toolchain() *toolchain.Toolchain {
	return toolchain.New(toolchain.Tools{
		CC: "cc", Ar: "ar", Opt: "opt", LLC: "llc", LLVMAs: "llvm-as", LLVMDis: "llvm-dis",
		Gold: "ld.gold", Strip: "strip", Dsymutil: "dsymutil",
	}, toolchain.RunnerFunc(f.run))
}

// commands returns the recorded commands whose program base name ends in
// suffix.
func (f *fakeTools) commands(suffix string) []toolchain.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []toolchain.Command
	for _, c := range f.calls {
		if strings.HasSuffix(filepath.Base(c.Name), suffix) {
			out = append(out, c)
		}
	}
	return out
}

func outputArg(args []string) string {
	i := slices.Index(args, "-o")
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func (f *fakeTools) run(_ context.Context, c toolchain.Command) (toolchain.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if out, handled, err := hook(c); handled {
			return out, err
		}
	}

	name := filepath.Base(c.Name)
	switch {
	case name == "opt":
		if slices.Contains(c.Args, "--version") {
			return toolchain.Output{Stdout: []byte("LLVM version 17.0.6\n")}, nil
		}
		data, err := os.ReadFile(c.Args[slices.Index(c.Args, "-S")+1])
		if err != nil {
			return toolchain.Output{}, err
		}
		return toolchain.Output{}, os.WriteFile(outputArg(c.Args), data, 0o600)
	case name == "llc":
		return toolchain.Output{}, os.WriteFile(outputArg(c.Args), fakeObject("llc"), 0o600)
	case name == "llvm-as":
		data, err := os.ReadFile(c.Args[0])
		if err != nil {
			return toolchain.Output{}, err
		}
		return toolchain.Output{}, os.WriteFile(outputArg(c.Args), append(slices.Clone(bcMagic), data...), 0o600)
	case name == "llvm-dis":
		data, err := os.ReadFile(c.Args[0])
		if err != nil {
			return toolchain.Output{}, err
		}
		return toolchain.Output{Stdout: bytes.TrimPrefix(data, bcMagic)}, nil
	case name == "cc", strings.HasSuffix(name, "ld.gold"):
		var buf []byte
		out := outputArg(c.Args)
		for _, a := range c.Args {
			if a == out || !(strings.HasSuffix(a, ".o") || strings.HasSuffix(a, ".bc")) {
				continue
			}
			data, err := os.ReadFile(a)
			if err != nil {
				return toolchain.Output{}, err
			}
			buf = append(buf, data...)
		}
		return toolchain.Output{}, os.WriteFile(out, buf, 0o600)
	case name == "strip", name == "dsymutil":
		return toolchain.Output{}, nil
	}
	return toolchain.Output{}, errors.New("unexpected tool " + c.Name)
}

// fakeObject is enough of an ELF file for the archiver to accept it as an
// object. It defines no symbols.
func fakeObject(tag string) []byte {
	data := append([]byte("\x7fELF"), make([]byte, 28)...)
	return append(data, tag...)
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testSession(t *testing.T, dir, triple string, crate *session.Crate, mutate func(*session.Config)) *session.Session {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.OutDir = dir
	// built-in archiver
	cfg.Ar = ""
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := session.New(cfg, triple, crate)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s
}

func newTestLinker(s *session.Session, f *fakeTools) (*Linker, *diag.Bag) {
	bag := diag.NewBag(100)
	l := NewLinker(s, f.toolchain(), diag.BagReporter{Bag: bag})
	l.Stdout = &bytes.Buffer{}
	return l, bag
}

func codes(bag *diag.Bag) []diag.Code {
	var out []diag.Code
	for _, d := range bag.Items() {
		out = append(out, d.Code)
	}
	return out
}

func findDiag(bag *diag.Bag, code diag.Code) (diag.Diagnostic, bool) {
	for _, d := range bag.Items() {
		if d.Code == code {
			return d, true
		}
	}
	return diag.Diagnostic{}, false
}
