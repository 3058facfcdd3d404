package codegen

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"kiln/internal/ir"
	"kiln/internal/session"
	"kiln/internal/toolchain"
)

// fakeTools stands in for opt, llc, llvm-as and cc. Outputs are pure
// functions of the inputs so runs can be compared byte for byte.
type fakeTools struct {
	mu    sync.Mutex
	calls []toolchain.Command
	// hook runs before the default behavior; a non-nil error or output
	// replaces it.
	hook func(c toolchain.Command) (toolchain.Output, bool, error)
}

func (f *fakeTools) toolchain() *toolchain.Toolchain {
	return toolchain.New(toolchain.Tools{
		CC: "cc", Opt: "opt", LLC: "llc", LLVMAs: "llvm-as", LLVMDis: "llvm-dis",
	}, toolchain.RunnerFunc(f.run))
}

func (f *fakeTools) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Name
	}
	return out
}

func (f *fakeTools) commands(name string) []toolchain.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []toolchain.Command
	for _, c := range f.calls {
		if c.Name == name {
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

	switch c.Name {
	case "opt":
		if slices.Contains(c.Args, "--version") {
			return toolchain.Output{Stdout: []byte("LLVM (http://llvm.org/):\n  LLVM version 17.0.6\n")}, nil
		}
		i := slices.Index(c.Args, "-S")
		data, err := os.ReadFile(c.Args[i+1])
		if err != nil {
			return toolchain.Output{}, err
		}
		return toolchain.Output{}, os.WriteFile(outputArg(c.Args), data, 0o600)
	case "llc":
		out := outputArg(c.Args)
		data, err := os.ReadFile(c.Args[slices.Index(c.Args, "-o")-1])
		if err != nil {
			return toolchain.Output{}, err
		}
		kind := "obj"
		if slices.Contains(c.Args, "-filetype=asm") {
			kind = "asm"
		}
		sum := sha256.Sum256(data)
		return toolchain.Output{}, os.WriteFile(out, fmt.Appendf(nil, "%s %x\n", kind, sum), 0o600)
	case "llvm-as":
		data, err := os.ReadFile(c.Args[0])
		if err != nil {
			return toolchain.Output{}, err
		}
		return toolchain.Output{}, os.WriteFile(c.Args[2], append([]byte("BC\xc0\xde"), data...), 0o600)
	case "cc":
		var buf []byte
		for _, a := range c.Args {
			if strings.HasSuffix(a, ".o") && a != outputArg(c.Args) {
				data, err := os.ReadFile(a)
				if err != nil {
					return toolchain.Output{}, err
				}
				buf = append(buf, data...)
			}
		}
		return toolchain.Output{}, os.WriteFile(outputArg(c.Args), buf, 0o600)
	}
	return toolchain.Output{}, errors.New("unexpected tool " + c.Name)
}

// fataler is the part of testing.TB that rapid.T also provides.
type fataler interface {
	Helper()
	Fatal(args ...any)
	Fatalf(format string, args ...any)
}

func unitSrc(i int) string {
	return fmt.Sprintf("define i32 @f%d() {\nentry:\n  ret i32 %d\n}\n", i, i)
}

func mustUnits(t fataler, n int) []*ir.Unit {
	t.Helper()
	units := make([]*ir.Unit, n)
	for i := range units {
		u, err := ir.Parse(fmt.Sprintf("u%d", i), []byte(unitSrc(i)))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		units[i] = u
	}
	return units
}

func testSession(t fataler, dir string, mutate func(*session.Config)) *session.Session {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.OutDir = dir
	cfg.OutputTypes = []session.OutputType{session.OutputObject}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := session.New(cfg, "x86_64-unknown-linux-gnu", &session.Crate{Name: "demo"})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s
}

func objItems(t fataler, s *session.Session, units []*ir.Unit, dir string) []*WorkItem {
	t.Helper()
	tm, err := NewTargetMachine(s)
	if err != nil {
		t.Fatal(err)
	}
	cfg := NewModuleConfig(tm, nil)
	cfg.Optimize = true
	cfg.OptLevel = session.OptDefault
	cfg.EmitObj = true
	cfg.EmitBC = true
	items := make([]*WorkItem, len(units))
	for i, u := range units {
		items[i] = NewWorkItem(u, cfg, OutputTemplate{Dir: dir, Stem: "demo"}, fmt.Sprint(i))
	}
	return items
}
