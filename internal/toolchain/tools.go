package toolchain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"

	"github.com/hashicorp/go-version"
)

// Tools names the programs the backend invokes. Empty entries fall back to
// the program name and are resolved through PATH when run.
type Tools struct {
	CC       string
	Ar       string
	Opt      string
	LLC      string
	LLVMAs   string
	LLVMDis  string
	Gold     string
	Strip    string
	Dsymutil string
}

// DefaultTools returns the conventional program names.
func DefaultTools() Tools {
	return Tools{
		CC:       "cc",
		Ar:       "ar",
		Opt:      envOr("KILN_OPT", "opt"),
		LLC:      envOr("KILN_LLC", "llc"),
		LLVMAs:   envOr("KILN_LLVM_AS", "llvm-as"),
		LLVMDis:  envOr("KILN_LLVM_DIS", "llvm-dis"),
		Gold:     "ld.gold",
		Strip:    "strip",
		Dsymutil: "dsymutil",
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Toolchain bundles the tool names with the Runner that executes them.
type Toolchain struct {
	Tools  Tools
	Runner Runner

	versionOnce sync.Once
	llvm        *version.Version
	llvmErr     error
}

// New returns a Toolchain running tools through r.
func New(tools Tools, r Runner) *Toolchain {
	if r == nil {
		r = &ExecRunner{}
	}
	return &Toolchain{Tools: tools, Runner: r}
}

// Run executes c through the toolchain's runner.
func (tc *Toolchain) Run(ctx context.Context, c Command) (Output, error) {
	return Run(ctx, tc.Runner, c)
}

// Lookup checks that a program can be found, the way exec would find it.
func Lookup(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", name, err)
	}
	return path, nil
}

var llvmVersionRe = regexp.MustCompile(`LLVM version ([0-9]+(?:\.[0-9]+){0,2}(?:[-+][0-9A-Za-z.+-]+)?)`)

// ParseLLVMVersion extracts the version from `opt --version` output.
func ParseLLVMVersion(out string) (*version.Version, error) {
	m := llvmVersionRe.FindStringSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("no LLVM version in %q", out)
	}
	return version.NewVersion(m[1])
}

var newPassManagerSince = version.Must(version.NewVersion("13.0.0"))

// NewPassManager reports whether opt accepts the -passes= pipeline syntax
// for standard pipelines. Older releases only understand -O<n> and legacy
// pass flags.
func NewPassManager(v *version.Version) bool {
	if v == nil {
		return true
	}
	return v.Core().GreaterThanOrEqual(newPassManagerSince)
}

// LLVMVersion runs `opt --version` once per Toolchain.
func (tc *Toolchain) LLVMVersion(ctx context.Context) (*version.Version, error) {
	tc.versionOnce.Do(func() {
		out, err := tc.Run(ctx, NewCommand(tc.Tools.Opt, "--version"))
		if err != nil {
			tc.llvmErr = err
			return
		}
		tc.llvm, tc.llvmErr = ParseLLVMVersion(string(out.Stdout) + string(out.Stderr))
	})
	return tc.llvm, tc.llvmErr
}
