package session

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadManifestFull(t *testing.T) {
	path := writeManifest(t, `
[crate]
name = "app"
types = ["bin", "staticlib"]
reachable = ["main"]

[[unit]]
path = "app.0.ll"

[[unit]]
name = "extra"
path = "/abs/extra.ll"

[[native]]
name = "foo"
kind = "static"

[[dependency]]
name = "b"
rlib = "deps/libb.rlib"
depends = ["c"]

[[dependency]]
name = "c"
kind = "dynamic"
dylib = "deps/libc-1.so"
native = [{ name = "m" }]

[codegen]
opt-level = 2
codegen-units = 4
emit = ["obj", "llvm-ir"]
llvm-args = "-debug-pass=Structure '-inline-threshold=100'"

[link]
args = "-Wl,-z,now '-L/opt/my libs'"
search-paths = ["native"]

[target]
triple = "x86_64-apple-darwin"
`)
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	root := filepath.Dir(path)
	if m.Crate.Name != "app" || len(m.Crate.Units) != 2 {
		t.Fatalf("unexpected crate: %+v", m.Crate)
	}
	if m.Crate.Units[0].Name != "app.0" || m.Crate.Units[0].Path != filepath.Join(root, "app.0.ll") {
		t.Errorf("unit 0 = %+v", m.Crate.Units[0])
	}
	if m.Crate.Units[1].Path != "/abs/extra.ll" {
		t.Errorf("absolute unit path rewritten: %s", m.Crate.Units[1].Path)
	}
	if m.Config.OptLevel != OptDefault || m.Config.CodegenUnits != 4 {
		t.Errorf("codegen section not applied: %+v", m.Config)
	}
	if !m.Config.HasOutput(OutputLLVMAssembly) || m.Config.HasOutput(OutputExe) {
		t.Errorf("emit = %v", m.Config.OutputTypes)
	}
	if !m.Config.HasCrateType(CrateStaticlib) {
		t.Errorf("crate types = %v", m.Config.CrateTypes)
	}
	if want := []string{"-Wl,-z,now", "-L/opt/my libs"}; !slices.Equal(m.Config.LinkArgs, want) {
		t.Errorf("link args = %q", m.Config.LinkArgs)
	}
	if want := []string{"-debug-pass=Structure", "-inline-threshold=100"}; !slices.Equal(m.Config.LLVMArgs, want) {
		t.Errorf("llvm args = %q", m.Config.LLVMArgs)
	}
	if m.Crate.Deps[1].Kind != LinkDynamic || m.Crate.Deps[1].Path() != filepath.Join(root, "deps/libc-1.so") {
		t.Errorf("dynamic dep = %+v", m.Crate.Deps[1])
	}
	if m.Crate.NativeLibs[0].Kind != NativeStatic {
		t.Errorf("native kind = %v", m.Crate.NativeLibs[0].Kind)
	}
	if m.Triple != "x86_64-apple-darwin" {
		t.Errorf("triple = %q", m.Triple)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	path := writeManifest(t, `
[crate]
name = "tiny"

[[unit]]
path = "tiny.ll"
`)
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.Config.OptLevel != OptNo || m.Config.CodegenUnits != 1 || m.Config.Linker != "cc" {
		t.Errorf("defaults not applied: %+v", m.Config)
	}
	if !m.Config.HasCrateType(CrateExecutable) {
		t.Errorf("default crate type missing")
	}
}

func TestLoadManifestErrors(t *testing.T) {
	cases := map[string]string{
		"missing crate":   "[[unit]]\npath = \"a.ll\"\n",
		"missing name":    "[crate]\n[[unit]]\npath = \"a.ll\"\n",
		"no units":        "[crate]\nname = \"x\"\n",
		"bad opt":         "[crate]\nname = \"x\"\n[[unit]]\npath = \"a.ll\"\n[codegen]\nopt-level = 7\n",
		"unknown key":     "[crate]\nname = \"x\"\nflavour = \"y\"\n[[unit]]\npath = \"a.ll\"\n",
		"unknown dep":     "[crate]\nname = \"x\"\n[[unit]]\npath = \"a.ll\"\n[[dependency]]\nname = \"a\"\nrlib = \"a.rlib\"\ndepends = [\"zz\"]\n",
		"zero cgu":        "[crate]\nname = \"x\"\n[[unit]]\npath = \"a.ll\"\n[codegen]\ncodegen-units = 0\n",
		"bad native kind": "[crate]\nname = \"x\"\n[[unit]]\npath = \"a.ll\"\n[[native]]\nname = \"z\"\nkind = \"weird\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadManifest(writeManifest(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestFindManifestWalksUp(t *testing.T) {
	path := writeManifest(t, "[crate]\nname = \"x\"\n")
	nested := filepath.Join(filepath.Dir(path), "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	found, ok, err := FindManifest(nested)
	if err != nil || !ok || found != path {
		t.Fatalf("FindManifest = %q %v %v", found, ok, err)
	}
}

func TestLookupTarget(t *testing.T) {
	tgt, err := LookupTarget("le32-unknown-nacl")
	if err != nil {
		t.Fatal(err)
	}
	if !tgt.PNaCl || tgt.ExeSuffix != ".pexe" || tgt.DynamicLink {
		t.Errorf("unexpected pnacl target: %+v", tgt)
	}
	x, err := LookupTarget("x86_64-unknown-nacl")
	if err != nil {
		t.Fatal(err)
	}
	if x.CPU != "core2" || x.ExeSuffix != ".nexe" || !strings.HasPrefix(x.DataLayout, "e-p:64:64:64") {
		t.Errorf("unexpected nacl target: %+v", x)
	}
	if _, err := LookupTarget("sparc-sun-solaris"); err == nil {
		t.Errorf("expected unknown target error")
	}
}

func TestSessionPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutDir = "/out"
	cfg.TargetCPU = "native"
	s, err := New(cfg, "", &Crate{Name: "demo"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Target.Triple != DefaultTriple || s.Target.CPU != "native" {
		t.Errorf("target = %+v", s.Target)
	}
	if got := s.TempPath(OutputObject); got != "/out/demo.o" {
		t.Errorf("TempPath = %s", got)
	}
	s.Config.PNaCl.CrossPath = "/sdk"
	if !strings.HasPrefix(s.HostTool("ar"), "/sdk/toolchain/") || !strings.Contains(s.HostTool("ar"), "le32-nacl-ar") {
		t.Errorf("HostTool = %s", s.HostTool("ar"))
	}
}
