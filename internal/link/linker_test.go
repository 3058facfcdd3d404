package link

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"

	"kiln/internal/archive"
	"kiln/internal/codegen"
	"kiln/internal/diag"
	"kiln/internal/metadata"
	"kiln/internal/session"
	"kiln/internal/toolchain"
)

const linuxTriple = "x86_64-unknown-linux-gnu"

func TestFileName(t *testing.T) {
	linux, err := session.LookupTarget(linuxTriple)
	if err != nil {
		t.Fatal(err)
	}
	base := filepath.Join("out", "demo")
	tests := []struct {
		kind Kind
		want string
	}{
		{Rlib, filepath.Join("out", "libdemo.rlib")},
		{StaticLibrary, filepath.Join("out", "libdemo.a")},
		{DynamicLibrary, filepath.Join("out", "libdemo.so")},
		{Executable, base},
		{RestrictedAbiBinary, base},
	}
	for _, tt := range tests {
		if got := FileName(&linux, tt.kind, "demo", base); got != tt.want {
			t.Errorf("FileName(%s) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(session.CrateExecutable, true) != RestrictedAbiBinary {
		t.Fatal("PNaCl executables must be restricted-ABI binaries")
	}
	if KindOf(session.CrateExecutable, false) != Executable {
		t.Fatal("native executable expected")
	}
	if KindOf(session.CrateStaticlib, true) != StaticLibrary {
		t.Fatal("crate type must win over the target")
	}
}

func TestPlanFrozenAfterCommand(t *testing.T) {
	p := NewPlan("cc").Object("a.o").Lib("m").Output("a.out")
	cmd := p.Command()
	if want := []string{"a.o", "-lm", "-o", "a.out"}; !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("args = %v, want %v", cmd.Args, want)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("modifying a materialized plan must panic")
		}
	}()
	p.Flag("-v")
}

func TestLinkExecutable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	crate := &session.Crate{Name: "demo"}
	s := testSession(t, dir, linuxTriple, crate, nil)
	f := &fakeTools{}
	l, bag := newTestLinker(s, f)

	obj := writeFile(t, dir, "demo.o", fakeObject("demo"))
	produced, err := l.LinkBinary(ctx, &codegen.Outputs{Object: obj}, crate)
	if err != nil {
		t.Fatalf("LinkBinary: %v (diags %v)", err, codes(bag))
	}
	want := filepath.Join(dir, "demo")
	if !reflect.DeepEqual(produced, []string{want}) {
		t.Fatalf("produced = %v, want [%s]", produced, want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "demo") {
		t.Fatalf("executable does not contain the crate object: %q", data)
	}

	ccs := f.commands("cc")
	if len(ccs) != 1 {
		t.Fatalf("cc ran %d times, want 1", len(ccs))
	}
	args := ccs[0].Args
	if args[0] != "-m64" {
		t.Fatalf("pre-link args must come first, got %v", args)
	}
	if outputArg(args) != want {
		t.Fatalf("-o %s, want %s", outputArg(args), want)
	}
	for _, flag := range []string{"-nodefaultlibs", "-Wl,--gc-sections", "-Wl,--as-needed"} {
		if !slices.Contains(args, flag) {
			t.Errorf("missing %s in %v", flag, args)
		}
	}
	if slices.Contains(args, "-shared") {
		t.Errorf("executable linked with -shared: %v", args)
	}
	if _, err := os.Stat(obj); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("crate object should be removed after linking, stat err = %v", err)
	}
}

func TestLinkSeveralUnitObjects(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	crate := &session.Crate{Name: "demo"}
	s := testSession(t, dir, linuxTriple, crate, func(c *session.Config) {
		c.OptLevel = session.OptDefault
	})
	f := &fakeTools{}
	l, bag := newTestLinker(s, f)

	objs := []string{
		writeFile(t, dir, "demo.0.o", fakeObject("zero")),
		writeFile(t, dir, "demo.1.o", fakeObject("one")),
	}
	in := Inputs{Objects: objs}
	p, err := l.NativePlan(ctx, in, filepath.Join(dir, "demo"), crate, false, dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Of(ArgObject); !reflect.DeepEqual(got, objs) {
		t.Fatalf("objects = %v, want %v", got, objs)
	}
	if got := p.Of(ArgArchive); len(got) != 0 {
		t.Fatalf("archives = %v", got)
	}

	if _, err := l.LinkBinary(ctx, &codegen.Outputs{Objects: objs}, crate); err != nil {
		t.Fatalf("LinkBinary: %v (diags %v)", err, codes(bag))
	}
	data, err := os.ReadFile(filepath.Join(dir, "demo"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "zero") || !strings.Contains(string(data), "one") {
		t.Fatalf("executable lacks a unit object: %q", data)
	}
	for _, o := range objs {
		if _, err := os.Stat(o); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s should be removed after linking, stat err = %v", o, err)
		}
	}
}

func TestLinkKeepsRequestedObject(t *testing.T) {
	dir := t.TempDir()
	crate := &session.Crate{Name: "demo"}
	s := testSession(t, dir, linuxTriple, crate, func(c *session.Config) {
		c.OutputTypes = []session.OutputType{session.OutputObject, session.OutputExe}
	})
	l, _ := newTestLinker(s, &fakeTools{})
	obj := writeFile(t, dir, "demo.o", fakeObject("demo"))
	if _, err := l.LinkBinary(context.Background(), &codegen.Outputs{Object: obj}, crate); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(obj); err != nil {
		t.Fatalf("requested object was removed: %v", err)
	}
}

func TestNativePlanOrder(t *testing.T) {
	dir := t.TempDir()
	crate := &session.Crate{
		Name:       "demo",
		NativeLibs: []session.NativeLib{{Name: "z", Kind: session.NativeStatic}, {Name: "ssl"}},
		Deps: []session.Dependency{
			{Name: "c", Kind: session.LinkStatic, Rlib: "/deps/libc.rlib", NativeLibs: []session.NativeLib{{Name: "m"}}},
			{Name: "a", Kind: session.LinkStatic, Rlib: "/deps/liba.rlib", Depends: []string{"b"}},
			{Name: "b", Kind: session.LinkStatic, Rlib: "/deps/libb.rlib", Depends: []string{"c"},
				NativeLibs: []session.NativeLib{{Name: "dl"}, {Name: "bundled", Kind: session.NativeStatic}}},
		},
	}
	s := testSession(t, dir, linuxTriple, crate, func(c *session.Config) {
		c.LibSearchPaths = []string{"/native"}
		c.LinkArgs = []string{"-Wl,--user"}
	})
	l, _ := newTestLinker(s, &fakeTools{})

	p, err := l.NativePlan(context.Background(), Inputs{Object: "demo.o"}, filepath.Join(dir, "demo"), crate, false, dir)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.Of(ArgArchive), []string{"/deps/liba.rlib", "/deps/libb.rlib", "/deps/libc.rlib"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("archives = %v, want %v", got, want)
	}
	// own libraries before upstream ones; static upstream natives are bundled
	if got, want := p.Of(ArgLib), []string{"z", "ssl", "dl", "m"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("libs = %v, want %v", got, want)
	}

	argv := p.Argv()
	pos := func(s string) int {
		i := slices.Index(argv, s)
		if i < 0 {
			t.Fatalf("%s missing from %v", s, argv)
		}
		return i
	}
	order := []string{"demo.o", "/deps/liba.rlib", "-L/native", "-Wl,-Bstatic", "-lz", "-lssl", "-ldl", "-lm", "-Wl,--user"}
	for i := 1; i < len(order); i++ {
		if pos(order[i-1]) >= pos(order[i]) {
			t.Fatalf("%s must precede %s in %v", order[i-1], order[i], argv)
		}
	}
	if argv[len(argv)-1] != "-Wl,--user" {
		t.Fatalf("user link args must come last: %v", argv)
	}
}

func TestNativePlanDylib(t *testing.T) {
	dir := t.TempDir()
	libDir := filepath.Join(dir, "deps")
	crate := &session.Crate{
		Name: "demo",
		Deps: []session.Dependency{
			{Name: "foo", Kind: session.LinkDynamic, Dylib: filepath.Join(libDir, "libfoo.so")},
		},
	}
	out := filepath.Join(dir, "bin", "libdemo.so")

	tests := []struct {
		name    string
		noRpath bool
		rpaths  []string
	}{
		{"rpath", false, []string{"-Wl,-rpath,$ORIGIN/../deps", "-Wl,-rpath," + libDir}},
		{"no rpath", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSession(t, dir, linuxTriple, crate, func(c *session.Config) {
				c.NoRpath = tt.noRpath
			})
			l, _ := newTestLinker(s, &fakeTools{})
			p, err := l.NativePlan(context.Background(), Inputs{Object: "demo.o", MetadataObject: "demo.metadata.o"}, out, crate, true, dir)
			if err != nil {
				t.Fatal(err)
			}
			if got := p.Of(ArgObject); !reflect.DeepEqual(got, []string{"demo.o", "demo.metadata.o"}) {
				t.Fatalf("objects = %v", got)
			}
			if got := p.Of(ArgLib); !reflect.DeepEqual(got, []string{"foo"}) {
				t.Fatalf("libs = %v, want [foo]", got)
			}
			argv := p.Argv()
			for _, flag := range []string{"-shared", "-L" + libDir} {
				if !slices.Contains(argv, flag) {
					t.Fatalf("missing %s in %v", flag, argv)
				}
			}
			if slices.Contains(argv, "-Wl,--gc-sections") {
				t.Fatalf("dylibs must not be garbage collected: %v", argv)
			}
			var rpaths []string
			for _, a := range argv {
				if strings.HasPrefix(a, "-Wl,-rpath,") {
					rpaths = append(rpaths, a)
				}
			}
			if !reflect.DeepEqual(rpaths, tt.rpaths) {
				t.Fatalf("rpaths = %v, want %v", rpaths, tt.rpaths)
			}
		})
	}
}

func TestNativePlanRejectsDylibUnderLTO(t *testing.T) {
	dir := t.TempDir()
	crate := &session.Crate{
		Name: "demo",
		Deps: []session.Dependency{{Name: "foo", Kind: session.LinkDynamic, Dylib: "/deps/libfoo.so"}},
	}
	s := testSession(t, dir, linuxTriple, crate, func(c *session.Config) { c.LTO = true })
	l, _ := newTestLinker(s, &fakeTools{})
	_, err := l.NativePlan(context.Background(), Inputs{Object: "demo.o"}, filepath.Join(dir, "demo"), crate, false, dir)
	if !diag.IsInvariant(err) {
		t.Fatalf("err = %v, want an invariant error", err)
	}
}

// buildRlib writes an upstream rlib with the given members through the
// built-in archiver.
func buildRlib(t *testing.T, dir, name string, members map[string][]byte, order []string) string {
	t.Helper()
	ctx := context.Background()
	src := t.TempDir()
	dst := filepath.Join(dir, "lib"+name+".rlib")
	a, err := archive.Create(ctx, archive.Config{}, dst, writeFile(t, src, order[0], members[order[0]]))
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range order[1:] {
		if err := a.AddFile(ctx, writeFile(t, src, m, members[m]), false); err != nil {
			t.Fatal(err)
		}
	}
	return dst
}

func memberNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := archive.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	return r.Names()
}

func TestLTOStripsUpstreamCrateObjects(t *testing.T) {
	dir := t.TempDir()
	deps := t.TempDir()
	onlyCrate := buildRlib(t, deps, "foo", map[string][]byte{
		"foo.o":           fakeObject("foo"),
		metadata.FileName: []byte("meta"),
	}, []string{"foo.o", metadata.FileName})
	withNative := buildRlib(t, deps, "bar", map[string][]byte{
		"bar.o":      fakeObject("bar"),
		"r-z-zlib.o": fakeObject("zlib"),
	}, []string{"bar.o", "r-z-zlib.o"})

	crate := &session.Crate{
		Name: "demo",
		Deps: []session.Dependency{
			{Name: "foo", Kind: session.LinkStatic, Rlib: onlyCrate},
			{Name: "bar", Kind: session.LinkStatic, Rlib: withNative},
		},
	}
	s := testSession(t, dir, linuxTriple, crate, func(c *session.Config) { c.LTO = true })
	l, bag := newTestLinker(s, &fakeTools{})

	scratch := t.TempDir()
	p, err := l.NativePlan(context.Background(), Inputs{Object: "demo.o"}, filepath.Join(dir, "demo"), crate, false, scratch)
	if err != nil {
		t.Fatalf("NativePlan: %v (diags %v)", err, codes(bag))
	}
	archives := p.Of(ArgArchive)
	if want := []string{filepath.Join(scratch, "libbar.rlib")}; !reflect.DeepEqual(archives, want) {
		t.Fatalf("archives = %v, want %v", archives, want)
	}
	if got := memberNames(t, archives[0]); !reflect.DeepEqual(got, []string{"r-z-zlib.o"}) {
		t.Fatalf("stripped copy holds %v", got)
	}
	if got := memberNames(t, withNative); !reflect.DeepEqual(got, []string{"bar.o", "r-z-zlib.o"}) {
		t.Fatalf("upstream rlib was modified: %v", got)
	}
}

func TestLinkRlib(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	crate := &session.Crate{Name: "demo", Hash: "h1"}
	s := testSession(t, dir, linuxTriple, crate, func(c *session.Config) {
		c.CrateTypes = []session.CrateType{session.CrateRlib}
	})
	l, bag := newTestLinker(s, &fakeTools{})

	obj := writeFile(t, dir, "demo.o", fakeObject("demo"))
	bc := writeFile(t, dir, "demo.0.bc", append(slices.Clone(bcMagic), "code"...))
	produced, err := l.LinkBinary(ctx, &codegen.Outputs{Object: obj, Bitcode: []string{bc}}, crate)
	if err != nil {
		t.Fatalf("LinkBinary: %v (diags %v)", err, codes(bag))
	}
	out := filepath.Join(dir, "libdemo.rlib")
	if !reflect.DeepEqual(produced, []string{out}) {
		t.Fatalf("produced = %v", produced)
	}
	want := []string{"demo.o", metadata.FileName, metadata.BytecodeFileName("demo")}
	if got := memberNames(t, out); !reflect.DeepEqual(got, want) {
		t.Fatalf("members = %v, want %v", got, want)
	}
	if _, err := os.Stat(bc); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("embedded bitcode should be removed, stat err = %v", err)
	}
}

// nativeArchive writes lib{name}.a holding one object called member.
func nativeArchive(t *testing.T, dir, name, member string) string {
	t.Helper()
	dst := filepath.Join(dir, "lib"+name+".a")
	a, err := archive.Create(context.Background(), archive.Config{}, dst, writeFile(t, t.TempDir(), member, fakeObject(name)))
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := a.Files(context.Background()); !reflect.DeepEqual(got, []string{member}) {
		t.Fatalf("%s members = %v", dst, got)
	}
	return dst
}

func TestLinkStaticlibBundlesNativeLibrary(t *testing.T) {
	dir := t.TempDir()
	native := t.TempDir()
	nativeArchive(t, native, "foo", "x.o")

	crate := &session.Crate{
		Name:       "demo",
		NativeLibs: []session.NativeLib{{Name: "foo", Kind: session.NativeStatic}},
	}
	s := testSession(t, dir, linuxTriple, crate, func(c *session.Config) {
		c.CrateTypes = []session.CrateType{session.CrateStaticlib}
		c.LibSearchPaths = []string{native}
	})
	l, bag := newTestLinker(s, &fakeTools{})

	obj := writeFile(t, dir, "demo.o", fakeObject("demo"))
	bc := writeFile(t, dir, "demo.0.bc", append(slices.Clone(bcMagic), "code"...))
	produced, err := l.LinkBinary(context.Background(), &codegen.Outputs{Object: obj, Bitcode: []string{bc}}, crate)
	if err != nil {
		t.Fatalf("LinkBinary: %v (diags %v)", err, codes(bag))
	}
	out := filepath.Join(dir, "libdemo.a")
	if !reflect.DeepEqual(produced, []string{out}) {
		t.Fatalf("produced = %v", produced)
	}
	want := []string{"demo.o", "r-foo-x.o", metadata.FileName, metadata.BytecodeFileName("demo")}
	if got := memberNames(t, out); !reflect.DeepEqual(got, want) {
		t.Fatalf("members = %v, want %v", got, want)
	}
}

func TestLinkStaticlib(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	foo := buildRlib(t, t.TempDir(), "foo", map[string][]byte{
		"foo.o":                          fakeObject("foo"),
		metadata.FileName:                []byte("meta"),
		metadata.BytecodeFileName("foo"): []byte("bc"),
	}, []string{"foo.o", metadata.FileName, metadata.BytecodeFileName("foo")})

	crate := &session.Crate{
		Name: "demo",
		Deps: []session.Dependency{{
			Name: "foo", Kind: session.LinkStatic, Rlib: foo,
			NativeLibs: []session.NativeLib{{Name: "m"}, {Name: "Cocoa", Kind: session.NativeFramework}},
		}},
	}
	s := testSession(t, dir, linuxTriple, crate, nil)
	l, bag := newTestLinker(s, &fakeTools{})

	obj := writeFile(t, dir, "demo.o", fakeObject("demo"))
	out, err := l.Link(ctx, StaticLibrary, Inputs{Object: obj}, crate)
	if err != nil {
		t.Fatalf("Link: %v (diags %v)", err, codes(bag))
	}
	// upstream objects stay ahead of the crate's own metadata
	if want := []string{"demo.o", "r-foo-foo.o", metadata.FileName}; !reflect.DeepEqual(memberNames(t, out), want) {
		t.Fatalf("members = %v, want %v", memberNames(t, out), want)
	}

	d, ok := findDiag(bag, diag.LNKNativeArtifacts)
	if !ok {
		t.Fatalf("no native artifact warning in %v", codes(bag))
	}
	var notes []string
	for _, n := range d.Notes {
		notes = append(notes, n.Msg)
	}
	if len(notes) != 3 || notes[1] != "library: m" || notes[2] != "framework: Cocoa" {
		t.Fatalf("notes = %q", notes)
	}
}

func TestLinkStaticlibMissingUpstream(t *testing.T) {
	dir := t.TempDir()
	crate := &session.Crate{
		Name: "demo",
		Deps: []session.Dependency{{Name: "gone", Kind: session.LinkStatic}},
	}
	s := testSession(t, dir, linuxTriple, crate, nil)
	l, bag := newTestLinker(s, &fakeTools{})
	obj := writeFile(t, dir, "demo.o", fakeObject("demo"))
	if _, err := l.Link(context.Background(), StaticLibrary, Inputs{Object: obj}, crate); err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := findDiag(bag, diag.LNKMissingUpstream); !ok {
		t.Fatalf("diags = %v, want %s", codes(bag), diag.LNKMissingUpstream)
	}
}

func TestLinkRejectsReadOnlyOutput(t *testing.T) {
	dir := t.TempDir()
	crate := &session.Crate{Name: "demo"}
	s := testSession(t, dir, linuxTriple, crate, nil)
	f := &fakeTools{}
	l, bag := newTestLinker(s, f)

	out := writeFile(t, dir, "demo", []byte("old"))
	if err := os.Chmod(out, 0o444); err != nil {
		t.Fatal(err)
	}
	obj := writeFile(t, dir, "demo.o", fakeObject("demo"))
	_, err := l.Link(context.Background(), Executable, Inputs{Object: obj}, crate)
	if !errors.Is(err, ErrNotWritable) {
		t.Fatalf("err = %v, want ErrNotWritable", err)
	}
	if _, ok := findDiag(bag, diag.IONotWritable); !ok {
		t.Fatalf("diags = %v", codes(bag))
	}
	if n := len(f.commands("cc")); n != 0 {
		t.Fatalf("linker ran %d times for a read-only output", n)
	}
}

func TestLinkerFailureCarriesCommand(t *testing.T) {
	dir := t.TempDir()
	crate := &session.Crate{Name: "demo"}
	s := testSession(t, dir, linuxTriple, crate, nil)
	f := &fakeTools{hook: func(c toolchain.Command) (toolchain.Output, bool, error) {
		if c.Name == "cc" {
			return toolchain.Output{Stderr: []byte("undefined reference to `main'")}, true, errors.New("exit status 1")
		}
		return toolchain.Output{}, false, nil
	}}
	l, bag := newTestLinker(s, f)
	obj := writeFile(t, dir, "demo.o", fakeObject("demo"))

	if _, err := l.Link(context.Background(), Executable, Inputs{Object: obj}, crate); err == nil {
		t.Fatal("expected a link failure")
	}
	d, ok := findDiag(bag, diag.LNKLinkerFailed)
	if !ok {
		t.Fatalf("diags = %v", codes(bag))
	}
	var all strings.Builder
	for _, n := range d.Notes {
		all.WriteString(n.Msg + "\n")
	}
	if !strings.Contains(all.String(), obj) || !strings.Contains(all.String(), "undefined reference") {
		t.Fatalf("notes lack the command line or its output:\n%s", all.String())
	}
}

func TestPrintLinkArgs(t *testing.T) {
	dir := t.TempDir()
	crate := &session.Crate{Name: "demo"}
	s := testSession(t, dir, linuxTriple, crate, func(c *session.Config) { c.PrintLinkArgs = true })
	l, _ := newTestLinker(s, &fakeTools{})
	var buf strings.Builder
	l.Stdout = &buf
	obj := writeFile(t, dir, "demo.o", fakeObject("demo"))
	if _, err := l.Link(context.Background(), Executable, Inputs{Object: obj}, crate); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "cc ") || !strings.Contains(buf.String(), obj) {
		t.Fatalf("printed %q", buf.String())
	}
}

func TestScratchCleanupFailureIsWarning(t *testing.T) {
	s := testSession(t, t.TempDir(), linuxTriple, &session.Crate{Name: "demo"}, nil)
	l, bag := newTestLinker(s, &fakeTools{})
	l.removeAll(t.TempDir() + "/.")
	d, ok := findDiag(bag, diag.IORemoveFailed)
	if !ok || d.Severity != diag.SevWarning {
		t.Fatalf("diags = %v", bag.Items())
	}
	if bag.HasErrors() {
		t.Fatal("cleanup failure reported as an error")
	}
}
