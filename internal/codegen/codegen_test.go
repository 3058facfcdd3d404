package codegen

import (
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/session"
	"kiln/internal/toolchain"
)

func readTree(t fataler, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		out[e.Name()] = string(data)
	}
	return out
}

func runBatch(t fataler, n int, mode Mode) (map[string]string, []*ir.Unit) {
	t.Helper()
	dir, err := os.MkdirTemp("", "kiln-cg-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ft := &fakeTools{}
	s := testSession(t, dir, nil)
	units := mustUnits(t, n)
	p := NewPipeline(ft.toolchain(), diag.BagReporter{Bag: diag.NewBag(64)})
	if _, err := Schedule(context.Background(), p, objItems(t, s, units, dir), mode); err != nil {
		t.Fatalf("schedule %+v: %v", mode, err)
	}
	return readTree(t, dir), units
}

func TestScheduleOutputsIndependentOfWorkerCount(t *testing.T) {
	want, _ := runBatch(t, 5, Mode{Kind: WholeProgram, Workers: 1})
	if len(want) != 10 {
		t.Fatalf("expected .bc and .o for 5 units, got %v", slices.Sorted(maps.Keys(want)))
	}
	for k := 1; k <= 6; k++ {
		got, units := runBatch(t, 5, Mode{Kind: Parallel, Workers: k})
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("workers=%d: outputs differ from the sequential run", k)
		}
		for _, u := range units {
			if !u.Disposed() {
				t.Fatalf("workers=%d: unit %s not disposed", k, u.Name)
			}
		}
	}
}

func TestScheduleEquivalenceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "units")
		k := rapid.IntRange(1, 8).Draw(rt, "workers")
		want, _ := runBatch(rt, n, Mode{Kind: WholeProgram, Workers: 1})
		got, _ := runBatch(rt, n, Mode{Kind: Parallel, Workers: k})
		if !reflect.DeepEqual(got, want) {
			rt.Fatalf("units=%d workers=%d: outputs differ", n, k)
		}
	})
}

func TestScheduleRejectsLTOWithSeveralWorkers(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	s := testSession(t, dir, nil)
	units := mustUnits(t, 2)
	items := objItems(t, s, units, dir)
	for _, it := range items {
		it.Config.LTO = true
	}
	p := NewPipeline(ft.toolchain(), nil)

	_, err := Schedule(context.Background(), p, items, Mode{Kind: Parallel, Workers: 2})
	var ie *InvariantError
	if !errors.As(err, &ie) || ie.Code != diag.CGNWholeProgramWorkers {
		t.Fatalf("err = %v, want whole-program invariant", err)
	}
	if calls := ft.names(); len(calls) != 0 {
		t.Fatalf("tools ran before rejection: %v", calls)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("files written before rejection: %v", entries)
	}
	for _, u := range units {
		if !u.Disposed() {
			t.Fatalf("rejected unit %s not released", u.Name)
		}
	}
}

func TestScheduleRejectsWholeProgramWithSeveralWorkers(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	s := testSession(t, dir, nil)
	units := mustUnits(t, 3)
	p := NewPipeline(ft.toolchain(), nil)

	_, err := Schedule(context.Background(), p, objItems(t, s, units, dir), Mode{Kind: WholeProgram, Workers: 4})
	var ie *InvariantError
	if !errors.As(err, &ie) || ie.Code != diag.CGNWholeProgramWorkers {
		t.Fatalf("err = %v, want whole-program invariant", err)
	}
	if calls := ft.names(); len(calls) != 0 {
		t.Fatalf("tools ran before rejection: %v", calls)
	}
	for _, u := range units {
		if !u.Disposed() {
			t.Fatalf("rejected unit %s not released", u.Name)
		}
	}
}

func TestCompileRejectsLTOWithSeveralUnits(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	s := testSession(t, dir, func(c *session.Config) {
		c.LTO = true
		c.CodegenUnits = 2
		c.OutputTypes = []session.OutputType{session.OutputExe}
	})
	units := mustUnits(t, 2)
	c := NewCompiler(s, ft.toolchain(), nil)

	_, err := c.Compile(context.Background(), units, nil, nil)
	var ie *InvariantError
	if !errors.As(err, &ie) || ie.Code != diag.CGNWholeProgramWorkers {
		t.Fatalf("err = %v, want whole-program invariant", err)
	}
	if calls := ft.names(); len(calls) != 0 {
		t.Fatalf("tools ran before rejection: %v", calls)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("files written before rejection: %v", entries)
	}
	for _, u := range units {
		if !u.Disposed() {
			t.Fatalf("rejected unit %s not released", u.Name)
		}
	}
}

func TestScheduleAllowsLTOWithWorkersForPNaCl(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	s := testSession(t, dir, nil)
	items := objItems(t, s, mustUnits(t, 2), dir)
	for _, it := range items {
		it.Config.LTO = true
	}
	p := NewPipeline(ft.toolchain(), nil)
	if _, err := Schedule(context.Background(), p, items, Mode{Kind: Parallel, Workers: 2, PNaCl: true}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
}

func TestUnknownPassIsDroppedWithWarning(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	ft.hook = func(c toolchain.Command) (toolchain.Output, bool, error) {
		if c.Name == "opt" && len(c.Args) > 0 && strings.Contains(c.Args[0], "bogus") {
			return toolchain.Output{Stderr: []byte("opt: unknown pass name 'bogus'\n")}, true, errors.New("exit status 1")
		}
		return toolchain.Output{}, false, nil
	}
	s := testSession(t, dir, nil)
	tm, _ := NewTargetMachine(s)
	cfg := NewModuleConfig(tm, []string{"bogus", "instcombine"})
	cfg.Optimize = true
	cfg.OptLevel = session.OptDefault
	bag := diag.NewBag(16)
	p := NewPipeline(ft.toolchain(), diag.BagReporter{Bag: bag})

	item := NewWorkItem(mustUnits(t, 1)[0], cfg, OutputTemplate{Dir: dir, Stem: "demo"}, "0")
	if _, err := p.Run(context.Background(), item); err != nil {
		t.Fatalf("run: %v", err)
	}
	if bag.Len() != 1 || bag.Items()[0].Message != "unknown pass bogus, ignoring" || bag.Items()[0].Severity != diag.SevWarning {
		t.Fatalf("diagnostics = %+v", bag.Items())
	}
	opts := ft.commands("opt")
	last := opts[len(opts)-1]
	if want := "-passes=verify,default<O2>,mergefunc,instcombine"; last.Args[0] != want {
		t.Fatalf("retried with %q, want %q", last.Args[0], want)
	}
}

func TestWorkerPanicIsAggregated(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	ft.hook = func(c toolchain.Command) (toolchain.Output, bool, error) {
		if c.Name == "llc" && strings.Contains(outputArg(c.Args), "demo.2.o") {
			panic("backend crashed")
		}
		return toolchain.Output{}, false, nil
	}
	s := testSession(t, dir, nil)
	units := mustUnits(t, 4)
	bag := diag.NewBag(16)
	p := NewPipeline(ft.toolchain(), diag.BagReporter{Bag: bag})

	_, err := Schedule(context.Background(), p, objItems(t, s, units, dir), Mode{Kind: Parallel, Workers: 2})
	if err == nil || !strings.HasPrefix(err.Error(), "aborting due to worker thread panic") {
		t.Fatalf("err = %v", err)
	}
	found := false
	for _, d := range bag.Items() {
		if d.Code == diag.CGNWorkerPanic {
			found = true
			if d.Subject != "demo.2" {
				t.Fatalf("panic attributed to %q", d.Subject)
			}
		}
	}
	if !found {
		t.Fatalf("panic diagnostic not drained: %+v", bag.Items())
	}
	for _, u := range units {
		if !u.Disposed() {
			t.Fatalf("unit %s leaked after panic", u.Name)
		}
	}
}

func TestWorkerFailureWithoutPanic(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	ft.hook = func(c toolchain.Command) (toolchain.Output, bool, error) {
		if c.Name == "llc" && strings.Contains(outputArg(c.Args), "demo.1.o") {
			return toolchain.Output{Stderr: []byte("llc: out of registers\n")}, true, errors.New("exit status 1")
		}
		return toolchain.Output{}, false, nil
	}
	s := testSession(t, dir, nil)
	p := NewPipeline(ft.toolchain(), diag.BagReporter{Bag: diag.NewBag(16)})

	_, err := Schedule(context.Background(), p, objItems(t, s, mustUnits(t, 3), dir), Mode{Kind: Parallel, Workers: 2})
	if err == nil {
		t.Fatal("expected an error")
	}
	if strings.Contains(err.Error(), "panic") {
		t.Fatalf("tool failure described as a panic: %v", err)
	}
	if !strings.Contains(err.Error(), "demo.1") {
		t.Fatalf("err = %v", err)
	}
}

func TestOptArgs(t *testing.T) {
	tests := []struct {
		name  string
		cfg   ModuleConfig
		newPM bool
		user  []string
		want  []string
		ok    bool
	}{
		{"o0", ModuleConfig{OptLevel: session.OptNo}, true, nil,
			[]string{"-passes=verify,always-inline"}, true},
		{"o2", ModuleConfig{OptLevel: session.OptDefault}, true, nil,
			[]string{"-passes=verify,default<O2>,mergefunc", "-inline-threshold=225"}, true},
		{"o3 no-builtins", ModuleConfig{OptLevel: session.OptAggressive, NoBuiltins: true}, true, []string{"licm"},
			[]string{"-passes=verify,default<O3>,mergefunc,licm", "-inline-threshold=275", "-disable-simplify-libcalls"}, true},
		{"no prepopulate", ModuleConfig{OptLevel: session.OptAggressive, NoPrepopulatePasses: true}, true, nil,
			[]string{"-passes=verify"}, true},
		{"nothing to run", ModuleConfig{NoPrepopulatePasses: true, NoVerify: true}, true, nil, nil, false},
		{"legacy o2", ModuleConfig{OptLevel: session.OptDefault}, false, []string{"licm"},
			[]string{"-O2", "-inline-threshold=225", "-verify", "-mergefunc", "-licm"}, true},
		{"legacy no verify", ModuleConfig{OptLevel: session.OptLess, NoVerify: true}, false, nil,
			[]string{"-disable-verify", "-O1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := optArgs(&tt.cfg, tt.newPM, tt.user)
			if ok != tt.ok || !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("optArgs = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCompileSingleUnitExecutable(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	s := testSession(t, dir, func(c *session.Config) {
		c.OutputTypes = []session.OutputType{session.OutputExe}
	})
	meta, err := MetadataUnit(&session.Crate{Name: "demo"}, &s.Target)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCompiler(s, ft.toolchain(), diag.BagReporter{Bag: diag.NewBag(16)})
	out, err := c.Compile(context.Background(), mustUnits(t, 1), meta, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if out.Object != filepath.Join(dir, "demo.o") || out.MetadataObject != filepath.Join(dir, "demo.metadata.o") {
		t.Fatalf("outputs = %+v", out)
	}
	got := slices.Sorted(maps.Keys(readTree(t, dir)))
	if want := []string{"demo.metadata.o", "demo.o"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("files left = %v, want %v", got, want)
	}
	if cc := ft.commands("cc"); len(cc) != 0 {
		t.Fatalf("single unit must be copied, not relinked: %v", cc)
	}
}

func TestCompileObjectOutputRelinksUnits(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	s := testSession(t, dir, func(c *session.Config) {
		c.CodegenUnits = 2
	})
	c := NewCompiler(s, ft.toolchain(), diag.BagReporter{Bag: diag.NewBag(16)})
	if _, err := c.Compile(context.Background(), mustUnits(t, 3), nil, nil); err != nil {
		t.Fatalf("compile: %v", err)
	}
	cc := ft.commands("cc")
	if len(cc) != 1 {
		t.Fatalf("cc runs = %d", len(cc))
	}
	want := []string{"-m64", "-nostdlib",
		filepath.Join(dir, "demo.0.o"), filepath.Join(dir, "demo.1.o"), filepath.Join(dir, "demo.2.o"),
		"-r", "-o", filepath.Join(dir, "demo.o")}
	if !reflect.DeepEqual(cc[0].Args, want) {
		t.Fatalf("cc args = %q\nwant %q", cc[0].Args, want)
	}
	if got := slices.Sorted(maps.Keys(readTree(t, dir))); !reflect.DeepEqual(got, []string{"demo.o"}) {
		t.Fatalf("files left = %v", got)
	}
}

func TestCompileSeveralUnitsKeepsObjectsForLinker(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	s := testSession(t, dir, func(c *session.Config) {
		c.CodegenUnits = 2
		c.OptLevel = session.OptDefault
		c.OutputTypes = []session.OutputType{session.OutputExe}
	})
	c := NewCompiler(s, ft.toolchain(), diag.BagReporter{Bag: diag.NewBag(16)})
	out, err := c.Compile(context.Background(), mustUnits(t, 2), nil, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if cc := ft.commands("cc"); len(cc) != 0 {
		t.Fatalf("objects relinked: %v", cc)
	}
	want := []string{filepath.Join(dir, "demo.0.o"), filepath.Join(dir, "demo.1.o")}
	if !reflect.DeepEqual(out.Objects, want) || out.Object != "" {
		t.Fatalf("objects = %v, object = %q", out.Objects, out.Object)
	}
	for _, o := range want {
		if _, err := os.Stat(o); err != nil {
			t.Fatalf("unit object removed before linking: %v", err)
		}
	}
}

func TestCompileSeveralUnitsRelinksForRlib(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	s := testSession(t, dir, func(c *session.Config) {
		c.CodegenUnits = 2
		c.OutputTypes = []session.OutputType{session.OutputExe}
		c.CrateTypes = []session.CrateType{session.CrateRlib, session.CrateExecutable}
	})
	c := NewCompiler(s, ft.toolchain(), nil)
	out, err := c.Compile(context.Background(), mustUnits(t, 2), nil, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if out.Object != filepath.Join(dir, "demo.o") || len(out.Objects) != 2 {
		t.Fatalf("object = %q, objects = %v", out.Object, out.Objects)
	}
	if cc := ft.commands("cc"); len(cc) != 1 || !slices.Contains(cc[0].Args, "-r") {
		t.Fatalf("cc runs = %v", cc)
	}
}

func TestCompileKeepsBitcodeForRlib(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	s := testSession(t, dir, func(c *session.Config) {
		c.OutputTypes = []session.OutputType{session.OutputExe}
		c.CrateTypes = []session.CrateType{session.CrateRlib}
	})
	c := NewCompiler(s, ft.toolchain(), nil)
	out, err := c.Compile(context.Background(), mustUnits(t, 1), nil, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if want := []string{filepath.Join(dir, "demo.0.bc")}; !reflect.DeepEqual(out.Bitcode, want) {
		t.Fatalf("bitcode = %v", out.Bitcode)
	}
	if _, err := os.Stat(out.Bitcode[0]); err != nil {
		t.Fatalf("numbered bitcode removed: %v", err)
	}
}

func TestMetadataUnitSection(t *testing.T) {
	target, _ := session.LookupTarget("x86_64-unknown-linux-gnu")
	u, err := MetadataUnit(&session.Crate{Name: "my-crate", Hash: "abc"}, &target)
	if err != nil {
		t.Fatal(err)
	}
	text, _ := u.Text()
	if !strings.Contains(text, "@kiln_metadata_my_crate") || !strings.Contains(text, `section ".note.kiln"`) {
		t.Fatalf("metadata unit:\n%s", text)
	}
}

func TestTargetMachineForPNaCl(t *testing.T) {
	s, err := session.New(session.DefaultConfig(), "le32-unknown-nacl", &session.Crate{Name: "p"})
	if err != nil {
		t.Fatal(err)
	}
	tm, err := NewTargetMachine(s)
	if err != nil {
		t.Fatal(err)
	}
	if tm.Triple != "armv7a-none-nacl-gnueabi" {
		t.Fatalf("triple = %q", tm.Triple)
	}
	c := tm.Clone()
	tm.Close()
	if c.Closed() || !tm.Closed() {
		t.Fatalf("clone shares close state")
	}
}

func TestPipelineReportsProgress(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTools{}
	s := testSession(t, dir, func(c *session.Config) { c.CodegenUnits = 2 })
	c := NewCompiler(s, ft.toolchain(), nil)

	var (
		mu      sync.Mutex
		started []string
		done    []string
	)
	c.Pipeline.Progress = func(ev UnitEvent) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Done {
			done = append(done, ev.Unit)
			return
		}
		started = append(started, ev.Unit)
	}
	if _, err := c.Compile(context.Background(), mustUnits(t, 2), nil, nil); err != nil {
		t.Fatalf("compile: %v", err)
	}
	slices.Sort(started)
	slices.Sort(done)
	want := []string{"demo.0", "demo.1"}
	if !reflect.DeepEqual(started, want) || !reflect.DeepEqual(done, want) {
		t.Fatalf("started %v, done %v; want %v", started, done, want)
	}
}
