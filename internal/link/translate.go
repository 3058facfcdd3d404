package link

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"kiln/internal/diag"
	"kiln/internal/trace"
)

// TranslateArch describes one native target of the translator.
type TranslateArch struct {
	// Name is the translator spelling: x86-64, x86-32, arm or mips.
	Name string
	// LLVM is the architecture part of the triple.
	LLVM string
	// Emulation is the ld.gold -m value.
	Emulation string
}

var translateArchs = []TranslateArch{
	{Name: "x86-64", LLVM: "x86_64", Emulation: "elf_x86_64_nacl"},
	{Name: "x86-32", LLVM: "i686", Emulation: "elf_i386_nacl"},
	{Name: "arm", LLVM: "armv7", Emulation: "armelf_nacl"},
	{Name: "mips", LLVM: "mipsel", Emulation: "mipselelf_nacl"},
}

// LookupTranslateArch accepts the translator spelling of an architecture.
func LookupTranslateArch(name string) (TranslateArch, error) {
	for _, a := range translateArchs {
		if a.Name == name {
			return a, nil
		}
	}
	names := make([]string, 0, len(translateArchs))
	for _, a := range translateArchs {
		names = append(names, a.Name)
	}
	return TranslateArch{}, fmt.Errorf("unknown translator architecture %q (want one of %s)", name, strings.Join(names, ", "))
}

// translatorLibs are linked around the translated objects, in order; the
// first goes before them, the last after.
var translatorLibs = []string{"crtbegin.o", "libpnacl_irt_shim.a", "libgcc.a", "libcrt_platform.a", "crtend.o"}

// Translation is one pexe to nexe run.
type Translation struct {
	Inputs []string
	Output string
	Arch   TranslateArch
	// Triple overrides <arch>-none-nacl-gnu.
	Triple string
}

func (t *Translation) triple() (string, error) {
	if t.Triple == "" {
		return t.Arch.LLVM + "-none-nacl-gnu", nil
	}
	if !strings.Contains(t.Triple, "nacl") {
		return "", fmt.Errorf("translator target %s is not a NaCl triple", t.Triple)
	}
	return t.Triple, nil
}

// Translate compiles portable bitcode into a native NaCl executable. Each
// input goes through llc on its own goroutine; the objects are then linked
// with the translator support libraries.
func (l *Linker) Translate(ctx context.Context, t Translation) error {
	s := l.Session
	ctx, span := trace.Start(ctx, trace.ScopeStage, "translate")
	span.WithExtra("arch", t.Arch.Name)
	defer span.End("")

	if len(t.Inputs) == 0 {
		return l.fail(diag.ABITranslateFailed, t.Output, fmt.Errorf("nothing to translate"))
	}
	triple, err := t.triple()
	if err != nil {
		return l.fail(diag.ABITranslateFailed, t.Triple, err)
	}

	tmp, cleanup, err := l.scratchDir("kiln-translate-")
	if err != nil {
		return err
	}
	defer cleanup()

	objs := make([]string, len(t.Inputs))
	g, gctx := errgroup.WithContext(ctx)
	workers := s.Config.CodegenUnits
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)
	for i, in := range t.Inputs {
		objs[i] = filepath.Join(tmp, strconv.Itoa(i)+"-"+strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))+".o")
		g.Go(func() error {
			return l.translateOne(gctx, t.Arch, triple, in, objs[i], tmp)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	cmd := l.translatorPlan(t, objs).Command()
	if _, err := l.run(ctx, "running ld.gold", cmd); err != nil {
		return err
	}
	return nil
}

// translatePasses run before llc. Raw bitcode, unlike a finalized pexe,
// still carries setjmp/longjmp exception handling and variadic calls.
func translatePasses(raw bool) []string {
	var passes []string
	if raw {
		passes = append(passes, "pnacl-sjlj-eh", "expand-varargs")
	}
	return append(passes, "add-pnacl-external-decls", "resolve-pnacl-intrinsics", "backend-canonicalize")
}

func (l *Linker) translateOne(ctx context.Context, arch TranslateArch, triple, in, obj, tmp string) error {
	u, err := l.Codec.Load(ctx, filepath.Base(in), in)
	if err != nil {
		return l.fail(diag.IOReadFailed, in, fmt.Errorf("error reading file `%s`: %w", in, err))
	}
	defer u.Dispose()

	mc, err := l.moduleConfig(false)
	if err != nil {
		return err
	}
	mc.TM.Triple = triple
	mc.TM.CPU = ""
	mc.TM.Features = ""

	raw := filepath.Ext(in) != ".pexe"
	if err := l.Pipeline.RunPasses(ctx, u, mc, tmp, translatePasses(raw)); err != nil {
		return err
	}
	var extra []string
	if arch.Name != "x86-32" {
		extra = append(extra, "-mtls-use-call")
	}
	return l.Pipeline.EmitObject(ctx, u, mc, tmp, obj, extra...)
}

func (l *Linker) translatorPlan(t Translation, objs []string) *Plan {
	s := l.Session
	libDir := filepath.Join(s.ToolchainDir(), "translator", t.Arch.Name, "lib")
	lib := func(name string) string { return filepath.Join(libDir, name) }

	p := NewPlan(s.HostTool("ld.gold"))
	p.Flag("-nostdlib", "-static", "-m", t.Arch.Emulation, "--eh-frame-hdr")
	p.Output(t.Output)
	p.Object(lib(translatorLibs[0]))
	p.Object(objs...)
	p.Flag("--start-group")
	for _, name := range translatorLibs[1 : len(translatorLibs)-1] {
		p.Archive(lib(name))
	}
	p.Flag("--end-group")
	p.Object(lib(translatorLibs[len(translatorLibs)-1]))
	return p
}
