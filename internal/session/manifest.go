package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/shlex"
)

// ManifestName is the file kiln looks for when no path is given.
const ManifestName = "kiln.toml"

type manifestFile struct {
	Crate      crateSection        `toml:"crate"`
	Units      []unitSection       `toml:"unit"`
	Native     []nativeSection     `toml:"native"`
	Dependency []dependencySection `toml:"dependency"`
	Codegen    codegenSection      `toml:"codegen"`
	Link       linkSection         `toml:"link"`
	Target     targetSection       `toml:"target"`
	PNaCl      pnaclSection        `toml:"pnacl"`
}

type crateSection struct {
	Name      string   `toml:"name"`
	Hash      string   `toml:"hash"`
	Types     []string `toml:"types"`
	Reachable []string `toml:"reachable"`
}

type unitSection struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

type nativeSection struct {
	Name string `toml:"name"`
	Kind string `toml:"kind"`
}

type dependencySection struct {
	Name    string          `toml:"name"`
	Kind    string          `toml:"kind"`
	Rlib    string          `toml:"rlib"`
	Dylib   string          `toml:"dylib"`
	Depends []string        `toml:"depends"`
	Native  []nativeSection `toml:"native"`
}

type codegenSection struct {
	OptLevel            int      `toml:"opt-level"`
	Units               int      `toml:"codegen-units"`
	LTO                 bool     `toml:"lto"`
	Emit                []string `toml:"emit"`
	Passes              []string `toml:"passes"`
	LLVMArgs            string   `toml:"llvm-args"`
	SaveTemps           bool     `toml:"save-temps"`
	Debuginfo           bool     `toml:"debuginfo"`
	NoVerify            bool     `toml:"no-verify"`
	NoPrepopulatePasses bool     `toml:"no-prepopulate-passes"`
	NoBuiltins          bool     `toml:"no-builtins"`
	NoVectorizeLoops    bool     `toml:"no-vectorize-loops"`
	NoVectorizeSLP      bool     `toml:"no-vectorize-slp"`
	TimePasses          bool     `toml:"time-passes"`
	RelocationModel     string   `toml:"relocation-model"`
	CodeModel           string   `toml:"code-model"`
	TargetCPU           string   `toml:"target-cpu"`
	TargetFeatures      string   `toml:"target-features"`
	NoLandingPads       bool     `toml:"no-landing-pads"`
}

type linkSection struct {
	Linker      string   `toml:"linker"`
	Ar          string   `toml:"ar"`
	Args        string   `toml:"args"`
	SearchPaths []string `toml:"search-paths"`
	NoRpath     bool     `toml:"no-rpath"`
	Strip       bool     `toml:"strip"`
	OutDir      string   `toml:"out-dir"`
	Output      string   `toml:"output"`
}

type targetSection struct {
	Triple string `toml:"triple"`
}

type pnaclSection struct {
	CrossPath    string   `toml:"cross-path"`
	Toolchain    string   `toml:"toolchain"`
	GoldPlugin   string   `toml:"gold-plugin"`
	StablePexe   bool     `toml:"stable-pexe"`
	ExtraBitcode []string `toml:"extra-bitcode"`
}

// Manifest is a loaded kiln.toml.
type Manifest struct {
	Path   string
	Root   string
	Triple string
	Config Config
	Crate  *Crate
}

// FindManifest walks up from startDir looking for kiln.toml.
func FindManifest(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, ManifestName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// LoadManifest parses path. Relative paths inside the manifest are resolved
// against its directory.
func LoadManifest(path string) (*Manifest, error) {
	var mf manifestFile
	meta, err := toml.DecodeFile(path, &mf)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	if !meta.IsDefined("crate") {
		return nil, fmt.Errorf("%s: missing [crate]", path)
	}
	if !meta.IsDefined("crate", "name") || strings.TrimSpace(mf.Crate.Name) == "" {
		return nil, fmt.Errorf("%s: missing [crate].name", path)
	}
	if len(mf.Units) == 0 {
		return nil, fmt.Errorf("%s: at least one [[unit]] is required", path)
	}

	root := filepath.Dir(path)
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, filepath.FromSlash(p))
	}

	cfg := DefaultConfig()
	cfg.OutDir = root

	crate := &Crate{
		Name:      mf.Crate.Name,
		Hash:      mf.Crate.Hash,
		Root:      root,
		Reachable: mf.Crate.Reachable,
	}
	if len(mf.Crate.Types) > 0 {
		cfg.CrateTypes = cfg.CrateTypes[:0]
		for _, s := range mf.Crate.Types {
			ct, err := ParseCrateType(s)
			if err != nil {
				return nil, fmt.Errorf("%s: [crate].types: %w", path, err)
			}
			cfg.CrateTypes = append(cfg.CrateTypes, ct)
		}
	}
	for i, u := range mf.Units {
		if strings.TrimSpace(u.Path) == "" {
			return nil, fmt.Errorf("%s: [[unit]] #%d has no path", path, i)
		}
		name := u.Name
		if name == "" {
			name = fmt.Sprintf("%s.%d", crate.Name, i)
		}
		crate.Units = append(crate.Units, UnitSource{Name: name, Path: abs(u.Path)})
	}
	for _, n := range mf.Native {
		lib, err := nativeLib(n)
		if err != nil {
			return nil, fmt.Errorf("%s: [[native]]: %w", path, err)
		}
		crate.NativeLibs = append(crate.NativeLibs, lib)
	}
	for _, d := range mf.Dependency {
		dep := Dependency{
			Name:    d.Name,
			Kind:    LinkStatic,
			Rlib:    abs(d.Rlib),
			Dylib:   abs(d.Dylib),
			Depends: d.Depends,
		}
		switch d.Kind {
		case "", "static":
		case "dynamic":
			dep.Kind = LinkDynamic
		default:
			return nil, fmt.Errorf("%s: dependency %q: unknown kind %q", path, d.Name, d.Kind)
		}
		for _, n := range d.Native {
			lib, err := nativeLib(n)
			if err != nil {
				return nil, fmt.Errorf("%s: dependency %q: %w", path, d.Name, err)
			}
			dep.NativeLibs = append(dep.NativeLibs, lib)
		}
		crate.Deps = append(crate.Deps, dep)
	}

	cg := mf.Codegen
	if meta.IsDefined("codegen", "opt-level") {
		lvl, err := ParseOptLevel(fmt.Sprint(cg.OptLevel))
		if err != nil {
			return nil, fmt.Errorf("%s: [codegen].opt-level: %w", path, err)
		}
		cfg.OptLevel = lvl
	}
	if meta.IsDefined("codegen", "codegen-units") {
		if cg.Units <= 0 {
			return nil, fmt.Errorf("%s: [codegen].codegen-units must be positive", path)
		}
		cfg.CodegenUnits = cg.Units
	}
	if meta.IsDefined("codegen", "emit") {
		cfg.OutputTypes = cfg.OutputTypes[:0]
		for _, s := range cg.Emit {
			ot, err := ParseOutputType(s)
			if err != nil {
				return nil, fmt.Errorf("%s: [codegen].emit: %w", path, err)
			}
			cfg.OutputTypes = append(cfg.OutputTypes, ot)
		}
	}
	if cg.LLVMArgs != "" {
		args, err := shlex.Split(cg.LLVMArgs)
		if err != nil {
			return nil, fmt.Errorf("%s: [codegen].llvm-args: %w", path, err)
		}
		cfg.LLVMArgs = args
	}
	if cfg.RelocModel, err = ParseRelocModel(cg.RelocationModel); err != nil {
		return nil, fmt.Errorf("%s: [codegen]: %w", path, err)
	}
	if cfg.CodeModel, err = ParseCodeModel(cg.CodeModel); err != nil {
		return nil, fmt.Errorf("%s: [codegen]: %w", path, err)
	}
	cfg.LTO = cg.LTO
	cfg.Passes = cg.Passes
	cfg.SaveTemps = cg.SaveTemps
	cfg.Debuginfo = cg.Debuginfo
	cfg.NoVerify = cg.NoVerify
	cfg.NoPrepopulatePasses = cg.NoPrepopulatePasses
	cfg.NoBuiltins = cg.NoBuiltins
	cfg.NoVectorizeLoops = cg.NoVectorizeLoops
	cfg.NoVectorizeSLP = cg.NoVectorizeSLP
	cfg.TimePasses = cg.TimePasses
	cfg.TargetCPU = cg.TargetCPU
	cfg.TargetFeatures = cg.TargetFeatures
	cfg.NoLandingPads = cg.NoLandingPads

	ln := mf.Link
	if ln.Linker != "" {
		cfg.Linker = ln.Linker
	}
	if ln.Ar != "" {
		cfg.Ar = ln.Ar
	}
	if ln.Args != "" {
		args, err := SplitArgs(ln.Args)
		if err != nil {
			return nil, fmt.Errorf("%s: [link].args: %w", path, err)
		}
		cfg.LinkArgs = args
	}
	for _, p := range ln.SearchPaths {
		cfg.LibSearchPaths = append(cfg.LibSearchPaths, abs(p))
	}
	cfg.NoRpath = ln.NoRpath
	cfg.Strip = ln.Strip
	if ln.OutDir != "" {
		cfg.OutDir = abs(ln.OutDir)
	}
	cfg.OutputFile = abs(ln.Output)

	px := mf.PNaCl
	cfg.PNaCl = PNaClConfig{
		CrossPath:  abs(px.CrossPath),
		Toolchain:  abs(px.Toolchain),
		GoldPlugin: abs(px.GoldPlugin),
		StablePexe: px.StablePexe,
	}
	if cfg.PNaCl.CrossPath == "" {
		cfg.PNaCl.CrossPath = os.Getenv("NACL_SDK_ROOT")
	}
	for _, p := range px.ExtraBitcode {
		cfg.PNaCl.ExtraBitcode = append(cfg.PNaCl.ExtraBitcode, abs(p))
	}

	if err := crate.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Manifest{
		Path:   path,
		Root:   root,
		Triple: mf.Target.Triple,
		Config: cfg,
		Crate:  crate,
	}, nil
}

func nativeLib(n nativeSection) (NativeLib, error) {
	if strings.TrimSpace(n.Name) == "" {
		return NativeLib{}, fmt.Errorf("native library without a name")
	}
	kind, err := ParseNativeLibKind(n.Kind)
	if err != nil {
		return NativeLib{}, err
	}
	return NativeLib{Name: n.Name, Kind: kind}, nil
}

// SplitArgs splits a shell-style argument string such as a link-args value.
func SplitArgs(s string) ([]string, error) {
	return shlex.Split(s)
}
