package session

import (
	"path/filepath"
	"slices"
)

// Config enumerates every option the backend recognizes. It is filled from
// kiln.toml and then overridden by command line flags.
type Config struct {
	OptLevel     OptLevel
	OutputTypes  []OutputType
	CrateTypes   []CrateType
	CodegenUnits int
	LTO          bool
	SaveTemps    bool
	Debuginfo    bool

	// Passes are appended after the standard pipeline of every unit.
	Passes              []string
	LLVMArgs            []string
	NoVerify            bool
	NoPrepopulatePasses bool
	NoBuiltins          bool
	NoVectorizeLoops    bool
	NoVectorizeSLP      bool
	TimePasses          bool

	RelocModel     RelocModel
	CodeModel      CodeModel
	TargetCPU      string
	TargetFeatures string

	Linker         string
	Ar             string
	LinkArgs       []string
	LibSearchPaths []string
	NoRpath        bool
	NoLandingPads  bool
	Strip          bool
	PrintLinkArgs  bool
	PrintCommands  bool

	OutDir string
	// OutputFile, when set, names the single final artifact.
	OutputFile string

	PNaCl PNaClConfig
}

// PNaClConfig locates the PNaCl SDK pieces the restricted-ABI path needs.
type PNaClConfig struct {
	// CrossPath is the NaCl SDK root (NACL_SDK_ROOT).
	CrossPath string
	// Toolchain is the pnacl toolchain directory; defaults to
	// <CrossPath>/toolchain/<host>_pnacl.
	Toolchain    string
	GoldPlugin   string
	StablePexe   bool
	ExtraBitcode []string
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		OptLevel:     OptNo,
		OutputTypes:  []OutputType{OutputExe},
		CrateTypes:   []CrateType{CrateExecutable},
		CodegenUnits: 1,
		Linker:       "cc",
		Ar:           "ar",
		OutDir:       ".",
	}
}

// HasOutput reports whether t was requested.
func (c *Config) HasOutput(t OutputType) bool {
	return slices.Contains(c.OutputTypes, t)
}

// HasCrateType reports whether t was requested.
func (c *Config) HasCrateType(t CrateType) bool {
	return slices.Contains(c.CrateTypes, t)
}

// Session is the read-only view of one build.
type Session struct {
	Config Config
	Target Target
	Crate  *Crate
}

// New resolves the target named by triple and bundles it with cfg and crate.
func New(cfg Config, triple string, crate *Crate) (*Session, error) {
	if triple == "" {
		triple = DefaultTriple
	}
	t, err := LookupTarget(triple)
	if err != nil {
		return nil, err
	}
	if cfg.TargetCPU != "" {
		t.CPU = cfg.TargetCPU
	}
	switch {
	case cfg.TargetFeatures == "":
	case t.Features == "":
		t.Features = cfg.TargetFeatures
	default:
		// флаги пользователя идут последними и перекрывают встроенные
		t.Features += "," + cfg.TargetFeatures
	}
	if cfg.CodegenUnits <= 0 {
		cfg.CodegenUnits = 1
	}
	return &Session{Config: cfg, Target: t, Crate: crate}, nil
}

// LTO reports whether whole-program optimization is requested. PNaCl builds
// always link whole programs, but that path runs its own LTO pipeline.
func (s *Session) LTO() bool { return s.Config.LTO }

// TargetingPNaCl reports whether the restricted-ABI path is in effect.
func (s *Session) TargetingPNaCl() bool { return s.Target.PNaCl }

// CrateName returns the crate name, or "main" for an anonymous build.
func (s *Session) CrateName() string {
	if s.Crate == nil || s.Crate.Name == "" {
		return "main"
	}
	return s.Crate.Name
}

// OutputPath returns <outdir>/<crate>.<ext>.
func (s *Session) OutputPath(ext string) string {
	return filepath.Join(s.Config.OutDir, s.CrateName()+"."+ext)
}

// TempPath returns the crate-level path for an intermediate output of kind t.
func (s *Session) TempPath(t OutputType) string {
	return s.OutputPath(t.Extension())
}

// ToolchainDir returns the PNaCl toolchain directory.
func (s *Session) ToolchainDir() string {
	if s.Config.PNaCl.Toolchain != "" {
		return s.Config.PNaCl.Toolchain
	}
	return filepath.Join(s.Config.PNaCl.CrossPath, "toolchain", hostOS()+"_pnacl")
}

// GoldPluginPath returns the LLVMgold plugin used by the PNaCl archiver and
// linker.
func (s *Session) GoldPluginPath() string {
	if s.Config.PNaCl.GoldPlugin != "" {
		return s.Config.PNaCl.GoldPlugin
	}
	return filepath.Join(s.ToolchainDir(), "lib", "LLVMgold.so")
}

// HostTool returns the path of a le32-nacl host tool, e.g. "ar" or "ld.gold".
func (s *Session) HostTool(tool string) string {
	return filepath.Join(s.ToolchainDir(), "bin", "le32-nacl-"+tool+hostExeSuffix())
}
