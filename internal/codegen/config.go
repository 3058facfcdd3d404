// Package codegen turns compilation units into object, bitcode and assembly
// files. Units are scheduled over a fixed pool of workers, or run one after
// another on the caller's goroutine when the batch is optimized as a whole
// program.
package codegen

import (
	"slices"
	"sync"

	"kiln/internal/diag"
	"kiln/internal/session"
)

// InvariantError is returned when the scheduler or the pipeline is driven
// in a way that can only be a bug in the caller.
type InvariantError = diag.InvariantError

// ModuleConfig is the per-unit pipeline configuration. One value is built
// per batch and cloned into every work item; the clone owns its own
// TargetMachine.
type ModuleConfig struct {
	TM     *TargetMachine
	Passes []string

	// Optimize gates the optimization step. The metadata unit is never
	// optimized.
	Optimize bool
	OptLevel session.OptLevel

	EmitNoOptBC bool
	EmitBC      bool
	EmitLTOBC   bool
	EmitIR      bool
	EmitAsm     bool
	EmitObj     bool

	NoVerify            bool
	NoPrepopulatePasses bool
	NoBuiltins          bool
	TimePasses          bool

	// LTO marks units that are merged with upstream bytecode. Only honored
	// in whole-program mode.
	LTO bool
}

// NewModuleConfig returns a config with nothing to emit.
func NewModuleConfig(tm *TargetMachine, passes []string) *ModuleConfig {
	return &ModuleConfig{TM: tm, Passes: slices.Clone(passes)}
}

// SetFlags copies the session-wide switches.
func (c *ModuleConfig) SetFlags(s *session.Session) {
	c.NoVerify = s.Config.NoVerify
	c.NoPrepopulatePasses = s.Config.NoPrepopulatePasses
	c.NoBuiltins = s.Config.NoBuiltins
	c.TimePasses = s.Config.TimePasses
}

// Clone copies c with a fresh TargetMachine.
func (c *ModuleConfig) Clone() *ModuleConfig {
	cp := *c
	cp.Passes = slices.Clone(c.Passes)
	if c.TM != nil {
		cp.TM = c.TM.Clone()
	}
	return &cp
}

// BitcodeOnly switches c to emitting a single .bc per unit.
func (c *ModuleConfig) BitcodeOnly() {
	c.EmitBC = true
	c.EmitNoOptBC = false
	c.EmitLTOBC = false
	c.EmitIR = false
	c.EmitAsm = false
	c.EmitObj = false
}

func (c *ModuleConfig) emitsAnything() bool {
	return c.EmitNoOptBC || c.EmitBC || c.EmitLTOBC || c.EmitIR || c.EmitAsm || c.EmitObj
}

var (
	initOnce sync.Once
	optFlags []string
	llcFlags []string
)

// EnsureInitialized computes the process-wide LLVM arguments once. Later
// calls, whatever their session, keep the first result.
func EnsureInitialized(s *session.Session) {
	initOnce.Do(func() {
		cfg := &s.Config
		pnacl := s.TargetingPNaCl()
		vectorizeLoop := !cfg.NoVectorizeLoops && !pnacl &&
			(cfg.OptLevel == session.OptDefault || cfg.OptLevel == session.OptAggressive)
		vectorizeSLP := !cfg.NoVectorizeSLP && !pnacl && cfg.OptLevel == session.OptAggressive

		if vectorizeLoop {
			optFlags = append(optFlags, "-vectorize-loops")
		}
		if vectorizeSLP {
			optFlags = append(optFlags, "-vectorize-slp")
		}
		if cfg.TimePasses {
			optFlags = append(optFlags, "-time-passes")
			llcFlags = append(llcFlags, "-time-passes")
		}
		optFlags = append(optFlags, cfg.LLVMArgs...)
		llcFlags = append(llcFlags, cfg.LLVMArgs...)
	})
}

func processOptFlags() []string { return slices.Clone(optFlags) }
func processLLCFlags() []string { return slices.Clone(llcFlags) }
