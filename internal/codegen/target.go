package codegen

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"kiln/internal/session"
)

// pnaclCodegenTriple is what llc is told when the PNaCl target is compiled
// natively; le32 has no backend of its own.
const pnaclCodegenTriple = "armv7a-none-nacl-gnueabi"

// TargetMachine is the backend handle every work item carries. It holds the
// resolved code generation parameters for llc. Each work item owns a clone,
// and the worker that ran the item closes it.
type TargetMachine struct {
	Triple    string
	CPU       string
	Features  string
	Reloc     session.RelocModel
	CodeModel session.CodeModel
	OptLevel  session.OptLevel

	closed atomic.Bool
}

// NewTargetMachine resolves the handle for s. Relocation and code models
// outside the known set are rejected here rather than by llc.
func NewTargetMachine(s *session.Session) (*TargetMachine, error) {
	cfg := &s.Config
	switch cfg.RelocModel {
	case session.RelocDefault, session.RelocStatic, session.RelocPIC, session.RelocDynamicNoPIC:
	default:
		return nil, fmt.Errorf("%d is not a valid relocation mode", cfg.RelocModel)
	}
	switch cfg.CodeModel {
	case session.CodeModelDefault, session.CodeModelSmall, session.CodeModelKernel,
		session.CodeModelMedium, session.CodeModelLarge:
	default:
		return nil, fmt.Errorf("%d is not a valid code model", cfg.CodeModel)
	}

	triple := s.Target.Triple
	if s.TargetingPNaCl() {
		triple = pnaclCodegenTriple
	}
	cpu := cfg.TargetCPU
	if cpu == "" {
		cpu = s.Target.CPU
	}
	return &TargetMachine{
		Triple:    triple,
		CPU:       cpu,
		Features:  s.Target.Features,
		Reloc:     cfg.RelocModel,
		CodeModel: cfg.CodeModel,
		OptLevel:  cfg.OptLevel,
	}, nil
}

// Clone returns an open copy of tm.
func (tm *TargetMachine) Clone() *TargetMachine {
	return &TargetMachine{
		Triple:    tm.Triple,
		CPU:       tm.CPU,
		Features:  tm.Features,
		Reloc:     tm.Reloc,
		CodeModel: tm.CodeModel,
		OptLevel:  tm.OptLevel,
	}
}

// Close releases the handle. Closing twice is harmless.
func (tm *TargetMachine) Close() {
	if tm != nil {
		tm.closed.Store(true)
	}
}

func (tm *TargetMachine) Closed() bool {
	return tm == nil || tm.closed.Load()
}

// targetArgs are the flags opt and llc share.
func (tm *TargetMachine) targetArgs() []string {
	var args []string
	if tm.Triple != "" {
		args = append(args, "-mtriple="+tm.Triple)
	}
	if tm.CPU != "" {
		args = append(args, "-mcpu="+tm.CPU)
	}
	if tm.Features != "" {
		args = append(args, "-mattr="+tm.Features)
	}
	return args
}

// llcArgs returns the llc flags for one output; fileType is "obj" or "asm".
func (tm *TargetMachine) llcArgs(fileType string) []string {
	args := tm.targetArgs()
	if tm.Reloc != session.RelocDefault {
		args = append(args, "-relocation-model="+tm.Reloc.String())
	}
	if tm.CodeModel != session.CodeModelDefault {
		args = append(args, "-code-model="+tm.CodeModel.String())
	}
	args = append(args, "-O="+strconv.Itoa(tm.OptLevel.Number()), "-filetype="+fileType)
	return args
}
