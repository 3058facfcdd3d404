// Package session holds the build configuration the backend consumes:
// optimization tier, requested outputs, target description, tool paths and
// the crate being built.
package session

import (
	"fmt"
	"strings"
)

// OptLevel mirrors the conventional -O0..-O3 tiers.
type OptLevel uint8

const (
	OptNo OptLevel = iota
	OptLess
	OptDefault
	OptAggressive
)

func (o OptLevel) String() string {
	switch o {
	case OptNo:
		return "O0"
	case OptLess:
		return "O1"
	case OptDefault:
		return "O2"
	case OptAggressive:
		return "O3"
	}
	return "O?"
}

// Number returns the tier as used in -O<n> and default<On>.
func (o OptLevel) Number() int { return int(o) }

// ParseOptLevel accepts 0-3 with or without a leading "O".
func ParseOptLevel(s string) (OptLevel, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "O") {
	case "0":
		return OptNo, nil
	case "1":
		return OptLess, nil
	case "2":
		return OptDefault, nil
	case "3":
		return OptAggressive, nil
	}
	return OptNo, fmt.Errorf("invalid optimization level %q (expected 0-3)", s)
}

// OutputType is one file kind the codegen stage must produce per unit.
type OutputType uint8

const (
	OutputBitcode OutputType = iota + 1
	OutputAssembly
	OutputLLVMAssembly
	OutputObject
	OutputExe
)

func (o OutputType) String() string {
	switch o {
	case OutputBitcode:
		return "llvm-bc"
	case OutputAssembly:
		return "asm"
	case OutputLLVMAssembly:
		return "llvm-ir"
	case OutputObject:
		return "obj"
	case OutputExe:
		return "link"
	}
	return "unknown"
}

// Extension returns the file suffix, without the dot.
func (o OutputType) Extension() string {
	switch o {
	case OutputBitcode:
		return "bc"
	case OutputAssembly:
		return "s"
	case OutputLLVMAssembly:
		return "ll"
	case OutputObject:
		return "o"
	}
	return ""
}

// ParseOutputType accepts the names used by --emit.
func ParseOutputType(s string) (OutputType, error) {
	switch strings.TrimSpace(s) {
	case "llvm-bc", "bc":
		return OutputBitcode, nil
	case "asm", "s":
		return OutputAssembly, nil
	case "llvm-ir", "ll":
		return OutputLLVMAssembly, nil
	case "obj", "o":
		return OutputObject, nil
	case "link", "exe":
		return OutputExe, nil
	}
	return 0, fmt.Errorf("unknown emit kind %q (expected llvm-bc|asm|llvm-ir|obj|link)", s)
}

// CrateType is a final artifact kind.
type CrateType uint8

const (
	CrateExecutable CrateType = iota + 1
	CrateDylib
	CrateRlib
	CrateStaticlib
)

func (c CrateType) String() string {
	switch c {
	case CrateExecutable:
		return "bin"
	case CrateDylib:
		return "dylib"
	case CrateRlib:
		return "rlib"
	case CrateStaticlib:
		return "staticlib"
	}
	return "unknown"
}

func ParseCrateType(s string) (CrateType, error) {
	switch strings.TrimSpace(s) {
	case "bin", "exe", "executable":
		return CrateExecutable, nil
	case "dylib":
		return CrateDylib, nil
	case "rlib", "lib":
		return CrateRlib, nil
	case "staticlib":
		return CrateStaticlib, nil
	}
	return 0, fmt.Errorf("unknown crate type %q (expected bin|dylib|rlib|staticlib)", s)
}

// LinkKind is how a crate dependency is linked.
type LinkKind uint8

const (
	LinkStatic LinkKind = iota + 1
	LinkDynamic
)

func (k LinkKind) String() string {
	if k == LinkDynamic {
		return "dynamic"
	}
	return "static"
}

// NativeLibKind is how a native library is linked.
type NativeLibKind uint8

const (
	NativeUnknown NativeLibKind = iota
	NativeStatic
	NativeFramework
)

func (k NativeLibKind) String() string {
	switch k {
	case NativeStatic:
		return "static"
	case NativeFramework:
		return "framework"
	}
	return "dylib"
}

func ParseNativeLibKind(s string) (NativeLibKind, error) {
	switch strings.TrimSpace(s) {
	case "", "dylib", "unknown":
		return NativeUnknown, nil
	case "static":
		return NativeStatic, nil
	case "framework":
		return NativeFramework, nil
	}
	return NativeUnknown, fmt.Errorf("unknown native library kind %q", s)
}

// RelocModel selects the relocation model of generated code.
type RelocModel uint8

const (
	RelocDefault RelocModel = iota
	RelocStatic
	RelocPIC
	RelocDynamicNoPIC
)

func (r RelocModel) String() string {
	switch r {
	case RelocStatic:
		return "static"
	case RelocPIC:
		return "pic"
	case RelocDynamicNoPIC:
		return "dynamic-no-pic"
	}
	return "default"
}

func ParseRelocModel(s string) (RelocModel, error) {
	switch s {
	case "", "default":
		return RelocDefault, nil
	case "static":
		return RelocStatic, nil
	case "pic":
		return RelocPIC, nil
	case "dynamic-no-pic":
		return RelocDynamicNoPIC, nil
	}
	return RelocDefault, fmt.Errorf("unknown relocation model %q", s)
}

// CodeModel selects the code model of generated code.
type CodeModel uint8

const (
	CodeModelDefault CodeModel = iota
	CodeModelSmall
	CodeModelKernel
	CodeModelMedium
	CodeModelLarge
)

func (c CodeModel) String() string {
	switch c {
	case CodeModelSmall:
		return "small"
	case CodeModelKernel:
		return "kernel"
	case CodeModelMedium:
		return "medium"
	case CodeModelLarge:
		return "large"
	}
	return "default"
}

func ParseCodeModel(s string) (CodeModel, error) {
	switch s {
	case "", "default":
		return CodeModelDefault, nil
	case "small":
		return CodeModelSmall, nil
	case "kernel":
		return CodeModelKernel, nil
	case "medium":
		return CodeModelMedium, nil
	case "large":
		return CodeModelLarge, nil
	}
	return CodeModelDefault, fmt.Errorf("unknown code model %q", s)
}
