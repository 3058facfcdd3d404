package session

import (
	"fmt"
	"slices"
	"strings"
)

// Target describes the code generation target and the platform conventions
// the linker has to follow.
type Target struct {
	Triple     string
	Arch       string
	OS         string
	DataLayout string
	Endian     string
	WordSize   int

	CPU      string
	Features string

	ExeSuffix   string
	DllPrefix   string
	DllSuffix   string
	StaticLib   string // prefix
	StaticExt   string // suffix, with dot
	IsLikeOSX   bool
	IsLikeWin   bool
	DynamicLink bool
	Executables bool
	// PNaCl targets link whole-program bitcode instead of native objects.
	PNaCl bool

	PreLinkArgs  []string
	PostLinkArgs []string
	Linker       string
	Ar           string
}

const naclDataLayout = "e-i1:8:8-i8:8:8-i16:16:16-i32:32:32-" +
	"i64:64:64-f32:32:32-f64:64:64-p:32:32:32-v128:32:32"

var targets = map[string]Target{
	"x86_64-unknown-linux-gnu": {
		Arch: "x86_64", OS: "linux", Endian: "little", WordSize: 64,
		DataLayout: "e-m:e-p270:32:32-p271:32:32-p272:64:64-i64:64-f80:128-n8:16:32:64-S128",
		CPU:        "x86-64",
		DllPrefix:  "lib", DllSuffix: ".so", StaticLib: "lib", StaticExt: ".a",
		DynamicLink: true, Executables: true,
		PreLinkArgs: []string{"-m64"},
	},
	"i686-unknown-linux-gnu": {
		Arch: "i686", OS: "linux", Endian: "little", WordSize: 32,
		DataLayout: "e-m:e-p:32:32-p270:32:32-p271:32:32-p272:64:64-f64:32:64-f80:32-n8:16:32-S128",
		CPU:        "pentium4",
		DllPrefix:  "lib", DllSuffix: ".so", StaticLib: "lib", StaticExt: ".a",
		DynamicLink: true, Executables: true,
		PreLinkArgs: []string{"-m32"},
	},
	"x86_64-apple-darwin": {
		Arch: "x86_64", OS: "macos", Endian: "little", WordSize: 64,
		DataLayout: "e-m:o-p270:32:32-p271:32:32-p272:64:64-i64:64-f80:128-n8:16:32:64-S128",
		CPU:        "core2",
		DllPrefix:  "lib", DllSuffix: ".dylib", StaticLib: "lib", StaticExt: ".a",
		IsLikeOSX: true, DynamicLink: true, Executables: true,
		PreLinkArgs: []string{"-m64"},
	},
	"aarch64-apple-darwin": {
		Arch: "aarch64", OS: "macos", Endian: "little", WordSize: 64,
		DataLayout: "e-m:o-i64:64-i128:128-n32:64-S128",
		CPU:        "apple-m1",
		DllPrefix:  "lib", DllSuffix: ".dylib", StaticLib: "lib", StaticExt: ".a",
		IsLikeOSX: true, DynamicLink: true, Executables: true,
		PreLinkArgs: []string{"-arch", "arm64"},
	},
	"x86_64-pc-windows-gnu": {
		Arch: "x86_64", OS: "windows", Endian: "little", WordSize: 64,
		DataLayout: "e-m:w-p270:32:32-p271:32:32-p272:64:64-i64:64-f80:128-n8:16:32:64-S128",
		CPU:        "x86-64",
		ExeSuffix:  ".exe", DllSuffix: ".dll", StaticLib: "lib", StaticExt: ".a",
		IsLikeWin: true, DynamicLink: true, Executables: true,
		PreLinkArgs:  []string{"-m64", "-Wl,--enable-long-section-names", "-Wl,--nxcompat"},
		PostLinkArgs: []string{"-lws2_32", "-luserenv"},
	},
	"le32-unknown-nacl": {
		Arch: "le32", OS: "nacl", Endian: "little", WordSize: 32,
		DataLayout: naclDataLayout,
		ExeSuffix:  ".pexe", StaticLib: "lib", StaticExt: ".a",
		Executables: true, PNaCl: true,
		Linker: "ld.gold",
	},
	"x86_64-unknown-nacl": {
		Arch: "x86_64", OS: "nacl", Endian: "little", WordSize: 64,
		DataLayout: "e-p:64:64:64-i1:8:8-i8:8:8-i16:16:16-i32:32:32-i64:64:64-" +
			"f32:32:32-f64:64:64-v64:64:64-v128:128:128-a0:0:64-" +
			"s0:64:64-f80:128:128-n8:16:32:64-S128",
		CPU:       "core2",
		ExeSuffix: ".nexe", StaticLib: "lib", StaticExt: ".a",
		Executables: true,
	},
	"i686-unknown-nacl": {
		Arch: "i686", OS: "nacl", Endian: "little", WordSize: 32,
		DataLayout: naclDataLayout,
		CPU:        "core2",
		ExeSuffix:  ".nexe", StaticLib: "lib", StaticExt: ".a",
		Executables: true,
	},
}

// DefaultTriple is used when neither the manifest nor the CLI names one.
const DefaultTriple = "x86_64-unknown-linux-gnu"

// LookupTarget returns the built-in description of triple.
func LookupTarget(triple string) (Target, error) {
	t, ok := targets[strings.TrimSpace(triple)]
	if !ok {
		return Target{}, fmt.Errorf("unknown target %q (known: %s)", triple, strings.Join(KnownTriples(), ", "))
	}
	t.Triple = triple
	t.PreLinkArgs = slices.Clone(t.PreLinkArgs)
	t.PostLinkArgs = slices.Clone(t.PostLinkArgs)
	return t, nil
}

// KnownTriples lists the built-in targets in sorted order.
func KnownTriples() []string {
	out := make([]string, 0, len(targets))
	for k := range targets {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
