package link

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"kiln/internal/session"
)

// ErrNotWritable is wrapped when an output exists but cannot be replaced.
var ErrNotWritable = errors.New("not writable")

// FileName returns the artifact name of crate for kind, placed next to
// base. Executables keep base as is.
func FileName(t *session.Target, kind Kind, crate, base string) string {
	dir := filepath.Dir(base)
	switch kind {
	case Rlib:
		return filepath.Join(dir, "lib"+crate+".rlib")
	case StaticLibrary:
		return filepath.Join(dir, t.StaticLib+crate+t.StaticExt)
	case DynamicLibrary:
		return filepath.Join(dir, t.DllPrefix+crate+t.DllSuffix)
	}
	return base
}

// outputFor is where an artifact of kind ends up: the -o file when one was
// given, otherwise the conventional name in the output directory.
func (l *Linker) outputFor(kind Kind) string {
	s := l.Session
	if s.Config.OutputFile != "" {
		return s.Config.OutputFile
	}
	exe := filepath.Join(s.Config.OutDir, s.CrateName()+s.Target.ExeSuffix)
	return FileName(&s.Target, kind, s.CrateName(), exe)
}

// isWritable reports whether path can be replaced by the current user. A
// missing file is writable.
func isWritable(path string) bool {
	st, err := os.Stat(path)
	if err != nil {
		return true
	}
	return st.Mode().Perm()&0o200 != 0
}

// checkOutputs rejects read-only outputs up front. Some system linkers
// happily overwrite them; kiln does not.
func checkOutputs(out string, objects ...string) error {
	if !isWritable(out) {
		return fmt.Errorf("output file %s is %w -- check its permissions", out, ErrNotWritable)
	}
	for _, obj := range objects {
		if !isWritable(obj) {
			return fmt.Errorf("object file %s is %w -- check its permissions", obj, ErrNotWritable)
		}
	}
	return nil
}
