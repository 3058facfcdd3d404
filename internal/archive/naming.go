package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kiln/internal/session"
)

// ErrLibraryNotFound is wrapped by FindLibrary failures.
var ErrLibraryNotFound = errors.New("native static library not found")

// RenameMember gives a member extracted from the archive of logical name a
// name unique within the destination archive. Some debuggers misread member
// names of exactly 16 bytes, so those get one more prefix.
func RenameMember(logical, orig string) string {
	name := fmt.Sprintf("r-%s-%s", logical, orig)
	if len(name) == 16 {
		name = "lldb-fix-" + name
	}
	return name
}

// isSymdef matches BSD symbol index members, which are rebuilt anyway.
func isSymdef(name string) bool {
	return strings.Contains(name, ".SYMDEF")
}

// FindLibrary looks for the static library of a native dependency. Windows
// libraries show up both as foo.lib and libfoo.a.
func FindLibrary(name string, target *session.Target, paths []string) (string, error) {
	osName := "lib" + name + ".a"
	if target != nil && target.IsLikeWin {
		osName = name + ".lib"
	}
	unixName := "lib" + name + ".a"

	for _, dir := range paths {
		cand := filepath.Join(dir, osName)
		if fileExists(cand) {
			return cand, nil
		}
		if osName != unixName {
			cand = filepath.Join(dir, unixName)
			if fileExists(cand) {
				return cand, nil
			}
		}
	}
	return "", fmt.Errorf("could not find native static library `%s`, perhaps an -L flag is missing?: %w", name, ErrLibraryNotFound)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
