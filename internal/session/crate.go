package session

import (
	"fmt"
	"strings"
)

// Crate is the compilation input handed over by the front end: the IR units,
// the symbols that must stay reachable and the resolved dependencies.
type Crate struct {
	Name string
	// Hash distinguishes builds of the same crate name; stored in metadata.
	Hash      string
	Root      string
	Units     []UnitSource
	Reachable []string
	Deps      []Dependency
	// NativeLibs are the native libraries this crate itself links against.
	NativeLibs []NativeLib
}

// UnitSource is one compilation unit on disk (.ll or .bc).
type UnitSource struct {
	Name string
	Path string
}

// Dependency is one upstream crate.
type Dependency struct {
	Name string
	Kind LinkKind
	// Rlib and Dylib are the resolved artifacts; which one is used depends
	// on Kind.
	Rlib       string
	Dylib      string
	NativeLibs []NativeLib
	// Depends names other dependencies this one links against.
	Depends []string
}

// Path returns the artifact matching the dependency's link kind.
func (d *Dependency) Path() string {
	if d.Kind == LinkDynamic {
		return d.Dylib
	}
	return d.Rlib
}

type NativeLib struct {
	Name string
	Kind NativeLibKind
}

func (n NativeLib) String() string {
	return fmt.Sprintf("%s (%s)", n.Name, n.Kind)
}

// Validate checks the invariants the backend relies on.
func (c *Crate) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("crate name is empty")
	}
	if len(c.Units) == 0 {
		return fmt.Errorf("crate %q has no compilation units", c.Name)
	}
	seen := make(map[string]struct{}, len(c.Deps))
	for i := range c.Deps {
		d := &c.Deps[i]
		if d.Name == "" {
			return fmt.Errorf("dependency #%d has no name", i)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("duplicate dependency %q", d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.Path() == "" {
			return fmt.Errorf("dependency %q has no %s artifact", d.Name, d.Kind)
		}
	}
	for i := range c.Deps {
		for _, dep := range c.Deps[i].Depends {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("dependency %q depends on unknown crate %q", c.Deps[i].Name, dep)
			}
		}
	}
	return nil
}
