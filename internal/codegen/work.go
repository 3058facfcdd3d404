package codegen

import (
	"path/filepath"

	"kiln/internal/ir"
)

// OutputTemplate names the files of one unit: Dir/Stem.Extra.ext.
type OutputTemplate struct {
	Dir   string
	Stem  string
	Extra string
}

// Path returns the file for ext (without leading dot).
func (o OutputTemplate) Path(ext string) string {
	name := o.Stem
	if o.Extra != "" {
		name += "." + o.Extra
	}
	return filepath.Join(o.Dir, name+"."+ext)
}

// CratePath is the unnumbered crate-level file for ext.
func (o OutputTemplate) CratePath(ext string) string {
	return filepath.Join(o.Dir, o.Stem+"."+ext)
}

// WorkItem is one unit with everything needed to optimize and emit it.
// A work item is consumed exactly once; the worker that runs it closes the
// TargetMachine and disposes the unit.
type WorkItem struct {
	Unit   *ir.Unit
	Config *ModuleConfig
	Output OutputTemplate
}

// NewWorkItem pairs u with a private clone of cfg.
func NewWorkItem(u *ir.Unit, cfg *ModuleConfig, out OutputTemplate, extra string) *WorkItem {
	out.Extra = extra
	return &WorkItem{Unit: u, Config: cfg.Clone(), Output: out}
}

// Name identifies the item in diagnostics and traces.
func (w *WorkItem) Name() string {
	if w.Output.Extra == "" {
		return w.Output.Stem
	}
	return w.Output.Stem + "." + w.Output.Extra
}

func (w *WorkItem) release() {
	w.Config.TM.Close()
	w.Unit.Dispose()
}

// EmittedPaths lists what Pipeline.Run wrote. Empty fields were not
// requested.
type EmittedPaths struct {
	NoOptBC string
	BC      string
	LTOBC   string
	IR      string
	Asm     string
	Obj     string
}

// All returns the non-empty paths in emission order.
func (e EmittedPaths) All() []string {
	var out []string
	for _, p := range []string{e.NoOptBC, e.LTOBC, e.BC, e.IR, e.Asm, e.Obj} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
