package ir

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/llir/llvm/asm"
	lir "github.com/llir/llvm/ir"
	"github.com/natefinch/atomic"
)

// ErrDisposed is returned by every operation on a unit after Dispose.
var ErrDisposed = errors.New("compilation unit already disposed")

// Unit is one compilation unit. It is owned by a single goroutine at a time:
// the scheduler hands it to the worker that claimed its work item, and that
// worker disposes it once the outputs are written.
type Unit struct {
	Name string

	mod      *lir.Module
	disposed bool
}

// New wraps an existing module.
func New(name string, m *lir.Module) *Unit {
	if m == nil {
		m = lir.NewModule()
	}
	return &Unit{Name: name, mod: m}
}

// Parse reads a unit from textual IR.
func Parse(name string, src []byte) (*Unit, error) {
	m, err := asm.ParseString(name, string(src))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return &Unit{Name: name, mod: m}, nil
}

// ParseFile reads a textual IR file. Bitcode goes through Codec.Load.
func ParseFile(path string) (*Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

// Module exposes the underlying module to the owner.
func (u *Unit) Module() (*lir.Module, error) {
	if u == nil || u.disposed {
		return nil, ErrDisposed
	}
	return u.mod, nil
}

// Text prints the unit as textual IR.
func (u *Unit) Text() (string, error) {
	if u == nil || u.disposed {
		return "", ErrDisposed
	}
	return u.mod.String(), nil
}

// WriteText writes textual IR to path, replacing it atomically.
func (u *Unit) WriteText(path string) error {
	text, err := u.Text()
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, strings.NewReader(text)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Clone returns an independent copy by printing and reparsing.
func (u *Unit) Clone(name string) (*Unit, error) {
	text, err := u.Text()
	if err != nil {
		return nil, err
	}
	return Parse(name, []byte(text))
}

// Dispose releases the module. It is idempotent.
func (u *Unit) Dispose() {
	if u == nil {
		return
	}
	u.mod = nil
	u.disposed = true
}

func (u *Unit) Disposed() bool {
	return u == nil || u.disposed
}

// reload replaces the module with a freshly parsed copy of text so that
// references moved between modules resolve by name again.
func (u *Unit) reload(text string) error {
	m, err := asm.ParseString(u.Name, text)
	if err != nil {
		return fmt.Errorf("reparse %s: %w", u.Name, err)
	}
	u.mod = m
	return nil
}

// Replace swaps the module for one parsed from src, e.g. the output of an
// external optimizer. The unit is left untouched when src does not parse.
func (u *Unit) Replace(src []byte) error {
	if u == nil || u.disposed {
		return ErrDisposed
	}
	return u.reload(string(src))
}
