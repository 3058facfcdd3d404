// Package toolchain runs the external programs the backend depends on:
// the C compiler driver used as linker, ar, the LLVM tools and ld.gold.
package toolchain

import (
	"slices"

	"github.com/kballard/go-shellquote"
)

// Command is one external invocation. It is an argument vector, never a
// shell string.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the inherited environment.
	Env []string
}

// NewCommand returns a Command running name with args.
func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: slices.Clone(args)}
}

// Arg appends arguments and returns the command for chaining.
func (c *Command) Arg(args ...string) *Command {
	c.Args = append(c.Args, args...)
	return c
}

// Argv returns name followed by the arguments.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// String renders the command the way a user would paste it into a shell.
func (c Command) String() string {
	return shellquote.Join(c.Argv()...)
}

// Output is what a finished command wrote.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Combined returns stderr followed by stdout, the order linkers are most
// readable in.
func (o Output) Combined() string {
	out := make([]byte, 0, len(o.Stderr)+len(o.Stdout))
	out = append(out, o.Stderr...)
	out = append(out, o.Stdout...)
	return string(out)
}
