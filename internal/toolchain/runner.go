package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"kiln/internal/trace"
)

// Runner executes commands. ExecRunner runs real programs; tests plug in
// RunnerFunc fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) (Output, error)

func (f RunnerFunc) Run(ctx context.Context, cmd Command) (Output, error) {
	return f(ctx, cmd)
}

// ExecRunner runs commands with os/exec and captures both output streams.
type ExecRunner struct {
	// PrintCommands echoes every command to Echo before it runs.
	PrintCommands bool
	Echo          io.Writer
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (Output, error) {
	if r.PrintCommands {
		w := r.Echo
		if w == nil {
			w = os.Stdout
		}
		if _, err := fmt.Fprintln(w, c.String()); err != nil {
			return Output{}, fmt.Errorf("failed to print command: %w", err)
		}
	}

	span := trace.Begin(trace.FromContext(ctx), trace.ScopeCommand, c.Name, trace.CurrentSpan(ctx).SpanID)
	span.WithExtra("argv", c.String())

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	span.Exit(exitStatus(err))
	if err != nil {
		span.End("failed")
		return out, &Error{
			Description: fmt.Sprintf("`%s`", c.Name),
			Cmd:         c,
			Err:         err,
			Stdout:      stdout.String(),
			Stderr:      stderr.String(),
		}
	}
	span.End("")
	return out, nil
}

// Check wraps a non-nil error from a fake or custom runner into *Error so
// callers can rely on the command being attached.
func Check(c Command, out Output, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	return &Error{
		Description: fmt.Sprintf("`%s`", c.Name),
		Cmd:         c,
		Err:         err,
		Stdout:      string(out.Stdout),
		Stderr:      strings.TrimSpace(string(out.Stderr)),
	}
}

// Run executes c on r and normalizes the error.
func Run(ctx context.Context, r Runner, c Command) (Output, error) {
	out, err := r.Run(ctx, c)
	return out, Check(c, out, err)
}
