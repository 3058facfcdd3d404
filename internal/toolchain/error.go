package toolchain

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Error describes a failed tool invocation: the command could not be
// started, or it exited with a non-zero status.
type Error struct {
	Description string
	Cmd         Command
	Err         error
	Stdout      string
	Stderr      string
}

func (err *Error) Error() string {
	return fmt.Sprintf("%s failed: %v", err.Description, err.Err)
}

// Unwrap implements the unwrappable implicit interface for go1.13 Unwrap()
func (err *Error) Unwrap() error {
	return err.Err
}

// NotFound reports whether the program could not be found or started.
func (err *Error) NotFound() bool {
	return errors.Is(err.Err, exec.ErrNotFound)
}

// Notes returns the lines worth attaching to a diagnostic: the command line,
// then stderr and stdout as separate notes when the tool printed them.
func (err *Error) Notes() []string {
	notes := []string{err.Cmd.String()}
	if out := strings.TrimSpace(err.Stderr); out != "" {
		notes = append(notes, "stderr: "+out)
	}
	if out := strings.TrimSpace(err.Stdout); out != "" {
		notes = append(notes, "stdout: "+out)
	}
	return notes
}

// exitStatus renders how a command ended for trace events: "0", the exit
// code, or "spawn" when the program never ran.
func exitStatus(err error) string {
	if err == nil {
		return "0"
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return strconv.Itoa(code)
		}
		return "signal"
	}
	return "spawn"
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
