package build

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

var (
	ErrBuild          = errors.New("build failed")
	ErrCommandFailed  = errors.New("command execution failed")
	ErrVerification   = errors.New("verification failed")
	ErrStore          = errors.New("image store operation failed")
	ErrCopy           = errors.New("copy failed")
	ErrContainerState = errors.New("invalid container state")
)

// Returned when a command inside the working container exits non-zero.
//
// Matches [ErrCommandFailed] with [errors.Is].
type CommandError struct {
	Component string   // Component being built.
	Step      string   // Step that ran the command.
	Command   []string // Command argument vector.
	ExitCode  int      // Exit code reported by the tool.
	Stderr    string   // Captured standard error, possibly empty.
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: step %q: %s exited with code %d", e.Component, e.Step, runtime.FormatCommand(e.Command), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}
