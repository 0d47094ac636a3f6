package system

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrNoMatchingRule is returned (wrapped in an OperationError) when unblock
// finds no DROP rule for the requested port and protocol.
var ErrNoMatchingRule = errors.New("no matching rule found")

// ErrOutputLimit marks a command killed for writing more than the configured cap.
var ErrOutputLimit = errors.New("output limit exceeded")

// ExecutionError reports a command that could not be started, exited non-zero,
// timed out or was killed for producing too much output.
type ExecutionError struct {
	Command  string
	ExitCode int // -1 when unknown
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	code := "unknown"
	if e.ExitCode >= 0 {
		code = strconv.Itoa(e.ExitCode)
	}
	msg := e.Stderr
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("command failed: %s (exit code %s): %s", e.Command, code, msg)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PermissionError is returned by the privilege gate before anything is executed.
type PermissionError struct {
	Command string
}

func (e *PermissionError) Error() string {
	return "this operation requires root privileges (" + e.Command + "); re-run as root or with sudo"
}

// OperationError is a domain-level failure of one of the mutating actions.
type OperationError struct {
	Op     string
	Target string
	Err    error
}

func (e *OperationError) Error() string {
	if e.Target == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Target + ": " + e.Err.Error()
}

func (e *OperationError) Unwrap() error { return e.Err }

// IsPermission reports whether err carries a PermissionError.
func IsPermission(err error) bool {
	var perr *PermissionError
	return errors.As(err, &perr)
}

func opError(op, target string, err error) error {
	if err == nil {
		return nil
	}
	if IsPermission(err) {
		return err
	}
	return &OperationError{Op: op, Target: target, Err: err}
}
