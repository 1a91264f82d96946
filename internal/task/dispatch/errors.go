package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("dispatcher closed")
	ErrExecutionFault = errors.New("execution fault")
	ErrAbnormalExit   = errors.New("execution exited abnormally")
	ErrUnknownFunc    = errors.New("unknown function reference")
	ErrEmptyRef       = errors.New("empty executable reference")
)

// Exit codes reported for units that never produced a status of their own.
const (
	// ExitLaunchFailed is reported when the reference could not be started
	// (bad argv, missing binary, unknown function).
	ExitLaunchFailed = 127
	// ExitPanic is reported when an in-process unit panics.
	ExitPanic = 1
	// ExitSignaled is reported when a subprocess was terminated by a signal.
	ExitSignaled = -1
)

// Fault is a fault raised by a unit or by its isolation boundary.
// It matches ErrExecutionFault with errors.Is.
type Fault struct {
	Job    string
	ExecID string
	Err    error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("job %s (exec %s): %v", f.Job, f.ExecID, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

func (f *Fault) Is(target error) bool { return target == ErrExecutionFault }

// ExitError reports a non-zero terminal status.
// It matches ErrAbnormalExit with errors.Is.
type ExitError struct {
	Job    string
	ExecID string
	Code   int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("job %s (exec %s): exit code %d", e.Job, e.ExecID, e.Code)
}

func (e *ExitError) Is(target error) bool { return target == ErrAbnormalExit }

// PanicError wraps a value recovered from an in-process unit.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// StderrLine is a fault produced by a subprocess writing to stderr.
type StderrLine struct {
	Line string
}

func (e *StderrLine) Error() string { return "stderr: " + e.Line }

// Exit lets an in-process unit finish with a specific exit code.
// A zero code is a clean exit; a non-zero code is reported as an abnormal
// exit without an additional fault.
//
// Example:
//
//	return dispatch.Exit(3)
func Exit(code int) error { return exitCode(code) }

type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit %d", int(c)) }
