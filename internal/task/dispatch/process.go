package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
)

// ProcessRunner runs a reference as an OS subprocess.
//
// The reference is split into argv with shell quoting rules (no shell is
// involved). Each non-empty stdout line becomes a message and each non-empty
// stderr line becomes a *StderrLine fault.
type ProcessRunner struct {
	// Dir is the working directory; empty inherits ours.
	Dir string
	// Env is appended to the inherited environment ("KEY=VALUE").
	Env []string
	// KillGrace is how long a canceled process gets between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// MaxLineBytes bounds a single output line; longer lines become a fault.
	MaxLineBytes int
}

const defaultMaxLineBytes = 1 << 20

// SplitRef splits an executable reference into argv.
func SplitRef(ref string) ([]string, error) {
	argv, err := shellquote.Split(ref)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyRef
	}
	return argv, nil
}

func (r *ProcessRunner) Run(ctx context.Context, ref string, out Sink) int {
	argv, err := SplitRef(ref)
	if err != nil {
		out.Fault(err)
		return ExitLaunchFailed
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	grace := r.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = grace

	maxLine := r.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	// exec copies both streams itself, so a background grandchild that
	// inherits them holds the run open for at most WaitDelay after exit.
	stdout := &lineWriter{max: maxLine, out: out, emit: func(line []byte) { out.Message(line) }}
	stderr := &lineWriter{max: maxLine, out: out, emit: func(line []byte) { out.Fault(&StderrLine{Line: string(line)}) }}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		out.Fault(fmt.Errorf("start %s: %w", argv[0], err))
		return ExitLaunchFailed
	}
	err = cmd.Wait()
	stdout.flush()
	stderr.flush()
	return exitStatus(err, out)
}

// lineWriter turns a byte stream into non-empty lines. Lines longer than max
// are dropped and reported once as a fault.
type lineWriter struct {
	max  int
	out  Sink
	emit func([]byte)

	buf  []byte
	over bool
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.add(p)
			break
		}
		w.add(p[:i])
		w.flush()
		p = p[i+1:]
	}
	return n, nil
}

func (w *lineWriter) add(b []byte) {
	if w.over {
		return
	}
	if len(w.buf)+len(b) > w.max {
		w.over = true
		w.buf = w.buf[:0]
		w.out.Fault(fmt.Errorf("read output: %w", bufio.ErrTooLong))
		return
	}
	w.buf = append(w.buf, b...)
}

func (w *lineWriter) flush() {
	line := bytes.TrimSuffix(w.buf, []byte{'\r'})
	if !w.over && len(line) > 0 {
		w.emit(append([]byte(nil), line...))
	}
	w.buf = w.buf[:0]
	w.over = false
}

func exitStatus(err error, out Sink) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			out.Fault(fmt.Errorf("terminated by signal %s", ws.Signal()))
			return ExitSignaled
		}
		return ee.ExitCode()
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return 0
	}
	out.Fault(err)
	return ExitLaunchFailed
}
