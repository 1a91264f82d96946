package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test: it is the subprocess body for the
// process runner tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("JOBSCHED_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	switch args[0] {
	case "echo":
		for _, a := range args[1:] {
			fmt.Println(a)
		}
		os.Exit(0)
	case "fail":
		fmt.Fprintln(os.Stderr, "something broke")
		fmt.Println("partial")
		os.Exit(3)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "linger":
		time.Sleep(5 * time.Second)
		os.Exit(0)
	case "spawn":
		// The grandchild inherits our stdout and outlives us.
		child := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", "linger")
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			os.Exit(4)
		}
		fmt.Println("spawned")
		os.Exit(0)
	}
	os.Exit(2)
}

func helperRef(args ...string) string {
	return shellquote.Join(append([]string{os.Args[0], "-test.run=TestHelperProcess", "--"}, args...)...)
}

func helperRunner() *ProcessRunner {
	return &ProcessRunner{Env: []string{"JOBSCHED_HELPER_PROCESS=1"}, KillGrace: time.Second}
}

func TestProcessRunnerStdoutLinesAreMessages(t *testing.T) {
	svc, _ := newTestService(t, WithProcessRunner(helperRunner()))

	e, err := svc.Dispatch("echo", helperRef("echo", "hello world", "bye"))
	require.NoError(t, err)
	assert.Equal(t, 0, waitDone(t, e))

	var got []string
	for m := range e.Messages() {
		got = append(got, m.Text())
	}
	assert.Equal(t, []string{"hello world", "bye"}, got)
}

func TestProcessRunnerStderrIsFaultAndExitCodeIsKept(t *testing.T) {
	svc, _ := newTestService(t, WithProcessRunner(helperRunner()))

	e, err := svc.Dispatch("fail", helperRef("fail"))
	require.NoError(t, err)
	assert.Equal(t, 3, waitDone(t, e))

	f, ok := <-e.Faults()
	require.True(t, ok)
	var line *StderrLine
	require.ErrorAs(t, f, &line)
	assert.Equal(t, "something broke", line.Line)
	assert.ErrorIs(t, e.Err(), ErrAbnormalExit)
}

func TestProcessRunnerLaunchFailure(t *testing.T) {
	svc, _ := newTestService(t)

	e, err := svc.Dispatch("missing", "/definitely/not/a/binary --flag")
	require.NoError(t, err)
	assert.Equal(t, ExitLaunchFailed, waitDone(t, e))

	e, err = svc.Dispatch("badquote", `echo "unterminated`)
	require.NoError(t, err)
	assert.Equal(t, ExitLaunchFailed, waitDone(t, e))
}

func TestProcessRunnerCanceledProcessIsSignaled(t *testing.T) {
	r := helperRunner()
	ctx, cancel := context.WithCancel(context.Background())
	sink := &bufSink{}

	done := make(chan int, 1)
	go func() { done <- r.Run(ctx, helperRef("sleep"), sink) }()
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, ExitSignaled, code)
	case <-time.After(10 * time.Second):
		t.Fatal("process was not terminated")
	}
}

func TestProcessRunnerDoesNotWaitForBackgroundChildren(t *testing.T) {
	svc, _ := newTestService(t, WithProcessRunner(helperRunner()))

	start := time.Now()
	e, err := svc.Dispatch("bg", helperRef("spawn"))
	require.NoError(t, err)
	assert.Equal(t, 0, waitDone(t, e))
	assert.Less(t, time.Since(start), 4*time.Second, "exit waited for the grandchild")

	var got []string
	for m := range e.Messages() {
		got = append(got, m.Text())
	}
	assert.Equal(t, []string{"spawned"}, got)
	require.Eventually(t, func() bool { return svc.Live("bg") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLineWriterSplitsAndBoundsLines(t *testing.T) {
	sink := &bufSink{}
	var lines []string
	w := &lineWriter{max: 8, out: sink, emit: func(b []byte) { lines = append(lines, string(b)) }}

	_, _ = w.Write([]byte("one\r\ntw"))
	_, _ = w.Write([]byte("o\n\n" + strings.Repeat("x", 20) + "\nthree"))
	w.flush()

	assert.Equal(t, []string{"one", "two", "three"}, lines)
	require.Len(t, sink.faults, 1)
	assert.ErrorIs(t, sink.faults[0], bufio.ErrTooLong)
}

func TestSplitRef(t *testing.T) {
	argv, err := SplitRef(`/usr/local/bin/sync --full "two words"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/local/bin/sync", "--full", "two words"}, argv)

	_, err = SplitRef("   ")
	assert.ErrorIs(t, err, ErrEmptyRef)
}

type bufSink struct {
	msgs   [][]byte
	faults []error
}

func (b *bufSink) Message(data []byte) { b.msgs = append(b.msgs, data) }
func (b *bufSink) Fault(err error)     { b.faults = append(b.faults, err) }
