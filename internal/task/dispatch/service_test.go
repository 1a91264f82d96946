package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/eventbus"
)

// recorder is an Observer that keeps everything it sees, per execution.
type recorder struct {
	mu     sync.Mutex
	events map[string][]string
	exits  map[string]int
}

func newRecorder() *recorder {
	return &recorder{events: map[string][]string{}, exits: map[string]int{}}
}

func (r *recorder) OnMessage(e *Execution, m Message) {
	r.mu.Lock()
	r.events[e.ID] = append(r.events[e.ID], "msg:"+m.Text())
	r.mu.Unlock()
}

func (r *recorder) OnFault(e *Execution, err error) {
	r.mu.Lock()
	r.events[e.ID] = append(r.events[e.ID], "fault")
	r.mu.Unlock()
}

func (r *recorder) OnExit(e *Execution, code int) {
	r.mu.Lock()
	r.events[e.ID] = append(r.events[e.ID], "exit")
	r.exits[e.ID] = code
	r.mu.Unlock()
}

func (r *recorder) get(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events[id]...)
}

func waitDone(t *testing.T, e *Execution) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := e.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "execution %s did not exit", e.ID)
	return code
}

func newTestService(t *testing.T, opts ...Option) (*Service, *FuncTable) {
	t.Helper()
	funcs := NewFuncTable()
	svc := New(Config{}, append([]Option{WithFuncs(funcs)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, funcs
}

func TestDispatchStreamsMessagesThenExit(t *testing.T) {
	rec := newRecorder()
	svc, funcs := newTestService(t, WithObserver(rec))
	funcs.Register("hello", func(ctx context.Context, out *Emitter) error {
		out.Print("one")
		out.Print("two")
		return nil
	})

	e, err := svc.Dispatch("greet", "func:hello")
	require.NoError(t, err)
	require.Equal(t, 0, waitDone(t, e))
	require.NoError(t, e.Err())

	var got []string
	for m := range e.Messages() {
		got = append(got, m.Text())
	}
	assert.Equal(t, []string{"one", "two"}, got)
	assert.Equal(t, []string{"msg:one", "msg:two", "exit"}, rec.get(e.ID))
	assert.Equal(t, 0, svc.Live("greet"))
}

func TestDispatchReturnsBeforeUnitFinishes(t *testing.T) {
	svc, funcs := newTestService(t)
	release := make(chan struct{})
	funcs.Register("block", func(ctx context.Context, out *Emitter) error {
		<-release
		return nil
	})

	e, err := svc.Dispatch("slow", "func:block")
	require.NoError(t, err)
	select {
	case <-e.Done():
		t.Fatal("execution finished before it was released")
	default:
	}
	assert.Equal(t, 1, svc.Live("slow"))

	close(release)
	assert.Equal(t, 0, waitDone(t, e))
	assert.Equal(t, 0, svc.Live("slow"))
}

func TestConcurrentExecutionsAreIndependent(t *testing.T) {
	rec := newRecorder()
	svc, funcs := newTestService(t, WithObserver(rec))
	release := make(chan struct{})
	funcs.Register("wait", func(ctx context.Context, out *Emitter) error {
		<-release
		out.Print("done")
		return nil
	})

	a, err := svc.Dispatch("twice", "func:wait")
	require.NoError(t, err)
	b, err := svc.Dispatch("twice", "func:wait")
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, svc.Live("twice"))

	close(release)
	assert.Equal(t, 0, waitDone(t, a))
	assert.Equal(t, 0, waitDone(t, b))
	assert.Equal(t, []string{"msg:done", "exit"}, rec.get(a.ID))
	assert.Equal(t, []string{"msg:done", "exit"}, rec.get(b.ID))

	snap := svc.Snapshot()
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, uint64(2), snap.Jobs[0].Started)
	assert.Equal(t, 0, snap.Jobs[0].Live)
	assert.Len(t, snap.History, 2)
}

func TestPanicBecomesFaultAndExitOne(t *testing.T) {
	rec := newRecorder()
	svc, funcs := newTestService(t, WithObserver(rec))
	funcs.Register("boom", func(ctx context.Context, out *Emitter) error { panic("kaboom") })

	e, err := svc.Dispatch("crashy", "func:boom")
	require.NoError(t, err)
	assert.Equal(t, ExitPanic, waitDone(t, e))

	f, ok := <-e.Faults()
	require.True(t, ok)
	assert.ErrorIs(t, f, ErrExecutionFault)
	var pe *PanicError
	require.ErrorAs(t, f, &pe)
	assert.Equal(t, "kaboom", pe.Value)

	assert.ErrorIs(t, e.Err(), ErrAbnormalExit)
	assert.Equal(t, []string{"fault", "exit"}, rec.get(e.ID))
	assert.Equal(t, uint64(1), svc.Snapshot().Jobs[0].Failed)
}

func TestFuncErrorsMapToExitCodes(t *testing.T) {
	svc, funcs := newTestService(t)
	funcs.Register("fail", func(ctx context.Context, out *Emitter) error { return errors.New("nope") })
	funcs.Register("three", func(ctx context.Context, out *Emitter) error { return Exit(3) })

	e, err := svc.Dispatch("a", "func:fail")
	require.NoError(t, err)
	assert.Equal(t, 1, waitDone(t, e))

	e, err = svc.Dispatch("b", "func:three")
	require.NoError(t, err)
	assert.Equal(t, 3, waitDone(t, e))
	_, ok := <-e.Faults()
	assert.False(t, ok, "Exit(n) must not add a fault")

	e, err = svc.Dispatch("c", "func:missing")
	require.NoError(t, err)
	assert.Equal(t, ExitLaunchFailed, waitDone(t, e))
	f := <-e.Faults()
	assert.ErrorIs(t, f, ErrUnknownFunc)
}

func TestUnreadHandleDropsInsteadOfBlocking(t *testing.T) {
	funcs := NewFuncTable()
	rec := newRecorder()
	svc := New(Config{BufferSize: 2}, WithFuncs(funcs), WithObserver(rec))
	defer svc.Close(context.Background())

	funcs.Register("chatty", func(ctx context.Context, out *Emitter) error {
		for i := 0; i < 10; i++ {
			out.Printf("line %d", i)
		}
		return nil
	})

	e, err := svc.Dispatch("chatty", "func:chatty")
	require.NoError(t, err)
	assert.Equal(t, 0, waitDone(t, e))
	assert.Equal(t, uint64(8), e.Dropped())
	assert.Len(t, rec.get(e.ID), 11, "observers are lossless")
}

func TestObserverPanicIsContained(t *testing.T) {
	bad := ObserverFuncs{Message: func(e *Execution, m Message) { panic("observer bug") }}
	rec := newRecorder()
	svc, funcs := newTestService(t, WithObserver(bad), WithObserver(rec))
	funcs.Register("hi", func(ctx context.Context, out *Emitter) error {
		out.Print("hi")
		return nil
	})

	e, err := svc.Dispatch("hi", "func:hi")
	require.NoError(t, err)
	assert.Equal(t, 0, waitDone(t, e))
	assert.Equal(t, []string{"msg:hi", "exit"}, rec.get(e.ID))
}

func TestObserverMayReadExitCode(t *testing.T) {
	got := make(chan int, 1)
	obs := ObserverFuncs{Exit: func(e *Execution, code int) { got <- e.ExitCode() }}
	svc, funcs := newTestService(t, WithObserver(obs))
	funcs.Register("two", func(ctx context.Context, out *Emitter) error { return Exit(2) })

	e, err := svc.Dispatch("two", "func:two")
	require.NoError(t, err)
	waitDone(t, e)
	assert.Equal(t, 2, <-got)
}

func TestTimeoutCancelsUnit(t *testing.T) {
	funcs := NewFuncTable()
	svc := New(Config{Timeout: 20 * time.Millisecond}, WithFuncs(funcs))
	defer svc.Close(context.Background())

	funcs.Register("forever", func(ctx context.Context, out *Emitter) error {
		<-ctx.Done()
		return ctx.Err()
	})

	e, err := svc.Dispatch("stuck", "func:forever")
	require.NoError(t, err)
	assert.Equal(t, 1, waitDone(t, e))

	var faults []error
	for f := range e.Faults() {
		faults = append(faults, f)
	}
	require.Len(t, faults, 2)
	assert.Contains(t, faults[1].Error(), "timed out")
}

func TestCloseRejectsDispatchAndCancelsInFlight(t *testing.T) {
	funcs := NewFuncTable()
	svc := New(Config{}, WithFuncs(funcs))
	funcs.Register("forever", func(ctx context.Context, out *Emitter) error {
		<-ctx.Done()
		return Exit(9)
	})

	e, err := svc.Dispatch("x", "func:forever")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Close(ctx))
	assert.Equal(t, 9, e.ExitCode())

	_, err = svc.Dispatch("x", "func:forever")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatchPublishesLifecycleEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	svc, funcs := newTestService(t, WithBus(bus))
	funcs.Register("hi", func(ctx context.Context, out *Emitter) error {
		out.Print("hi")
		return nil
	})
	e, err := svc.Dispatch("hi", "func:hi")
	require.NoError(t, err)
	waitDone(t, e)

	var types []string
	for len(types) < 3 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{eventbus.ExecutionStarted, eventbus.ExecutionMessage, eventbus.ExecutionExit}, types)
}

func TestDispatchRejectsEmptyRef(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Dispatch("x", "  ")
	assert.ErrorIs(t, err, ErrEmptyRef)
}
