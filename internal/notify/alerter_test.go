package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/task/dispatch"
	logx "jobsched/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fail  int // fail this many sends first
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("telegram unavailable")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func runJob(t *testing.T, disp *dispatch.Service, job, ref string) {
	t.Helper()
	e, err := disp.Dispatch(job, ref)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = e.Wait(ctx)
}

func newDispatcher(t *testing.T, a *Alerter) *dispatch.Service {
	t.Helper()
	funcs := dispatch.NewFuncTable()
	funcs.Register("ok", func(ctx context.Context, out *dispatch.Emitter) error { return nil })
	funcs.Register("fail", func(ctx context.Context, out *dispatch.Emitter) error { return errors.New("disk full") })
	disp := dispatch.New(dispatch.Config{}, dispatch.WithFuncs(funcs), dispatch.WithObserver(a))
	t.Cleanup(func() { _ = disp.Close(context.Background()) })
	return disp
}

func TestAlerterSendsOnAbnormalExitOnly(t *testing.T) {
	s := &fakeSender{}
	a := NewAlerter(Config{RatePerSec: 100}, s, logx.Nop())
	defer a.Close(context.Background())
	disp := newDispatcher(t, a)

	runJob(t, disp, "fine", "func:ok")
	runJob(t, disp, "backup", "func:fail")

	require.Eventually(t, func() bool { return len(s.got()) == 1 }, 5*time.Second, 10*time.Millisecond)
	text := s.got()[0]
	assert.Contains(t, text, "job backup exited with code 1")
	assert.Contains(t, text, "last fault: disk full")
	assert.Equal(t, uint64(1), a.Stats().Sent)
}

func TestAlerterRetries(t *testing.T) {
	s := &fakeSender{fail: 2}
	a := NewAlerter(Config{RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, s, logx.Nop())
	defer a.Close(context.Background())
	disp := newDispatcher(t, a)

	runJob(t, disp, "backup", "func:fail")
	require.Eventually(t, func() bool { return len(s.got()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), a.Stats().Failed)
}

func TestAlerterDedupsPerJob(t *testing.T) {
	s := &fakeSender{}
	a := NewAlerter(Config{RatePerSec: 100, DedupWindow: time.Hour}, s, logx.Nop())
	defer a.Close(context.Background())
	disp := newDispatcher(t, a)

	runJob(t, disp, "backup", "func:fail")
	runJob(t, disp, "backup", "func:fail")
	runJob(t, disp, "other", "func:fail")

	require.Eventually(t, func() bool { return len(s.got()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), a.Stats().Suppressed)
}

func TestRetryDelayIsCapped(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, time.Second)
	}
}
