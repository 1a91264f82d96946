package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/config"
	"jobsched/internal/storage"
	"jobsched/internal/task/dispatch"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

func testFuncs() *dispatch.FuncTable {
	t := dispatch.NewFuncTable()
	t.Register("hello", func(ctx context.Context, out *dispatch.Emitter) error {
		out.Print("hello")
		return nil
	})
	t.Register("broken", func(ctx context.Context, out *dispatch.Emitter) error {
		return errors.New("boom")
	})
	return t
}

func TestValidateJobs(t *testing.T) {
	funcs := testFuncs()
	ok := &config.Config{Jobs: []config.JobConfig{
		{Name: "a", Schedule: "*/5 * * * *", Exec: "func:hello"},
		{Name: "b", Schedule: "@hourly", Exec: "/bin/echo 'hi there'"},
		{Name: "c", Schedule: "30 0 0 * * *", Exec: "func:broken", Overlap: "skip"},
	}}
	require.NoError(t, ValidateJobs(ok, funcs))

	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{name: "malformed", cfg: config.Config{Jobs: []config.JobConfig{{Name: "a", Schedule: "61 * * * *", Exec: "x"}}}, want: "malformed schedule"},
		{name: "interval", cfg: config.Config{Jobs: []config.JobConfig{{Name: "a", Schedule: "@every 5m", Exec: "x"}}}, want: "interval"},
		{name: "unknown func", cfg: config.Config{Jobs: []config.JobConfig{{Name: "a", Schedule: "* * * * *", Exec: "func:nope"}}}, want: "unknown function"},
		{name: "unbalanced quote", cfg: config.Config{Jobs: []config.JobConfig{{Name: "a", Schedule: "* * * * *", Exec: "echo 'oops"}}}, want: "jobs[0] (a).exec"},
		{name: "timezone", cfg: config.Config{Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}}, want: "scheduler.timezone"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobs(&tt.cfg, funcs)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPreviewJobs(t *testing.T) {
	off := false
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Timezone: "UTC"},
		Jobs: []config.JobConfig{
			{Name: "nightly", Schedule: "0 0 * * *", Exec: "x"},
			{Name: "quarter", Schedule: "*/15 * * * *", Exec: "x", Enabled: &off},
		},
	}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := PreviewJobs(cfg, from, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "nightly", got[0].Name)
	assert.True(t, got[0].Enabled)
	assert.Equal(t, []time.Time{from.Add(24 * time.Hour), from.Add(48 * time.Hour)}, got[0].Next)

	assert.False(t, got[1].Enabled)
	assert.Equal(t, []time.Time{from.Add(15 * time.Minute), from.Add(30 * time.Minute)}, got[1].Next)
}

func TestReconcileJobs(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	disp := dispatch.New(dispatch.Config{}, dispatch.WithFuncs(testFuncs()), dispatch.WithClock(clock))
	defer disp.Close(context.Background())
	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, disp, scheduler.WithClock(clock))
	defer sched.Close(context.Background())

	off := false
	state := func(name string) scheduler.State {
		t.Helper()
		j, ok := sched.Lookup(name)
		require.True(t, ok, "job %s not registered", name)
		return j.State
	}

	reconcileJobs(sched, []config.JobConfig{
		{Name: "a", Schedule: "* * * * *", Exec: "func:hello"},
		{Name: "b", Schedule: "* * * * *", Exec: "func:hello", Enabled: &off},
	}, logx.Nop())
	assert.Equal(t, scheduler.StateArmed, state("a"))
	assert.Equal(t, scheduler.StateRegistered, state("b"))

	// a removed, b enabled, c added.
	reconcileJobs(sched, []config.JobConfig{
		{Name: "b", Schedule: "* * * * *", Exec: "func:hello"},
		{Name: "c", Schedule: "0 0 * * *", Exec: "func:hello", Overlap: "skip"},
	}, logx.Nop())
	assert.Equal(t, scheduler.StateStopped, state("a"))
	assert.Equal(t, scheduler.StateArmed, state("b"))
	assert.Equal(t, scheduler.StateArmed, state("c"))
	c, _ := sched.Lookup("c")
	assert.Equal(t, scheduler.OverlapSkip, c.Overlap)

	// A redefinition keeps the original schedule.
	reconcileJobs(sched, []config.JobConfig{
		{Name: "a", Schedule: "*/10 * * * *", Exec: "func:broken"},
	}, logx.Nop())
	a, _ := sched.Lookup("a")
	assert.Equal(t, scheduler.StateArmed, a.State)
	assert.Equal(t, "* * * * *", a.Schedule)
	assert.Equal(t, "func:hello", a.Ref)
	assert.Equal(t, scheduler.StateStopped, state("b"))
	assert.Len(t, sched.List(), 3)
}

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *captureSender) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

func TestAppRunsJobsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "jobsched.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
logging:
  level: warn
  console: true
scheduler:
  timezone: UTC
storage:
  driver: file
  path: `+filepath.Join(dir, "history")+`
jobs:
  - name: greet
    schedule: "* * * * *"
    exec: func:hello
  - name: crash
    schedule: "* * * * *"
    exec: func:broken
`), 0o644))

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC))
	sender := &captureSender{}
	a, err := NewApp(cfgPath, WithFuncs(testFuncs()), WithClock(clock), WithAlertSender(sender))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	clock.BlockUntil(2)
	clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool {
		recs, err := a.Store().RecentExecutions(context.Background(), storage.Query{})
		return err == nil && len(recs) == 2
	}, 5*time.Second, 20*time.Millisecond)

	recs, err := a.Store().RecentExecutions(context.Background(), storage.Query{Job: "crash"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Code)
	assert.Equal(t, "boom", recs[0].LastFault)

	require.Eventually(t, func() bool { return sender.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	snap := a.Scheduler().Snapshot()
	require.Len(t, snap.Jobs, 2)
	for _, j := range snap.Jobs {
		assert.Equal(t, uint64(1), j.Fires, j.Name)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	_, err = a.Dispatcher().Dispatch("greet", "func:hello")
	assert.ErrorIs(t, err, dispatch.ErrClosed)
}
