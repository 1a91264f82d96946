package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
dispatch:
  timeout: 30s
  env: ["MODE=test"]
storage:
  driver: sqlite
  path: ./jobs.db
jobs:
  - name: sync
    schedule: "*/5 * * * *"
    exec: /usr/local/bin/sync --full
  - name: report
    schedule: "0 0 * * *"
    exec: func:report
    enabled: false
    overlap: skip
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("jobsched.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, []string{"MODE=test"}, cfg.Dispatch.Env)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Jobs, 2)
	assert.True(t, cfg.Jobs[0].IsEnabled())
	assert.False(t, cfg.Jobs[1].IsEnabled())
	assert.Equal(t, "skip", cfg.Jobs[1].Overlap)
}

func TestDecodeJSONRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"jobs": [], "bogus": 1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	for _, trailing := range []string{`{"jobs": []} {"jobs": []}`, `{"jobs": []} {}`, `{"jobs": []} 1`} {
		_, err = Decode("c.json", []byte(trailing))
		require.Error(t, err, trailing)
		assert.Contains(t, err.Error(), "trailing data", trailing)
	}

	_, err = Decode("c.json", []byte(`{"jobs": []} {`))
	require.Error(t, err)

	_, err = Decode("c.yml", []byte("jobs: []\nnope: true\n"))
	require.Error(t, err)
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Jobs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "missing name", cfg: Config{Jobs: []JobConfig{{Schedule: "* * * * *", Exec: "x"}}}, want: "jobs[0].name required"},
		{name: "duplicate", cfg: Config{Jobs: []JobConfig{
			{Name: "a", Schedule: "* * * * *", Exec: "x"},
			{Name: "a", Schedule: "* * * * *", Exec: "y"},
		}}, want: `jobs[1].name "a" duplicates jobs[0]`},
		{name: "missing exec", cfg: Config{Jobs: []JobConfig{{Name: "a", Schedule: "* * * * *"}}}, want: "jobs[0].exec required"},
		{name: "overlap", cfg: Config{Jobs: []JobConfig{{Name: "a", Schedule: "* * * * *", Exec: "x", Overlap: "queue"}}}, want: "unknown policy"},
		{name: "timeout", cfg: Config{Dispatch: DispatchConfig{Timeout: "soon"}}, want: "dispatch.timeout"},
		{name: "driver", cfg: Config{Storage: &StorageConfig{Driver: "mongo"}}, want: "storage.driver"},
		{name: "env", cfg: Config{Dispatch: DispatchConfig{Env: []string{"NOEQUALS"}}}, want: "dispatch.env[0]"},
		{name: "telegram", cfg: Config{Alerts: AlertsConfig{Telegram: TelegramAlertConfig{Enabled: true}}}, want: "alerts.telegram.token"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoError(t, Validate(&Config{}))
}

func TestDiffJobs(t *testing.T) {
	off := false
	oldJobs := []JobConfig{
		{Name: "keep", Schedule: "* * * * *", Exec: "a"},
		{Name: "gone", Schedule: "* * * * *", Exec: "a"},
		{Name: "redef", Schedule: "* * * * *", Exec: "a"},
		{Name: "toggle", Schedule: "* * * * *", Exec: "a"},
		{Name: "wake", Schedule: "* * * * *", Exec: "a", Enabled: &off},
	}
	newJobs := []JobConfig{
		{Name: "keep", Schedule: "* * * * *", Exec: "a"},
		{Name: "redef", Schedule: "*/2 * * * *", Exec: "a"},
		{Name: "toggle", Schedule: "* * * * *", Exec: "a", Enabled: &off},
		{Name: "wake", Schedule: "* * * * *", Exec: "a"},
		{Name: "new", Schedule: "* * * * *", Exec: "a"},
	}

	d := DiffJobs(oldJobs, newJobs)
	assert.Equal(t, []string{"new"}, d.Added)
	assert.Equal(t, []string{"gone"}, d.Removed)
	assert.Equal(t, []string{"redef"}, d.Redefined)
	assert.Equal(t, []string{"wake"}, d.Enabled)
	assert.Equal(t, []string{"toggle"}, d.Disabled)
	assert.True(t, DiffJobs(oldJobs, oldJobs).Empty())
}

func TestSummarizeConfigChangeHidesToken(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{Alerts: AlertsConfig{Telegram: TelegramAlertConfig{Enabled: true, Token: "secret", ChatID: 1}}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"alerts"}, changed)
	assert.Len(t, attrs, 2)
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobsched.json")
	write := func(s string) {
		require.NoError(t, os.WriteFile(path, []byte(s), 0o644))
	}
	write(`{"jobs": [{"name": "a", "schedule": "* * * * *", "exec": "x"}]}`)

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	rejected := errors.New("no jobs named b")
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		for _, j := range cfg.Jobs {
			if j.Name == "b" {
				return rejected
			}
		}
		return nil
	})

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	write(`{"jobs": [{"name": "b", "schedule": "* * * * *", "exec": "x"}]}`)
	select {
	case cfg := <-ch:
		t.Fatalf("rejected config was published: %+v", cfg)
	case <-time.After(time.Second):
	}
	assert.Equal(t, "a", m.Get().Jobs[0].Name)

	write(`{"jobs": [{"name": "c", "schedule": "* * * * *", "exec": "x"}]}`)
	select {
	case cfg := <-ch:
		assert.Equal(t, "c", cfg.Jobs[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not published")
	}
	assert.Equal(t, "c", m.Get().Jobs[0].Name)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseDurationOrDefault("x", "0s", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
}
