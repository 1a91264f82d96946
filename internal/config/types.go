package config

// Config is the on-disk configuration. It is decoded strictly: unknown
// fields are rejected, in JSON and YAML alike.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Alerts    AlertsConfig    `json:"alerts"`
	Debug     DebugConfig     `json:"debug"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type SchedulerConfig struct {
	// Timezone is an IANA zone name used for every expression without its own
	// CRON_TZ= prefix. Empty means the host's local time.
	Timezone string `json:"timezone"`
}

// DispatchConfig controls executions.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - buffer_size: 64
//   - history_size: 200
//   - timeout: "0s" (disabled)
//   - kill_grace: "5s"
//   - max_line_bytes: 1 MiB
//   - fault_log_per_sec: 5 (negative disables the cap)
type DispatchConfig struct {
	BufferSize     int      `json:"buffer_size,omitempty"`
	HistorySize    int      `json:"history_size,omitempty"`
	Timeout        string   `json:"timeout,omitempty"`
	KillGrace      string   `json:"kill_grace,omitempty"`
	WorkDir        string   `json:"work_dir,omitempty"`
	Env            []string `json:"env,omitempty"`
	MaxLineBytes   int      `json:"max_line_bytes,omitempty"`
	FaultLogPerSec int      `json:"fault_log_per_sec,omitempty"`
}

// StorageConfig controls execution history persistence.
// A nil section (or driver "none") disables it.
type StorageConfig struct {
	Driver string `json:"driver"` // "file" | "sqlite" | "none"
	Path   string `json:"path"`
	// BusyTimeout is a Go duration string used by sqlite.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `json:"telegram"`
}

// TelegramAlertConfig sends a message for every abnormal exit.
type TelegramAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// DebugConfig controls the optional HTTP endpoint exposing pprof and the
// scheduler/dispatcher snapshots. Binding to a non-loopback address requires
// a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// JobConfig declares one job. Jobs are re-declared from configuration on
// every start; nothing about them is persisted.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Exec     string `json:"exec"`
	// Enabled is a pointer so we can distinguish "omitted" (enabled) from an
	// explicit false.
	Enabled *bool  `json:"enabled,omitempty"`
	Overlap string `json:"overlap,omitempty"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }
