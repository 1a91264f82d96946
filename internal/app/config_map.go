package app

import (
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/notify"
	"jobsched/internal/observability/pprof"
	"jobsched/internal/storage"
	"jobsched/internal/task/dispatch"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, true, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, *dispatch.ProcessRunner, error) {
	dc := cfg.Dispatch
	timeout, err := config.ParseDurationField("dispatch.timeout", dc.Timeout)
	if err != nil {
		return dispatch.Config{}, nil, err
	}
	grace, err := config.ParseDurationOrDefault("dispatch.kill_grace", dc.KillGrace, 5*time.Second)
	if err != nil {
		return dispatch.Config{}, nil, err
	}
	out := dispatch.Config{
		BufferSize:     dc.BufferSize,
		HistorySize:    dc.HistorySize,
		Timeout:        timeout,
		FaultLogPerSec: dc.FaultLogPerSec,
	}
	runner := &dispatch.ProcessRunner{
		Dir:          strings.TrimSpace(dc.WorkDir),
		Env:          append([]string(nil), dc.Env...),
		KillGrace:    grace,
		MaxLineBytes: dc.MaxLineBytes,
	}
	return out, runner, nil
}

func mapAlertConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		RatePerSec:  cfg.Alerts.Telegram.RatePerSec,
		RetryMax:    3,
		DedupWindow: time.Minute,
	}
}

func mapDebugConfig(cfg *config.Config) (pprof.Config, error) {
	dc := cfg.Debug
	readTO, err := config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	idleTO, err := config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 120*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	addr := strings.TrimSpace(dc.Addr)
	if addr == "" {
		addr = pprof.DefaultAddr
	}
	return pprof.Config{
		Enabled:       dc.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		ReadTimeout:   readTO,
		IdleTimeout:   idleTO,
	}, nil
}

// OpenStore opens the execution store cfg describes. It returns nil, nil
// when storage is disabled.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	return storage.Open(sc, log)
}
