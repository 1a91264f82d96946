package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate checks the parts of a config that need no other package.
// Schedules and function references are checked by the app, which knows the
// evaluator and the function table.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := ParseDurationField("dispatch.timeout", cfg.Dispatch.Timeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("dispatch.kill_grace", cfg.Dispatch.KillGrace); err != nil {
		errs = append(errs, err)
	}
	if cfg.Dispatch.BufferSize < 0 {
		errs = append(errs, errors.New("dispatch.buffer_size must be >= 0"))
	}
	if cfg.Dispatch.HistorySize < 0 {
		errs = append(errs, errors.New("dispatch.history_size must be >= 0"))
	}
	for i, kv := range cfg.Dispatch.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("dispatch.env[%d]: want KEY=VALUE, got %q", i, kv))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q (want file|sqlite|none)", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if tg := cfg.Alerts.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			errs = append(errs, errors.New("alerts.telegram.token required when enabled"))
		}
		if tg.ChatID == 0 {
			errs = append(errs, errors.New("alerts.telegram.chat_id required when enabled"))
		}
	}

	if _, err := ParseDurationField("debug.read_timeout", cfg.Debug.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("debug.idle_timeout", cfg.Debug.IdleTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Debug.Enabled && strings.TrimSpace(cfg.Debug.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Debug.Addr)); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: invalid %q (expected host:port): %w", cfg.Debug.Addr, err))
		}
	}

	seen := make(map[string]int, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		path := fmt.Sprintf("jobs[%d]", i)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name required", path))
		} else if prev, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates jobs[%d]", path, name, prev))
		} else {
			seen[name] = i
		}
		if strings.TrimSpace(j.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule required", path))
		}
		if strings.TrimSpace(j.Exec) == "" {
			errs = append(errs, fmt.Errorf("%s.exec required", path))
		}
		switch strings.ToLower(strings.TrimSpace(j.Overlap)) {
		case "", "allow", "skip":
		default:
			errs = append(errs, fmt.Errorf("%s.overlap: unknown policy %q (want allow|skip)", path, j.Overlap))
		}
	}
	return errors.Join(errs...)
}
