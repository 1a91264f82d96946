package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobsched/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured fields for logging. Secrets (the telegram token) are never
// included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.buffer_size", newCfg.Dispatch.BufferSize),
			logx.String("dispatch.timeout", strings.TrimSpace(newCfg.Dispatch.Timeout)),
			logx.Int("dispatch.env_count", len(newCfg.Dispatch.Env)),
		)
	}

	var oDriver, nDriver string
	var oPath, nPath string
	if oldCfg.Storage != nil {
		oDriver, oPath = strings.TrimSpace(oldCfg.Storage.Driver), strings.TrimSpace(oldCfg.Storage.Path)
	}
	if newCfg.Storage != nil {
		nDriver, nPath = strings.TrimSpace(newCfg.Storage.Driver), strings.TrimSpace(newCfg.Storage.Path)
	}
	if oDriver != nDriver || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", nDriver), logx.Bool("storage.path_set", nPath != ""))
	}

	oTG, nTG := oldCfg.Alerts.Telegram, newCfg.Alerts.Telegram
	if oTG.Enabled != nTG.Enabled || oTG.ChatID != nTG.ChatID || oTG.ThreadID != nTG.ThreadID ||
		oTG.RatePerSec != nTG.RatePerSec || oTG.Token != nTG.Token {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.telegram.enabled", nTG.Enabled),
			logx.Bool("alerts.telegram.token_set", strings.TrimSpace(nTG.Token) != ""),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	jd := DiffJobs(oldCfg.Jobs, newCfg.Jobs)
	if !jd.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.added", len(jd.Added)),
			logx.Int("jobs.removed", len(jd.Removed)),
			logx.Int("jobs.redefined", len(jd.Redefined)),
			logx.Int("jobs.enabled", len(jd.Enabled)),
			logx.Int("jobs.disabled", len(jd.Disabled)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// JobDiff lists job names by how they changed between two configs.
type JobDiff struct {
	Added     []string
	Removed   []string
	Redefined []string // schedule, exec or overlap changed
	Enabled   []string
	Disabled  []string
}

func (d JobDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Redefined) == 0 &&
		len(d.Enabled) == 0 && len(d.Disabled) == 0
}

func DiffJobs(oldJobs, newJobs []JobConfig) JobDiff {
	index := func(js []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	var d JobDiff
	for name, n := range newM {
		o, ok := oldM[name]
		if !ok {
			d.Added = append(d.Added, name)
			continue
		}
		if strings.TrimSpace(o.Schedule) != strings.TrimSpace(n.Schedule) ||
			strings.TrimSpace(o.Exec) != strings.TrimSpace(n.Exec) ||
			!strings.EqualFold(strings.TrimSpace(o.Overlap), strings.TrimSpace(n.Overlap)) {
			d.Redefined = append(d.Redefined, name)
		}
		switch {
		case !o.IsEnabled() && n.IsEnabled():
			d.Enabled = append(d.Enabled, name)
		case o.IsEnabled() && !n.IsEnabled():
			d.Disabled = append(d.Disabled, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Redefined)
	sort.Strings(d.Enabled)
	sort.Strings(d.Disabled)
	return d
}
