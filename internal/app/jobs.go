package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/task/dispatch"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

// ValidateJobs checks what config.Validate cannot: every schedule parses,
// every func: reference names a registered function, and the timezone
// loads. It never arms anything.
func ValidateJobs(cfg *config.Config, funcs *dispatch.FuncTable) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	loc, err := loadTimezone(cfg.Scheduler.Timezone)
	if err != nil {
		errs = append(errs, err)
	}
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d] (%s)", i, strings.TrimSpace(j.Name))
		if _, err := scheduler.ParseExpression(j.Schedule, loc); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
		}
		if _, err := scheduler.ParseOverlapPolicy(j.Overlap); err != nil {
			errs = append(errs, fmt.Errorf("%s.overlap: %w", path, err))
		}
		ref := strings.TrimSpace(j.Exec)
		if strings.HasPrefix(ref, dispatch.FuncScheme) {
			if funcs == nil {
				errs = append(errs, fmt.Errorf("%s.exec: %w: no functions registered", path, dispatch.ErrUnknownFunc))
			} else if err := funcs.Resolve(ref); err != nil {
				errs = append(errs, fmt.Errorf("%s.exec: %w", path, err))
			}
		} else if _, err := dispatch.SplitRef(ref); err != nil {
			errs = append(errs, fmt.Errorf("%s.exec: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

func loadTimezone(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

// JobPreview is one job's upcoming fire times.
type JobPreview struct {
	Name    string
	Enabled bool
	Next    []time.Time
}

// PreviewJobs returns the next n fire times of every configured job, in
// config order.
func PreviewJobs(cfg *config.Config, from time.Time, n int) ([]JobPreview, error) {
	loc, err := loadTimezone(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	out := make([]JobPreview, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		expr, err := scheduler.ParseExpression(j.Schedule, loc)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.Name, err)
		}
		out = append(out, JobPreview{
			Name:    strings.TrimSpace(j.Name),
			Enabled: j.IsEnabled(),
			Next:    expr.NextN(from, n),
		})
	}
	return out, nil
}

// reconcileJobs drives the scheduler toward cfg.Jobs.
//
// New names are registered. A name that is already registered keeps its
// original definition (the registry never replaces) and a redefinition is
// only logged. enabled maps to Start/Stop, and names missing from cfg are
// stopped.
func reconcileJobs(sched *scheduler.Service, jobs []config.JobConfig, log logx.Logger) {
	want := make(map[string]struct{}, len(jobs))
	for _, jc := range jobs {
		name := strings.TrimSpace(jc.Name)
		want[name] = struct{}{}
		overlap, err := scheduler.ParseOverlapPolicy(jc.Overlap)
		if err != nil {
			log.Warn("job skipped", logx.String("job", name), logx.Err(err))
			continue
		}
		schedule, ref := strings.TrimSpace(jc.Schedule), strings.TrimSpace(jc.Exec)

		if cur, ok := sched.Lookup(name); ok {
			if cur.Schedule != schedule || cur.Ref != ref || cur.Overlap != overlap {
				log.Warn("job redefinition ignored; restart to apply",
					logx.String("job", name),
					logx.String("schedule", cur.Schedule),
					logx.String("new_schedule", schedule),
					logx.Bool("exec_changed", cur.Ref != ref),
				)
			}
		} else if !sched.Register(name, schedule, ref, scheduler.WithOverlap(overlap)) {
			continue
		}

		if jc.IsEnabled() {
			if err := sched.Start(name); err != nil {
				log.Error("job start failed", logx.String("job", name), logx.Err(err))
			}
		} else if err := sched.Stop(name); err != nil {
			log.Warn("job stop failed", logx.String("job", name), logx.Err(err))
		}
	}

	for _, j := range sched.List() {
		if _, ok := want[j.Name]; ok || j.State != scheduler.StateArmed {
			continue
		}
		if err := sched.Stop(j.Name); err == nil {
			log.Info("job removed from config; stopped", logx.String("job", j.Name))
		}
	}
}
