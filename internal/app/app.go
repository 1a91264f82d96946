package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/notify"
	"jobsched/internal/observability/pprof"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/dispatch"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	funcs   *dispatch.FuncTable
	store   storage.Store
	alerter *notify.Alerter
	disp    *dispatch.Service
	sched   *scheduler.Service
	debug   *pprof.Service
}

type Option func(*options)

type options struct {
	funcs  *dispatch.FuncTable
	clock  clockwork.Clock
	sender notify.Sender
}

// WithFuncs sets the table func: references resolve against.
func WithFuncs(t *dispatch.FuncTable) Option { return func(o *options) { o.funcs = t } }

func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithAlertSender replaces the Telegram sender built from config.
func WithAlertSender(s notify.Sender) Option { return func(o *options) { o.sender = s } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.funcs == nil {
		o.funcs = dispatch.NewFuncTable()
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateJobs(cfg, o.funcs); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := OpenStore(cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	dcfg, runner, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispOpts := []dispatch.Option{
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
		dispatch.WithBus(bus),
		dispatch.WithClock(o.clock),
		dispatch.WithFuncs(o.funcs),
		dispatch.WithProcessRunner(runner),
	}
	if store != nil {
		dispOpts = append(dispOpts, dispatch.WithObserver(storage.NewRecorder(store, log.With(logx.String("comp", "storage")))))
	}

	var alerter *notify.Alerter
	if tg := cfg.Alerts.Telegram; tg.Enabled || o.sender != nil {
		sender := o.sender
		if sender == nil {
			ts, err := notify.NewTelegramSender(tg.Token, tg.ChatID, tg.ThreadID)
			if err != nil {
				if store != nil {
					_ = store.Close()
				}
				return nil, fmt.Errorf("alerts.telegram: %w", err)
			}
			sender = ts
		}
		alerter = notify.NewAlerter(mapAlertConfig(cfg), sender, log.With(logx.String("comp", "alerts")))
		dispOpts = append(dispOpts, dispatch.WithObserver(alerter))
		log.Info("abnormal-exit alerts enabled")
	}

	disp := dispatch.New(dcfg, dispOpts...)

	sched := scheduler.New(mapSchedulerConfig(cfg), disp,
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
		scheduler.WithClock(o.clock),
	)

	debugCfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	debug := pprof.New(debugCfg, log.With(logx.String("comp", "debug")))
	debug.HandleSnapshot("/jobs", func() any { return sched.Snapshot() })
	debug.HandleSnapshot("/executions", func() any { return disp.Snapshot() })

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		funcs:   o.funcs,
		store:   store,
		alerter: alerter,
		disp:    disp,
		sched:   sched,
		debug:   debug,
	}, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Dispatcher() *dispatch.Service { return a.disp }

// Store is nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start arms every enabled job and begins watching the config file.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := ValidateJobs(cfg, a.funcs); err != nil {
			return err
		}
		if _, _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDebugConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapStorageConfig(cfg)
		return err
	})

	cfg := a.cfgm.Get()
	reconcileJobs(a.sched, cfg.Jobs, a.log)

	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	// Keep this debug-level; frequent schedules are noisy.
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if a.log.Enabled(logx.LevelDebug) {
					a.log.Debug("event", logx.String("type", e.Type), logx.String("job", e.Job), logx.Time("time", e.Time))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	armed := 0
	for _, j := range a.sched.List() {
		if j.State == scheduler.StateArmed {
			armed++
		}
	}
	a.log.Info("app started", logx.Int("jobs", len(cfg.Jobs)), logx.Int("armed", armed))
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config applied (no effective changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "alerts", "dispatch":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.sched.Apply(mapSchedulerConfig(newCfg))

	if dc, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(a.sup.Context(), dc)
	}

	reconcileJobs(a.sched, newCfg.Jobs, a.log)

	a.log.Info("config applied", fields...)
}

// Stop disarms every job, then cancels in-flight executions, flushes alerts
// and closes storage. Each step is bounded so one component can't stall the
// whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, a.sched.Close)
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("dispatch", 10*time.Second, a.disp.Close)
	step("alerts", 3*time.Second, func(c context.Context) error {
		if a.alerter == nil {
			return nil
		}
		return a.alerter.Close(c)
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
