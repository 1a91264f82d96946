package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/task/dispatch"
	logx "jobsched/pkg/logx"
)

var ErrQueueFull = errors.New("alert queue full")

// Config controls the alert pipeline.
type Config struct {
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses further alerts for the same job within this
	// window. 0 disables suppression.
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

type alert struct {
	job  string
	text string
}

// Alerter turns abnormal exits into alerts delivered by a Sender.
type Alerter struct {
	cfg     Config
	sender  Sender
	log     logx.Logger
	limiter *rate.Limiter

	queue chan alert
	sup   *supervisor.Supervisor

	faultMu   sync.Mutex
	lastFault map[string]string // exec id -> last fault

	dmu   sync.Mutex
	dedup map[string]time.Time // job -> suppress until

	sent, failed, dropped, suppressed atomic.Uint64
}

// Stats are best-effort counters for diagnostics.
type Stats struct {
	Sent, Failed, Dropped, Suppressed uint64
}

// NewAlerter starts the alert worker. Stop it with Close.
func NewAlerter(cfg Config, sender Sender, log logx.Logger) *Alerter {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	a := &Alerter{
		cfg:       cfg,
		sender:    sender,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:     make(chan alert, cfg.QueueSize),
		lastFault: map[string]string{},
		dedup:     map[string]time.Time{},
	}
	a.sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	a.sup.GoRestart("alerts.worker", a.worker)
	return a
}

func (a *Alerter) OnMessage(*dispatch.Execution, dispatch.Message) {}

func (a *Alerter) OnFault(e *dispatch.Execution, err error) {
	var f *dispatch.Fault
	if errors.As(err, &f) && f.Err != nil {
		err = f.Err
	}
	a.faultMu.Lock()
	a.lastFault[e.ID] = err.Error()
	a.faultMu.Unlock()
}

func (a *Alerter) OnExit(e *dispatch.Execution, code int) {
	a.faultMu.Lock()
	lf := a.lastFault[e.ID]
	delete(a.lastFault, e.ID)
	a.faultMu.Unlock()

	if code == 0 {
		return
	}
	if err := a.enqueue(alert{job: e.Job, text: formatAlert(e, code, lf)}); err != nil {
		a.log.Warn("alert dropped", logx.String("job", e.Job), logx.String("exec", e.ID), logx.Err(err))
	}
}

func (a *Alerter) enqueue(al alert) error {
	if !a.dedupAllow(al.job, time.Now()) {
		a.suppressed.Add(1)
		return nil
	}
	select {
	case a.queue <- al:
		return nil
	default:
		a.dropped.Add(1)
		return ErrQueueFull
	}
}

// dedupAllow reports whether an alert for job may go out now, and if so
// opens a new suppression window.
func (a *Alerter) dedupAllow(job string, now time.Time) bool {
	if a.cfg.DedupWindow <= 0 {
		return true
	}
	a.dmu.Lock()
	defer a.dmu.Unlock()
	if until, ok := a.dedup[job]; ok && now.Before(until) {
		return false
	}
	for k, until := range a.dedup {
		if !now.Before(until) {
			delete(a.dedup, k)
		}
	}
	a.dedup[job] = now.Add(a.cfg.DedupWindow)
	return true
}

func (a *Alerter) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case al := <-a.queue:
			a.sendWithRetry(ctx, al)
		}
	}
}

func (a *Alerter) sendWithRetry(ctx context.Context, al alert) {
	attempts := 1 + a.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := a.sender.Send(callCtx, al.text)
		cancel()
		if err == nil {
			a.sent.Add(1)
			return
		}
		lastErr = err
		a.log.Debug("alert send failed", logx.String("job", al.job), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt >= attempts {
			break
		}

		t := time.NewTimer(retryDelay(a.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	a.failed.Add(1)
	a.log.Warn("alert not delivered", logx.String("job", al.job), logx.Err(lastErr))
}

func (a *Alerter) Stats() Stats {
	return Stats{
		Sent:       a.sent.Load(),
		Failed:     a.failed.Load(),
		Dropped:    a.dropped.Load(),
		Suppressed: a.suppressed.Load(),
	}
}

// Close drains queued alerts until ctx ends, then stops the worker.
func (a *Alerter) Close(ctx context.Context) error {
	for len(a.queue) > 0 {
		select {
		case <-ctx.Done():
			a.sup.Cancel()
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return a.sup.Stop(ctx)
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func formatAlert(e *dispatch.Execution, code int, lastFault string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 job %s exited with code %d\n", e.Job, code)
	fmt.Fprintf(&b, "exec: %s\nref: %s\nstarted: %s\ntook: %s",
		e.ID, e.Ref, e.Started.Format(time.RFC3339), e.Duration().Round(time.Millisecond))
	if lastFault != "" {
		if len(lastFault) > 500 {
			lastFault = lastFault[:497] + "..."
		}
		fmt.Fprintf(&b, "\nlast fault: %s", lastFault)
	}
	return b.String()
}
