package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	logx "jobsched/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	clock clockwork.Clock
	funcs Runner
	proc  Runner

	observers []Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	jobs map[string]*jobCounters

	lmu      sync.Mutex
	limiters map[string]*rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

type jobCounters struct {
	live    int
	started uint64
	failed  uint64
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

// WithFuncs routes "func:<name>" references to the given table.
func WithFuncs(t *FuncTable) Option { return func(s *Service) { s.funcs = t } }

// WithProcessRunner replaces the default subprocess runner.
func WithProcessRunner(r Runner) Option { return func(s *Service) { s.proc = r } }

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

func New(cfg Config, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     map[string]*jobCounters{},
		limiters: map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.funcs == nil {
		s.funcs = NewFuncTable()
	}
	if s.proc == nil {
		s.proc = &ProcessRunner{}
	}
	return s
}

// AddObserver registers an observer for executions dispatched from now on.
func (s *Service) AddObserver(o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// Dispatch launches ref for job in its own isolated unit and returns at once.
//
// The returned handle streams the unit's messages, faults and exit code.
// Dispatch never waits for the unit; overlapping executions of the same job
// are allowed.
func (s *Service) Dispatch(job, ref string) (*Execution, error) {
	job = strings.TrimSpace(job)
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrEmptyRef
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	c := s.countersLocked(job)
	c.live++
	c.started++
	live := c.live
	observers := append([]Observer(nil), s.observers...)
	cfg := s.cfg
	parent := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	e := &Execution{
		ID:        uuid.NewString(),
		Job:       job,
		Ref:       ref,
		Started:   s.clock.Now(),
		svc:       s,
		observers: observers,
		msgs:      make(chan Message, cfg.BufferSize),
		faults:    make(chan error, cfg.BufferSize),
		done:      make(chan struct{}),
	}

	s.log.Debug("execution started", logx.String("job", job), logx.String("exec", e.ID), logx.String("ref", ref), logx.Int("live", live))
	s.bus.Publish(eventbus.Event{Type: eventbus.ExecutionStarted, Time: e.Started, Job: job, Data: ExecutionEvent{ID: e.ID, Job: job, Started: e.Started}})

	go s.run(parent, e, s.runnerFor(ref), cfg)
	return e, nil
}

func (s *Service) run(parent context.Context, e *Execution, r Runner, cfg Config) {
	defer s.wg.Done()

	ctx := parent
	cancel := context.CancelFunc(func() {})
	if cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, cfg.Timeout)
	}
	defer cancel()

	sink := execSink{e: e}
	code := func() (code int) {
		defer func() {
			if rec := recover(); rec != nil {
				sink.Fault(&PanicError{Value: rec, Stack: string(debug.Stack())})
				code = ExitPanic
			}
		}()
		return r.Run(ctx, e.Ref, sink)
	}()

	if err := ctx.Err(); err != nil && code != 0 {
		if parent.Err() != nil {
			sink.Fault(fmt.Errorf("dispatcher closing: %w", err))
		} else {
			sink.Fault(fmt.Errorf("timed out after %s: %w", cfg.Timeout, err))
		}
	}
	e.finish(code)
}

func (s *Service) runnerFor(ref string) Runner {
	if strings.HasPrefix(ref, FuncScheme) {
		return s.funcs
	}
	return s.proc
}

func (s *Service) countersLocked(job string) *jobCounters {
	c := s.jobs[job]
	if c == nil {
		c = &jobCounters{}
		s.jobs[job] = c
	}
	return c
}

func (s *Service) deliverMessage(e *Execution, m Message) {
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("execution message", logx.String("job", e.Job), logx.String("exec", e.ID), logx.Uint64("seq", m.Seq), logx.String("data", truncate(m.Text(), 512)))
	}
	for _, o := range e.observers {
		s.safeObserve(e, "message", func() { o.OnMessage(e, m) })
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ExecutionMessage, Time: m.At, Job: e.Job, Data: ExecutionEvent{ID: e.ID, Job: e.Job, Started: e.Started, Seq: m.Seq, Data: truncate(m.Text(), 512)}})
}

func (s *Service) deliverFault(e *Execution, f *Fault) {
	if s.allowFaultLog(e.Job) {
		s.log.Warn("execution fault", logx.String("job", e.Job), logx.String("exec", e.ID), logx.Err(f.Err))
	}
	for _, o := range e.observers {
		s.safeObserve(e, "fault", func() { o.OnFault(e, f) })
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ExecutionFault, Job: e.Job, Data: ExecutionEvent{ID: e.ID, Job: e.Job, Started: e.Started, Error: f.Err.Error()}})
}

func (s *Service) deliverExit(e *Execution, code int) {
	item := e.historyItem()
	if code != 0 {
		s.log.Error("execution exited abnormally",
			logx.String("job", e.Job),
			logx.String("exec", e.ID),
			logx.Int("code", code),
			logx.Duration("took", item.Duration),
			logx.Int("faults", item.Faults),
		)
	} else {
		s.log.Info("execution finished", logx.String("job", e.Job), logx.String("exec", e.ID), logx.Duration("took", item.Duration), logx.Int("messages", item.Messages))
	}
	for _, o := range e.observers {
		s.safeObserve(e, "exit", func() { o.OnExit(e, code) })
	}
	c := code
	s.bus.Publish(eventbus.Event{Type: eventbus.ExecutionExit, Job: e.Job, Data: ExecutionEvent{ID: e.ID, Job: e.Job, Started: e.Started, Code: &c}})

	s.mu.Lock()
	jc := s.countersLocked(e.Job)
	if jc.live > 0 {
		jc.live--
	}
	if code != 0 {
		jc.failed++
	}
	historySize := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// safeObserve keeps a misbehaving observer from taking down the execution goroutine.
func (s *Service) safeObserve(e *Execution, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("observer panicked", logx.String("job", e.Job), logx.String("exec", e.ID), logx.String("event", event), logx.Any("panic", r))
		}
	}()
	fn()
}

func (s *Service) allowFaultLog(job string) bool {
	s.mu.Lock()
	perSec := s.cfg.FaultLogPerSec
	s.mu.Unlock()
	if perSec < 0 {
		return true
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	lim := s.limiters[job]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(perSec), perSec)
		s.limiters[job] = lim
	}
	return lim.Allow()
}

// Live returns the number of executions of job that have not exited yet.
func (s *Service) Live(job string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.jobs[strings.TrimSpace(job)]; c != nil {
		return c.live
	}
	return 0
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Closed: s.closed, Jobs: make([]JobStats, 0, len(s.jobs))}
	for name, c := range s.jobs {
		snap.Live += c.live
		snap.Jobs = append(snap.Jobs, JobStats{Job: name, Live: c.live, Started: c.started, Failed: c.failed})
	}
	s.mu.Unlock()
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Job < snap.Jobs[j].Job })

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}

// Close rejects new dispatches, cancels every in-flight execution and waits
// for them to exit (or ctx to end). Only meant for process shutdown.
func (s *Service) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatcher closed")
		return nil
	case <-ctx.Done():
		s.log.Warn("dispatcher close timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
