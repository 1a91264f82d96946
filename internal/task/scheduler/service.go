package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"jobsched/internal/eventbus"
	"jobsched/internal/runtime/supervisor"
	logx "jobsched/pkg/logx"
)

// A loop that slept through boundaries (a busy host, a suspend, a stepped
// clock) fires once for the newest matching one, looking back no further
// than this.
const maxCatchUp = time.Hour

type Service struct {
	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	closed bool

	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock
	disp  Dispatcher
	reg   *Registry
	sup   *supervisor.Supervisor

	// Dispatch error throttling: key is job name.
	warnMu       sync.Mutex
	lastDispWarn map[string]time.Time
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

// WithClock injects the clock timer loops wait on. Tests use a fake clock.
func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

func New(cfg Config, disp Dispatcher, opts ...Option) *Service {
	s := &Service{
		cfg:          cfg,
		disp:         disp,
		reg:          NewRegistry(),
		lastDispWarn: map[string]time.Time{},
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
	s.loc = loadLocation(cfg.Timezone, s.log)
	s.sup = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	return s
}

func (s *Service) Registry() *Registry { return s.reg }

// Register adds a named job in the Registered state without arming it.
//
// A name that is already registered keeps its original definition: the call
// logs a warning and returns false. The schedule is not validated here; a
// malformed one fails at Start.
func (s *Service) Register(name, schedule, ref string, opts ...JobOption) bool {
	j, err := s.reg.add(name, schedule, ref, s.clock.Now(), opts...)
	if err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			s.log.Warn("job already registered; keeping original",
				logx.String("job", j.Name),
				logx.String("schedule", j.Schedule),
				logx.String("ignored_schedule", strings.TrimSpace(schedule)),
			)
		} else {
			s.log.Warn("job not registered", logx.Err(err))
		}
		return false
	}
	s.log.Debug("job registered", logx.String("job", j.Name), logx.String("schedule", j.Schedule), logx.String("ref", j.Ref), logx.String("overlap", string(j.Overlap)))
	return true
}

func (s *Service) Lookup(name string) (Job, bool) { return s.reg.Lookup(name) }

func (s *Service) List() []Job { return s.reg.List() }

// Start arms the job's timer loop. Starting an armed job is a no-op.
// A malformed schedule fails here and leaves the job's state unchanged.
func (s *Service) Start(name string) error {
	name = strings.TrimSpace(name)
	loc, closed := s.location()

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	e, ok := s.reg.entries[name]
	if !ok {
		return fmt.Errorf("start %q: %w", name, ErrJobNotFound)
	}
	if e.job.State == StateArmed {
		return nil
	}
	if closed {
		return fmt.Errorf("start %q: %w", name, ErrClosed)
	}
	expr, err := ParseExpression(e.job.Schedule, loc)
	if err != nil {
		s.log.Warn("job not armed", logx.String("job", name), logx.Err(err))
		return fmt.Errorf("start %q: %w", name, err)
	}

	ctx, cancel := context.WithCancel(s.sup.Context())
	e.gen++
	gen := e.gen
	e.cancel = cancel
	e.expr = expr
	e.job.State = StateArmed
	e.job.Armed = s.clock.Now()

	// The loop only ever returns nil (disarmed) or a recovered panic, which
	// the supervisor restarts.
	s.sup.GoRestart("job:"+name, func(context.Context) error {
		return s.loop(ctx, name, gen, expr)
	}, supervisor.WithRestartBackoff(time.Second, time.Minute))

	fields := []logx.Field{logx.String("job", name), logx.String("schedule", expr.String()), logx.String("tz", expr.Location().String())}
	if s.log.Enabled(logx.LevelDebug) {
		fields = append(fields, logx.String("next", previewNext(expr, s.clock.Now(), 3)))
	}
	s.log.Info("job armed", fields...)
	s.bus.Publish(eventbus.Event{Type: eventbus.JobArmed, Time: e.job.Armed, Job: name})
	return nil
}

// Stop disarms the job. Once Stop returns no further execution of the job is
// dispatched; executions already in flight are not touched.
func (s *Service) Stop(name string) error {
	name = strings.TrimSpace(name)
	s.reg.mu.Lock()
	e, ok := s.reg.entries[name]
	if !ok {
		s.reg.mu.Unlock()
		return fmt.Errorf("stop %q: %w", name, ErrJobNotFound)
	}
	if e.job.State != StateArmed {
		s.reg.mu.Unlock()
		return nil
	}
	e.disarm()
	e.job.State = StateStopped
	s.reg.mu.Unlock()

	s.log.Info("job stopped", logx.String("job", name), logx.Int("live", s.disp.Live(name)))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobStopped, Time: s.clock.Now(), Job: name})
	return nil
}

// StartAll arms every job that is not armed yet and reports all failures.
func (s *Service) StartAll() error {
	var errs []error
	for _, j := range s.reg.List() {
		if j.State == StateArmed {
			continue
		}
		if err := s.Start(j.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply updates the scheduler config. A timezone change re-arms every armed
// job in the new zone.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if oldTZ != newTZ {
		s.loc = loadLocation(newTZ, s.log)
	}
	s.mu.Unlock()

	if oldTZ == newTZ {
		return
	}
	s.log.Info("timezone changed; re-arming jobs", logx.String("from", oldTZ), logx.String("to", newTZ))
	for _, j := range s.reg.List() {
		if j.State != StateArmed {
			continue
		}
		_ = s.Stop(j.Name)
		if err := s.Start(j.Name); err != nil {
			s.log.Warn("job re-arm failed", logx.String("job", j.Name), logx.Err(err))
		}
	}
}

// Close disarms every job and waits for the timer loops to exit. In-flight
// executions belong to the dispatcher and are not waited for.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	start := s.clock.Now()
	for _, j := range s.reg.List() {
		_ = s.Stop(j.Name)
	}
	err := s.sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler close timed out", logx.Err(err))
		return err
	}
	s.log.Info("scheduler closed", logx.Duration("took", s.clock.Since(start)))
	return nil
}

func (s *Service) location() (*time.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc, s.closed
}

// loop is the timer of one armed job. It wakes at every resolution boundary
// and fires when the boundary matches. Boundaries missed while asleep are
// coalesced into at most one fire per wake-up.
func (s *Service) loop(ctx context.Context, name string, gen uint64, expr *Expression) error {
	res := expr.Resolution()
	next := s.clock.Now().Truncate(res).Add(res)
	for {
		if wait := next.Sub(s.clock.Now()); wait > 0 {
			t := s.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.Chan():
			}
		} else if ctx.Err() != nil {
			return nil
		}

		last := s.clock.Now().Truncate(res)
		if last.Before(next) {
			last = next
		}
		if missed := int64(last.Sub(next) / res); missed > 0 {
			s.log.Warn("timer overslept; coalescing missed boundaries", logx.String("job", name), logx.Time("from", next), logx.Time("to", last), logx.Int64("missed", missed))
		}
		if at, ok := latestMatch(expr, next, last); ok {
			s.fire(name, gen, at)
		}
		next = last.Add(res)
	}
}

// latestMatch returns the newest boundary in [from, to] the expression
// matches, ignoring boundaries older than maxCatchUp before to.
func latestMatch(expr *Expression, from, to time.Time) (time.Time, bool) {
	res := expr.Resolution()
	if floor := to.Add(-maxCatchUp); from.Before(floor) {
		from = floor
	}
	for t := to; !t.Before(from); t = t.Add(-res) {
		if expr.Matches(t) {
			return t, true
		}
	}
	return time.Time{}, false
}

// fire dispatches one execution of the job if the loop that asked is still
// the job's current timer. The check and the dispatch happen under the
// registry lock so a concurrent Stop either precedes both or follows both.
func (s *Service) fire(name string, gen uint64, at time.Time) {
	s.reg.mu.Lock()
	e, ok := s.reg.entries[name]
	if !ok || e.gen != gen || e.job.State != StateArmed {
		s.reg.mu.Unlock()
		return
	}
	if e.job.Overlap == OverlapSkip && s.disp.Live(name) > 0 {
		e.job.Skips++
		s.reg.mu.Unlock()
		s.log.Debug("job fire skipped; previous execution still live", logx.String("job", name), logx.Time("at", at))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Time: at, Job: name, Data: FireEvent{Job: name, At: at}})
		return
	}
	e.job.LastFire = at
	e.job.Fires++
	exec, err := s.disp.Dispatch(name, e.job.Ref)
	s.reg.mu.Unlock()

	if err != nil {
		s.reportDispatchError(name, err)
		return
	}
	s.log.Debug("job fired", logx.String("job", name), logx.Time("at", at), logx.String("exec", exec.ID))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobFired, Time: at, Job: name, Data: FireEvent{Job: name, At: at, ExecID: exec.ID}})
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNext returns a short, human-friendly list of upcoming run times.
func previewNext(expr *Expression, from time.Time, n int) string {
	var b strings.Builder
	for i, t := range expr.NextN(from, n) {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.In(expr.Location()).Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
