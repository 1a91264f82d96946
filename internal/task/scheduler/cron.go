package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) expressions.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// robfig/cron marks a "*" field with this bit.
const starBit = 1 << 63

// Expression is a parsed cron expression.
//
// Day-of-month and day-of-week are ORed when both are restricted, as in
// classic cron.
type Expression struct {
	raw   string
	sched *cron.SpecSchedule
	res   time.Duration
}

// ParseExpression parses a 5-field (minute resolution) or 6-field (leading
// seconds, second resolution) cron expression, or a descriptor such as
// "@hourly". Interval descriptors ("@every 5m") are rejected.
//
// loc is the zone the expression is evaluated in, unless the expression
// carries its own CRON_TZ= or TZ= prefix. A nil loc means time.Local.
func ParseExpression(expr string, loc *time.Location) (*Expression, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrMalformedSchedule)
	}
	s, err := parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedSchedule, raw, err)
	}
	spec, ok := s.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: %q is an interval, not a calendar expression", ErrMalformedSchedule, raw)
	}
	if !hasZonePrefix(raw) {
		if loc == nil {
			loc = time.Local
		}
		spec.Location = loc
	}

	res := time.Second
	if spec.Second&^starBit == 1 {
		// Only second 0 can match.
		res = time.Minute
	}
	return &Expression{raw: raw, sched: spec, res: res}, nil
}

func hasZonePrefix(s string) bool {
	return strings.HasPrefix(s, "CRON_TZ=") || strings.HasPrefix(s, "TZ=")
}

func (e *Expression) String() string { return e.raw }

// Resolution is the tick the expression is evaluated at.
func (e *Expression) Resolution() time.Duration { return e.res }

func (e *Expression) Location() *time.Location { return e.sched.Location }

// Matches reports whether t, truncated to the expression's resolution, is an
// activation instant.
func (e *Expression) Matches(t time.Time) bool {
	at := t.In(e.sched.Location).Truncate(e.res)
	return e.sched.Next(at.Add(-time.Second)).Equal(at)
}

// Next returns the first activation strictly after t, or the zero time if
// there is none within five years.
func (e *Expression) Next(t time.Time) time.Time {
	return e.sched.Next(t)
}

// NextN returns up to n upcoming activations after t.
func (e *Expression) NextN(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = e.sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// Matches parses expr in t's location and reports whether t is an activation.
func Matches(expr string, t time.Time) (bool, error) {
	e, err := ParseExpression(expr, t.Location())
	if err != nil {
		return false, err
	}
	return e.Matches(t), nil
}
