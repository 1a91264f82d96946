package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// entry is a registry slot. The timer handle (cancel + gen) belongs to the
// entry: Start creates it, Stop destroys it.
type entry struct {
	job    Job
	expr   *Expression
	cancel context.CancelFunc
	// gen invalidates a loop that has been disarmed but has not noticed yet.
	gen uint64
}

func (e *entry) disarm() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.gen++
	e.expr = nil
}

// Registry maps job names to entries. Entries are never removed or replaced.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// add inserts a new Registered entry. It does not look at the schedule.
func (r *Registry) add(name, schedule, ref string, now time.Time, opts ...JobOption) (Job, error) {
	name = strings.TrimSpace(name)
	ref = strings.TrimSpace(ref)
	if name == "" {
		return Job{}, fmt.Errorf("%w: name required", ErrInvalidJob)
	}
	if ref == "" {
		return Job{}, fmt.Errorf("%w: %q: executable reference required", ErrInvalidJob, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[name]; ok {
		return cur.job, fmt.Errorf("%w: %q", ErrDuplicateJob, name)
	}
	j := Job{
		Name:       name,
		Schedule:   strings.TrimSpace(schedule),
		Ref:        ref,
		Overlap:    OverlapAllow,
		State:      StateRegistered,
		Registered: now,
	}
	for _, o := range opts {
		o(&j)
	}
	r.entries[name] = &entry{job: j}
	r.order = append(r.order, name)
	return j, nil
}

func (r *Registry) Lookup(name string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.TrimSpace(name)]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// List returns every job in registration order.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.entries[n].job)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
