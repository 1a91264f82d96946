package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"jobsched/internal/task/dispatch"
	logx "jobsched/pkg/logx"
)

// Recorder is a dispatch.Observer that appends one Record per finished
// execution to a Store.
type Recorder struct {
	store   Store
	log     logx.Logger
	timeout time.Duration

	mu        sync.Mutex
	lastFault map[string]string // exec id -> last fault text
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log, timeout: 2 * time.Second, lastFault: map[string]string{}}
}

func (r *Recorder) OnMessage(*dispatch.Execution, dispatch.Message) {}

func (r *Recorder) OnFault(e *dispatch.Execution, err error) {
	var f *dispatch.Fault
	if errors.As(err, &f) && f.Err != nil {
		err = f.Err
	}
	r.mu.Lock()
	r.lastFault[e.ID] = truncate(err.Error(), 512)
	r.mu.Unlock()
}

func (r *Recorder) OnExit(e *dispatch.Execution, code int) {
	r.mu.Lock()
	lf := r.lastFault[e.ID]
	delete(r.lastFault, e.ID)
	r.mu.Unlock()

	rec := Record{
		ID:        e.ID,
		Job:       e.Job,
		Ref:       e.Ref,
		Started:   e.Started,
		Duration:  e.Duration(),
		Code:      code,
		Dropped:   e.Dropped(),
		LastFault: lf,
	}
	rec.Messages, rec.Faults = e.Counts()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.AppendExecution(ctx, rec); err != nil {
		r.log.Warn("execution record not stored", logx.String("job", e.Job), logx.String("exec", e.ID), logx.Err(err))
	}
}

func truncate(s string, maxN int) string {
	if len(s) <= maxN {
		return s
	}
	return s[:maxN-3] + "..."
}
