package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Execution is the handle of one isolated run of a job's executable reference.
//
// Messages and Faults are buffered; when a consumer falls behind, further
// events are dropped from the channel (see Dropped) but still reach every
// Observer. Both channels are closed after the terminal exit, right before
// Done is closed.
type Execution struct {
	ID      string
	Job     string
	Ref     string
	Started time.Time

	svc       *Service
	observers []Observer

	// emitMu serializes delivery so events keep the order the unit emitted them.
	emitMu sync.Mutex
	closed bool
	seq    uint64

	msgs   chan Message
	faults chan error
	done   chan struct{}

	mu       sync.Mutex
	code     int
	finished time.Time
	nMsgs    int
	nFaults  int

	dropped atomic.Uint64
}

func (e *Execution) Messages() <-chan Message { return e.msgs }

func (e *Execution) Faults() <-chan error { return e.faults }

// Done is closed once the execution has exited and every observer has seen OnExit.
func (e *Execution) Done() <-chan struct{} { return e.done }

// ExitCode returns the terminal exit code. It is only meaningful after Done is closed.
func (e *Execution) ExitCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.code
}

// Err returns an *ExitError for a non-zero exit, nil otherwise (or while running).
func (e *Execution) Err() error {
	select {
	case <-e.done:
	default:
		return nil
	}
	code := e.ExitCode()
	if code == 0 {
		return nil
	}
	return &ExitError{Job: e.Job, ExecID: e.ID, Code: code}
}

// Wait blocks until the execution exits or ctx is done.
func (e *Execution) Wait(ctx context.Context) (int, error) {
	select {
	case <-e.done:
		return e.ExitCode(), e.Err()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Duration returns the run time of a finished execution, or 0 while running.
func (e *Execution) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished.IsZero() {
		return 0
	}
	return e.finished.Sub(e.Started)
}

// Counts returns how many messages and faults the unit has emitted so far.
func (e *Execution) Counts() (messages, faults int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nMsgs, e.nFaults
}

// Dropped reports how many events did not fit the Messages/Faults buffers.
func (e *Execution) Dropped() uint64 { return e.dropped.Load() }

// execSink is the Sink handed to runners; it keeps emission on the execution
// side so runners never see the handle.
type execSink struct{ e *Execution }

func (s execSink) Message(data []byte) {
	e := s.e
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if e.closed {
		return
	}
	e.seq++
	m := Message{
		Job:    e.Job,
		ExecID: e.ID,
		Seq:    e.seq,
		At:     e.svc.clock.Now(),
		Data:   append([]byte(nil), data...),
	}
	e.mu.Lock()
	e.nMsgs++
	e.mu.Unlock()

	e.svc.deliverMessage(e, m)
	select {
	case e.msgs <- m:
	default:
		e.dropped.Add(1)
	}
}

func (s execSink) Fault(err error) {
	if err == nil {
		return
	}
	e := s.e
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if e.closed {
		return
	}
	e.seq++
	f := &Fault{Job: e.Job, ExecID: e.ID, Err: err}
	e.mu.Lock()
	e.nFaults++
	e.mu.Unlock()

	e.svc.deliverFault(e, f)
	select {
	case e.faults <- f:
	default:
		e.dropped.Add(1)
	}
}

func (e *Execution) finish(code int) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if e.closed {
		return
	}
	e.closed = true

	e.mu.Lock()
	e.code = code
	e.finished = e.svc.clock.Now()
	e.mu.Unlock()

	e.svc.deliverExit(e, code)

	close(e.msgs)
	close(e.faults)
	close(e.done)
}

func (e *Execution) historyItem() HistoryItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return HistoryItem{
		ID:       e.ID,
		Job:      e.Job,
		Ref:      e.Ref,
		Started:  e.Started,
		Duration: e.finished.Sub(e.Started),
		Code:     e.code,
		Messages: e.nMsgs,
		Faults:   e.nFaults,
		Dropped:  e.dropped.Load(),
	}
}
