package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// Config controls the dispatcher.
type Config struct {
	// BufferSize is the capacity of each execution's Messages() and Faults()
	// channels. A full channel drops; observers never drop.
	BufferSize int

	// HistorySize bounds the in-memory ring of finished executions.
	HistorySize int

	// Timeout kills an execution that runs longer than this. 0 disables.
	Timeout time.Duration

	// FaultLogPerSec caps fault log lines per job (faults are still delivered
	// to observers and channels). 0 uses the default; < 0 disables the cap.
	FaultLogPerSec int
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	if c.FaultLogPerSec == 0 {
		c.FaultLogPerSec = 5
	}
	return c
}

// Runner launches one executable reference and blocks until it terminates,
// returning the exit code. Runners report intermediate output through out.
// A Runner must not call out after Run returns.
type Runner interface {
	Run(ctx context.Context, ref string, out Sink) int
}

// Sink receives the output of a running unit.
type Sink interface {
	Message(data []byte)
	Fault(err error)
}

// Message is informational data emitted by a running unit.
type Message struct {
	Job    string
	ExecID string
	Seq    uint64
	At     time.Time
	Data   []byte
}

// Text returns the message payload as a string.
func (m Message) Text() string { return string(m.Data) }

// Decode unmarshals a JSON payload into v.
func (m Message) Decode(v any) error { return json.Unmarshal(m.Data, v) }

// Observer receives the events of every execution, in emission order per
// execution. Exactly one OnExit is delivered per execution.
//
// Callbacks run on the execution's own goroutine; a slow observer delays
// only that execution's later events.
type Observer interface {
	OnMessage(e *Execution, m Message)
	OnFault(e *Execution, err error)
	OnExit(e *Execution, code int)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Message func(e *Execution, m Message)
	Fault   func(e *Execution, err error)
	Exit    func(e *Execution, code int)
}

func (o ObserverFuncs) OnMessage(e *Execution, m Message) {
	if o.Message != nil {
		o.Message(e, m)
	}
}

func (o ObserverFuncs) OnFault(e *Execution, err error) {
	if o.Fault != nil {
		o.Fault(e, err)
	}
}

func (o ObserverFuncs) OnExit(e *Execution, code int) {
	if o.Exit != nil {
		o.Exit(e, code)
	}
}

// HistoryItem summarizes one finished execution.
type HistoryItem struct {
	ID       string
	Job      string
	Ref      string
	Started  time.Time
	Duration time.Duration
	Code     int
	Messages int
	Faults   int
	Dropped  uint64
}

// ExecutionEvent is emitted on the event bus for execution lifecycle events.
type ExecutionEvent struct {
	ID      string    `json:"id"`
	Job     string    `json:"job"`
	Started time.Time `json:"started"`
	Seq     uint64    `json:"seq,omitempty"`
	Data    string    `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
	Code    *int      `json:"code,omitempty"`
}

// JobStats are per-job dispatch counters.
type JobStats struct {
	Job     string
	Live    int
	Started uint64
	Failed  uint64
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Closed  bool
	Live    int
	Jobs    []JobStats
	History []HistoryItem
}
