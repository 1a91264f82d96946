package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/task/dispatch"
)

var (
	ErrDuplicateJob      = errors.New("duplicate job name")
	ErrJobNotFound       = errors.New("job not found")
	ErrMalformedSchedule = errors.New("malformed schedule")
	ErrInvalidJob        = errors.New("invalid job")
	ErrClosed            = errors.New("scheduler closed")
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

type State int

const (
	StateRegistered State = iota
	StateArmed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateArmed:
		return "armed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OverlapPolicy decides what happens when a job fires while an earlier
// execution of it is still live.
type OverlapPolicy string

const (
	OverlapAllow OverlapPolicy = "allow"
	OverlapSkip  OverlapPolicy = "skip"
)

func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(OverlapAllow):
		return OverlapAllow, nil
	case string(OverlapSkip):
		return OverlapSkip, nil
	default:
		return "", fmt.Errorf("unknown overlap policy %q (want allow|skip)", s)
	}
}

// Job is a read-only copy of a registry entry.
type Job struct {
	Name     string
	Schedule string
	Ref      string
	Overlap  OverlapPolicy
	State    State

	Registered time.Time
	Armed      time.Time
	LastFire   time.Time
	Fires      uint64
	Skips      uint64
}

type JobOption func(*Job)

func WithOverlap(p OverlapPolicy) JobOption {
	return func(j *Job) {
		if p != "" {
			j.Overlap = p
		}
	}
}

// Dispatcher launches a job's executable reference without waiting for it.
type Dispatcher interface {
	Dispatch(job, ref string) (*dispatch.Execution, error)
	Live(job string) int
}

// FireEvent is published on the bus when a job fires or is skipped.
type FireEvent struct {
	Job    string    `json:"job"`
	At     time.Time `json:"at"`
	ExecID string    `json:"exec_id,omitempty"`
}

type JobInfo struct {
	Job
	Next time.Time
	Live int
}

type Snapshot struct {
	Timezone string
	Closed   bool
	Loops    int64
	Panics   uint64
	Jobs     []JobInfo
}
