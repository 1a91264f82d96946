package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain caps how many records are kept; 0 means DefaultRetain.
	Retain int
}

const DefaultRetain = 10000

// Record is one finished execution. Keep it compact and schema-stable.
type Record struct {
	ID        string        `json:"id"`
	Job       string        `json:"job"`
	Ref       string        `json:"ref"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration_ns"`
	Code      int           `json:"code"`
	Messages  int           `json:"messages"`
	Faults    int           `json:"faults"`
	Dropped   uint64        `json:"dropped,omitempty"`
	LastFault string        `json:"last_fault,omitempty"`
}

// Query selects records for RecentExecutions. An empty Job matches all jobs.
type Query struct {
	Job   string
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	return q.Limit
}
