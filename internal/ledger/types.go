package ledger

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Status is the state of a run or a file row.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// BeginRequest describes a run about to start. An empty ID gets a fresh UUID.
type BeginRequest struct {
	ID         string
	Command    string
	Tasks      int
	ConfigPath string
}

// Summary is what a finished run reports back.
type Summary struct {
	Files int
	Bytes int64
	Err   error
}

// Run is one transaction recorded in the ledger.
type Run struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Command    string     `json:"command"`
	Tasks      int        `json:"tasks"`
	ConfigPath string     `json:"config_path,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Files      int        `json:"files"`
	Bytes      int64      `json:"bytes"`
	LastError  *string    `json:"last_error,omitempty"`
}

// Duration returns how long the run took, or has taken so far.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// File is one command invocation of a run.
type File struct {
	RunID      string     `json:"run_id"`
	TaskIndex  int        `json:"task_index"`
	SeqID      int        `json:"seq_id"`
	PID        int        `json:"pid"`
	Status     Status     `json:"status"`
	Bytes      int64      `json:"bytes"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      *string    `json:"error,omitempty"`
}
