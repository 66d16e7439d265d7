package crawler

import (
	"time"
)

// RunState is the lifecycle state of a crawl run.
type RunState string

// Run states, in the order a run moves through them.
const (
	StateIdle     RunState = "idle"
	StateSeeding  RunState = "seeding"
	StateRunning  RunState = "running"
	StateDraining RunState = "draining"
	StateDone     RunState = "done"
)

// StopReason records which trigger ended the Running state.
type StopReason string

// Stop reasons.
const (
	ReasonNone        StopReason = ""
	ReasonQuiescent   StopReason = "quiescent"
	ReasonTimeout     StopReason = "timeout"
	ReasonInterrupted StopReason = "interrupted"
)

// QueueStats is a point-in-time view of the task queue counters.
type QueueStats struct {
	Capacity       int   `json:"capacity"`
	Buffered       int   `json:"buffered"`
	Outstanding    int64 `json:"outstanding"`
	Submitted      int64 `json:"submitted"`
	Dropped        int64 `json:"dropped"`
	RejectedKilled int64 `json:"rejected_killed"`
	Completed      int64 `json:"completed"`
	Drained        int64 `json:"drained"`
}

// Result is the final report of a run.
type Result struct {
	RunID    string        `json:"run_id"`
	Reason   StopReason    `json:"reason"`
	Frontier int           `json:"frontier"`
	Records  int           `json:"records"`
	Items    int           `json:"items"`
	Users    int           `json:"users"`
	Queue    QueueStats    `json:"queue"`
	Errors   ErrorCounts   `json:"errors"`
	Started  time.Time     `json:"started_at"`
	Finished time.Time     `json:"finished_at"`
	Duration time.Duration `json:"duration"`
}

// RunStatus is the live view of a run published at every state transition.
type RunStatus struct {
	RunID   string      `json:"run_id"`
	State   RunState    `json:"state"`
	Reason  StopReason  `json:"reason,omitempty"`
	Records int         `json:"records"`
	Queue   QueueStats  `json:"queue"`
	Errors  ErrorCounts `json:"errors"`
	Started time.Time   `json:"started_at"`
	Updated time.Time   `json:"updated_at"`
}
