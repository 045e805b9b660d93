package jobs

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is an allowed edge.
// PENDING -> FAILED is reserved for dispatch failures and orphaned jobs.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

type ErrorKind string

const (
	KindDispatch ErrorKind = "DispatchError"
	KindWorker   ErrorKind = "WorkerError"
	KindTimeout  ErrorKind = "Timeout"
)

// JobError is the structured error persisted on a FAILED job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Stage   string    `json:"stage,omitempty"`
}

func (e *JobError) Error() string {
	if e.Stage != "" {
		return string(e.Kind) + " (" + e.Stage + "): " + e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

// Job is the only persistent entity. Request and Result are opaque JSON.
type Job struct {
	ID        string          `json:"job_id"`
	Status    Status          `json:"status"`
	Request   json.RawMessage `json:"request,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *JobError       `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt time.Time       `json:"ttl"`
}

// Expired reports whether the record is past its ttl at now.
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && !now.Before(j.ExpiresAt)
}

// Outcome carries the payload written on entry to a new status.
type Outcome struct {
	Result json.RawMessage
	Error  *JobError
}

// Failure builds an Outcome for a FAILED transition.
func Failure(kind ErrorKind, msg string) Outcome {
	return Outcome{Error: &JobError{Kind: kind, Message: msg}}
}

// Prepare validates the edge and shapes the payload so that result and
// error are mutually exclusive and only set on terminal entry. Store
// implementations call it before writing.
func Prepare(from, to Status, out Outcome) (Outcome, error) {
	if !CanTransition(from, to) {
		return Outcome{}, ErrInvalidTransition
	}
	switch to {
	case StatusCompleted:
		if len(out.Result) == 0 {
			out.Result = json.RawMessage("null")
		}
		out.Error = nil
	case StatusFailed:
		if out.Error == nil {
			out.Error = &JobError{Kind: KindWorker, Message: "unknown error"}
		}
		out.Result = nil
	default:
		out = Outcome{}
	}
	return out, nil
}
