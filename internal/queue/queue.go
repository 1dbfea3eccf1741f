// Package queue implements the durable job queue: Postgres rows are the
// record of truth for job state and Redis coordinates dispatch. Delivery
// is at least once; a job leaves the pending set only when acked, failed
// jobs retry with exponential backoff, and exhausted jobs dead-letter
// rather than disappear.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrQueueUnavailable wraps Redis transport failures. The job row is
// already persisted when this surfaces, so callers may retry the enqueue
// without losing work.
var ErrQueueUnavailable = errors.New("queue: backend unavailable")

// ErrNotClaimable is returned when a named job is not in a claimable
// state, usually because another worker took it first.
var ErrNotClaimable = errors.New("queue: job not claimable")

// Options tune a single enqueue.
type Options struct {
	MaxAttempts int
	Delay       time.Duration
}

// Status is the poll-friendly view of a job.
type Status struct {
	State         string          `json:"state"`
	Progress      int             `json:"progress"`
	AttemptsMade  int             `json:"attemptsMade"`
	FailureReason string          `json:"failureReason,omitempty"`
	ReturnValue   json.RawMessage `json:"returnValue,omitempty"`
}
