package queue

import (
	"fmt"
	"time"
)

// Status is the outcome class of one task attempt
type Status int

const (
	Succeeded Status = iota
	// Retryable asks the queue to run the task again per its policy
	Retryable
	// Failed is terminal; the task is not retried
	Failed
	// Skipped means there was nothing to do, e.g. an unmanaged node or a
	// customer whose status changed since the task was enqueued
	Skipped
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Retryable:
		return "retry"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is what a handler returns. Retry behavior is a property of the
// result, not of whether the handler errored.
type Result struct {
	Status Status
	Err    error
	Reason string
}

func Success() Result { return Result{Status: Succeeded} }

func Retry(err error) Result { return Result{Status: Retryable, Err: err} }

func Fail(err error) Result { return Result{Status: Failed, Err: err} }

func Skip(reason string) Result { return Result{Status: Skipped, Reason: reason} }

// Policy bounds how often a task runs and how long to wait between runs
type Policy struct {
	MaxAttempts int
	// Backoff[i] is the delay after attempt i+1 fails. The last entry
	// repeats when there are more attempts than entries.
	Backoff []time.Duration
}

// LifecyclePolicy is used for isolate and restore: five attempts spaced
// 1m, 5m, 15m and 1h apart
var LifecyclePolicy = Policy{
	MaxAttempts: 5,
	Backoff:     []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour},
}

// OnceOnly is used for monitoring tasks; the next schedule tick retries
var OnceOnly = Policy{MaxAttempts: 1}

// Delay returns the wait before attempt+1
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

// Exhausted reports whether attempt was the last one allowed
func (p Policy) Exhausted(attempt int) bool {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	return attempt >= limit
}
