// Package eod drives the end-of-day capture: a bounded worker pool drains a
// queue of tracked tickers after the close, persists each ticker's full
// chain, and books retry ledger entries for whatever failed.
package eod

import "fmt"

// Status is the job lifecycle state. The job reaches exactly one terminal
// state per run; the daily reset returns it to idle.
type Status string

const (
	// StatusIdle means no run is in progress and the queue is waiting.
	StatusIdle Status = "IDLE"
	// StatusRunning means workers are draining the queue.
	StatusRunning Status = "RUNNING"
	// StatusComplete means the last run drained the queue with no failures.
	StatusComplete Status = "COMPLETE"
	// StatusCompleteWithFailures means the last run drained the queue but at
	// least one capture failed and was booked in the retry ledger.
	StatusCompleteWithFailures Status = "COMPLETE_WITH_FAILURES"
)

// Terminal reports whether the status is a run outcome.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCompleteWithFailures
}

// validTransitions defines the allowed lifecycle edges.
var validTransitions = map[Status][]Status{
	StatusIdle:                 {StatusRunning},
	StatusRunning:              {StatusComplete, StatusCompleteWithFailures},
	StatusComplete:             {StatusIdle},
	StatusCompleteWithFailures: {StatusIdle},
}

// canTransition reports whether from -> to is an allowed edge.
func canTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrNotIdle is returned when a run is requested while one is already in
// progress or a finished run has not been reset.
var ErrNotIdle = fmt.Errorf("end-of-day job is not idle")
