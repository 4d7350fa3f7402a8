package models

import "time"

// RunStatus is the lifecycle state of a run. Terminal states
// (ok, aborted, error) never transition again.
type RunStatus string

const (
	RunStarted  RunStatus = "started"
	RunInFlight RunStatus = "in_flight"
	RunOK       RunStatus = "ok"
	RunAborted  RunStatus = "aborted"
	RunError    RunStatus = "error"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunOK, RunAborted, RunError:
		return true
	default:
		return false
	}
}

// Run is the public view of a run record. One run exists per
// (session key, idempotency key) pair; the executor behind it is
// invoked at most once.
type Run struct {
	ID             string    `json:"id"`
	SessionKey     string    `json:"session_key"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         RunStatus `json:"status"`
	AbortRequested bool      `json:"abort_requested"`
	CreatedAt      time.Time `json:"created_at"`
}
