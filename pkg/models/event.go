package models

import "encoding/json"

// EventState is the lifecycle state carried by a chat event.
type EventState string

const (
	EventDelta   EventState = "delta"
	EventFinal   EventState = "final"
	EventAborted EventState = "aborted"
)

// ChatEvent is the payload pushed to connected listeners as a run
// progresses. Ordering is guaranteed per run ID only; events across
// different runs carry no relative ordering beyond correct tagging.
type ChatEvent struct {
	RunID      string
	SessionKey string
	State      EventState
	Data       map[string]any
}

// MarshalJSON flattens Data alongside the run tags so the wire
// payload is {runId, sessionKey, state, ...data}.
func (e ChatEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		out[k] = v
	}
	out["runId"] = e.RunID
	out["sessionKey"] = e.SessionKey
	out["state"] = e.State
	return json.Marshal(out)
}
