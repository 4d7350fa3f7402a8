package models

import "time"

// SessionRecord maps a caller-chosen session key to the durable session
// identifier used for message-log addressing, plus the most recent
// external delivery route associated with the session.
type SessionRecord struct {
	Key         string      `json:"key"`
	SessionID   string      `json:"session_id"`
	LastChannel ChannelType `json:"last_channel,omitempty"`
	LastTo      string      `json:"last_to,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Clone returns a copy of the record safe to hand across goroutines.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}
