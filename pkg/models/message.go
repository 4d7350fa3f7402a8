package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents an external delivery channel.
type ChannelType string

const (
	ChannelWeChat   ChannelType = "wechat"
	ChannelTelegram ChannelType = "telegram"
	ChannelWebChat  ChannelType = "webchat"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry in a session's append-only message log.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id,omitempty"`
	Channel   ChannelType    `json:"channel,omitempty"`
	Direction Direction      `json:"direction"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EncodedSize returns the serialized size of the message in bytes.
// The history window builder trims at message granularity, so the
// budget is always compared against whole encoded messages.
func (m *Message) EncodedSize() int {
	data, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(data)
}
