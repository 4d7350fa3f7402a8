// Package history builds bounded-size replay windows over a session's
// message log.
package history

import (
	"context"

	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	// DefaultMaxBytes is the production ceiling for a serialized
	// history window. Tests and operators override it via config.
	DefaultMaxBytes = 256 * 1024

	// DefaultLimit is the message count used when callers pass none.
	DefaultLimit = 50

	// MaxLimit caps the number of messages a single request can ask for.
	MaxLimit = 500
)

// Builder reads bounded tails of a session's message log.
type Builder struct {
	log          sessions.MessageLog
	maxBytes     int
	defaultLimit int
}

// NewBuilder creates a window builder over the given log. maxBytes <= 0
// selects DefaultMaxBytes; defaultLimit <= 0 selects DefaultLimit. The
// default limit applies when a caller passes no limit of its own.
func NewBuilder(log sessions.MessageLog, maxBytes, defaultLimit int) *Builder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if defaultLimit > MaxLimit {
		defaultLimit = MaxLimit
	}
	return &Builder{log: log, maxBytes: maxBytes, defaultLimit: defaultLimit}
}

// Window returns up to limit of the newest messages for a session,
// oldest first, trimmed from the oldest end until the serialized size
// fits the byte budget. Trimming operates at message granularity only;
// a message is either present in full or absent.
func (b *Builder) Window(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return b.WindowCapped(ctx, sessionID, limit, b.maxBytes)
}

// WindowCapped is Window with an explicit byte budget.
func (b *Builder) WindowCapped(ctx context.Context, sessionID string, limit, maxBytes int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = b.defaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if maxBytes <= 0 {
		maxBytes = b.maxBytes
	}

	msgs, err := b.log.Tail(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return trimToBudget(msgs, maxBytes), nil
}

// trimToBudget drops messages oldest-first until the total encoded
// size fits within maxBytes.
func trimToBudget(msgs []*models.Message, maxBytes int) []*models.Message {
	total := 0
	for _, msg := range msgs {
		total += msg.EncodedSize()
	}
	for len(msgs) > 0 && total > maxBytes {
		total -= msgs[0].EncodedSize()
		msgs = msgs[1:]
	}
	return msgs
}
