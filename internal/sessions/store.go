package sessions

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// Store is the keyed backing store for session records. Writes may be
// slow or fail entirely; the resolver stays correct in-memory either way.
type Store interface {
	// Get returns the record for a session key, or nil if unknown.
	Get(ctx context.Context, key string) (*models.SessionRecord, error)

	// Set persists the record for a session key.
	Set(ctx context.Context, key string, record *models.SessionRecord) error
}

// MessageLog is the append-only per-session message log.
type MessageLog interface {
	// Append adds a message to the session's log.
	Append(ctx context.Context, sessionID string, msg *models.Message) error

	// Tail returns up to limit of the newest messages for a session,
	// oldest first.
	Tail(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}
