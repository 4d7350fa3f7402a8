package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// maxMessagesPerSession limits messages kept per session to prevent
// unbounded memory growth. When exceeded, oldest messages are trimmed.
const maxMessagesPerSession = 1000

// MemoryStore provides an in-memory Store implementation for testing
// and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.SessionRecord
}

// NewMemoryStore creates a new in-memory session record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*models.SessionRecord{}}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*models.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[key].Clone(), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, record *models.SessionRecord) error {
	if record == nil {
		return errors.New("record is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = record.Clone()
	return nil
}

// MemoryLog provides an in-memory MessageLog implementation.
type MemoryLog struct {
	mu       sync.RWMutex
	messages map[string][]*models.Message
}

// NewMemoryLog creates a new in-memory message log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{messages: map[string][]*models.Message{}}
}

func (m *MemoryLog) Append(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *msg
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.SessionID = sessionID
	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt

	entries := append(m.messages[sessionID], &clone)
	if len(entries) > maxMessagesPerSession {
		entries = entries[len(entries)-maxMessagesPerSession:]
	}
	m.messages[sessionID] = entries
	return nil
}

func (m *MemoryLog) Tail(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.messages[sessionID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*models.Message, 0, len(entries))
	for _, msg := range entries {
		clone := *msg
		out = append(out, &clone)
	}
	return out, nil
}
