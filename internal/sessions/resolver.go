package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/pkg/models"
)

// persistTimeout bounds a full backing-store write, retries included.
const persistTimeout = 5 * time.Second

// persistAttempts is how many times a record write is tried before the
// failure is surfaced. Transient store hiccups should not cost a write.
const persistAttempts = 3

// persistRetryPolicy paces the retries inside persistTimeout.
var persistRetryPolicy = backoff.Policy{
	Initial: 50 * time.Millisecond,
	Max:     time.Second,
	Factor:  2,
	Jitter:  0.1,
}

// Resolver maps caller-chosen session keys to durable session
// identifiers and the last-known delivery route. The in-memory map is
// authoritative for the life of the process; backing-store writes are
// debounced and failures are logged and swallowed, so a slow or broken
// store never blocks conversation.
type Resolver struct {
	store     Store
	logger    *slog.Logger
	saveDelay time.Duration

	mu      sync.Mutex
	records map[string]*models.SessionRecord
	pending map[string]*time.Timer
	closed  bool

	onPersistError func(key string, err error)
}

// NewResolver creates a resolver on top of the given keyed store.
// A zero saveDelay makes persistence synchronous before return, which
// tests and low-traffic paths rely on. If logger is nil, slog.Default()
// is used.
func NewResolver(store Store, saveDelay time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     store,
		logger:    logger,
		saveDelay: saveDelay,
		records:   map[string]*models.SessionRecord{},
		pending:   map[string]*time.Timer{},
	}
}

// SetPersistErrorHandler registers a callback invoked when a backing
// store write fails, after the failure has been logged.
func (r *Resolver) SetPersistErrorHandler(handler func(key string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPersistError = handler
}

// Resolve returns the session identifier for a session key, allocating
// a new record on first reference. A backing-store read failure falls
// open to a fresh in-memory identifier.
func (r *Resolver) Resolve(ctx context.Context, key string) string {
	r.mu.Lock()
	if rec, ok := r.records[key]; ok {
		id := rec.SessionID
		r.mu.Unlock()
		return id
	}
	r.mu.Unlock()

	// Not in memory; consult the store outside the lock.
	var loaded *models.SessionRecord
	if r.store != nil {
		rec, err := r.store.Get(ctx, key)
		if err != nil {
			r.logger.Warn("session store read failed, continuing in-memory",
				"session_key", key, "error", err)
		} else {
			loaded = rec
		}
	}

	r.mu.Lock()
	if rec, ok := r.records[key]; ok {
		// Lost the race to a concurrent Resolve.
		id := rec.SessionID
		r.mu.Unlock()
		return id
	}

	rec := loaded
	created := false
	if rec == nil {
		now := time.Now()
		rec = &models.SessionRecord{
			Key:       key,
			SessionID: uuid.NewString(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		created = true
	}
	r.records[key] = rec
	id := rec.SessionID
	var persist func()
	if created {
		persist = r.schedulePersistLocked(key)
	}
	r.mu.Unlock()

	if persist != nil {
		persist()
	}
	return id
}

// UpdateRoute records the most recent external delivery route for a
// session and schedules a coalesced persistence write.
func (r *Resolver) UpdateRoute(ctx context.Context, key string, channel models.ChannelType, to string) {
	r.mu.Lock()
	rec, ok := r.records[key]
	if !ok {
		now := time.Now()
		rec = &models.SessionRecord{
			Key:       key,
			SessionID: uuid.NewString(),
			CreatedAt: now,
		}
		r.records[key] = rec
	}
	if channel != "" {
		rec.LastChannel = channel
	}
	if to != "" {
		rec.LastTo = to
	}
	rec.UpdatedAt = time.Now()
	persist := r.schedulePersistLocked(key)
	r.mu.Unlock()

	if persist != nil {
		persist()
	}
}

// Record returns a copy of the in-memory record for a session key,
// or nil if the key has never been resolved.
func (r *Resolver) Record(key string) *models.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[key].Clone()
}

// Flush writes all pending records immediately.
func (r *Resolver) Flush() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.pending))
	for key, timer := range r.pending {
		timer.Stop()
		keys = append(keys, key)
	}
	for _, key := range keys {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.persist(key)
	}
}

// Close flushes pending writes and stops the resolver.
func (r *Resolver) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Flush()
}

// schedulePersistLocked coalesces writes per key: while a timer is
// pending, further updates ride along with it. Returns a function to
// run after releasing the mutex when the write must be synchronous.
func (r *Resolver) schedulePersistLocked(key string) func() {
	if r.store == nil || r.closed {
		return nil
	}
	if r.saveDelay <= 0 {
		return func() { r.persist(key) }
	}
	if _, exists := r.pending[key]; exists {
		return nil
	}
	r.pending[key] = time.AfterFunc(r.saveDelay, func() {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
		r.persist(key)
	})
	return nil
}

func (r *Resolver) persist(key string) {
	r.mu.Lock()
	rec := r.records[key].Clone()
	handler := r.onPersistError
	r.mu.Unlock()
	if rec == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := backoff.Retry(ctx, persistRetryPolicy, persistAttempts, func(ctx context.Context) error {
		return r.store.Set(ctx, key, rec)
	})
	if err != nil {
		r.logger.Warn("session store write failed, keeping in-memory record",
			"session_key", key, "error", err)
		if handler != nil {
			handler(key, err)
		}
	}
}
