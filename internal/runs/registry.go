// Package runs tracks agent runs per session, deduplicates submissions
// by idempotency key, and coordinates cooperative cancellation.
package runs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// maxTerminalRecords bounds how many completed runs the registry
// retains for status caching. Oldest terminal records are pruned
// first once the ceiling is reached.
const maxTerminalRecords = 1024

// Executor is the reply-generation boundary. The registry invokes it
// at most once per (session key, idempotency key) pair, on its own
// goroutine. The context carries the run's abort signal; the executor
// observes ctx.Done() to stop early.
type Executor func(ctx context.Context, run models.Run)

// SubmitResult is the synchronous outcome of a Submit call.
type SubmitResult struct {
	RunID  string
	Status models.RunStatus
}

type dedupeKey struct {
	sessionKey     string
	idempotencyKey string
}

// record is the registry's internal run bookkeeping. cancel is the
// run's abort token: raising it signals the executor, and Finalize
// releases it the moment the run reaches a terminal state.
type record struct {
	run    models.Run
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns the set of active and recently-completed runs.
// The check-and-create in Submit is atomic with respect to concurrent
// submissions carrying the same idempotency key.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	byKey     map[dedupeKey]*record
	byRunID   map[string]*record
	terminal  []string
	pruneHook func(runID string)
}

// NewRegistry creates an empty run registry. If logger is nil,
// slog.Default() is used.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		byKey:   map[dedupeKey]*record{},
		byRunID: map[string]*record{},
	}
}

// SetPruneHook registers a callback invoked with each run ID the
// registry evicts, so collaborators holding per-run state (the event
// broadcaster) can release theirs in step.
func (r *Registry) SetPruneHook(hook func(runID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneHook = hook
}

// Submit deduplicates a send request and hands new runs to the
// executor. It never blocks on execution:
//
//   - unknown (sessionKey, idempotencyKey): a run record is created,
//     the executor starts on its own goroutine, status "started".
//   - known and non-terminal: status "in_flight", executor untouched.
//   - known and terminal: the cached terminal status, executor untouched.
//
// The run context is detached from ctx's cancellation so the caller's
// request lifetime does not bound the run; ctx values carry over.
func (r *Registry) Submit(ctx context.Context, sessionKey, idempotencyKey string, exec Executor) SubmitResult {
	key := dedupeKey{sessionKey: sessionKey, idempotencyKey: idempotencyKey}

	r.mu.Lock()
	if rec, ok := r.byKey[key]; ok {
		status := rec.run.Status
		if !status.Terminal() {
			status = models.RunInFlight
		}
		result := SubmitResult{RunID: rec.run.ID, Status: status}
		r.mu.Unlock()
		return result
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec := &record{
		run: models.Run{
			ID:             uuid.NewString(),
			SessionKey:     sessionKey,
			IdempotencyKey: idempotencyKey,
			Status:         models.RunStarted,
			CreatedAt:      time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.byKey[key] = rec
	r.byRunID[rec.run.ID] = rec
	run := rec.run
	r.mu.Unlock()

	r.logger.Debug("run created",
		"run_id", run.ID, "session_key", sessionKey, "idempotency_key", idempotencyKey)

	go exec(runCtx, run)
	return SubmitResult{RunID: run.ID, Status: models.RunStarted}
}

// Finalize transitions a run to a terminal state exactly once and
// releases its abort token. A second call keeps the first terminal
// state that was recorded; the returned status is whichever won.
func (r *Registry) Finalize(runID string, status models.RunStatus) (models.RunStatus, bool) {
	if !status.Terminal() {
		return "", false
	}

	r.mu.Lock()
	rec, ok := r.byRunID[runID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	if rec.run.Status.Terminal() {
		recorded := rec.run.Status
		r.mu.Unlock()
		return recorded, false
	}
	rec.run.Status = status
	cancel := rec.cancel
	rec.cancel = nil
	close(rec.done)
	r.terminal = append(r.terminal, runID)
	pruned := r.pruneLocked()
	hook := r.pruneHook
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if hook != nil {
		for _, id := range pruned {
			hook(id)
		}
	}
	r.logger.Debug("run finalized", "run_id", runID, "status", status)
	return status, true
}

// Get returns a copy of a run record by run ID.
func (r *Registry) Get(runID string) (models.Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byRunID[runID]
	if !ok {
		return models.Run{}, false
	}
	return rec.run, true
}

// Active returns the non-terminal runs belonging to a session key.
func (r *Registry) Active(sessionKey string) []models.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Run
	for _, rec := range r.byRunID {
		if rec.run.SessionKey == sessionKey && !rec.run.Status.Terminal() {
			out = append(out, rec.run)
		}
	}
	return out
}

// Done returns a channel closed when the run reaches a terminal state.
// Returns nil for unknown runs.
func (r *Registry) Done(runID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byRunID[runID]
	if !ok {
		return nil
	}
	return rec.done
}

// requestAbort raises the run's abort token. Returns false when the
// run is unknown or already terminal; aborting nothing is benign.
// beforeCancel, if non-nil, runs after the run is committed to
// aborting but before the token fires, so callers can arm event
// suppression ahead of the executor waking up.
func (r *Registry) requestAbort(runID string, beforeCancel func()) bool {
	r.mu.Lock()
	rec, ok := r.byRunID[runID]
	if !ok || rec.run.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	rec.run.AbortRequested = true
	cancel := rec.cancel
	r.mu.Unlock()

	if beforeCancel != nil {
		beforeCancel()
	}
	if cancel != nil {
		cancel()
	}
	return true
}

// pruneLocked drops the oldest terminal records above the retention
// ceiling and returns the evicted run IDs. Callers hold r.mu.
func (r *Registry) pruneLocked() []string {
	var pruned []string
	for len(r.terminal) > maxTerminalRecords {
		oldest := r.terminal[0]
		r.terminal = r.terminal[1:]
		pruned = append(pruned, oldest)
		rec, ok := r.byRunID[oldest]
		if !ok {
			continue
		}
		delete(r.byRunID, oldest)
		delete(r.byKey, dedupeKey{
			sessionKey:     rec.run.SessionKey,
			idempotencyKey: rec.run.IdempotencyKey,
		})
	}
	return pruned
}
