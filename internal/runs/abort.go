package runs

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrSessionMismatch is returned when an abort names a run that exists
// but belongs to a different session key. That combination indicates a
// protocol bug in the caller, unlike aborting an unknown or completed
// run, which is a benign no-op.
var ErrSessionMismatch = errors.New("run does not belong to session")

// Suppressor is the broadcaster-side hook that stops delta/final
// delivery for an aborted run.
type Suppressor interface {
	MarkAborted(runID string)
}

// AbortResult reports which runs had their abort signal raised.
// Aborted is false when no non-terminal run matched the request.
type AbortResult struct {
	Aborted bool
	RunIDs  []string
}

// AbortCoordinator raises abort signals against registry runs. It only
// requests cancellation; the terminal "aborted" transition is recorded
// by whoever drives the executor once cancellation is observed, keeping
// a single source of truth for what actually happened to the work.
type AbortCoordinator struct {
	registry   *Registry
	suppressor Suppressor
	logger     *slog.Logger
}

// NewAbortCoordinator wires the coordinator to a registry and the
// event suppressor. If logger is nil, slog.Default() is used.
func NewAbortCoordinator(registry *Registry, suppressor Suppressor, logger *slog.Logger) *AbortCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &AbortCoordinator{
		registry:   registry,
		suppressor: suppressor,
		logger:     logger,
	}
}

// Abort cancels a single run (runID given) or every non-terminal run
// for the session (runID empty). It returns once the signal has been
// raised; actual stoppage is reported later via the aborted event.
func (c *AbortCoordinator) Abort(sessionKey, runID string) (AbortResult, error) {
	if runID != "" {
		return c.abortRun(sessionKey, runID)
	}
	return c.abortSession(sessionKey), nil
}

func (c *AbortCoordinator) abortRun(sessionKey, runID string) (AbortResult, error) {
	run, ok := c.registry.Get(runID)
	if !ok || run.Status.Terminal() {
		return AbortResult{}, nil
	}
	if run.SessionKey != sessionKey {
		return AbortResult{}, fmt.Errorf("%w: run %s", ErrSessionMismatch, runID)
	}

	if !c.registry.requestAbort(runID, c.suppress(runID)) {
		// Lost the race to natural completion.
		return AbortResult{}, nil
	}
	c.logger.Info("abort requested", "run_id", runID, "session_key", sessionKey)
	return AbortResult{Aborted: true, RunIDs: []string{runID}}, nil
}

// suppress arms event suppression for the run before its abort token
// fires, so a runner waking on cancellation cannot slip a delta past
// the broadcaster.
func (c *AbortCoordinator) suppress(runID string) func() {
	if c.suppressor == nil {
		return nil
	}
	return func() { c.suppressor.MarkAborted(runID) }
}

func (c *AbortCoordinator) abortSession(sessionKey string) AbortResult {
	var aborted []string
	for _, run := range c.registry.Active(sessionKey) {
		if !c.registry.requestAbort(run.ID, c.suppress(run.ID)) {
			continue
		}
		aborted = append(aborted, run.ID)
	}
	if len(aborted) == 0 {
		return AbortResult{Aborted: false, RunIDs: []string{}}
	}
	c.logger.Info("session abort requested",
		"session_key", sessionKey, "runs", len(aborted))
	return AbortResult{Aborted: true, RunIDs: aborted}
}
