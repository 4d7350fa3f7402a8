package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/history"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/runs"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// ErrInvalidRequest marks caller protocol errors: malformed parameters
// or a session/run mismatch on abort. Surfaced synchronously in the
// RPC response, never retried automatically.
var ErrInvalidRequest = errors.New("invalid request")

// SendParams are the chat.send request parameters.
type SendParams struct {
	SessionKey     string
	Message        string
	IdempotencyKey string
	TimeoutMs      int

	// Channel and To carry the external delivery route, recorded on
	// the session after every successful send.
	Channel models.ChannelType
	To      string
}

// SendResult is the synchronous chat.send response. Execution
// outcomes arrive later on the event stream.
type SendResult struct {
	RunID  string           `json:"runId"`
	Status models.RunStatus `json:"status"`
}

// Coordinator wires the session resolver, run registry, abort
// coordinator, event broadcaster and executor adapter into the
// chat.send / chat.abort / chat.history surface.
type Coordinator struct {
	resolver    *sessions.Resolver
	registry    *runs.Registry
	aborts      *runs.AbortCoordinator
	broadcaster *events.Broadcaster
	log         sessions.MessageLog
	windows     *history.Builder
	runner      agent.Runner
	metrics     *observability.Metrics
	logger      *slog.Logger

	// onRunStart observes the executor's start callback; tests
	// synchronize on it instead of sleeping.
	onRunStart func(runID string)
}

// NewCoordinator assembles the run coordination core. metrics may be
// nil; if logger is nil, slog.Default() is used.
func NewCoordinator(
	resolver *sessions.Resolver,
	registry *runs.Registry,
	broadcaster *events.Broadcaster,
	log sessions.MessageLog,
	windows *history.Builder,
	runner agent.Runner,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		resolver:    resolver,
		registry:    registry,
		broadcaster: broadcaster,
		log:         log,
		windows:     windows,
		runner:      runner,
		metrics:     metrics,
		logger:      logger,
	}
	c.aborts = runs.NewAbortCoordinator(registry, broadcaster, logger)
	// Per-run broadcaster state lives as long as the registry record.
	registry.SetPruneHook(broadcaster.Forget)
	if metrics != nil {
		broadcaster.SetDropHandler(func(string) { metrics.EventsDropped.Inc() })
		resolver.SetPersistErrorHandler(func(string, error) { metrics.PersistFailures.Inc() })
	}
	return c
}

// SetRunStartHook registers a callback invoked when the executor
// reports the run has truly begun.
func (c *Coordinator) SetRunStartHook(hook func(runID string)) {
	c.onRunStart = hook
}

// Send resolves the session, deduplicates by idempotency key, and
// starts execution for new runs. It returns as soon as the dedup
// decision is made and never blocks on the run itself.
func (c *Coordinator) Send(ctx context.Context, params SendParams) (SendResult, error) {
	if strings.TrimSpace(params.SessionKey) == "" {
		return SendResult{}, fmt.Errorf("%w: sessionKey is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(params.Message) == "" {
		return SendResult{}, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(params.IdempotencyKey) == "" {
		return SendResult{}, fmt.Errorf("%w: idempotencyKey is required", ErrInvalidRequest)
	}

	sessionID := c.resolver.Resolve(ctx, params.SessionKey)

	result := c.registry.Submit(ctx, params.SessionKey, params.IdempotencyKey,
		func(runCtx context.Context, run models.Run) {
			c.execute(runCtx, run, params, sessionID)
		})

	if c.metrics != nil {
		c.metrics.RunsSubmitted.WithLabelValues(string(result.Status)).Inc()
	}
	return SendResult{RunID: result.RunID, Status: result.Status}, nil
}

// Abort raises the abort signal for one run or a whole session.
// A session/run mismatch is a caller protocol error; aborting an
// unknown or completed run is a benign no-op.
func (c *Coordinator) Abort(sessionKey, runID string) (runs.AbortResult, error) {
	if strings.TrimSpace(sessionKey) == "" {
		return runs.AbortResult{}, fmt.Errorf("%w: sessionKey is required", ErrInvalidRequest)
	}
	result, err := c.aborts.Abort(sessionKey, runID)
	if errors.Is(err, runs.ErrSessionMismatch) {
		return runs.AbortResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return result, err
}

// History returns a byte-capped tail of the session's message log.
func (c *Coordinator) History(ctx context.Context, sessionKey string, limit int) ([]*models.Message, error) {
	if strings.TrimSpace(sessionKey) == "" {
		return nil, fmt.Errorf("%w: sessionKey is required", ErrInvalidRequest)
	}
	sessionID := c.resolver.Resolve(ctx, sessionKey)
	return c.windows.Window(ctx, sessionID, limit)
}

// Run returns the registry's view of a run.
func (c *Coordinator) Run(runID string) (models.Run, bool) {
	return c.registry.Get(runID)
}

// Subscribe attaches a listener to the event stream.
func (c *Coordinator) Subscribe() *events.Subscription {
	return c.broadcaster.Subscribe()
}

// Unsubscribe detaches a listener.
func (c *Coordinator) Unsubscribe(sub *events.Subscription) {
	c.broadcaster.Unsubscribe(sub)
}

// Close flushes pending session writes.
func (c *Coordinator) Close() {
	c.resolver.Close()
}

// execute drives a single run on its own goroutine: it journals the
// inbound message, invokes the executor with the abort signal, and
// records the terminal outcome. All execution outcomes are reported
// through the event stream; the chat.send response already went out.
func (c *Coordinator) execute(ctx context.Context, run models.Run, params SendParams, sessionID string) {
	started := time.Now()
	if c.metrics != nil {
		c.metrics.ActiveRuns.Inc()
		defer c.metrics.ActiveRuns.Dec()
	}

	if params.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	inbound := &models.Message{
		RunID:     run.ID,
		Channel:   params.Channel,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   params.Message,
	}
	if err := c.log.Append(ctx, sessionID, inbound); err != nil {
		c.logger.Warn("failed to journal inbound message",
			"run_id", run.ID, "session_id", sessionID, "error", err)
	}

	window, err := c.windows.Window(ctx, sessionID, 0)
	if err != nil {
		c.logger.Warn("failed to build history window",
			"run_id", run.ID, "session_id", sessionID, "error", err)
	}

	result, err := c.runner.Run(ctx, agent.RunOptions{
		RunID:     run.ID,
		SessionID: sessionID,
		Message:   inbound,
		History:   window,
		OnRunStart: func(runID string) {
			c.logger.Debug("run started", "run_id", runID, "session_key", run.SessionKey)
			if c.onRunStart != nil {
				c.onRunStart(runID)
			}
		},
		OnDelta: func(text string) {
			c.publish(run, models.EventDelta, map[string]any{"text": text})
		},
	})

	switch {
	case err == nil && ctx.Err() == nil:
		c.completeOK(ctx, run, params, sessionID, result, started)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		c.finalize(run, models.RunAborted, nil, started)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.finalize(run, models.RunError, map[string]any{"error": "run timed out"}, started)
	default:
		c.logger.Error("executor failed", "run_id", run.ID, "error", err)
		c.finalize(run, models.RunError, map[string]any{"error": err.Error()}, started)
	}
}

func (c *Coordinator) completeOK(ctx context.Context, run models.Run, params SendParams, sessionID string, result *agent.Result, started time.Time) {
	content := ""
	if result != nil {
		content = result.Content
	}

	outbound := &models.Message{
		RunID:     run.ID,
		Channel:   params.Channel,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   content,
	}
	if err := c.log.Append(ctx, sessionID, outbound); err != nil {
		c.logger.Warn("failed to journal reply",
			"run_id", run.ID, "session_id", sessionID, "error", err)
	}

	if params.Channel != "" || params.To != "" {
		c.resolver.UpdateRoute(ctx, run.SessionKey, params.Channel, params.To)
	}

	c.finalize(run, models.RunOK, map[string]any{"text": content}, started)
}

// finalize records the terminal state (first writer wins) and emits
// the matching event. If another path already finalized the run, its
// outcome stands and no duplicate event is published.
func (c *Coordinator) finalize(run models.Run, status models.RunStatus, data map[string]any, started time.Time) {
	recorded, first := c.registry.Finalize(run.ID, status)
	if !first {
		return
	}
	if c.metrics != nil {
		c.metrics.RunsFinalized.WithLabelValues(string(recorded)).Inc()
		c.metrics.RunDuration.WithLabelValues(string(recorded)).Observe(time.Since(started).Seconds())
	}

	switch recorded {
	case models.RunAborted:
		c.publish(run, models.EventAborted, data)
	default:
		if !c.publish(run, models.EventFinal, data) {
			// An abort armed suppression while the run was completing
			// naturally. The stream still owes a terminal event.
			c.publish(run, models.EventAborted, nil)
		}
	}
}

func (c *Coordinator) publish(run models.Run, state models.EventState, data map[string]any) bool {
	delivered := c.broadcaster.Publish(run.ID, run.SessionKey, state, data)
	if c.metrics != nil {
		if delivered {
			c.metrics.EventsPublished.WithLabelValues(string(state)).Inc()
		} else {
			c.metrics.EventsSuppressed.Inc()
		}
	}
	return delivered
}
