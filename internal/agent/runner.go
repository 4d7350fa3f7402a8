// Package agent defines the boundary to the reply-generation
// collaborator and ships a local echo runner for development and tests.
package agent

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// RunOptions carries everything a runner needs for one run. OnRunStart
// must be invoked exactly once before any observable work; the
// coordinator (and tests) synchronize on it rather than on wall-clock
// delays. OnDelta streams partial output as it is produced.
type RunOptions struct {
	RunID      string
	SessionID  string
	Message    *models.Message
	History    []*models.Message
	OnRunStart func(runID string)
	OnDelta    func(text string)
}

// Result is a runner's natural-completion output.
type Result struct {
	Content string
}

// Runner generates a reply for a single run. Cancellation is
// cooperative: the runner observes ctx.Done() and returns ctx.Err()
// when the abort signal is raised. A runner that ignores cancellation
// is a collaborator bug; the coordinator stays correct regardless.
type Runner interface {
	Run(ctx context.Context, opts RunOptions) (*Result, error)
}
