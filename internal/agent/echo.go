package agent

import (
	"context"
	"time"
)

const echoChunkSize = 16

// EchoRunner is the built-in local runner: it streams the inbound
// message back in small delta chunks, then completes with the full
// echo. Useful for `relay serve` without an external agent and for
// exercising the adapter contract end to end.
type EchoRunner struct {
	// Delay paces the chunks; zero emits them back to back.
	Delay time.Duration
}

func (r *EchoRunner) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if opts.OnRunStart != nil {
		opts.OnRunStart(opts.RunID)
	}

	content := ""
	if opts.Message != nil {
		content = opts.Message.Content
	}

	for start := 0; start < len(content); start += echoChunkSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if r.Delay > 0 {
			timer := time.NewTimer(r.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		end := start + echoChunkSize
		if end > len(content) {
			end = len(content)
		}
		if opts.OnDelta != nil {
			opts.OnDelta(content[start:end])
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return &Result{Content: content}, nil
}
