package runs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestRegistry_SubmitDeduplicates(t *testing.T) {
	registry := NewRegistry(nil)

	var invocations atomic.Int32
	release := make(chan struct{})
	started := make(chan string, 1)

	exec := func(ctx context.Context, run models.Run) {
		invocations.Add(1)
		started <- run.ID
		<-release
		registry.Finalize(run.ID, models.RunOK)
	}

	first := registry.Submit(context.Background(), "main", "idem-status-1", exec)
	if first.Status != models.RunStarted {
		t.Fatalf("expected started, got %s", first.Status)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("executor never started")
	}

	second := registry.Submit(context.Background(), "main", "idem-status-1", exec)
	if second.Status != models.RunInFlight {
		t.Fatalf("expected in_flight, got %s", second.Status)
	}
	if second.RunID != first.RunID {
		t.Fatalf("expected same run ID, got %s and %s", first.RunID, second.RunID)
	}

	close(release)
	waitForTerminal(t, registry, first.RunID)

	third := registry.Submit(context.Background(), "main", "idem-status-1", exec)
	if third.Status != models.RunOK {
		t.Fatalf("expected cached ok, got %s", third.Status)
	}
	if got := invocations.Load(); got != 1 {
		t.Fatalf("executor invoked %d times, want 1", got)
	}
}

func TestRegistry_ConcurrentSubmitSingleExecution(t *testing.T) {
	registry := NewRegistry(nil)

	var invocations atomic.Int32
	exec := func(ctx context.Context, run models.Run) {
		invocations.Add(1)
		registry.Finalize(run.ID, models.RunOK)
	}

	const attempts = 32
	var wg sync.WaitGroup
	results := make([]SubmitResult, attempts)
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(idx int) {
			defer wg.Done()
			results[idx] = registry.Submit(context.Background(), "main", "idem-race", exec)
		}(i)
	}
	wg.Wait()

	runID := results[0].RunID
	for _, res := range results {
		if res.RunID != runID {
			t.Fatalf("submit observed different run IDs: %s vs %s", runID, res.RunID)
		}
	}
	waitForTerminal(t, registry, runID)
	if got := invocations.Load(); got != 1 {
		t.Fatalf("executor invoked %d times, want 1", got)
	}
}

func TestRegistry_DistinctKeysRunIndependently(t *testing.T) {
	registry := NewRegistry(nil)

	started := make(chan string, 2)
	exec := func(ctx context.Context, run models.Run) {
		started <- run.ID
	}

	one := registry.Submit(context.Background(), "main", "idem-1", exec)
	two := registry.Submit(context.Background(), "main", "idem-2", exec)
	if one.RunID == two.RunID {
		t.Fatal("distinct idempotency keys shared a run")
	}
	if one.Status != models.RunStarted || two.Status != models.RunStarted {
		t.Fatalf("expected both started, got %s and %s", one.Status, two.Status)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("executor never started")
		}
	}
}

func TestRegistry_FinalizeFirstWins(t *testing.T) {
	registry := NewRegistry(nil)

	res := registry.Submit(context.Background(), "main", "idem-final", func(ctx context.Context, run models.Run) {})

	recorded, first := registry.Finalize(res.RunID, models.RunAborted)
	if !first || recorded != models.RunAborted {
		t.Fatalf("first finalize: recorded=%s first=%v", recorded, first)
	}

	recorded, first = registry.Finalize(res.RunID, models.RunOK)
	if first {
		t.Fatal("second finalize claimed the transition")
	}
	if recorded != models.RunAborted {
		t.Fatalf("second finalize returned %s, want aborted", recorded)
	}

	run, ok := registry.Get(res.RunID)
	if !ok || run.Status != models.RunAborted {
		t.Fatalf("run status = %s, want aborted", run.Status)
	}
}

func TestRegistry_FinalizeRejectsNonTerminal(t *testing.T) {
	registry := NewRegistry(nil)
	res := registry.Submit(context.Background(), "main", "idem-nt", func(ctx context.Context, run models.Run) {})

	if _, ok := registry.Finalize(res.RunID, models.RunInFlight); ok {
		t.Fatal("finalize accepted a non-terminal status")
	}
}

func TestRegistry_AbortSignalReachesExecutor(t *testing.T) {
	registry := NewRegistry(nil)

	observed := make(chan struct{})
	res := registry.Submit(context.Background(), "main", "idem-abort", func(ctx context.Context, run models.Run) {
		<-ctx.Done()
		close(observed)
		registry.Finalize(run.ID, models.RunAborted)
	})

	var armed bool
	if !registry.requestAbort(res.RunID, func() { armed = true }) {
		t.Fatal("requestAbort returned false for active run")
	}
	if !armed {
		t.Fatal("beforeCancel hook not invoked")
	}
	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("executor never observed cancellation")
	}

	run, _ := registry.Get(res.RunID)
	if !run.AbortRequested {
		t.Fatal("abort_requested not recorded")
	}
}

func TestRegistry_RequestAbortAfterTerminalIsNoop(t *testing.T) {
	registry := NewRegistry(nil)
	res := registry.Submit(context.Background(), "main", "idem-done", func(ctx context.Context, run models.Run) {})
	registry.Finalize(res.RunID, models.RunOK)

	if registry.requestAbort(res.RunID, nil) {
		t.Fatal("requestAbort succeeded on terminal run")
	}
	if registry.requestAbort("unknown-run", nil) {
		t.Fatal("requestAbort succeeded on unknown run")
	}
}

func TestRegistry_PruneNotifiesHook(t *testing.T) {
	registry := NewRegistry(nil)

	var pruned []string
	registry.SetPruneHook(func(runID string) { pruned = append(pruned, runID) })

	const extra = 25
	total := maxTerminalRecords + extra
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		res := registry.Submit(context.Background(), "main", fmt.Sprintf("idem-prune-%d", i),
			func(ctx context.Context, run models.Run) {})
		registry.Finalize(res.RunID, models.RunOK)
		ids = append(ids, res.RunID)
	}

	if len(pruned) != extra {
		t.Fatalf("hook saw %d evictions, want %d", len(pruned), extra)
	}
	for i, id := range pruned {
		if id != ids[i] {
			t.Fatalf("eviction %d was %s, want oldest run %s", i, id, ids[i])
		}
	}
	if _, ok := registry.Get(ids[0]); ok {
		t.Fatal("oldest run still resident after prune")
	}
	if _, ok := registry.Get(ids[total-1]); !ok {
		t.Fatal("newest run evicted")
	}
}

func waitForTerminal(t *testing.T, registry *Registry, runID string) {
	t.Helper()
	done := registry.Done(runID)
	if done == nil {
		t.Fatalf("unknown run %s", runID)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run %s never reached a terminal state", runID)
	}
}
