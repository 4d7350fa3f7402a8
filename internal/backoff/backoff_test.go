package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_DelayGrowsExponentially(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second}, // clamped at Max
		{6, time.Second},
	}
	for _, tc := range cases {
		if got := policy.delayWithRand(tc.attempt, 0); got != tc.want {
			t.Fatalf("attempt %d: delay %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestPolicy_JitterStaysBounded(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: time.Minute, Factor: 2, Jitter: 0.5}

	low := policy.delayWithRand(1, 0)
	high := policy.delayWithRand(1, 0.999)
	if low != 100*time.Millisecond {
		t.Fatalf("zero random: %v", low)
	}
	if high < low || high > 150*time.Millisecond {
		t.Fatalf("jittered delay %v out of bounds", high)
	}
}

func TestRetry_StopsOnFirstSuccess(t *testing.T) {
	policy := Policy{Initial: time.Millisecond, Factor: 1}

	calls := 0
	err := Retry(context.Background(), policy, 5, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}

func TestRetry_ReturnsLastErrorWhenExhausted(t *testing.T) {
	policy := Policy{Initial: time.Millisecond, Factor: 1}

	sentinel := errors.New("still broken")
	calls := 0
	err := Retry(context.Background(), policy, 3, func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}

func TestRetry_HonorsContextCancellation(t *testing.T) {
	policy := Policy{Initial: time.Hour, Factor: 1}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, policy, 3, func(context.Context) error {
			return errors.New("transient")
		})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}
