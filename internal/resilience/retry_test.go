package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	attempts, err := DefaultRetryPolicy().Do(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 || attempts != 1 {
		t.Errorf("expected 1 call and 1 attempt, got %d/%d", calls, attempts)
	}
}

func TestDo_SuccessAfterTransient(t *testing.T) {
	var calls int
	attempts, err := fastPolicy(3).Do(context.Background(), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("bad gateway"), 502)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var calls int
	attempts, err := fastPolicy(3).Do(context.Background(), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("unavailable"), 503)
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 || attempts != 3 {
		t.Errorf("expected 3 calls and 3 attempts, got %d/%d", calls, attempts)
	}
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	var calls int
	attempts, err := fastPolicy(5).Do(context.Background(), func(_ context.Context) error {
		calls++
		return errors.New("malformed request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 || attempts != 1 {
		t.Errorf("expected a single attempt, got %d calls", calls)
	}
}

func TestDo_ContextCancelStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	var calls int
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Do(ctx, func(_ context.Context) error {
			calls++
			return NewTransientError(errors.New("timeout"), 504)
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDo_OnRetryCalled(t *testing.T) {
	var seen []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, _ error) { seen = append(seen, attempt) }

	_, _ = p.Do(context.Background(), func(_ context.Context) error {
		return NewTransientError(errors.New("fail"), 500)
	})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("expected OnRetry for attempts [1 2], got %v", seen)
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	p := fastPolicy(3)
	p.ShouldRetry = func(error) bool { return true }

	_, _ = p.Do(context.Background(), func(_ context.Context) error {
		calls++
		return errors.New("anything")
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoVal(t *testing.T) {
	var calls int
	val, attempts, err := DoVal(context.Background(), fastPolicy(3), func(_ context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewTransientError(errors.New("reset"), 0)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" || attempts != 2 {
		t.Errorf("expected ok after 2 attempts, got %q after %d", val, attempts)
	}

	val, attempts, err = DoVal(context.Background(), fastPolicy(2), func(_ context.Context) (string, error) {
		return "partial", errors.New("no match")
	})
	if err == nil || val != "" || attempts != 1 {
		t.Errorf("expected zero value and one attempt on permanent error, got %q/%d/%v", val, attempts, err)
	}
}

func TestBackoff_ExponentialAndCapped(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 2 * time.Second, MaxBackoff: 8 * time.Second, Multiplier: 2}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2, JitterFraction: 0.5}
	for range 100 {
		d := p.Backoff(1)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 150ms]", d)
		}
	}
}

func TestNewRetryPolicy(t *testing.T) {
	p := NewRetryPolicy(5, 100, 1000, 3, 0)
	if p.MaxAttempts != 5 || p.InitialBackoff != 100*time.Millisecond || p.MaxBackoff != time.Second || p.Multiplier != 3 || p.JitterFraction != 0 {
		t.Errorf("unexpected policy: %+v", p)
	}

	d := NewRetryPolicy(0, 0, 0, 0, -1)
	def := DefaultRetryPolicy()
	if d.MaxAttempts != def.MaxAttempts || d.InitialBackoff != def.InitialBackoff || d.JitterFraction != def.JitterFraction {
		t.Errorf("expected defaults, got %+v", d)
	}
}
