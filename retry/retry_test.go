package retry

import (
	"context"
	"testing"
	"time"

	"github.com/gurre/remexec/errs"
)

func TestSimpleSuccess(t *testing.T) {
	runs := 0
	got, err := Do(context.Background(), Immediate(5), func(context.Context) Result[bool] {
		runs++
		return Ok(true)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("expected true result")
	}
	if runs != 1 {
		t.Errorf("expected function to be called once, got %d", runs)
	}
}

func TestFailsAfterScheduleExhausted(t *testing.T) {
	runs := 0
	// A schedule of 2 delays allows 3 attempts total.
	_, err := Do(context.Background(), Immediate(2), func(context.Context) Result[bool] {
		runs++
		return Again[bool](errs.New(errs.Unavailable, "dummy failure"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if runs != 3 {
		t.Errorf("expected 3 attempts, got %d", runs)
	}
	if errs.CodeOf(err) != errs.Unavailable {
		t.Errorf("expected last transient error to surface, got %v", errs.CodeOf(err))
	}
}

func TestSucceedsOnLastAttempt(t *testing.T) {
	runs := 0
	got, err := Do(context.Background(), Immediate(2), func(context.Context) Result[int] {
		runs++
		if runs < 3 {
			return Again[int](errs.New(errs.Unavailable, "not yet"))
		}
		return Ok(42)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || runs != 3 {
		t.Errorf("got %d after %d runs", got, runs)
	}
}

func TestFatalAbortsImmediately(t *testing.T) {
	runs := 0
	_, err := Do(context.Background(), Immediate(10), func(context.Context) Result[bool] {
		runs++
		return Fatal[bool](errs.New(errs.InvalidArgument, "bad credentials"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if runs != 1 {
		t.Errorf("expected a single attempt, got %d", runs)
	}
	if errs.CodeOf(err) != errs.InvalidArgument {
		t.Errorf("unexpected code: %v", errs.CodeOf(err))
	}
}

func TestBackoffScheduleShape(t *testing.T) {
	cfg := Config{MaxRetries: 4, Delay: 0.1}
	var delays []time.Duration
	for d := range cfg.Backoff() {
		delays = append(delays, d)
	}
	if len(delays) != 4 {
		t.Fatalf("expected 4 delays, got %d", len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] != delays[i-1]*2 {
			t.Errorf("delay %d = %v, expected double of %v", i, delays[i], delays[i-1])
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := Config{MaxRetries: 100, Delay: 1, Jitter: 0.5}
	base := time.Second
	i := 0
	for d := range cfg.Backoff() {
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		if d < lo || d > hi {
			t.Fatalf("delay %d = %v outside [%v, %v]", i, d, lo, hi)
		}
		base *= 2
		i++
	}
}
