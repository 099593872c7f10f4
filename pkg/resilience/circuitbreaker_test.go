package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestBreaker(opts BreakerOpts) (*Breaker, *time.Time) {
	b := NewBreaker(opts)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(context.Context) error { return errors.New("downstream error") }
func succeed(context.Context) error { return nil }

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Call(ctx, fail); errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call %d rejected before threshold", i)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if err := b.Call(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker must reject, got %v", err)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	b.Call(ctx, fail)
	b.Call(ctx, fail)
	b.Call(ctx, succeed)
	b.Call(ctx, fail)
	b.Call(ctx, fail)
	if b.State() != StateClosed {
		t.Errorf("state = %s, failure count must reset on success", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Minute, HalfOpenMax: 1})
	ctx := context.Background()

	b.Call(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %s", b.State())
	}

	*now = now.Add(time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open after timeout", b.State())
	}

	// Successful probe closes the breaker.
	if err := b.Call(ctx, succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after successful probe", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Minute, HalfOpenMax: 1})
	ctx := context.Background()

	b.Call(ctx, fail)
	*now = now.Add(time.Minute)

	if err := b.Call(ctx, fail); errors.Is(err, ErrCircuitOpen) {
		t.Fatal("probe call must be allowed in half-open")
	}
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open after failed probe", b.State())
	}
	// The clock did not advance, so the breaker stays open.
	if err := b.Call(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected rejection, got %v", err)
	}
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	b, now := newTestBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Minute, HalfOpenMax: 1})
	ctx := context.Background()

	b.Call(ctx, fail)
	*now = now.Add(time.Minute)

	blocked := make(chan struct{})
	release := make(chan struct{})
	go b.Call(ctx, func(context.Context) error {
		close(blocked)
		<-release
		return nil
	})
	<-blocked

	if err := b.Call(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent probe must be rejected, got %v", err)
	}
	close(release)
}

func TestStateString(t *testing.T) {
	if StateClosed.String() != "closed" || StateOpen.String() != "open" || StateHalfOpen.String() != "half-open" {
		t.Error("state names wrong")
	}
}

func TestDefaultsApplied(t *testing.T) {
	b := NewBreaker(BreakerOpts{})
	if b.opts.FailThreshold != DefaultBreakerOpts.FailThreshold {
		t.Errorf("threshold = %d", b.opts.FailThreshold)
	}
	if b.opts.Timeout != DefaultBreakerOpts.Timeout {
		t.Errorf("timeout = %v", b.opts.Timeout)
	}
}
