package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

type permanentErr struct{}

func (permanentErr) Error() string   { return "rejected" }
func (permanentErr) Permanent() bool { return true }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(clock *fakeClock) *Registry {
	return NewRegistry(Settings{FailureThreshold: 3, ResetTimeout: 10 * time.Second}, WithClock(clock.Now))
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestRegistry(clock).Get("fiat")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	var called bool
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatalf("open breaker must not invoke the operation")
	}
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestRegistry(clock).Get("fiat")
	ctx := context.Background()
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	if b.State() != Closed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	if b.Failures() != 1 {
		t.Fatalf("expected one failure, got %d", b.Failures())
	}
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestRegistry(clock).Get("lightning")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(10 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != Closed || b.Failures() != 0 {
		t.Fatalf("expected closed with zero failures, got %s/%d", b.State(), b.Failures())
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestRegistry(clock).Get("lightning")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(11 * time.Second)
	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe to run and fail, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected open after failed probe, got %s", b.State())
	}
	clock.Advance(5 * time.Second)
	if err := b.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("cooldown should restart from probe failure, got %v", err)
	}
}

func TestBreakerAdmitsSingleProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestRegistry(clock).Get("fiat")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	var invoked atomic.Int32
	go func() {
		_ = b.Execute(ctx, func(context.Context) error {
			invoked.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(ctx, func(context.Context) error { invoked.Add(1); return nil })
			if errors.Is(err, ErrOpen) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)

	if rejected.Load() != 5 {
		t.Fatalf("expected all concurrent calls rejected during probe, got %d", rejected.Load())
	}
	if invoked.Load() != 1 {
		t.Fatalf("expected exactly one probe invocation, got %d", invoked.Load())
	}
}

func TestBreakerIgnoresPermanentAndCancelledErrors(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestRegistry(clock).Get("fiat")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return permanentErr{} })
		_ = b.Execute(ctx, func(context.Context) error { return context.Canceled })
	}
	if b.State() != Closed {
		t.Fatalf("business errors must not trip the breaker, got %s", b.State())
	}
}

func TestCallFallback(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestRegistry(clock).Get("quotes")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	got, err := Call(ctx, b, func(context.Context) (int, error) { return 1, nil }, func(_ context.Context, cause error) (int, error) {
		if !errors.Is(cause, ErrOpen) {
			t.Fatalf("fallback cause should be ErrOpen, got %v", cause)
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("expected fallback result, got %d %v", got, err)
	}
}

func TestRegistrySharesBreakersByName(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	reg := NewRegistry(Settings{}, WithClock(clock.Now), WithSettings("lightning", Settings{FailureThreshold: 1}))
	if reg.Get(" Fiat ") != reg.Get("fiat") {
		t.Fatalf("expected the same breaker instance")
	}
	_ = reg.Get("lightning").Execute(context.Background(), fail)
	snap := reg.Snapshot()
	if snap["lightning"] != Open {
		t.Fatalf("override threshold not applied: %v", snap)
	}
	if snap["fiat"] != Closed {
		t.Fatalf("unexpected fiat state %v", snap["fiat"])
	}
	if !reg.Get("fiat").Ready() || reg.Get("lightning").Ready() {
		t.Fatalf("unexpected readiness")
	}
}
