package idempotency

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestFingerprintIsStableAndDelimited(t *testing.T) {
	a := Fingerprint("onramp", "500", "254700000001")
	b := Fingerprint("onramp", "500", "254700000001")
	if a != b || len(a) != 64 {
		t.Fatalf("unexpected fingerprints %q %q", a, b)
	}
	if Fingerprint("ab", "c") == Fingerprint("a", "bc") {
		t.Fatalf("expected length-prefixed parts to differ")
	}
}

func TestGuardSerialisesSameKey(t *testing.T) {
	g := NewGuard()
	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := g.Lock("INV-1")
			defer unlock()
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("expected exclusive access, peak concurrency %d", peak)
	}
	if g.Held() != 0 {
		t.Fatalf("expected lock map to drain, got %d", g.Held())
	}
}

func TestGuardAllowsDifferentKeys(t *testing.T) {
	g := NewGuard()
	unlockA := g.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := g.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on a different key should not block")
	}
	unlockA()
}

func openLog(t *testing.T) *DeliveryLog {
	t.Helper()
	log, err := OpenDeliveryLog(filepath.Join(t.TempDir(), "deliveries.db"))
	if err != nil {
		t.Fatalf("open delivery log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestDeliveryLogLifecycle(t *testing.T) {
	log := openLog(t)
	state, err := log.Reserve("collection:INV-1:COMPLETE")
	if err != nil || state != DeliveryNew {
		t.Fatalf("first reserve: state=%v err=%v", state, err)
	}
	state, _ = log.Reserve("collection:INV-1:COMPLETE")
	if state != DeliveryInFlight {
		t.Fatalf("expected in flight, got %v", state)
	}
	if err := log.MarkProcessed("collection:INV-1:COMPLETE"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	state, _ = log.Reserve("collection:INV-1:COMPLETE")
	if state != DeliveryProcessed {
		t.Fatalf("expected processed, got %v", state)
	}
	if err := log.Release("collection:INV-1:COMPLETE"); err != nil {
		t.Fatalf("release: %v", err)
	}
	state, _ = log.Reserve("collection:INV-1:COMPLETE")
	if state != DeliveryProcessed {
		t.Fatalf("release must not drop processed records, got %v", state)
	}
}

func TestDeliveryLogReleaseAllowsRetry(t *testing.T) {
	log := openLog(t)
	if _, err := log.Reserve("k"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := log.Release("k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	state, _ := log.Reserve("k")
	if state != DeliveryNew {
		t.Fatalf("expected new after release, got %v", state)
	}
	if err := log.MarkProcessed("missing"); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("expected ErrNotReserved, got %v", err)
	}
	if _, err := log.Reserve("  "); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
}

func TestDeliveryLogPrune(t *testing.T) {
	log := openLog(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return base }
	_, _ = log.Reserve("old")
	_ = log.MarkProcessed("old")
	log.now = func() time.Time { return base.Add(48 * time.Hour) }
	_, _ = log.Reserve("new")
	_ = log.MarkProcessed("new")
	removed, err := log.Prune(base.Add(24 * time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("prune removed=%d err=%v", removed, err)
	}
	if state, _ := log.Reserve("old"); state != DeliveryNew {
		t.Fatalf("expected pruned key to be new again, got %v", state)
	}
}
