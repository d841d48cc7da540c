package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"satsbridge/observability/logging"
	"satsbridge/services/swapd/models"
)

type fakeSource struct {
	name   string
	sample Sample
	err    error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(context.Context, string, string) (Sample, error) {
	if f.err != nil {
		return Sample{}, f.err
	}
	return f.sample, nil
}

type memorySnapshots struct {
	rows []models.RateSnapshot
}

func (m *memorySnapshots) RecordRateSnapshot(_ context.Context, s models.RateSnapshot) error {
	m.rows = append(m.rows, s)
	return nil
}

func TestManagerTickAggregatesMedian(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := &memorySnapshots{}
	book := NewBook(time.Minute, 0, 0)
	book.now = func() time.Time { return now }
	sources := []Source{
		&fakeSource{name: "alpha", sample: Sample{Rate: decimal.RequireFromString("5900000"), Timestamp: now}},
		&fakeSource{name: "beta", sample: Sample{Rate: decimal.RequireFromString("6000000"), Timestamp: now}},
		&fakeSource{name: "gamma", sample: Sample{Rate: decimal.RequireFromString("6200000"), Timestamp: now}},
		&fakeSource{name: "down", err: errors.New("timeout")},
	}
	mgr, err := NewManager(store, book, sources, []Pair{{Base: "btc", Quote: "kes"}}, time.Second, time.Minute, 2,
		WithLogger(logging.Discard()), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(store.rows) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(store.rows))
	}
	snap := store.rows[0]
	if snap.Pair != "BTC/KES" || !snap.MedianRate.Equal(decimal.RequireFromString("6000000")) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Feeders != "alpha,beta,gamma" || len(snap.ProofID) != 64 {
		t.Fatalf("unexpected feeders/proof %q %q", snap.Feeders, snap.ProofID)
	}
	rate, err := book.Rate(context.Background(), "BTC", "KES")
	if err != nil || !rate.Equal(decimal.RequireFromString("6000000")) {
		t.Fatalf("book rate %s %v", rate, err)
	}
}

func TestManagerRequiresMinimumFeeds(t *testing.T) {
	now := time.Unix(1700000000, 0)
	stale := &fakeSource{name: "stale", sample: Sample{Rate: decimal.NewFromInt(1), Timestamp: now.Add(-time.Hour)}}
	zero := &fakeSource{name: "zero", sample: Sample{Rate: decimal.Zero, Timestamp: now}}
	mgr, err := NewManager(&memorySnapshots{}, NewBook(time.Minute, 0, 0), []Source{stale, zero}, []Pair{{Base: "BTC", Quote: "KES"}}, time.Second, time.Minute, 1,
		WithLogger(logging.Discard()), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err == nil {
		t.Fatalf("expected insufficient feeds error")
	}
}

func TestBookDropsOutliersAndStaleSamples(t *testing.T) {
	now := time.Unix(1700000000, 0)
	book := NewBook(time.Minute, 0.05, 0)
	book.Update("BTC/KES", "a", Sample{Rate: decimal.NewFromInt(100), Timestamp: now})
	book.Update("BTC/KES", "b", Sample{Rate: decimal.NewFromInt(102), Timestamp: now})
	book.Update("BTC/KES", "c", Sample{Rate: decimal.NewFromInt(101), Timestamp: now})
	book.Update("BTC/KES", "d", Sample{Rate: decimal.NewFromInt(500), Timestamp: now})
	book.Update("BTC/KES", "e", Sample{Rate: decimal.NewFromInt(1), Timestamp: now.Add(-2 * time.Minute)})

	price, err := book.Price("BTC/KES", now)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("expected 101, got %s", price)
	}
	if book.Fresh("BTC/KES", now) != 4 {
		t.Fatalf("expected four fresh samples")
	}
	if _, err := book.Price("BTC/USD", now); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected unavailable for unknown pair, got %v", err)
	}
}

func TestBookJumpBreaker(t *testing.T) {
	now := time.Unix(1700000000, 0)
	book := NewBook(time.Minute, 0, 0.1)
	book.Update("BTC/KES", "a", Sample{Rate: decimal.NewFromInt(100), Timestamp: now})
	if _, err := book.Price("BTC/KES", now); err != nil {
		t.Fatalf("first price: %v", err)
	}
	book.Update("BTC/KES", "a", Sample{Rate: decimal.NewFromInt(150), Timestamp: now})
	if _, err := book.Price("BTC/KES", now); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected jump breaker to refuse, got %v", err)
	}
	book.Update("BTC/KES", "a", Sample{Rate: decimal.NewFromInt(105), Timestamp: now})
	if p, err := book.Price("BTC/KES", now); err != nil || !p.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("expected 105, got %s %v", p, err)
	}
}
