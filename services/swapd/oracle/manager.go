package oracle

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"satsbridge/services/swapd/models"
)

// Source resolves a rate for a currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, base, quote string) (Sample, error)
}

// SnapshotStore persists aggregated medians.
type SnapshotStore interface {
	RecordRateSnapshot(ctx context.Context, snapshot models.RateSnapshot) error
}

// Pair identifies a base/quote pair. Base is the bitcoin leg.
type Pair struct {
	Base  string
	Quote string
}

// Manager polls sources on an interval and feeds the book.
type Manager struct {
	logger   *slog.Logger
	store    SnapshotStore
	book     *Book
	sources  []Source
	pairs    []Pair
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	once     sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a manager instance.
func NewManager(store SnapshotStore, book *Book, sources []Source, pairs []Pair, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("snapshot store required")
	}
	if book == nil {
		return nil, fmt.Errorf("book required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one pair required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:   slog.Default(),
		store:    store,
		book:     book,
		sources:  append([]Source{}, sources...),
		pairs:    append([]Pair{}, pairs...),
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	mgr.logger = mgr.logger.With(slog.String("component", "oracle"))
	return mgr, nil
}

// Run blocks, periodically polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", slog.Int("sources", len(m.sources)), slog.Int("pairs", len(m.pairs)))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("oracle tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle across all configured pairs. Every
// pair is attempted; the first failure is returned.
func (m *Manager) Tick(ctx context.Context) error {
	var first error
	for _, pair := range m.pairs {
		if err := m.processPair(ctx, pair); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Manager) processPair(ctx context.Context, pair Pair) error {
	base := strings.ToUpper(strings.TrimSpace(pair.Base))
	quote := strings.ToUpper(strings.TrimSpace(pair.Quote))
	if base == "" || quote == "" {
		return fmt.Errorf("invalid pair configuration")
	}
	key := PairKey(base, quote)
	now := m.now()
	feeders := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		sample, err := src.Fetch(ctx, base, quote)
		if err != nil {
			m.logger.Warn("oracle source failed", slog.String("source", src.Name()), slog.String("pair", key), slog.String("error", err.Error()))
			continue
		}
		if !sample.Rate.IsPositive() {
			m.logger.Warn("oracle source returned invalid rate", slog.String("source", src.Name()), slog.String("pair", key))
			continue
		}
		if sample.Timestamp.IsZero() {
			sample.Timestamp = now
		}
		if sample.Timestamp.After(now.Add(5 * time.Second)) {
			m.logger.Warn("oracle source produced future timestamp", slog.String("source", src.Name()))
			continue
		}
		if sample.Timestamp.Before(now.Add(-m.maxAge)) {
			m.logger.Warn("oracle source sample expired", slog.String("source", src.Name()))
			continue
		}
		m.book.Update(key, src.Name(), sample)
		feeders = append(feeders, src.Name())
	}
	if len(feeders) < m.minFeeds {
		return fmt.Errorf("insufficient oracle feeds for %s: %d < %d", key, len(feeders), m.minFeeds)
	}
	median, err := m.book.Price(key, now)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	sort.Strings(feeders)
	snapshot := models.RateSnapshot{
		Pair:       key,
		MedianRate: median,
		Feeders:    strings.Join(feeders, ","),
		ProofID:    proofID(key, feeders, now),
		ObservedAt: now.UTC(),
	}
	if err := m.store.RecordRateSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

func proofID(pair string, feeders []string, ts time.Time) string {
	digest := blake3.New(32, nil)
	digest.Write([]byte(pair))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	for _, f := range feeders {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}
