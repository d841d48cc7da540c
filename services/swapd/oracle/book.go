package oracle

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable indicates the book cannot provide a trustworthy rate.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// Sample captures a single feed observation.
type Sample struct {
	Rate      decimal.Decimal
	Timestamp time.Time
}

// Book keeps the latest sample per feed and pair and serves a filtered median.
type Book struct {
	mu           sync.Mutex
	ttl          time.Duration
	maxDeviation decimal.Decimal
	jumpBreaker  decimal.Decimal
	now          func() time.Time
	feeds        map[string]map[string]Sample
	lastAccepted map[string]decimal.Decimal
}

// NewBook creates a median book. Samples older than ttl are ignored. A
// positive maxDeviation drops samples further than that fraction from the raw
// median; a positive jumpBreaker refuses medians that moved further than that
// fraction from the last accepted one.
func NewBook(ttl time.Duration, maxDeviation, jumpBreaker float64) *Book {
	return &Book{
		ttl:          ttl,
		maxDeviation: decimal.NewFromFloat(maxDeviation),
		jumpBreaker:  decimal.NewFromFloat(jumpBreaker),
		now:          time.Now,
		feeds:        make(map[string]map[string]Sample),
		lastAccepted: make(map[string]decimal.Decimal),
	}
}

// PairKey normalises a base/quote pair, e.g. BTC/KES.
func PairKey(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

// Update records a sample for feed.
func (b *Book) Update(pair, feed string, sample Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.feeds[pair]; !ok {
		b.feeds[pair] = make(map[string]Sample)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = b.now()
	}
	b.feeds[pair][feed] = sample
}

// Fresh counts the samples for pair still inside the ttl.
func (b *Book) Fresh(pair string, now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.freshLocked(pair, now))
}

func (b *Book) freshLocked(pair string, now time.Time) []decimal.Decimal {
	var values []decimal.Decimal
	for _, sample := range b.feeds[pair] {
		if b.ttl > 0 && now.Sub(sample.Timestamp) > b.ttl {
			continue
		}
		if !sample.Rate.IsPositive() {
			continue
		}
		values = append(values, sample.Rate)
	}
	return values
}

// Price computes the median rate for pair at now.
func (b *Book) Price(pair string, now time.Time) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	values := b.freshLocked(pair, now)
	if len(values) == 0 {
		return decimal.Zero, ErrPriceUnavailable
	}
	median := medianOf(values)
	if b.maxDeviation.IsPositive() {
		filtered := values[:0:0]
		for _, v := range values {
			if v.Sub(median).Div(median).Abs().LessThanOrEqual(b.maxDeviation) {
				filtered = append(filtered, v)
			}
		}
		if len(filtered) == 0 {
			return decimal.Zero, ErrPriceUnavailable
		}
		median = medianOf(filtered)
	}
	if prev, ok := b.lastAccepted[pair]; ok && b.jumpBreaker.IsPositive() {
		if median.Sub(prev).Div(prev).Abs().GreaterThan(b.jumpBreaker) {
			return decimal.Zero, ErrPriceUnavailable
		}
	}
	b.lastAccepted[pair] = median
	return median, nil
}

// Rate serves the fiat-per-bitcoin rate for base/quote.
func (b *Book) Rate(_ context.Context, base, quote string) (decimal.Decimal, error) {
	return b.Price(PairKey(base, quote), b.now())
}

func medianOf(values []decimal.Decimal) decimal.Decimal {
	sorted := append([]decimal.Decimal(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
