package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"satsbridge/observability"
	"satsbridge/services/swapd/amount"
	"satsbridge/services/swapd/breaker"
	"satsbridge/services/swapd/models"
	"satsbridge/services/swapd/storage"
)

// BTC is the bitcoin leg of every supported pair. Bitcoin amounts are
// expressed in satoshis.
const BTC = "BTC"

var (
	ErrRateUnavailable = errors.New("quote: rate unavailable")
	ErrInvalidAmount   = errors.New("quote: amount must be positive")
	ErrUnsupportedPair = errors.New("quote: unsupported currency pair")
	ErrQuoteExpired    = errors.New("quote: expired")
	ErrQuoteNotFound   = errors.New("quote: not found")
)

// Quote is an immutable, time-bounded exchange rate. Rate is fiat per 1 BTC.
type Quote struct {
	ID        uuid.UUID        `json:"id"`
	From      string           `json:"from"`
	To        string           `json:"to"`
	Rate      decimal.Decimal  `json:"rate"`
	Expiry    time.Time        `json:"expiry"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Fee       *decimal.Decimal `json:"fee,omitempty"`
	Output    *decimal.Decimal `json:"output,omitempty"`
	FeeBps    int              `json:"fee_bps"`
	CreatedAt time.Time        `json:"created_at"`
}

// Expired reports whether the quote may no longer be consumed at now.
func (q Quote) Expired(now time.Time) bool { return !now.Before(q.Expiry) }

// FeeFor returns the fee charged on a gross fiat amount at the quoted rate,
// rounded to two places.
func (q Quote) FeeFor(fiat decimal.Decimal) decimal.Decimal {
	return fiat.Mul(decimal.NewFromInt(int64(q.FeeBps))).Div(bpsScale).Round(2)
}

// Fiat returns the fiat leg of the pair.
func (q Quote) Fiat() string {
	if q.From == BTC {
		return q.To
	}
	return q.From
}

// Request asks for a quote. Amount is optional; when present it is in units of
// From (satoshis when From is BTC).
type Request struct {
	From   string           `json:"from"`
	To     string           `json:"to"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

// RateSource returns the fiat-per-BTC rate for base/quote.
type RateSource interface {
	Rate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// RateSourceFunc adapts a function into a RateSource.
type RateSourceFunc func(ctx context.Context, base, quote string) (decimal.Decimal, error)

// Rate implements RateSource.
func (f RateSourceFunc) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	return f(ctx, base, quote)
}

// Store persists issued quotes.
type Store interface {
	SaveQuote(ctx context.Context, quote *models.QuoteRecord) error
	GetQuote(ctx context.Context, id uuid.UUID) (models.QuoteRecord, error)
}

// Config tunes the service.
type Config struct {
	TTL    time.Duration
	FeeBps int
	// Fiat lists the supported fiat currencies.
	Fiat []string
}

// Service issues and resolves quotes.
type Service struct {
	source  RateSource
	store   Store
	ttl     time.Duration
	feeBps  int
	fiat    map[string]struct{}
	breaker *breaker.Breaker
	now     func() time.Time
	tracer  trace.Tracer
	metrics *observability.SwapEngineMetrics
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBreaker guards rate lookups with b.
func WithBreaker(b *breaker.Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

// NewService constructs a quote service.
func NewService(source RateSource, store Store, cfg Config, opts ...Option) (*Service, error) {
	if source == nil {
		return nil, fmt.Errorf("rate source required")
	}
	if store == nil {
		return nil, fmt.Errorf("quote store required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("quote ttl must be positive")
	}
	if cfg.FeeBps < 0 || cfg.FeeBps >= 10000 {
		return nil, fmt.Errorf("fee_bps must be within [0, 10000)")
	}
	if len(cfg.Fiat) == 0 {
		return nil, fmt.Errorf("at least one fiat currency required")
	}
	fiat := make(map[string]struct{}, len(cfg.Fiat))
	for _, c := range cfg.Fiat {
		fiat[normalise(c)] = struct{}{}
	}
	s := &Service{
		source:  source,
		store:   store,
		ttl:     cfg.TTL,
		feeBps:  cfg.FeeBps,
		fiat:    fiat,
		now:     time.Now,
		tracer:  otel.Tracer("satsbridge/swapd/quote"),
		metrics: observability.SwapEngine(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// GetQuote prices req and persists the quote. A failing rate source is an
// error, never a zero quote.
func (s *Service) GetQuote(ctx context.Context, req Request) (q Quote, err error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "quote.get",
		trace.WithAttributes(attribute.String("from", normalise(req.From)), attribute.String("to", normalise(req.To))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("quote.id", q.ID.String()))
		}
		span.End()
		s.metrics.Observe("quote", s.now().Sub(start), err)
	}()

	from, to := normalise(req.From), normalise(req.To)
	fiat, err := s.pair(from, to)
	if err != nil {
		return Quote{}, err
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		return Quote{}, ErrInvalidAmount
	}
	rate, err := s.rate(ctx, fiat)
	if err != nil {
		return Quote{}, err
	}
	now := s.now()
	q = Quote{
		ID:        uuid.New(),
		From:      from,
		To:        to,
		Rate:      rate,
		Expiry:    now.Add(s.ttl),
		FeeBps:    s.feeBps,
		CreatedAt: now,
	}
	if req.Amount != nil {
		if err := price(&q, *req.Amount); err != nil {
			return Quote{}, err
		}
	}
	record := toRecord(q)
	if err := s.store.SaveQuote(ctx, &record); err != nil {
		return Quote{}, fmt.Errorf("persist quote: %w", err)
	}
	return q, nil
}

// Get loads a previously issued quote.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Quote, error) {
	record, err := s.store.GetQuote(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Quote{}, ErrQuoteNotFound
		}
		return Quote{}, err
	}
	return fromRecord(record), nil
}

// Resolve loads a quote for consumption. Expired quotes are re-issued when
// refresh is set and rejected otherwise.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, refresh bool) (Quote, error) {
	q, err := s.Get(ctx, id)
	if err != nil {
		return Quote{}, err
	}
	if !q.Expired(s.now()) {
		return q, nil
	}
	if !refresh {
		return Quote{}, ErrQuoteExpired
	}
	return s.Refresh(ctx, q)
}

// Refresh re-issues q with a new id and the current rate.
func (s *Service) Refresh(ctx context.Context, q Quote) (Quote, error) {
	return s.GetQuote(ctx, Request{From: q.From, To: q.To, Amount: q.Amount})
}

func (s *Service) pair(from, to string) (string, error) {
	var fiat string
	switch {
	case from == BTC && to != BTC:
		fiat = to
	case to == BTC && from != BTC:
		fiat = from
	default:
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPair, from, to)
	}
	if _, ok := s.fiat[fiat]; !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPair, from, to)
	}
	return fiat, nil
}

func (s *Service) rate(ctx context.Context, fiat string) (decimal.Decimal, error) {
	lookup := func(ctx context.Context) (decimal.Decimal, error) {
		return s.source.Rate(ctx, BTC, fiat)
	}
	var (
		rate decimal.Decimal
		err  error
	)
	if s.breaker != nil {
		rate, err = breaker.Call(ctx, s.breaker, lookup, nil)
	} else {
		rate, err = lookup(ctx)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrRateUnavailable, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive rate %s", ErrRateUnavailable, rate)
	}
	return rate, nil
}

var bpsScale = decimal.NewFromInt(10000)

func price(q *Quote, amt decimal.Decimal) error {
	amountCopy := amt
	q.Amount = &amountCopy
	if q.From == BTC {
		sats := amt.Floor()
		if !sats.IsPositive() {
			return ErrInvalidAmount
		}
		gross := amount.SatsToFiat(sats.IntPart(), q.Rate)
		fee := q.FeeFor(gross)
		out := gross.Sub(fee).RoundFloor(2)
		q.Fee = &fee
		q.Output = &out
		return nil
	}
	fee := q.FeeFor(amt)
	sats, err := amount.FiatToSats(amt.Sub(fee), q.Rate)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	out := decimal.NewFromInt(sats)
	q.Fee = &fee
	q.Output = &out
	return nil
}

func toRecord(q Quote) models.QuoteRecord {
	return models.QuoteRecord{
		ID:           q.ID,
		FromCurrency: q.From,
		ToCurrency:   q.To,
		Rate:         q.Rate,
		Amount:       nullable(q.Amount),
		Fee:          nullable(q.Fee),
		Output:       nullable(q.Output),
		FeeBps:       q.FeeBps,
		ExpiresAt:    q.Expiry.UTC(),
		CreatedAt:    q.CreatedAt.UTC(),
	}
}

func fromRecord(r models.QuoteRecord) Quote {
	return Quote{
		ID:        r.ID,
		From:      r.FromCurrency,
		To:        r.ToCurrency,
		Rate:      r.Rate,
		Expiry:    r.ExpiresAt,
		Amount:    pointer(r.Amount),
		Fee:       pointer(r.Fee),
		Output:    pointer(r.Output),
		FeeBps:    r.FeeBps,
		CreatedAt: r.CreatedAt,
	}
}

func nullable(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func pointer(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func normalise(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
