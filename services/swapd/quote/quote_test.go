package quote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"satsbridge/services/swapd/breaker"
	"satsbridge/services/swapd/storage"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func fixedRate(v string) RateSource {
	return RateSourceFunc(func(context.Context, string, string) (decimal.Decimal, error) {
		return decimal.RequireFromString(v), nil
	})
}

func newService(t *testing.T, source RateSource, feeBps int, opts ...Option) (*Service, *clock) {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "sqlite", DSN: storage.MemoryDSN(uuid.NewString())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	svc, err := NewService(source, store, Config{TTL: 5 * time.Minute, FeeBps: feeBps, Fiat: []string{"KES"}}, opts...)
	require.NoError(t, err)
	return svc, c
}

func dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestGetQuoteExpiresInFutureWithPositiveRate(t *testing.T) {
	svc, c := newService(t, fixedRate("6000000"), 0)
	for _, req := range []Request{
		{From: "KES", To: "BTC"},
		{From: "kes", To: "btc", Amount: dec("500")},
		{From: "BTC", To: "KES", Amount: dec("8333")},
	} {
		q, err := svc.GetQuote(context.Background(), req)
		require.NoError(t, err)
		require.True(t, q.Expiry.After(c.now))
		require.True(t, q.Rate.IsPositive())
		require.Equal(t, "KES", q.Fiat())
	}
}

func TestGetQuotePopulatesFeeAndOutput(t *testing.T) {
	svc, _ := newService(t, fixedRate("6000000"), 100)
	q, err := svc.GetQuote(context.Background(), Request{From: "KES", To: "BTC", Amount: dec("500")})
	require.NoError(t, err)
	require.NotNil(t, q.Fee)
	require.NotNil(t, q.Output)
	require.True(t, q.Fee.Equal(decimal.RequireFromString("5")))
	// 495 KES at 6,000,000 KES/BTC.
	require.True(t, q.Output.Equal(decimal.NewFromInt(8250)), q.Output.String())

	q, err = svc.GetQuote(context.Background(), Request{From: "BTC", To: "KES", Amount: dec("100000")})
	require.NoError(t, err)
	require.True(t, q.Fee.Equal(decimal.RequireFromString("60")), q.Fee.String())
	require.True(t, q.Output.Equal(decimal.RequireFromString("5940")), q.Output.String())
}

func TestGetQuoteErrors(t *testing.T) {
	svc, _ := newService(t, fixedRate("6000000"), 0)
	_, err := svc.GetQuote(context.Background(), Request{From: "KES", To: "BTC", Amount: dec("0")})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.GetQuote(context.Background(), Request{From: "KES", To: "BTC", Amount: dec("-5")})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.GetQuote(context.Background(), Request{From: "USD", To: "BTC"})
	require.ErrorIs(t, err, ErrUnsupportedPair)
	_, err = svc.GetQuote(context.Background(), Request{From: "BTC", To: "BTC"})
	require.ErrorIs(t, err, ErrUnsupportedPair)

	down := RateSourceFunc(func(context.Context, string, string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("feed offline")
	})
	svc, _ = newService(t, down, 0)
	_, err = svc.GetQuote(context.Background(), Request{From: "KES", To: "BTC"})
	require.ErrorIs(t, err, ErrRateUnavailable)

	svc, _ = newService(t, fixedRate("0"), 0)
	_, err = svc.GetQuote(context.Background(), Request{From: "KES", To: "BTC"})
	require.ErrorIs(t, err, ErrRateUnavailable)
}

func TestResolveExpiredQuote(t *testing.T) {
	svc, c := newService(t, fixedRate("6000000"), 0)
	q, err := svc.GetQuote(context.Background(), Request{From: "KES", To: "BTC", Amount: dec("500")})
	require.NoError(t, err)

	got, err := svc.Resolve(context.Background(), q.ID, false)
	require.NoError(t, err)
	require.Equal(t, q.ID, got.ID)
	require.True(t, got.Amount.Equal(*q.Amount))

	c.now = q.Expiry
	_, err = svc.Resolve(context.Background(), q.ID, false)
	require.ErrorIs(t, err, ErrQuoteExpired)

	refreshed, err := svc.Resolve(context.Background(), q.ID, true)
	require.NoError(t, err)
	require.NotEqual(t, q.ID, refreshed.ID)
	require.True(t, refreshed.Expiry.After(c.now))
	require.True(t, refreshed.Amount.Equal(decimal.NewFromInt(500)))

	_, err = svc.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrQuoteNotFound)
}

func TestRateLookupsShareBreaker(t *testing.T) {
	calls := 0
	down := RateSourceFunc(func(context.Context, string, string) (decimal.Decimal, error) {
		calls++
		return decimal.Zero, errors.New("feed offline")
	})
	reg := breaker.NewRegistry(breaker.Settings{FailureThreshold: 2, ResetTimeout: time.Minute})
	svc, _ := newService(t, down, 0, WithBreaker(reg.Get("quotes")))
	for i := 0; i < 4; i++ {
		_, err := svc.GetQuote(context.Background(), Request{From: "KES", To: "BTC"})
		require.ErrorIs(t, err, ErrRateUnavailable)
	}
	require.Equal(t, 2, calls)
	_, err := svc.GetQuote(context.Background(), Request{From: "KES", To: "BTC"})
	require.ErrorIs(t, err, breaker.ErrOpen)
}
