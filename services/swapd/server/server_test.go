package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"satsbridge/observability/logging"
	"satsbridge/services/swapd/fiat"
	"satsbridge/services/swapd/idempotency"
	"satsbridge/services/swapd/models"
	"satsbridge/services/swapd/quote"
	"satsbridge/services/swapd/storage"
	"satsbridge/services/swapd/swap"
)

const (
	testSecret = "whsec"
	testToken  = "admintoken"
)

type fakeEngine struct {
	collections   []fiat.CollectionCallback
	disbursements []fiat.DisbursementCallback
	callbackErr   error
	resolved      []swap.ResolveRequest
	filters       []storage.Filter
	onramp        func(swap.OnrampRequest) (models.Swap, error)
	swaps         map[uuid.UUID]models.Swap
}

func (f *fakeEngine) GetQuote(context.Context, quote.Request) (quote.Quote, error) {
	return quote.Quote{}, quote.ErrRateUnavailable
}

func (f *fakeEngine) Onramp(_ context.Context, req swap.OnrampRequest) (models.Swap, error) {
	return f.onramp(req)
}

func (f *fakeEngine) Offramp(context.Context, swap.OfframpRequest) (models.Swap, error) {
	return models.Swap{}, swap.ErrServiceUnavailable
}

func (f *fakeEngine) Deposit(ctx context.Context, req swap.DepositRequest, ledger swap.Ledger) (models.Swap, error) {
	id, err := ledger.Reserve(ctx, req.Owner, req.Reference, req.AmountFiat, req.Currency)
	if err != nil {
		return models.Swap{}, err
	}
	sw := models.Swap{ID: uuid.New(), State: models.StateFailed, FailureReason: "collection failed"}
	if err := ledger.Release(ctx, id); err != nil {
		return sw, err
	}
	return sw, swap.ErrDepositFailed
}

func (f *fakeEngine) Get(_ context.Context, id uuid.UUID) (models.Swap, error) {
	sw, ok := f.swaps[id]
	if !ok {
		return models.Swap{}, swap.ErrNotFound
	}
	return sw, nil
}

func (f *fakeEngine) List(_ context.Context, filter storage.Filter) ([]models.Swap, error) {
	f.filters = append(f.filters, filter)
	return nil, nil
}

func (f *fakeEngine) Retry(_ context.Context, id uuid.UUID) (models.Swap, error) {
	sw, ok := f.swaps[id]
	if !ok {
		return models.Swap{}, swap.ErrNotFound
	}
	return sw, swap.ErrTerminal
}

func (f *fakeEngine) Resolve(_ context.Context, req swap.ResolveRequest) (models.Swap, error) {
	f.resolved = append(f.resolved, req)
	return models.Swap{ID: req.ID, State: req.Outcome}, nil
}

func (f *fakeEngine) HandleCollectionCallback(_ context.Context, cb fiat.CollectionCallback) error {
	f.collections = append(f.collections, cb)
	return f.callbackErr
}

func (f *fakeEngine) HandleDisbursementCallback(_ context.Context, cb fiat.DisbursementCallback) error {
	f.disbursements = append(f.disbursements, cb)
	return f.callbackErr
}

type memoryLedger struct {
	reserved int
	released int
}

func (l *memoryLedger) Reserve(context.Context, string, string, decimal.Decimal, string) (uuid.UUID, error) {
	l.reserved++
	return uuid.New(), nil
}

func (l *memoryLedger) Confirm(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func (l *memoryLedger) Release(context.Context, uuid.UUID) error {
	l.released++
	return nil
}

func newTestServer(t *testing.T, engine *fakeEngine) http.Handler {
	return newTestServerWithLedger(t, engine, nil)
}

func newTestServerWithLedger(t *testing.T, engine *fakeEngine, ledger swap.Ledger) http.Handler {
	t.Helper()
	deliveries, err := idempotency.OpenDeliveryLog(filepath.Join(t.TempDir(), "deliveries.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = deliveries.Close() })
	auth, err := NewAuthenticator(AuthConfig{BearerToken: testToken})
	require.NoError(t, err)
	srv, err := New(Config{WebhookSecret: testSecret, TLS: TLSConfig{Disabled: true}}, Deps{
		Engine:     engine,
		Deliveries: deliveries,
		Ledger:     ledger,
		Auth:       auth,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	return srv.Handler()
}

func signed(path string, payload any) *http.Request {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(fiat.SignatureHeader, fiat.Sign(testSecret, body))
	return req
}

func admin(method, path string, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCollectionWebhookProcessedOnce(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestServer(t, engine)
	cb := fiat.CollectionCallback{InvoiceID: "INV-1", State: "COMPLETE"}

	rec := serve(h, signed("/webhooks/collections", cb))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "processed")

	rec = serve(h, signed("/webhooks/collections", cb))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "duplicate")
	require.Len(t, engine.collections, 1)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestServer(t, engine)
	req := signed("/webhooks/disbursements", fiat.DisbursementCallback{FileID: "F1", StatusCode: "TS100"})
	req.Header.Set(fiat.SignatureHeader, fiat.Sign("other", []byte("{}")))

	rec := serve(h, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, engine.disbursements)
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	h := newTestServer(t, &fakeEngine{})
	body := bytes.Repeat([]byte("a"), maxRequestBody+1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/collections", bytes.NewReader(body))
	req.Header.Set(fiat.SignatureHeader, fiat.Sign(testSecret, body))

	rec := serve(h, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestFailedDeliveryIsReleasedForRetry(t *testing.T) {
	engine := &fakeEngine{callbackErr: errors.New("database is locked")}
	h := newTestServer(t, engine)
	cb := fiat.DisbursementCallback{FileID: "F1", StatusCode: "TS100"}

	rec := serve(h, signed("/webhooks/disbursements", cb))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	engine.callbackErr = nil
	rec = serve(h, signed("/webhooks/disbursements", cb))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, engine.disbursements, 2)
}

func TestUnknownTrackerReturnsNotFound(t *testing.T) {
	engine := &fakeEngine{callbackErr: swap.ErrUnknownTracker}
	h := newTestServer(t, engine)
	rec := serve(h, signed("/webhooks/collections", fiat.CollectionCallback{InvoiceID: "nope", State: "FAILED"}))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	h := newTestServer(t, &fakeEngine{})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/admin/swaps", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListSwapsParsesFilter(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestServer(t, engine)
	rec := serve(h, admin(http.MethodGet, "/admin/swaps?state=manual_review&direction=offramp&limit=5", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, engine.filters, 1)
	require.Equal(t, models.StateManualReview, engine.filters[0].State)
	require.Equal(t, models.DirectionOfframp, engine.filters[0].Direction)
	require.Equal(t, 5, engine.filters[0].Limit)

	rec = serve(h, admin(http.MethodGet, "/admin/swaps?limit=-1", ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAndRetryMapErrors(t *testing.T) {
	id := uuid.New()
	engine := &fakeEngine{swaps: map[uuid.UUID]models.Swap{id: {ID: id, State: models.StateComplete}}}
	h := newTestServer(t, engine)

	rec := serve(h, admin(http.MethodGet, "/admin/swaps/"+id.String(), ""))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, admin(http.MethodGet, "/admin/swaps/"+uuid.NewString(), ""))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, admin(http.MethodGet, "/admin/swaps/not-a-uuid", ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, admin(http.MethodPost, "/admin/swaps/"+id.String()+"/retry", ""))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolveDefaultsOperatorToPrincipal(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestServer(t, engine)
	id := uuid.New()
	req := admin(http.MethodPost, "/admin/swaps/"+id.String()+"/resolve", `{"outcome":"failed","note":"refunded by hand"}`)
	req.Header.Set(OperatorHeader, "bob")

	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, engine.resolved, 1)
	require.Equal(t, id, engine.resolved[0].ID)
	require.Equal(t, models.StateFailed, engine.resolved[0].Outcome)
	require.Equal(t, "bob", engine.resolved[0].Operator)
}

func TestOnrampDuplicateReturnsOriginal(t *testing.T) {
	existing := models.Swap{ID: uuid.New(), State: models.StateComplete}
	var seenKey string
	engine := &fakeEngine{onramp: func(req swap.OnrampRequest) (models.Swap, error) {
		seenKey = req.IdempotencyKey
		return existing, swap.ErrDuplicateRequest
	}}
	h := newTestServer(t, engine)
	req := admin(http.MethodPost, "/v1/swaps/onramp", `{"quote_id":"`+uuid.NewString()+`","amount_fiat":"500","account":"254700000001","owner":"w1"}`)
	req.Header.Set(IdempotencyHeader, "key-1")

	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "key-1", seenKey)
	var got models.Swap
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, existing.ID, got.ID)
}

func TestOfframpUnavailableMapsTo503(t *testing.T) {
	h := newTestServer(t, &fakeEngine{})
	rec := serve(h, admin(http.MethodPost, "/v1/swaps/offramp", `{"quote_id":"`+uuid.NewString()+`"}`))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, &fakeEngine{})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDepositFailureIsUnprocessable(t *testing.T) {
	ledger := &memoryLedger{}
	h := newTestServerWithLedger(t, &fakeEngine{}, ledger)
	rec := serve(h, admin(http.MethodPost, "/v1/deposits", `{"quote_id":"`+uuid.NewString()+`","amount_fiat":"500","currency":"kes","owner":"w1","account":"254700000001"}`))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, 1, ledger.reserved)
	require.Equal(t, 1, ledger.released)
}

func TestDepositsDisabledWithoutLedger(t *testing.T) {
	h := newTestServer(t, &fakeEngine{})
	rec := serve(h, admin(http.MethodPost, "/v1/deposits", `{}`))
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}
