package fiat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCollectionOutcomes(t *testing.T) {
	cases := map[string]Outcome{
		"PENDING":    OutcomeInProgress,
		"processing": OutcomeInProgress,
		"RETRY":      OutcomeRetryable,
		"FAILED":     OutcomeFailure,
		" COMPLETE ": OutcomeSuccess,
		"SETTLED":    OutcomeUnrecognized,
		"":           OutcomeUnrecognized,
	}
	for state, want := range cases {
		if got := CollectionOutcome(state); got != want {
			t.Fatalf("state %q: expected %s, got %s", state, want, got)
		}
	}
}

func TestPaymentStatusTableIsExhaustive(t *testing.T) {
	want := map[string]Outcome{
		"TP101": OutcomeInProgress,
		"TP104": OutcomeInProgress,
		"TS100": OutcomeSuccess,
		"TF101": OutcomeFailure,
		"TF106": OutcomeFailure,
		"TR101": OutcomeRetryable,
		"TR109": OutcomeRetryable,
		"TH100": OutcomeManualReview,
		"th101": OutcomeManualReview,
	}
	for code, outcome := range want {
		if got := PaymentOutcome(code); got != outcome {
			t.Fatalf("code %s: expected %s, got %s", code, outcome, got)
		}
	}
	for _, code := range []string{"TF107", "TS101", "200", "", "TR10"} {
		if got := PaymentOutcome(code); got != OutcomeUnrecognized {
			t.Fatalf("code %q should be unrecognized, got %s", code, got)
		}
	}
	if len(paymentStatuses) != 22 {
		t.Fatalf("unexpected vocabulary size %d", len(paymentStatuses))
	}
}

func TestAggregate(t *testing.T) {
	require.Equal(t, OutcomeSuccess, Aggregate(OutcomeSuccess, OutcomeSuccess))
	require.Equal(t, OutcomeFailure, Aggregate(OutcomeFailure))
	require.Equal(t, OutcomeManualReview, Aggregate(OutcomeSuccess, OutcomeFailure))
	require.Equal(t, OutcomeManualReview, Aggregate(OutcomeSuccess, OutcomeUnrecognized))
	require.Equal(t, OutcomeInProgress, Aggregate(OutcomeSuccess, OutcomeInProgress))
	require.Equal(t, OutcomeRetryable, Aggregate(OutcomeRetryable, OutcomeFailure))
	require.Equal(t, OutcomeUnrecognized, Aggregate())
}

func TestDisbursementOutcomeFallsBackToBatchCode(t *testing.T) {
	d := Disbursement{StatusCode: "TS100"}
	require.Equal(t, OutcomeSuccess, d.Outcome())
	d = Disbursement{StatusCode: "TS100", Transactions: []DisbursementTransaction{{StatusCode: "TF102"}}}
	require.Equal(t, OutcomeFailure, d.Outcome())
	require.Equal(t, "Insufficient wallet balance", d.FailureReason())
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(&StatusError{StatusCode: 503}))
	require.True(t, IsTransient(&StatusError{StatusCode: 429}))
	require.False(t, IsTransient(&StatusError{StatusCode: 400}))
	require.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	require.False(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(ErrInvalidRequest))
	require.False(t, IsTransient(nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "secret", PublishableKey: "pk", RequestsPerSecond: 100, Burst: 10})
	require.NoError(t, err)
	return client
}

func TestCollectSendsSTKPush(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/payment/mpesa-stk-push/", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "254700000001", body["phone_number"])
		require.Equal(t, "500", body["amount"])
		require.Equal(t, "dep-1", body["api_ref"])
		require.Equal(t, "pk", body["public_key"])
		_, _ = io.WriteString(w, `{"invoice":{"invoice_id":"INV-1","state":"processing","value":"500"}}`)
	})
	got, err := client.Collect(context.Background(), CollectionRequest{Reference: "dep-1", Amount: decimal.NewFromInt(500), Currency: "KES", Account: "254700000001"})
	require.NoError(t, err)
	require.Equal(t, "INV-1", got.Tracker)
	require.Equal(t, CollectionProcessing, got.State)
	require.Equal(t, OutcomeInProgress, got.Outcome())
}

func TestCollectRejectsInvalidRequestWithoutCalling(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	_, err := client.Collect(context.Background(), CollectionRequest{Amount: decimal.Zero, Account: "254700000001"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = client.Disburse(context.Background(), DisbursementRequest{Amount: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.False(t, called)
}

func TestStatusErrorClassification(t *testing.T) {
	status := http.StatusBadGateway
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"detail":"upstream"}`)
	})
	_, err := client.CollectionStatus(context.Background(), "INV-1")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.StatusCode)
	require.True(t, IsTransient(err))

	status = http.StatusBadRequest
	_, err = client.CollectionStatus(context.Background(), "INV-1")
	require.Error(t, err)
	require.False(t, IsTransient(err))
}

func TestDisburseAndStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.URL.Path {
		case "/api/v1/send-money/initiate/":
			require.Equal(t, "NO", body["requires_approval"])
			require.Equal(t, "MPESA-B2C", body["provider"])
			txs := body["transactions"].([]any)
			require.Len(t, txs, 1)
			_, _ = io.WriteString(w, `{"file_id":"FILE-1","status":"Preview and approve","status_code":"TP101","transactions":[{"status_code":"TP101","account":"254700000002","amount":"900"}]}`)
		case "/api/v1/send-money/status/":
			require.Equal(t, "FILE-1", body["tracking_id"])
			_, _ = io.WriteString(w, `{"file_id":"FILE-1","status":"Completed","status_code":"TS100","transactions":[{"status_code":"TS100"}],"paid_amount":"900","failed_amount":"0"}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	out, err := client.Disburse(context.Background(), DisbursementRequest{Reference: "wd-1", Amount: decimal.NewFromInt(900), Currency: "KES", Account: "254700000002"})
	require.NoError(t, err)
	require.Equal(t, "FILE-1", out.Tracker)
	require.Equal(t, OutcomeInProgress, out.Outcome())

	status, err := client.DisbursementStatus(context.Background(), "FILE-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, status.Outcome())
	require.True(t, status.PaidAmount.Equal(decimal.NewFromInt(900)))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"invoice_id":"INV-1","state":"COMPLETE"}`)
	sig := Sign("hook-secret", body)
	require.NoError(t, VerifySignature("hook-secret", body, sig))
	require.NoError(t, VerifySignature("hook-secret", body, "sha256="+sig))
	require.ErrorIs(t, VerifySignature("hook-secret", body, ""), ErrMissingSignature)
	require.ErrorIs(t, VerifySignature("other", body, sig), ErrInvalidSignature)
	require.ErrorIs(t, VerifySignature("hook-secret", body, "zz"), ErrInvalidSignature)
}

func TestCallbackDeliveryKeys(t *testing.T) {
	a := CollectionCallback{InvoiceID: "INV-1", State: "complete"}
	b := CollectionCallback{InvoiceID: "INV-1", State: "COMPLETE", FailedReason: "ignored"}
	require.Equal(t, a.DeliveryKey(), b.DeliveryKey())
	require.Equal(t, OutcomeSuccess, a.Outcome())

	d := DisbursementCallback{FileID: "FILE-1", StatusCode: "TS100", Transactions: []DisbursementTransaction{{StatusCode: "TH100"}}}
	require.Equal(t, OutcomeManualReview, d.Outcome())
	require.Equal(t, "disbursement:FILE-1:TS100,TH100", d.DeliveryKey())
}
