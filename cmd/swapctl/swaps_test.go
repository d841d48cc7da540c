package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"satsbridge/services/swapd/models"
	"satsbridge/services/swapd/swap"
)

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--endpoint", srv.URL, "--token", "tok", "--operator", "carol"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestResolveSendsDecision(t *testing.T) {
	id := uuid.New()
	var got swap.ResolveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/swaps/"+id.String()+"/resolve" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get("X-Operator") != "carol" {
			t.Fatalf("missing credentials")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(models.Swap{ID: id, State: models.StateFailed})
	}))
	defer srv.Close()

	out, err := run(t, srv, "swaps", "resolve", id.String(), "--outcome", "failed", "--note", "refunded", "--refundable")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Outcome != models.StateFailed || got.Operator != "carol" || got.Note != "refunded" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Refundable == nil || !*got.Refundable {
		t.Fatalf("expected refundable flag to be sent")
	}
	if !strings.Contains(out, id.String()) {
		t.Fatalf("expected swap in output, got %q", out)
	}
}

func TestResolveRejectsUnknownOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected")
	}))
	defer srv.Close()
	if _, err := run(t, srv, "swaps", "resolve", uuid.NewString(), "--outcome", "pending"); err == nil {
		t.Fatalf("expected outcome validation error")
	}
}

func TestListRendersTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != "MANUAL_REVIEW" {
			t.Fatalf("expected upper-cased state filter, got %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"swaps": []models.Swap{{
			ID: uuid.New(), Direction: models.DirectionOnramp, State: models.StateManualReview, AmountSats: 8333,
		}}})
	}))
	defer srv.Close()
	out, err := run(t, srv, "swaps", "list", "--state", "manual_review")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "MANUAL_REVIEW") || !strings.Contains(out, "8333") {
		t.Fatalf("unexpected table %q", out)
	}
}

func TestAPIErrorsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"swap: swap is terminal"}`))
	}))
	defer srv.Close()
	_, err := run(t, srv, "swaps", "retry", uuid.NewString())
	if err == nil || !strings.Contains(err.Error(), "terminal") {
		t.Fatalf("expected terminal error, got %v", err)
	}
}
