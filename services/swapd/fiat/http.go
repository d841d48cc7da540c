package fiat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"satsbridge/observability"
)

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL           string
	APIKey            string
	PublishableKey    string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	// Provider is the disbursement rail, e.g. MPESA-B2C.
	Provider string
}

// HTTPClient talks to an IntaSend-compatible REST API.
type HTTPClient struct {
	baseURL        string
	apiKey         string
	publishableKey string
	provider       string
	http           *http.Client
	limiter        *rate.Limiter
	metrics        *observability.ProviderMetrics
}

// NewHTTPClient constructs an HTTP client with sane defaults.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("fiat base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	provider := strings.TrimSpace(cfg.Provider)
	if provider == "" {
		provider = "MPESA-B2C"
	}
	return &HTTPClient{
		baseURL:        base,
		apiKey:         strings.TrimSpace(cfg.APIKey),
		publishableKey: strings.TrimSpace(cfg.PublishableKey),
		provider:       provider,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		metrics: observability.Providers(),
	}, nil
}

type invoicePayload struct {
	InvoiceID    string          `json:"invoice_id"`
	State        string          `json:"state"`
	FailedReason string          `json:"failed_reason"`
	Value        decimal.Decimal `json:"value"`
	APIRef       string          `json:"api_ref"`
}

type invoiceEnvelope struct {
	Invoice invoicePayload `json:"invoice"`
}

func (p invoicePayload) collection() Collection {
	return Collection{
		Tracker:      p.InvoiceID,
		State:        CollectionState(strings.ToUpper(strings.TrimSpace(p.State))),
		FailedReason: p.FailedReason,
		Amount:       p.Value,
	}
}

type disbursementPayload struct {
	FileID       string                    `json:"file_id"`
	TrackingID   string                    `json:"tracking_id"`
	Status       string                    `json:"status"`
	StatusCode   string                    `json:"status_code"`
	Transactions []DisbursementTransaction `json:"transactions"`
	PaidAmount   decimal.Decimal           `json:"paid_amount"`
	FailedAmount decimal.Decimal           `json:"failed_amount"`
}

func (p disbursementPayload) disbursement() Disbursement {
	tracker := p.FileID
	if tracker == "" {
		tracker = p.TrackingID
	}
	return Disbursement{
		Tracker:      tracker,
		Status:       p.Status,
		StatusCode:   strings.ToUpper(strings.TrimSpace(p.StatusCode)),
		Transactions: p.Transactions,
		PaidAmount:   p.PaidAmount,
		FailedAmount: p.FailedAmount,
	}
}

// Collect starts an M-Pesa STK push against the customer's phone.
func (c *HTTPClient) Collect(ctx context.Context, req CollectionRequest) (Collection, error) {
	if err := validate(req.Amount, req.Account); err != nil {
		return Collection{}, err
	}
	body := map[string]any{
		"public_key":   c.publishableKey,
		"amount":       req.Amount.String(),
		"phone_number": req.Account,
		"api_ref":      req.Reference,
	}
	if req.Currency != "" {
		body["currency"] = req.Currency
	}
	var out invoiceEnvelope
	if err := c.do(ctx, "collect", "/api/v1/payment/mpesa-stk-push/", body, &out); err != nil {
		return Collection{}, err
	}
	if out.Invoice.InvoiceID == "" {
		return Collection{}, fmt.Errorf("fiat collect: response missing invoice_id")
	}
	return out.Invoice.collection(), nil
}

// CollectionStatus polls a collection by tracker.
func (c *HTTPClient) CollectionStatus(ctx context.Context, tracker string) (Collection, error) {
	tracker = strings.TrimSpace(tracker)
	if tracker == "" {
		return Collection{}, fmt.Errorf("%w: tracker required", ErrInvalidRequest)
	}
	var out invoiceEnvelope
	body := map[string]any{"invoice_id": tracker, "public_key": c.publishableKey}
	if err := c.do(ctx, "collection_status", "/api/v1/payment/status/", body, &out); err != nil {
		return Collection{}, err
	}
	return out.Invoice.collection(), nil
}

// Disburse sends a single-line send-money batch that does not require approval.
func (c *HTTPClient) Disburse(ctx context.Context, req DisbursementRequest) (Disbursement, error) {
	if err := validate(req.Amount, req.Account); err != nil {
		return Disbursement{}, err
	}
	narrative := req.Narrative
	if narrative == "" {
		narrative = req.Reference
	}
	body := map[string]any{
		"provider":          c.provider,
		"currency":          req.Currency,
		"requires_approval": "NO",
		"api_ref":           req.Reference,
		"transactions": []map[string]any{{
			"account":   req.Account,
			"amount":    req.Amount.String(),
			"name":      req.Name,
			"narrative": narrative,
		}},
	}
	var out disbursementPayload
	if err := c.do(ctx, "disburse", "/api/v1/send-money/initiate/", body, &out); err != nil {
		return Disbursement{}, err
	}
	d := out.disbursement()
	if d.Tracker == "" {
		return Disbursement{}, fmt.Errorf("fiat disburse: response missing file_id")
	}
	return d, nil
}

// DisbursementStatus polls a disbursement batch by tracker.
func (c *HTTPClient) DisbursementStatus(ctx context.Context, tracker string) (Disbursement, error) {
	tracker = strings.TrimSpace(tracker)
	if tracker == "" {
		return Disbursement{}, fmt.Errorf("%w: tracker required", ErrInvalidRequest)
	}
	var out disbursementPayload
	if err := c.do(ctx, "disbursement_status", "/api/v1/send-money/status/", map[string]any{"tracking_id": tracker}, &out); err != nil {
		return Disbursement{}, err
	}
	d := out.disbursement()
	if d.Tracker == "" {
		d.Tracker = tracker
	}
	return d, nil
}

func validate(amount decimal.Decimal, account string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if strings.TrimSpace(account) == "" {
		return fmt.Errorf("%w: account required", ErrInvalidRequest)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, op, path string, payload any, out any) (err error) {
	start := time.Now()
	defer func() { c.metrics.Observe("fiat", op, time.Since(start), err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fiat %s: %w", op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("fiat %s: read body: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		return &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("fiat %s: decode: %w", op, err)
	}
	return nil
}
