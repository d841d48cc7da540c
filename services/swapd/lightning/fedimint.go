package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"satsbridge/observability"
	"satsbridge/services/swapd/events"
)

// FedimintConfig configures FedimintClient.
type FedimintConfig struct {
	BaseURL      string
	Password     string
	FederationID string
	GatewayID    string
	Timeout      time.Duration
	AwaitTimeout time.Duration
	// StatusTimeout bounds the await used to look up a single invoice.
	StatusTimeout time.Duration
	// InvoiceExpiry is the invoice lifetime requested from the federation.
	InvoiceExpiry time.Duration
}

// FedimintClient talks to a fedimint-clientd HTTP API.
type FedimintClient struct {
	cfg     FedimintConfig
	http    *http.Client
	await   *http.Client
	logger  *slog.Logger
	metrics *observability.ProviderMetrics
	now     func() time.Time

	retryDelay    time.Duration
	maxRetryDelay time.Duration

	mu      sync.Mutex
	watches []watch
	wake    chan struct{}
}

type watch struct {
	operationID string
	rc          ReceiveContext
	expiresAt   time.Time
}

// NewFedimintClient validates cfg and builds a client.
func NewFedimintClient(cfg FedimintConfig, logger *slog.Logger) (*FedimintClient, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fedimint base url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = time.Hour
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 5 * time.Second
	}
	if cfg.InvoiceExpiry <= 0 {
		cfg.InvoiceExpiry = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	transport := otelhttp.NewTransport(http.DefaultTransport)
	return &FedimintClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		await:   &http.Client{Timeout: cfg.AwaitTimeout, Transport: transport},
		logger:  logger.With(slog.String("component", "fedimint")),
		metrics: observability.Providers(),
		now:     time.Now,

		retryDelay:    2 * time.Second,
		maxRetryDelay: time.Minute,
		wake:          make(chan struct{}, 1),
	}, nil
}

type invoiceRequest struct {
	AmountMsat   int64  `json:"amountMsat"`
	Description  string `json:"description"`
	ExpiryTime   int64  `json:"expiryTime,omitempty"`
	GatewayID    string `json:"gatewayId,omitempty"`
	FederationID string `json:"federationId,omitempty"`
}

type invoiceResponse struct {
	OperationID string `json:"operationId"`
	Invoice     string `json:"invoice"`
}

type payRequest struct {
	PaymentInfo  string `json:"paymentInfo"`
	GatewayID    string `json:"gatewayId,omitempty"`
	FederationID string `json:"federationId,omitempty"`
}

type payResponse struct {
	OperationID string `json:"operationId"`
	PaymentType string `json:"paymentType"`
	ContractID  string `json:"contractId"`
	Fee         int64  `json:"fee"`
}

type awaitRequest struct {
	OperationID  string `json:"operationId"`
	FederationID string `json:"federationId,omitempty"`
}

type awaitResponse struct {
	Status string `json:"status"`
}

// receiveState maps a fedimint receive status. An await that returns without
// a status has been claimed.
func receiveState(status string) InvoiceState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "claimed":
		return InvoiceSettled
	case "canceled", "cancelled", "expired":
		return InvoiceCanceled
	default:
		return InvoiceOpen
	}
}

// IssueInvoice creates an invoice and queues its receive for Run to await.
func (c *FedimintClient) IssueInvoice(ctx context.Context, amountMsats int64, description string, rc ReceiveContext) (Invoice, error) {
	if amountMsats <= 0 {
		return Invoice{}, ErrInvalidAmount
	}
	var out invoiceResponse
	err := c.do(ctx, c.http, "invoice", "/v2/ln/invoice", invoiceRequest{
		AmountMsat:   amountMsats,
		Description:  description,
		ExpiryTime:   int64(c.cfg.InvoiceExpiry / time.Second),
		GatewayID:    c.cfg.GatewayID,
		FederationID: c.cfg.FederationID,
	}, &out)
	if err != nil {
		return Invoice{}, err
	}
	if out.OperationID == "" || out.Invoice == "" {
		return Invoice{}, fmt.Errorf("fedimint invoice: incomplete response")
	}
	c.enqueue(watch{operationID: out.OperationID, rc: rc, expiresAt: c.now().Add(c.cfg.InvoiceExpiry)})
	c.logger.Debug("invoice issued",
		slog.String("operation_id", out.OperationID),
		slog.String("amount", FormatMsats(amountMsats)),
		slog.String("context", string(rc)))
	return Invoice{OperationID: out.OperationID, Invoice: out.Invoice}, nil
}

// PayInvoice pays a BOLT11 invoice through the configured gateway.
func (c *FedimintClient) PayInvoice(ctx context.Context, invoice string) (Payment, error) {
	invoice = strings.TrimSpace(invoice)
	if invoice == "" {
		return Payment{}, ErrInvalidInvoice
	}
	var out payResponse
	err := c.do(ctx, c.http, "pay", "/v2/ln/pay", payRequest{
		PaymentInfo:  invoice,
		GatewayID:    c.cfg.GatewayID,
		FederationID: c.cfg.FederationID,
	}, &out)
	if err != nil {
		return Payment{}, err
	}
	return Payment{OperationID: out.OperationID, PaymentType: out.PaymentType, ContractID: out.ContractID, FeeMsats: out.Fee}, nil
}

// AwaitReceive blocks until the federation reports a final state for the
// operation.
func (c *FedimintClient) AwaitReceive(ctx context.Context, operationID string) (InvoiceState, error) {
	var out awaitResponse
	err := c.do(ctx, c.await, "await_invoice", "/v2/ln/await-invoice", awaitRequest{
		OperationID:  operationID,
		FederationID: c.cfg.FederationID,
	}, &out)
	if err != nil {
		return InvoiceOpen, err
	}
	return receiveState(out.Status), nil
}

// InvoiceStatus awaits the operation for at most StatusTimeout. An invoice
// still waiting for payment when the wait ends is open.
func (c *FedimintClient) InvoiceStatus(ctx context.Context, operationID string) (InvoiceState, error) {
	if strings.TrimSpace(operationID) == "" {
		return InvoiceOpen, ErrInvalidInvoice
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()
	state, err := c.AwaitReceive(waitCtx, operationID)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return InvoiceOpen, nil
	}
	return state, err
}

func (c *FedimintClient) enqueue(w watch) {
	c.mu.Lock()
	c.watches = append(c.watches, w)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *FedimintClient) drain() []watch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.watches
	c.watches = nil
	return out
}

// Run awaits every issued invoice and publishes the receive outcome.
func (c *FedimintClient) Run(ctx context.Context, publisher events.Publisher) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		for _, w := range c.drain() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.awaitAndPublish(ctx, publisher, w)
			}()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		}
	}
}

// awaitAndPublish re-awaits through transient errors until the invoice
// expires. Only a claimed or cancelled receive is published; anything else is
// left to the sweeper.
func (c *FedimintClient) awaitAndPublish(ctx context.Context, publisher events.Publisher, w watch) {
	delay := c.retryDelay
	for {
		state, err := c.AwaitReceive(ctx, w.operationID)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil && state == InvoiceSettled:
			c.publish(ctx, publisher, events.FedimintReceiveSuccessEvent{OperationID: w.operationID, Context: w.rc})
			return
		case err == nil && state == InvoiceCanceled:
			c.publish(ctx, publisher, events.FedimintReceiveFailureEvent{OperationID: w.operationID, Context: w.rc, Error: "invoice canceled"})
			return
		case err != nil && !IsTransient(err):
			c.logger.Error("await receive rejected",
				slog.String("operation_id", w.operationID),
				slog.String("error", err.Error()))
			return
		}
		if !c.now().Before(w.expiresAt) {
			c.logger.Warn("invoice expired without a receive outcome",
				slog.String("operation_id", w.operationID))
			return
		}
		if err != nil {
			c.logger.Warn("await receive failed, retrying",
				slog.String("operation_id", w.operationID),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, c.maxRetryDelay)
	}
}

func (c *FedimintClient) publish(ctx context.Context, publisher events.Publisher, event events.Event) {
	if err := publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Error("publish receive event failed",
			slog.String("topic", event.Topic()),
			slog.String("error", err.Error()))
	}
}

func (c *FedimintClient) do(ctx context.Context, client *http.Client, op, path string, payload any, out any) (err error) {
	start := time.Now()
	defer func() { c.metrics.Observe("fedimint", op, time.Since(start), err) }()

	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Password != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Password)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fedimint %s: %w", op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("fedimint %s: read body: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		return &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("fedimint %s: decode: %w", op, err)
	}
	return nil
}
