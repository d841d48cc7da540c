package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"

	"satsbridge/observability"
	"satsbridge/services/swapd/events"
)

// LNDConfig holds connection configuration for an lnd node.
type LNDConfig struct {
	Host         string
	TLSCertPath  string
	MacaroonPath string
	PayTimeout   time.Duration
	FeeLimitSats int64
	// InvoiceExpiry is the lifetime of issued invoices.
	InvoiceExpiry time.Duration
}

// LNDClient implements Client and Receiver over lnd's gRPC API.
type LNDClient struct {
	ln      lnrpc.LightningClient
	router  routerrpc.RouterClient
	conn    *grpc.ClientConn
	cfg     LNDConfig
	logger  *slog.Logger
	metrics *observability.ProviderMetrics

	reconnectDelay time.Duration
	queueSize      int

	mu          sync.Mutex
	tracked     map[string]ReceiveContext
	settleIndex uint64
}

// DialLND connects to lnd with TLS and macaroon credentials.
func DialLND(cfg LNDConfig, logger *slog.Logger) (*LNDClient, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("load lnd tls cert: %w", err)
	}
	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("read lnd macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("decode lnd macaroon: %w", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("lnd macaroon credential: %w", err)
	}
	conn, err := grpc.NewClient(cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial lnd: %w", err)
	}
	client := NewLNDClient(lnrpc.NewLightningClient(conn), routerrpc.NewRouterClient(conn), cfg, logger)
	client.conn = conn
	return client, nil
}

// NewLNDClient wraps existing gRPC stubs.
func NewLNDClient(ln lnrpc.LightningClient, router routerrpc.RouterClient, cfg LNDConfig, logger *slog.Logger) *LNDClient {
	if cfg.PayTimeout <= 0 {
		cfg.PayTimeout = time.Minute
	}
	if cfg.InvoiceExpiry <= 0 {
		cfg.InvoiceExpiry = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LNDClient{
		ln:             ln,
		router:         router,
		cfg:            cfg,
		logger:         logger.With(slog.String("component", "lnd")),
		metrics:        observability.Providers(),
		reconnectDelay: 5 * time.Second,
		queueSize:      64,
		tracked:        make(map[string]ReceiveContext),
	}
}

// Close releases the gRPC connection.
func (c *LNDClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// IssueInvoice adds an invoice and remembers its receive context. The
// operation id is the hex payment hash.
func (c *LNDClient) IssueInvoice(ctx context.Context, amountMsats int64, description string, rc ReceiveContext) (inv Invoice, err error) {
	start := time.Now()
	defer func() { c.metrics.Observe("lnd", "add_invoice", time.Since(start), err) }()
	if amountMsats <= 0 {
		return Invoice{}, ErrInvalidAmount
	}
	resp, err := c.ln.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:      description,
		ValueMsat: amountMsats,
		Expiry:    int64(c.cfg.InvoiceExpiry / time.Second),
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("lnd add invoice: %w", err)
	}
	opID := hex.EncodeToString(resp.RHash)
	c.mu.Lock()
	c.tracked[opID] = rc
	c.mu.Unlock()
	return Invoice{OperationID: opID, Invoice: resp.PaymentRequest}, nil
}

// PayInvoice sends a payment and waits for its terminal status.
func (c *LNDClient) PayInvoice(ctx context.Context, invoice string) (p Payment, err error) {
	start := time.Now()
	defer func() { c.metrics.Observe("lnd", "send_payment", time.Since(start), err) }()
	invoice = strings.TrimSpace(invoice)
	if invoice == "" {
		return Payment{}, ErrInvalidInvoice
	}
	req := &routerrpc.SendPaymentRequest{
		PaymentRequest: invoice,
		TimeoutSeconds: int32(c.cfg.PayTimeout / time.Second),
	}
	if c.cfg.FeeLimitSats > 0 {
		req.FeeLimitSat = c.cfg.FeeLimitSats
	}
	stream, err := c.router.SendPaymentV2(ctx, req)
	if err != nil {
		return Payment{}, fmt.Errorf("lnd send payment: %w", err)
	}
	for {
		update, err := stream.Recv()
		if err != nil {
			return Payment{}, fmt.Errorf("lnd payment stream: %w", err)
		}
		switch update.Status {
		case lnrpc.Payment_SUCCEEDED:
			return Payment{
				OperationID: update.PaymentHash,
				PaymentType: "lightning",
				ContractID:  update.PaymentPreimage,
				FeeMsats:    update.FeeMsat,
			}, nil
		case lnrpc.Payment_FAILED:
			return Payment{}, &PaymentError{Reason: strings.ToLower(update.FailureReason.String())}
		}
	}
}

// InvoiceStatus looks an invoice up by its hex payment hash.
func (c *LNDClient) InvoiceStatus(ctx context.Context, operationID string) (state InvoiceState, err error) {
	start := time.Now()
	defer func() { c.metrics.Observe("lnd", "lookup_invoice", time.Since(start), err) }()
	hash, err := hex.DecodeString(strings.TrimSpace(operationID))
	if err != nil || len(hash) == 0 {
		return InvoiceOpen, ErrInvalidInvoice
	}
	invoice, err := c.ln.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: hash})
	if err != nil {
		return InvoiceOpen, fmt.Errorf("lnd lookup invoice: %w", err)
	}
	switch invoice.State {
	case lnrpc.Invoice_SETTLED:
		return InvoiceSettled, nil
	case lnrpc.Invoice_CANCELED:
		return InvoiceCanceled, nil
	default:
		return InvoiceOpen, nil
	}
}

// Run subscribes to invoice updates, reconnecting on stream errors, and
// publishes receive events for tracked invoices. A reconnect resumes after
// the last settle index seen so settlements during the gap are replayed.
// Events are handed to a single publisher worker through a bounded queue.
func (c *LNDClient) Run(ctx context.Context, publisher events.Publisher) error {
	queue := make(chan events.Event, c.queueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.publishLoop(ctx, publisher, queue)
	}()
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := c.stream(ctx, queue)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("invoice stream interrupted, reconnecting",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("delay", c.reconnectDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *LNDClient) publishLoop(ctx context.Context, publisher events.Publisher, queue <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			if n := len(queue); n > 0 {
				c.logger.Warn("receive events dropped on shutdown", slog.Int("count", n))
			}
			return
		case event := <-queue:
			if err := publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
				c.logger.Error("publish receive event failed",
					slog.String("topic", event.Topic()),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (c *LNDClient) stream(ctx context.Context, queue chan<- events.Event) error {
	c.mu.Lock()
	from := c.settleIndex
	c.mu.Unlock()
	sub, err := c.ln.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{SettleIndex: from})
	if err != nil {
		return fmt.Errorf("subscribe invoices: %w", err)
	}
	for {
		invoice, err := sub.Recv()
		if err != nil {
			return err
		}
		event, ok := c.handleInvoice(invoice)
		if !ok {
			continue
		}
		select {
		case queue <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleInvoice advances the settle index and maps a final update for a
// tracked invoice to its receive event.
func (c *LNDClient) handleInvoice(invoice *lnrpc.Invoice) (events.Event, bool) {
	var settled bool
	switch invoice.State {
	case lnrpc.Invoice_SETTLED:
		settled = true
	case lnrpc.Invoice_CANCELED:
	default:
		return nil, false
	}
	opID := hex.EncodeToString(invoice.RHash)
	c.mu.Lock()
	if invoice.SettleIndex > c.settleIndex {
		c.settleIndex = invoice.SettleIndex
	}
	rc, ok := c.tracked[opID]
	if ok {
		delete(c.tracked, opID)
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	if settled {
		return events.FedimintReceiveSuccessEvent{OperationID: opID, Context: rc}, true
	}
	return events.FedimintReceiveFailureEvent{OperationID: opID, Context: rc, Error: "invoice canceled"}, true
}
