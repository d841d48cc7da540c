package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"satsbridge/services/swapd/fiat"
	"satsbridge/services/swapd/idempotency"
	"satsbridge/services/swapd/models"
	"satsbridge/services/swapd/quote"
	"satsbridge/services/swapd/storage"
	"satsbridge/services/swapd/swap"
)

const (
	maxRequestBody = 1 << 20
	// IdempotencyHeader supplies the idempotency key when the body omits it.
	IdempotencyHeader = "Idempotency-Key"
)

// Engine is the swap surface exposed over HTTP. *swap.Engine satisfies it.
type Engine interface {
	GetQuote(ctx context.Context, req quote.Request) (quote.Quote, error)
	Onramp(ctx context.Context, req swap.OnrampRequest) (models.Swap, error)
	Offramp(ctx context.Context, req swap.OfframpRequest) (models.Swap, error)
	Deposit(ctx context.Context, req swap.DepositRequest, ledger swap.Ledger) (models.Swap, error)
	Get(ctx context.Context, id uuid.UUID) (models.Swap, error)
	List(ctx context.Context, filter storage.Filter) ([]models.Swap, error)
	Retry(ctx context.Context, id uuid.UUID) (models.Swap, error)
	Resolve(ctx context.Context, req swap.ResolveRequest) (models.Swap, error)
	HandleCollectionCallback(ctx context.Context, cb fiat.CollectionCallback) error
	HandleDisbursementCallback(ctx context.Context, cb fiat.DisbursementCallback) error
}

// Deliveries deduplicates webhook deliveries. *idempotency.DeliveryLog
// satisfies it.
type Deliveries interface {
	Reserve(key string) (idempotency.DeliveryState, error)
	MarkProcessed(key string) error
	Release(key string) error
}

// Audit exposes the transition history of a swap. *storage.Store satisfies it.
type Audit interface {
	ListTransitions(ctx context.Context, swapID uuid.UUID) ([]models.SwapTransition, error)
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	WebhookSecret string
	TLS           TLSConfig
}

// TLSConfig describes TLS settings for the listener.
type TLSConfig struct {
	Disabled bool
	CertFile string
	KeyFile  string
	Config   *tls.Config
}

// Deps bundles the collaborators of the server.
type Deps struct {
	Engine     Engine
	Deliveries Deliveries
	Audit      Audit
	Auth       *Authenticator
	Logger     *slog.Logger

	// Ledger backs wallet deposits. Deposits are disabled when nil.
	Ledger swap.Ledger
	// Ping reports readiness of the backing store.
	Ping func(context.Context) error
}

// Server hosts webhook intake, the operator API and health endpoints.
type Server struct {
	cfg        Config
	engine     Engine
	deliveries Deliveries
	audit      Audit
	ledger     swap.Ledger
	auth       *Authenticator
	ping       func(context.Context) error
	logger     *slog.Logger
	router     http.Handler
}

// New constructs a new HTTP server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("swap engine required")
	}
	if deps.Deliveries == nil {
		return nil, fmt.Errorf("delivery log required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("admin authenticator required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, fmt.Errorf("webhook secret required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		cfg:        cfg,
		engine:     deps.Engine,
		deliveries: deps.Deliveries,
		audit:      deps.Audit,
		ledger:     deps.Ledger,
		auth:       deps.Auth,
		ping:       deps.Ping,
		logger:     logger.With(slog.String("component", "http")),
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks", func(wh chi.Router) {
		wh.Post("/collections", s.handleCollectionWebhook)
		wh.Post("/disbursements", s.handleDisbursementWebhook)
	})

	r.Group(func(protected chi.Router) {
		protected.Use(s.auth.Middleware)
		protected.Post("/v1/quotes", s.handleQuote)
		protected.Post("/v1/swaps/onramp", s.handleOnramp)
		protected.Post("/v1/swaps/offramp", s.handleOfframp)
		protected.Post("/v1/deposits", s.handleDeposit)
		protected.Route("/admin/swaps", func(admin chi.Router) {
			admin.Get("/", s.handleListSwaps)
			admin.Get("/{id}", s.handleGetSwap)
			admin.Get("/{id}/transitions", s.handleTransitions)
			admin.Post("/{id}/retry", s.handleRetry)
			admin.Post("/{id}/resolve", s.handleResolve)
		})
	})

	return otelhttp.NewHandler(r, "swapd.http")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		TLSConfig:         s.cfg.TLS.Config,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddress), slog.Bool("tls", !s.cfg.TLS.Disabled))
	var err error
	if s.cfg.TLS.Disabled {
		err = srv.ListenAndServe()
	} else {
		err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			s.logger.Warn("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quote.Request
	if !decode(w, r, &req) {
		return
	}
	q, err := s.engine.GetQuote(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleOnramp(w http.ResponseWriter, r *http.Request) {
	var req swap.OnrampRequest
	if !decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	}
	sw, err := s.engine.Onramp(r.Context(), req)
	s.writeSwapResult(w, r, sw, err)
}

func (s *Server) handleOfframp(w http.ResponseWriter, r *http.Request) {
	var req swap.OfframpRequest
	if !decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	}
	sw, err := s.engine.Offramp(r.Context(), req)
	s.writeSwapResult(w, r, sw, err)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotImplemented, "deposits unavailable")
		return
	}
	var req swap.DepositRequest
	if !decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	}
	sw, err := s.engine.Deposit(r.Context(), req, s.ledger)
	if errors.Is(err, swap.ErrDepositFailed) {
		writeJSON(w, http.StatusUnprocessableEntity, sw)
		return
	}
	s.writeSwapResult(w, r, sw, err)
}

// writeSwapResult answers a create call. A duplicate returns the original swap.
func (s *Server) writeSwapResult(w http.ResponseWriter, r *http.Request, sw models.Swap, err error) {
	switch {
	case errors.Is(err, swap.ErrDuplicateRequest):
		writeJSON(w, http.StatusOK, sw)
	case err != nil && sw.ID != uuid.Nil && !errors.Is(err, swap.ErrIdempotencyConflict):
		// The swap exists and carries the failure; the caller polls it.
		s.logger.Warn("swap accepted with error", slog.String("swap_id", sw.ID.String()), slog.String("error", err.Error()))
		writeJSON(w, http.StatusAccepted, sw)
	case err != nil:
		s.writeEngineError(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, sw)
	}
}

func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.Filter{
		State:     models.State(strings.ToUpper(strings.TrimSpace(query.Get("state")))),
		Direction: models.Direction(strings.ToUpper(strings.TrimSpace(query.Get("direction")))),
		Owner:     strings.TrimSpace(query.Get("owner")),
	}
	var err error
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(query.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	swaps, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swaps": swaps})
}

func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	id, ok := swapID(w, r)
	if !ok {
		return
	}
	sw, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := swapID(w, r)
	if !ok {
		return
	}
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit trail unavailable")
		return
	}
	if _, err := s.engine.Get(r.Context(), id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	rows, err := s.audit.ListTransitions(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": rows})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := swapID(w, r)
	if !ok {
		return
	}
	sw, err := s.engine.Retry(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := swapID(w, r)
	if !ok {
		return
	}
	var req swap.ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	req.ID = id
	req.Outcome = models.State(strings.ToUpper(strings.TrimSpace(string(req.Outcome))))
	if principal, ok := PrincipalFromContext(r.Context()); ok && strings.TrimSpace(req.Operator) == "" {
		req.Operator = principal.Subject
	}
	sw, err := s.engine.Resolve(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.logger.Info("swap resolved by operator",
		slog.String("swap_id", sw.ID.String()),
		slog.String("operator", req.Operator),
		slog.String("state", string(sw.State)))
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleCollectionWebhook(w http.ResponseWriter, r *http.Request) {
	var cb fiat.CollectionCallback
	body, ok := s.verifiedBody(w, r)
	if !ok {
		return
	}
	if err := json.Unmarshal(body, &cb); err != nil || strings.TrimSpace(cb.InvoiceID) == "" {
		writeError(w, http.StatusBadRequest, "invalid collection payload")
		return
	}
	s.deliver(w, r, cb.DeliveryKey(), func(ctx context.Context) error {
		return s.engine.HandleCollectionCallback(ctx, cb)
	})
}

func (s *Server) handleDisbursementWebhook(w http.ResponseWriter, r *http.Request) {
	var cb fiat.DisbursementCallback
	body, ok := s.verifiedBody(w, r)
	if !ok {
		return
	}
	if err := json.Unmarshal(body, &cb); err != nil || strings.TrimSpace(cb.FileID) == "" {
		writeError(w, http.StatusBadRequest, "invalid disbursement payload")
		return
	}
	s.deliver(w, r, cb.DeliveryKey(), func(ctx context.Context) error {
		return s.engine.HandleDisbursementCallback(ctx, cb)
	})
}

// verifiedBody reads the capped body and checks its signature.
func (s *Server) verifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "unable to read payload")
		return nil, false
	}
	if err := fiat.VerifySignature(s.cfg.WebhookSecret, body, r.Header.Get(fiat.SignatureHeader)); err != nil {
		s.logger.Warn("webhook signature rejected", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return nil, false
	}
	return body, true
}

// deliver runs handle once per delivery key. Replays of a processed delivery
// are acknowledged; failed deliveries are released so the sender can retry.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request, key string, handle func(context.Context) error) {
	state, err := s.deliveries.Reserve(key)
	if err != nil {
		s.logger.Error("reserve delivery", slog.String("key", key), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "delivery log unavailable")
		return
	}
	switch state {
	case idempotency.DeliveryProcessed:
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	case idempotency.DeliveryInFlight:
		writeError(w, http.StatusConflict, "delivery in progress")
		return
	}
	if err := handle(r.Context()); err != nil {
		if rerr := s.deliveries.Release(key); rerr != nil {
			s.logger.Error("release delivery", slog.String("key", key), slog.String("error", rerr.Error()))
		}
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.deliveries.MarkProcessed(key); err != nil {
		s.logger.Error("mark delivery processed", slog.String("key", key), slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("error", err.Error()))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, swap.ErrNotFound), errors.Is(err, swap.ErrUnknownTracker), errors.Is(err, quote.ErrQuoteNotFound):
		return http.StatusNotFound
	case errors.Is(err, swap.ErrInvalidRequest), errors.Is(err, quote.ErrInvalidAmount),
		errors.Is(err, quote.ErrUnsupportedPair), errors.Is(err, quote.ErrQuoteExpired):
		return http.StatusBadRequest
	case errors.Is(err, swap.ErrTerminal), errors.Is(err, swap.ErrInvalidTransition),
		errors.Is(err, swap.ErrNotRetryable), errors.Is(err, swap.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, swap.ErrServiceUnavailable), errors.Is(err, quote.ErrRateUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func swapID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid swap id")
		return uuid.Nil, false
	}
	return id, true
}

func intParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return v, nil
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read payload")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer func() {
		_ = r.Body.Close()
	}()
	return io.ReadAll(reader)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
