package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"satsbridge/observability"
	"satsbridge/services/swapd/breaker"
	"satsbridge/services/swapd/events"
	"satsbridge/services/swapd/fiat"
	"satsbridge/services/swapd/idempotency"
	"satsbridge/services/swapd/lightning"
	"satsbridge/services/swapd/models"
	"satsbridge/services/swapd/quote"
	"satsbridge/services/swapd/retry"
	"satsbridge/services/swapd/storage"
)

// Dependency names used for the breaker registry.
const (
	DependencyFiat      = "fiat"
	DependencyLightning = "lightning"
)

// Actors recorded on the transition audit trail.
const (
	actorEngine   = "engine"
	actorWebhook  = "webhook"
	actorSweeper  = "sweeper"
	actorReceiver = "receiver"
)

var (
	// ErrServiceUnavailable is returned when a dependency breaker is open
	// before any swap row is created.
	ErrServiceUnavailable = errors.New("swap: service unavailable")
	// ErrDuplicateRequest is returned alongside the existing swap when the
	// same idempotent request is submitted again.
	ErrDuplicateRequest = errors.New("swap: duplicate request")
	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// with a different payload.
	ErrIdempotencyConflict = errors.New("swap: idempotency key reused with different payload")
	// ErrTerminal is returned when an operation targets a completed or
	// failed swap.
	ErrTerminal = errors.New("swap: swap is terminal")
	// ErrInvalidTransition is returned for edges outside the lifecycle table.
	ErrInvalidTransition = errors.New("swap: invalid state transition")
	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("swap: invalid request")
	// ErrNotFound is returned when no swap matches.
	ErrNotFound = errors.New("swap: not found")
	// ErrUnknownTracker is returned for callbacks that match no swap.
	ErrUnknownTracker = errors.New("swap: unknown provider tracker")
	// ErrNotRetryable is returned when Retry targets a swap that is not
	// waiting for a retry.
	ErrNotRetryable = errors.New("swap: swap is not pending retry")
)

// Store is the persistence the engine needs. *storage.Store satisfies it.
type Store interface {
	CreateSwap(ctx context.Context, swap *models.Swap) error
	GetSwap(ctx context.Context, id uuid.UUID) (models.Swap, error)
	FindByTracker(ctx context.Context, tracker string) (models.Swap, error)
	FindByOperationID(ctx context.Context, operationID string) (models.Swap, error)
	FindByIdempotencyKey(ctx context.Context, owner, operation, key string) (models.Swap, error)
	ListSwaps(ctx context.Context, filter storage.Filter) ([]models.Swap, error)
	StaleProcessing(ctx context.Context, now time.Time, limit int) ([]models.Swap, error)
	PendingRetries(ctx context.Context, limit int) ([]models.Swap, error)
	Transition(ctx context.Context, id uuid.UUID, change storage.Change) (models.Swap, error)
}

// Quotes issues and resolves quotes. *quote.Service satisfies it.
type Quotes interface {
	GetQuote(ctx context.Context, req quote.Request) (quote.Quote, error)
	Resolve(ctx context.Context, id uuid.UUID, refresh bool) (quote.Quote, error)
}

// Config tunes the lifecycle.
type Config struct {
	MaxRetries           int
	ProcessingTimeout    time.Duration
	SweepBatch           int
	RefreshExpiredQuotes bool
	// Retry is the in-call policy for provider calls. Retryable, Sleep and
	// OnRetry are filled in by the engine when unset.
	Retry retry.Policy
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 10 * time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 3
	}
	return c
}

// Engine drives swaps through their lifecycle. All state changes go through
// transition, which enforces the edge table and the store's version guard.
type Engine struct {
	store     Store
	quotes    Quotes
	fiat      fiat.Client
	ln        lightning.Client
	breakers  *breaker.Registry
	publisher events.Publisher
	guard     *idempotency.Guard
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer
	metrics   *observability.SwapEngineMetrics
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithGuard shares an in-process guard with other components.
func WithGuard(guard *idempotency.Guard) Option {
	return func(e *Engine) {
		if guard != nil {
			e.guard = guard
		}
	}
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Store     Store
	Quotes    Quotes
	Fiat      fiat.Client
	Lightning lightning.Client
	Breakers  *breaker.Registry
	Publisher events.Publisher
}

// NewEngine wires an engine from its collaborators.
func NewEngine(deps Deps, cfg Config, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("swap store required")
	case deps.Quotes == nil:
		return nil, fmt.Errorf("quote provider required")
	case deps.Fiat == nil:
		return nil, fmt.Errorf("fiat client required")
	case deps.Lightning == nil:
		return nil, fmt.Errorf("lightning client required")
	case deps.Publisher == nil:
		return nil, fmt.Errorf("event publisher required")
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.Settings{})
	}
	e := &Engine{
		store:     deps.Store,
		quotes:    deps.Quotes,
		fiat:      deps.Fiat,
		ln:        deps.Lightning,
		breakers:  breakers,
		publisher: deps.Publisher,
		guard:     idempotency.NewGuard(),
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		now:       time.Now,
		tracer:    otel.Tracer("satsbridge/swapd/swap"),
		metrics:   observability.SwapEngine(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = e.logger.With(slog.String("component", "swap"))
	return e, nil
}

// GetQuote issues a quote through the quote provider.
func (e *Engine) GetQuote(ctx context.Context, req quote.Request) (quote.Quote, error) {
	return e.quotes.GetQuote(ctx, req)
}

// Get loads a swap by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (models.Swap, error) {
	sw, err := e.store.GetSwap(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Swap{}, ErrNotFound
	}
	return sw, err
}

// List returns swaps matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter storage.Filter) ([]models.Swap, error) {
	return e.store.ListSwaps(ctx, filter)
}

func (e *Engine) instrument(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "swap."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.Observe(op, e.now().Sub(start), err)
	}
}

// edges lists every permitted state change. Same-state entries allow field
// updates (tracker, operation id) without moving the lifecycle.
var edges = map[models.State]map[models.State]bool{
	models.StatePending: {
		models.StateProcessing: true,
		models.StateFailed:     true,
	},
	models.StateProcessing: {
		models.StateProcessing:   true,
		models.StatePending:      true,
		models.StateComplete:     true,
		models.StateFailed:       true,
		models.StateManualReview: true,
	},
	models.StateManualReview: {
		models.StateComplete: true,
		models.StateFailed:   true,
	},
}

// Allowed reports whether from may move to to.
func Allowed(from, to models.State) bool {
	return edges[from][to]
}

// announced lists the states whose entry is published.
func announced(state models.State) bool {
	return state == models.StateComplete || state == models.StateFailed || state == models.StateManualReview
}

// transition is the single writer of swap state. It applies apply and moves
// sw to `to` only if the stored row still matches sw's state and version.
func (e *Engine) transition(ctx context.Context, sw models.Swap, to models.State, reason, actor string, apply func(*models.Swap)) (models.Swap, error) {
	if !Allowed(sw.State, to) {
		return sw, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sw.State, to)
	}
	next, err := e.store.Transition(ctx, sw.ID, storage.Change{
		From:    sw.State,
		Version: sw.Version,
		To:      to,
		Reason:  reason,
		Actor:   actor,
		Apply:   apply,
	})
	if err != nil {
		return sw, err
	}
	if sw.State == to {
		return next, nil
	}
	e.metrics.RecordTransition(string(sw.Direction), string(sw.State), string(to))
	e.logger.Info("swap transition",
		slog.String("swap_id", sw.ID.String()),
		slog.String("direction", string(sw.Direction)),
		slog.String("from", string(sw.State)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
		slog.String("actor", actor))
	if announced(to) {
		e.publishStatus(ctx, next)
	}
	return next, nil
}

func (e *Engine) publishStatus(ctx context.Context, sw models.Swap) {
	event := events.SwapStatusChangeEvent{
		Context: events.SwapContext{
			SwapID:    sw.ID.String(),
			Direction: string(sw.Direction),
			Reference: sw.Reference,
			Owner:     sw.Owner,
		},
		Payload: events.SwapStatusPayload{
			SwapTracker: sw.ID.String(),
			SwapStatus:  string(sw.State),
			Refundable:  sw.Refundable,
		},
	}
	if sw.State != models.StateComplete {
		event.Error = sw.FailureReason
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Error("publish swap status",
			slog.String("swap_id", sw.ID.String()),
			slog.String("status", string(sw.State)),
			slog.String("error", err.Error()))
	}
}

// deferRetry sends a Processing swap back to Pending after a transient
// failure, or to Failed once the retry budget is spent.
func (e *Engine) deferRetry(ctx context.Context, sw models.Swap, cause error, actor string) (models.Swap, error) {
	reason := cause.Error()
	attempt := sw.RetryCount + 1
	if attempt >= sw.MaxRetries {
		return e.transition(ctx, sw, models.StateFailed, "retries exhausted: "+reason, actor, func(s *models.Swap) {
			s.RetryCount = attempt
			s.FailureReason = "retries exhausted: " + reason
			s.Refundable = s.LightningSettled() && s.Direction == models.DirectionOfframp
			s.TimeoutAt = nil
		})
	}
	return e.transition(ctx, sw, models.StatePending, reason, actor, func(s *models.Swap) {
		s.RetryCount = attempt
		s.FailureReason = reason
		s.TimeoutAt = nil
	})
}

// fail moves sw to Failed.
func (e *Engine) fail(ctx context.Context, sw models.Swap, reason string, refundable bool, actor string) (models.Swap, error) {
	return e.transition(ctx, sw, models.StateFailed, reason, actor, func(s *models.Swap) {
		s.FailureReason = reason
		s.Refundable = refundable
		s.TimeoutAt = nil
	})
}

// review parks sw for an operator.
func (e *Engine) review(ctx context.Context, sw models.Swap, reason string, refundable bool, actor string) (models.Swap, error) {
	return e.transition(ctx, sw, models.StateManualReview, reason, actor, func(s *models.Swap) {
		s.FailureReason = reason
		s.Refundable = refundable
		s.TimeoutAt = nil
	})
}

// claim moves a Pending swap into Processing, or refreshes the deadline of a
// Processing swap, bumping the version so concurrent workers back off.
func (e *Engine) claim(ctx context.Context, sw models.Swap, reason, actor string) (models.Swap, error) {
	deadline := e.now().Add(e.cfg.ProcessingTimeout).UTC()
	return e.transition(ctx, sw, models.StateProcessing, reason, actor, func(s *models.Swap) {
		s.TimeoutAt = &deadline
	})
}

func (e *Engine) policy(dependency string, transient func(error) bool) retry.Policy {
	p := e.cfg.Retry
	p.Retryable = func(err error) bool {
		return !errors.Is(err, breaker.ErrOpen) && transient(err)
	}
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		e.logger.Warn("dependency call failed, retrying",
			slog.String("dependency", dependency),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
	return p
}

// call runs fn through the dependency breaker inside the retry policy.
func call[T any](ctx context.Context, e *Engine, dependency string, transient func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	b := e.breakers.Get(dependency)
	return retry.DoValue(ctx, e.policy(dependency, transient), func(ctx context.Context) (T, error) {
		return breaker.Call(ctx, b, fn, nil)
	})
}

// deferrable reports whether a failed dependency call should be retried
// later rather than failing the swap.
func deferrable(err error) bool {
	return errors.Is(err, retry.ErrExhausted) ||
		errors.Is(err, breaker.ErrOpen) ||
		errors.Is(err, context.DeadlineExceeded)
}

// available reports whether the dependency breaker would admit a call.
func (e *Engine) available(dependency string) error {
	if !e.breakers.Get(dependency).Ready() {
		return fmt.Errorf("%w: %s circuit open", ErrServiceUnavailable, dependency)
	}
	return nil
}

// locked loads id under the per-swap guard. The caller must invoke unlock.
func (e *Engine) locked(ctx context.Context, id uuid.UUID) (models.Swap, func(), error) {
	unlock := e.guard.Lock("swap:" + id.String())
	sw, err := e.store.GetSwap(ctx, id)
	if err != nil {
		unlock()
		if errors.Is(err, storage.ErrNotFound) {
			return models.Swap{}, func() {}, ErrNotFound
		}
		return models.Swap{}, func() {}, err
	}
	return sw, unlock, nil
}

func ptr[T any](v T) *T { return &v }
