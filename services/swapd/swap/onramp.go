package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"satsbridge/observability/logging"
	"satsbridge/services/swapd/amount"
	"satsbridge/services/swapd/fiat"
	"satsbridge/services/swapd/idempotency"
	"satsbridge/services/swapd/lightning"
	"satsbridge/services/swapd/models"
	"satsbridge/services/swapd/quote"
	"satsbridge/services/swapd/storage"
)

// OnrampRequest collects fiat from Account and delivers the bitcoin leg.
// AmountFiat may be zero when the quote carries an amount. When
// LightningInvoice is set it is paid once the fiat has been received.
type OnrampRequest struct {
	QuoteID          uuid.UUID       `json:"quote_id"`
	RefreshIfExpired bool            `json:"refresh_if_expired,omitempty"`
	AmountFiat       decimal.Decimal `json:"amount_fiat"`
	Account          string          `json:"account"`
	Reference        string          `json:"reference"`
	Owner            string          `json:"owner"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	LightningInvoice string          `json:"lightning_invoice,omitempty"`
}

// OfframpRequest receives bitcoin worth AmountFiat and disburses it to Account
// net of the quoted fee.
type OfframpRequest struct {
	QuoteID          uuid.UUID       `json:"quote_id"`
	RefreshIfExpired bool            `json:"refresh_if_expired,omitempty"`
	AmountFiat       decimal.Decimal `json:"amount_fiat"`
	Account          string          `json:"account"`
	Reference        string          `json:"reference"`
	Owner            string          `json:"owner"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
}

type request struct {
	direction  models.Direction
	quoteID    uuid.UUID
	refresh    bool
	amountFiat decimal.Decimal
	account    string
	reference  string
	owner      string
	key        string
	invoice    string
}

func (r request) operation() string { return strings.ToLower(string(r.direction)) }

// idempotencyKey falls back to the caller reference.
func (r request) idempotencyKey() string {
	if key := strings.TrimSpace(r.key); key != "" {
		return key
	}
	return strings.TrimSpace(r.reference)
}

func (r request) fingerprint() string {
	return idempotency.Fingerprint(
		string(r.direction),
		r.quoteID.String(),
		r.amountFiat.String(),
		strings.TrimSpace(r.account),
		strings.TrimSpace(r.reference),
		strings.TrimSpace(r.invoice),
	)
}

func (r request) validate() error {
	if strings.TrimSpace(r.owner) == "" {
		return fmt.Errorf("%w: owner required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.account) == "" {
		return fmt.Errorf("%w: account required", ErrInvalidRequest)
	}
	if r.quoteID == uuid.Nil {
		return fmt.Errorf("%w: quote id required", ErrInvalidRequest)
	}
	if r.amountFiat.IsNegative() {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, quote.ErrInvalidAmount)
	}
	if r.direction == models.DirectionOfframp && !r.amountFiat.IsPositive() {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, quote.ErrInvalidAmount)
	}
	return nil
}

// Onramp starts a fiat to bitcoin swap. Resubmitting the same request returns
// the existing swap with ErrDuplicateRequest.
func (e *Engine) Onramp(ctx context.Context, req OnrampRequest) (sw models.Swap, err error) {
	ctx, done := e.instrument(ctx, "onramp", attribute.String("quote.id", req.QuoteID.String()))
	defer func() { done(&err) }()

	sw, err = e.open(ctx, request{
		direction:  models.DirectionOnramp,
		quoteID:    req.QuoteID,
		refresh:    req.RefreshIfExpired,
		amountFiat: req.AmountFiat,
		account:    req.Account,
		reference:  req.Reference,
		owner:      req.Owner,
		key:        req.IdempotencyKey,
		invoice:    req.LightningInvoice,
	}, DependencyFiat)
	if err != nil {
		return sw, err
	}
	unlock := e.guard.Lock(swapKey(sw.ID))
	defer unlock()
	sw, err = e.claim(ctx, sw, "collection requested", actorEngine)
	if err != nil {
		return sw, err
	}
	return e.collect(ctx, sw, actorEngine)
}

func swapKey(id uuid.UUID) string { return "swap:" + id.String() }

// open validates req against its quote and persists a Pending swap.
func (e *Engine) open(ctx context.Context, req request, dependency string) (models.Swap, error) {
	if err := req.validate(); err != nil {
		return models.Swap{}, err
	}
	owner := strings.TrimSpace(req.owner)
	key := req.idempotencyKey()
	if key != "" {
		unlock := e.guard.Lock("idem:" + owner + ":" + req.operation() + ":" + key)
		defer unlock()
	}
	hash := req.fingerprint()
	if existing, found, err := e.duplicate(ctx, owner, req.operation(), key, hash); found || err != nil {
		return existing, err
	}
	if err := e.available(dependency); err != nil {
		return models.Swap{}, err
	}

	q, err := e.quotes.Resolve(ctx, req.quoteID, req.refresh || e.cfg.RefreshExpiredQuotes)
	if err != nil {
		return models.Swap{}, err
	}
	amountFiat, err := requestAmount(req, q)
	if err != nil {
		return models.Swap{}, err
	}

	// Onramps deliver bitcoin for the fiat left after the fee. Offramps
	// receive bitcoin for the gross amount and disburse the net.
	fee := q.FeeFor(amountFiat)
	converted := amountFiat
	if req.direction == models.DirectionOnramp {
		converted = amountFiat.Sub(fee)
	}
	sats, err := amount.FiatToSats(converted, q.Rate)
	if err != nil {
		return models.Swap{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	msats, err := amount.FiatToMsats(converted, q.Rate)
	if err != nil {
		return models.Swap{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if sats <= 0 {
		return models.Swap{}, fmt.Errorf("%w: %s %s is below one satoshi", ErrInvalidRequest, converted, q.Fiat())
	}

	sw := models.Swap{
		ID:               uuid.New(),
		Direction:        req.direction,
		State:            models.StatePending,
		Owner:            owner,
		OperationType:    req.operation(),
		RequestHash:      hash,
		Reference:        strings.TrimSpace(req.reference),
		QuoteID:          q.ID,
		FiatCurrency:     q.Fiat(),
		AmountFiat:       amountFiat,
		FeeFiat:          fee,
		Rate:             q.Rate,
		AmountSats:       sats,
		AmountMsats:      msats,
		Account:          strings.TrimSpace(req.account),
		LightningInvoice: strings.TrimSpace(req.invoice),
		MaxRetries:       e.cfg.MaxRetries,
	}
	if key != "" {
		sw.IdempotencyKey = ptr(key)
	}
	if err := e.store.CreateSwap(ctx, &sw); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			if existing, found, derr := e.duplicate(ctx, owner, req.operation(), key, hash); found {
				return existing, derr
			}
		}
		return models.Swap{}, fmt.Errorf("create swap: %w", err)
	}
	e.logger.Info("swap created",
		slog.String("swap_id", sw.ID.String()),
		slog.String("direction", string(sw.Direction)),
		slog.String("quote_id", q.ID.String()),
		slog.String("amount_fiat", amountFiat.String()),
		slog.String("fee_fiat", fee.String()),
		slog.Int64("amount_sats", sats),
		logging.MaskTail("account", sw.Account))
	return sw, nil
}

// requestAmount settles the fiat amount between the request and the quote.
func requestAmount(req request, q quote.Quote) (decimal.Decimal, error) {
	switch req.direction {
	case models.DirectionOnramp:
		if q.To != quote.BTC {
			return decimal.Zero, fmt.Errorf("%w: quote %s/%s cannot fund an onramp", ErrInvalidRequest, q.From, q.To)
		}
		if req.amountFiat.IsZero() {
			if q.Amount == nil {
				return decimal.Zero, fmt.Errorf("%w: %w", ErrInvalidRequest, quote.ErrInvalidAmount)
			}
			return *q.Amount, nil
		}
		if q.Amount != nil && !q.Amount.Equal(req.amountFiat) {
			return decimal.Zero, fmt.Errorf("%w: amount %s does not match quoted %s", ErrInvalidRequest, req.amountFiat, q.Amount)
		}
	case models.DirectionOfframp:
		if q.From != quote.BTC {
			return decimal.Zero, fmt.Errorf("%w: quote %s/%s cannot fund an offramp", ErrInvalidRequest, q.From, q.To)
		}
	}
	return req.amountFiat, nil
}

// duplicate reports an existing swap for the idempotency key.
func (e *Engine) duplicate(ctx context.Context, owner, operation, key, hash string) (models.Swap, bool, error) {
	if key == "" {
		return models.Swap{}, false, nil
	}
	existing, err := e.store.FindByIdempotencyKey(ctx, owner, operation, key)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Swap{}, false, nil
	}
	if err != nil {
		return models.Swap{}, false, err
	}
	if existing.RequestHash != hash {
		return existing, true, ErrIdempotencyConflict
	}
	e.logger.Debug("duplicate swap request",
		slog.String("swap_id", existing.ID.String()),
		slog.String("operation", operation))
	return existing, true, ErrDuplicateRequest
}

// collect asks the provider to pull the fiat for a Processing onramp.
func (e *Engine) collect(ctx context.Context, sw models.Swap, actor string) (models.Swap, error) {
	coll, err := call(ctx, e, DependencyFiat, fiat.IsTransient, func(ctx context.Context) (fiat.Collection, error) {
		return e.fiat.Collect(ctx, fiat.CollectionRequest{
			Reference: sw.ID.String(),
			Amount:    sw.AmountFiat,
			Currency:  sw.FiatCurrency,
			Account:   sw.Account,
		})
	})
	if err != nil {
		return e.dependencyFailed(ctx, sw, "collect", err, false, actor)
	}
	return e.applyCollection(ctx, sw, coll, actor)
}

// pollCollection refreshes a Processing onramp from the provider.
func (e *Engine) pollCollection(ctx context.Context, sw models.Swap, actor string) (models.Swap, error) {
	coll, err := call(ctx, e, DependencyFiat, fiat.IsTransient, func(ctx context.Context) (fiat.Collection, error) {
		return e.fiat.CollectionStatus(ctx, sw.Tracker())
	})
	if err != nil {
		return e.dependencyFailed(ctx, sw, "collection status", err, false, actor)
	}
	return e.applyCollection(ctx, sw, coll, actor)
}

// applyCollection routes a provider collection result for a Processing swap.
func (e *Engine) applyCollection(ctx context.Context, sw models.Swap, coll fiat.Collection, actor string) (models.Swap, error) {
	sw, err := e.recordTracker(ctx, sw, coll.Tracker, actor)
	if err != nil || sw.State != models.StateProcessing {
		return sw, err
	}
	outcome := coll.Outcome()
	switch outcome {
	case fiat.OutcomeInProgress:
		return sw, nil
	case fiat.OutcomeSuccess:
		return e.settleOnramp(ctx, sw, actor)
	case fiat.OutcomeFailure:
		reason := "collection failed"
		if coll.FailedReason != "" {
			reason += ": " + coll.FailedReason
		}
		return e.fail(ctx, sw, reason, false, actor)
	case fiat.OutcomeRetryable:
		return e.deferRetry(ctx, sw, fmt.Errorf("collection %s: %s", coll.State, coll.FailedReason), actor)
	case fiat.OutcomeManualReview:
		return e.review(ctx, sw, fmt.Sprintf("collection state %s needs review", coll.State), false, actor)
	default:
		e.logger.Warn("unrecognized collection state",
			slog.String("swap_id", sw.ID.String()),
			slog.String("state", string(coll.State)))
		return e.review(ctx, sw, fmt.Sprintf("unrecognized collection state %q", coll.State), false, actor)
	}
}

// recordTracker stores the provider tracker on first sight. A tracker owned
// by another swap parks this one for review.
func (e *Engine) recordTracker(ctx context.Context, sw models.Swap, tracker, actor string) (models.Swap, error) {
	tracker = strings.TrimSpace(tracker)
	if tracker == "" || sw.Tracker() == tracker {
		return sw, nil
	}
	if sw.Tracker() != "" {
		return e.review(ctx, sw, fmt.Sprintf("provider tracker changed from %s to %s", sw.Tracker(), tracker), sw.Direction == models.DirectionOfframp && sw.LightningSettled(), actor)
	}
	next, err := e.transition(ctx, sw, sw.State, "provider tracker recorded", actor, func(s *models.Swap) {
		s.ExternalTracker = ptr(tracker)
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return e.review(ctx, sw, "provider tracker "+tracker+" already belongs to another swap", false, actor)
	}
	return next, err
}

// settleOnramp completes an onramp whose fiat has been received, paying the
// customer's invoice when one was supplied.
func (e *Engine) settleOnramp(ctx context.Context, sw models.Swap, actor string) (models.Swap, error) {
	if sw.LightningInvoice == "" || sw.LightningSettled() {
		return e.complete(ctx, sw, "fiat received", actor)
	}
	// Claim the swap before paying so only one worker pays the invoice.
	sw, err := e.claim(ctx, sw, "fiat received, paying invoice", actor)
	if err != nil {
		return sw, err
	}
	payment, err := call(ctx, e, DependencyLightning, lightning.IsTransient, func(ctx context.Context) (lightning.Payment, error) {
		return e.ln.PayInvoice(ctx, sw.LightningInvoice)
	})
	persist := context.WithoutCancel(ctx)
	if err != nil {
		e.logger.Error("invoice payment failed after fiat collection",
			slog.String("swap_id", sw.ID.String()),
			slog.String("error", err.Error()))
		return e.review(persist, sw, "lightning payment failed after fiat received: "+err.Error(), true, actor)
	}
	settled := e.now().UTC()
	return e.transition(persist, sw, models.StateComplete, "invoice paid", actor, func(s *models.Swap) {
		if payment.OperationID != "" {
			s.LightningOperationID = ptr(payment.OperationID)
		}
		s.LightningSettledAt = &settled
		s.FailureReason = ""
		s.TimeoutAt = nil
	})
}

func (e *Engine) complete(ctx context.Context, sw models.Swap, reason, actor string) (models.Swap, error) {
	return e.transition(ctx, sw, models.StateComplete, reason, actor, func(s *models.Swap) {
		s.FailureReason = ""
		s.Refundable = false
		s.TimeoutAt = nil
	})
}

// dependencyFailed records a failed provider call. Transient failures defer
// to the retry path, anything else fails the swap. Cancellation leaves the
// swap Processing for the sweeper.
func (e *Engine) dependencyFailed(ctx context.Context, sw models.Swap, op string, err error, refundable bool, actor string) (models.Swap, error) {
	cause := fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, context.Canceled) {
		return sw, cause
	}
	persist := context.WithoutCancel(ctx)
	if deferrable(err) {
		return e.deferRetry(persist, sw, cause, actor)
	}
	return e.fail(persist, sw, cause.Error(), refundable, actor)
}
