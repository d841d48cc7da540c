package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"satsbridge/services/swapd/models"
)

// Retry re-accepts a Pending swap. A swap that already has a provider
// tracker is polled instead of re-issuing the money movement. A swap whose
// retry budget is spent fails without any external call.
func (e *Engine) Retry(ctx context.Context, id uuid.UUID) (sw models.Swap, err error) {
	ctx, done := e.instrument(ctx, "retry", attribute.String("swap.id", id.String()))
	defer func() { done(&err) }()

	sw, unlock, err := e.locked(ctx, id)
	if err != nil {
		return models.Swap{}, err
	}
	defer unlock()
	return e.retryLocked(ctx, sw, actorEngine)
}

func (e *Engine) retryLocked(ctx context.Context, sw models.Swap, actor string) (models.Swap, error) {
	if sw.State.Terminal() {
		return sw, ErrTerminal
	}
	if sw.State != models.StatePending {
		return sw, fmt.Errorf("%w: state %s", ErrNotRetryable, sw.State)
	}
	if sw.RetriesExhausted() {
		return e.fail(ctx, sw, "retries exhausted", refundable(sw), actor)
	}
	dependency := DependencyFiat
	if sw.Direction == models.DirectionOfframp && !sw.LightningSettled() {
		dependency = DependencyLightning
	}
	if err := e.available(dependency); err != nil {
		return sw, err
	}
	sw, err := e.claim(ctx, sw, fmt.Sprintf("retry %d of %d", sw.RetryCount, sw.MaxRetries), actor)
	if err != nil {
		return sw, err
	}
	switch {
	case sw.Direction == models.DirectionOnramp && sw.Tracker() != "":
		return e.pollCollection(ctx, sw, actor)
	case sw.Direction == models.DirectionOnramp:
		return e.collect(ctx, sw, actor)
	case sw.Tracker() != "":
		return e.pollDisbursement(ctx, sw, actor)
	case sw.LightningSettled():
		return e.disburse(ctx, sw, actor)
	case sw.OperationID() != "":
		return e.reconcileInvoice(ctx, sw, actor)
	default:
		return e.issueInvoice(ctx, sw, actor)
	}
}

// refundable reports whether the customer is owed the value already moved.
func refundable(sw models.Swap) bool {
	return sw.Direction == models.DirectionOfframp && sw.LightningSettled()
}

// ResolveRequest settles a swap parked in ManualReview.
type ResolveRequest struct {
	ID         uuid.UUID    `json:"id"`
	Outcome    models.State `json:"outcome"`
	Operator   string       `json:"operator"`
	Note       string       `json:"note,omitempty"`
	Refundable *bool        `json:"refundable,omitempty"`
}

// Resolve records an operator decision for a ManualReview swap.
func (e *Engine) Resolve(ctx context.Context, req ResolveRequest) (sw models.Swap, err error) {
	ctx, done := e.instrument(ctx, "resolve", attribute.String("swap.id", req.ID.String()))
	defer func() { done(&err) }()

	if req.Outcome != models.StateComplete && req.Outcome != models.StateFailed {
		return models.Swap{}, fmt.Errorf("%w: outcome must be %s or %s", ErrInvalidRequest, models.StateComplete, models.StateFailed)
	}
	operator := strings.TrimSpace(req.Operator)
	if operator == "" {
		return models.Swap{}, fmt.Errorf("%w: operator required", ErrInvalidRequest)
	}
	sw, unlock, err := e.locked(ctx, req.ID)
	if err != nil {
		return models.Swap{}, err
	}
	defer unlock()
	if sw.State.Terminal() {
		return sw, ErrTerminal
	}
	if sw.State != models.StateManualReview {
		return sw, fmt.Errorf("%w: %s is not under review", ErrInvalidTransition, sw.State)
	}
	reason := "resolved by " + operator
	if note := strings.TrimSpace(req.Note); note != "" {
		reason += ": " + note
	}
	return e.transition(ctx, sw, req.Outcome, reason, "operator:"+operator, func(s *models.Swap) {
		if req.Outcome == models.StateComplete {
			s.FailureReason = ""
			s.Refundable = false
			return
		}
		if note := strings.TrimSpace(req.Note); note != "" {
			s.FailureReason = note
		}
		if req.Refundable != nil {
			s.Refundable = *req.Refundable
		}
	})
}

// SweepResult summarises one reconciliation pass.
type SweepResult struct {
	Stale   int `json:"stale"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
}

// Sweep reconciles Processing swaps idle past their deadline and retries
// Pending swaps that failed transiently. A swap deferred by this pass waits
// for the next one. Per-swap errors are logged and counted; only query
// failures are returned.
func (e *Engine) Sweep(ctx context.Context) (res SweepResult, err error) {
	ctx, done := e.instrument(ctx, "sweep")
	defer func() { done(&err) }()

	stale, err := e.store.StaleProcessing(ctx, e.now(), e.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	swept := make(map[uuid.UUID]struct{}, len(stale))
	for _, candidate := range stale {
		swept[candidate.ID] = struct{}{}
		res.Stale++
		sw, serr := e.sweepStale(ctx, candidate.ID)
		res.count(sw, serr)
		if serr != nil {
			e.logger.Warn("sweep stale swap", slog.String("swap_id", candidate.ID.String()), slog.String("error", serr.Error()))
		}
	}

	pending, err := e.store.PendingRetries(ctx, e.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	for _, candidate := range pending {
		if _, ok := swept[candidate.ID]; ok {
			continue
		}
		sw, rerr := e.sweepPending(ctx, candidate.ID)
		if errors.Is(rerr, ErrServiceUnavailable) || errors.Is(rerr, ErrNotRetryable) {
			continue
		}
		res.Retried++
		res.count(sw, rerr)
		if rerr != nil {
			e.logger.Warn("sweep retry", slog.String("swap_id", candidate.ID.String()), slog.String("error", rerr.Error()))
		}
	}
	if res.Stale > 0 || res.Retried > 0 {
		e.logger.Info("sweep finished",
			slog.Int("stale", res.Stale),
			slog.Int("retried", res.Retried),
			slog.Int("failed", res.Failed),
			slog.Int("errors", res.Errors))
	}
	return res, nil
}

func (r *SweepResult) count(sw models.Swap, err error) {
	if err != nil {
		r.Errors++
		return
	}
	if sw.State == models.StateFailed {
		r.Failed++
	}
}

func (e *Engine) sweepPending(ctx context.Context, id uuid.UUID) (models.Swap, error) {
	sw, unlock, err := e.locked(ctx, id)
	if err != nil {
		return models.Swap{}, err
	}
	defer unlock()
	return e.retryLocked(ctx, sw, actorSweeper)
}

// sweepStale reconciles one Processing swap whose deadline passed. Polls that
// leave the swap Processing consume a retry.
func (e *Engine) sweepStale(ctx context.Context, id uuid.UUID) (models.Swap, error) {
	sw, unlock, err := e.locked(ctx, id)
	if err != nil {
		return models.Swap{}, err
	}
	defer unlock()
	if sw.State != models.StateProcessing || sw.TimeoutAt == nil || sw.TimeoutAt.After(e.now()) {
		return sw, nil
	}
	var next models.Swap
	switch {
	case sw.Direction == models.DirectionOnramp && sw.Tracker() != "":
		next, err = e.pollCollection(ctx, sw, actorSweeper)
	case sw.Direction == models.DirectionOfframp && sw.Tracker() != "":
		next, err = e.pollDisbursement(ctx, sw, actorSweeper)
	case sw.Direction == models.DirectionOfframp && !sw.LightningSettled() && sw.OperationID() != "":
		return e.reconcileInvoice(ctx, sw, actorSweeper)
	case sw.Direction == models.DirectionOfframp && !sw.LightningSettled():
		return e.fail(ctx, sw, "no lightning invoice before timeout", false, actorSweeper)
	default:
		return e.deferRetry(ctx, sw, errors.New("no provider result before timeout"), actorSweeper)
	}
	if err != nil || next.State != models.StateProcessing {
		return next, err
	}
	return e.deferRetry(ctx, next, errors.New("provider still in progress after timeout"), actorSweeper)
}
