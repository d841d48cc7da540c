package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"satsbridge/services/swapd/events"
	"satsbridge/services/swapd/fiat"
	"satsbridge/services/swapd/lightning"
	"satsbridge/services/swapd/models"
	"satsbridge/services/swapd/retry"
	"satsbridge/services/swapd/storage"
)

// Offramp starts a bitcoin to fiat swap by issuing an invoice for the
// converted amount. The swap stays Processing until the invoice is paid.
func (e *Engine) Offramp(ctx context.Context, req OfframpRequest) (sw models.Swap, err error) {
	ctx, done := e.instrument(ctx, "offramp", attribute.String("quote.id", req.QuoteID.String()))
	defer func() { done(&err) }()

	sw, err = e.open(ctx, request{
		direction:  models.DirectionOfframp,
		quoteID:    req.QuoteID,
		refresh:    req.RefreshIfExpired,
		amountFiat: req.AmountFiat,
		account:    req.Account,
		reference:  req.Reference,
		owner:      req.Owner,
		key:        req.IdempotencyKey,
	}, DependencyLightning)
	if err != nil {
		return sw, err
	}
	unlock := e.guard.Lock(swapKey(sw.ID))
	defer unlock()
	sw, err = e.claim(ctx, sw, "invoice requested", actorEngine)
	if err != nil {
		return sw, err
	}
	return e.issueInvoice(ctx, sw, actorEngine)
}

func (e *Engine) issueInvoice(ctx context.Context, sw models.Swap, actor string) (models.Swap, error) {
	inv, err := call(ctx, e, DependencyLightning, lightning.IsTransient, func(ctx context.Context) (lightning.Invoice, error) {
		return e.ln.IssueInvoice(ctx, sw.AmountMsats, "satsbridge offramp "+sw.ID.String(), events.ReceiveOfframp)
	})
	if err != nil {
		return e.dependencyFailed(ctx, sw, "issue invoice", err, false, actor)
	}
	e.logger.Info("offramp invoice issued",
		slog.String("swap_id", sw.ID.String()),
		slog.String("operation_id", inv.OperationID),
		slog.String("amount", lightning.FormatMsats(sw.AmountMsats)))
	return e.transition(context.WithoutCancel(ctx), sw, models.StateProcessing, "invoice issued", actor, func(s *models.Swap) {
		s.LightningOperationID = ptr(inv.OperationID)
		s.LightningInvoice = inv.Invoice
	})
}

// disburse pushes the fiat leg of an offramp whose bitcoin has arrived.
func (e *Engine) disburse(ctx context.Context, sw models.Swap, actor string) (models.Swap, error) {
	d, err := call(ctx, e, DependencyFiat, fiat.IsTransient, func(ctx context.Context) (fiat.Disbursement, error) {
		return e.fiat.Disburse(ctx, fiat.DisbursementRequest{
			Reference: sw.ID.String(),
			Amount:    sw.NetFiat(),
			Currency:  sw.FiatCurrency,
			Account:   sw.Account,
			Name:      sw.Owner,
			Narrative: "satsbridge offramp " + sw.Reference,
		})
	})
	if err != nil {
		return e.dependencyFailed(ctx, sw, "disburse", err, true, actor)
	}
	return e.applyDisbursement(ctx, sw, d, actor)
}

func (e *Engine) pollDisbursement(ctx context.Context, sw models.Swap, actor string) (models.Swap, error) {
	d, err := call(ctx, e, DependencyFiat, fiat.IsTransient, func(ctx context.Context) (fiat.Disbursement, error) {
		return e.fiat.DisbursementStatus(ctx, sw.Tracker())
	})
	if err != nil {
		return e.dependencyFailed(ctx, sw, "disbursement status", err, true, actor)
	}
	return e.applyDisbursement(ctx, sw, d, actor)
}

// applyDisbursement routes a provider disbursement result for a Processing
// offramp. Every failure after the bitcoin arrived is refundable.
func (e *Engine) applyDisbursement(ctx context.Context, sw models.Swap, d fiat.Disbursement, actor string) (models.Swap, error) {
	sw, err := e.recordTracker(ctx, sw, d.Tracker, actor)
	if err != nil || sw.State != models.StateProcessing {
		return sw, err
	}
	switch outcome := d.Outcome(); outcome {
	case fiat.OutcomeInProgress:
		return sw, nil
	case fiat.OutcomeSuccess:
		return e.complete(ctx, sw, "fiat disbursed", actor)
	case fiat.OutcomeFailure:
		return e.fail(ctx, sw, "disbursement failed: "+d.FailureReason(), true, actor)
	case fiat.OutcomeRetryable:
		return e.deferRetry(ctx, sw, fmt.Errorf("disbursement %s: %s", d.StatusCode, d.FailureReason()), actor)
	case fiat.OutcomeManualReview:
		return e.review(ctx, sw, fmt.Sprintf("disbursement status %s needs review: %s", d.StatusCode, d.FailureReason()), true, actor)
	default:
		e.logger.Warn("unrecognized disbursement status",
			slog.String("swap_id", sw.ID.String()),
			slog.String("status_code", d.StatusCode),
			slog.String("status", d.Status))
		return e.review(ctx, sw, fmt.Sprintf("unrecognized disbursement status %q", d.StatusCode), true, actor)
	}
}

// HandleReceiveSuccess disburses the fiat leg once an offramp invoice is
// paid. Events for other receive contexts are ignored.
func (e *Engine) HandleReceiveSuccess(ctx context.Context, ev events.FedimintReceiveSuccessEvent) (err error) {
	if ev.Context != events.ReceiveOfframp {
		return nil
	}
	ctx, done := e.instrument(ctx, "receive_success", attribute.String("operation.id", ev.OperationID))
	defer func() { done(&err) }()

	found, err := e.findByOperation(ctx, ev.OperationID)
	if err != nil {
		return err
	}
	sw, unlock, err := e.locked(ctx, found.ID)
	if err != nil {
		return err
	}
	defer unlock()
	if sw.State.Terminal() || sw.State == models.StateManualReview || sw.LightningSettled() {
		e.logger.Debug("duplicate receive ignored",
			slog.String("swap_id", sw.ID.String()),
			slog.String("state", string(sw.State)))
		return nil
	}
	if sw.State == models.StatePending {
		if sw, err = e.claim(ctx, sw, "lightning payment received", actorReceiver); err != nil {
			return err
		}
	}
	_, err = e.receiveSettled(ctx, sw, "lightning payment received", actorReceiver)
	return err
}

// receiveSettled records the bitcoin leg of a Processing offramp as received
// and disburses the fiat leg.
func (e *Engine) receiveSettled(ctx context.Context, sw models.Swap, reason, actor string) (models.Swap, error) {
	settled := e.now().UTC()
	deadline := settled.Add(e.cfg.ProcessingTimeout)
	sw, err := e.transition(ctx, sw, models.StateProcessing, reason, actor, func(s *models.Swap) {
		s.LightningSettledAt = &settled
		s.TimeoutAt = &deadline
	})
	if err != nil {
		return sw, err
	}
	return e.disburse(ctx, sw, actor)
}

// reconcileInvoice asks the backend about an offramp invoice whose receive
// notification never arrived. A paid invoice is settled and disbursed, a
// cancelled one fails the swap. An invoice still open past the deadline
// defers to the retry path.
func (e *Engine) reconcileInvoice(ctx context.Context, sw models.Swap, actor string) (models.Swap, error) {
	state, err := call(ctx, e, DependencyLightning, lightning.IsTransient, func(ctx context.Context) (lightning.InvoiceState, error) {
		return e.ln.InvoiceStatus(ctx, sw.OperationID())
	})
	if err != nil {
		cause := fmt.Errorf("invoice status: %w", err)
		if errors.Is(err, context.Canceled) {
			return sw, cause
		}
		persist := context.WithoutCancel(ctx)
		if deferrable(err) {
			return e.deferRetry(persist, sw, cause, actor)
		}
		return e.review(persist, sw, cause.Error(), false, actor)
	}
	switch state {
	case lightning.InvoiceSettled:
		e.logger.Warn("offramp payment found without receive notification",
			slog.String("swap_id", sw.ID.String()),
			slog.String("operation_id", sw.OperationID()))
		return e.receiveSettled(ctx, sw, "lightning payment confirmed by backend", actor)
	case lightning.InvoiceCanceled:
		return e.fail(ctx, sw, "lightning invoice expired unpaid", false, actor)
	}
	if sw.TimeoutAt != nil && !sw.TimeoutAt.After(e.now()) {
		return e.deferRetry(ctx, sw, errors.New("lightning invoice still open after timeout"), actor)
	}
	return sw, nil
}

// HandleReceiveFailure fails an offramp whose invoice will not be paid.
func (e *Engine) HandleReceiveFailure(ctx context.Context, ev events.FedimintReceiveFailureEvent) (err error) {
	if ev.Context != events.ReceiveOfframp {
		return nil
	}
	ctx, done := e.instrument(ctx, "receive_failure", attribute.String("operation.id", ev.OperationID))
	defer func() { done(&err) }()

	found, err := e.findByOperation(ctx, ev.OperationID)
	if err != nil {
		return err
	}
	sw, unlock, err := e.locked(ctx, found.ID)
	if err != nil {
		return err
	}
	defer unlock()
	if sw.State.Terminal() || sw.State == models.StateManualReview {
		e.logger.Debug("duplicate receive failure ignored", slog.String("swap_id", sw.ID.String()))
		return nil
	}
	if sw.LightningSettled() {
		e.logger.Warn("receive failure for settled invoice ignored", slog.String("swap_id", sw.ID.String()))
		return nil
	}
	reason := "lightning receive failed"
	if ev.Error != "" {
		reason += ": " + ev.Error
	}
	_, err = e.fail(ctx, sw, reason, false, actorReceiver)
	return err
}

// findByOperation tolerates a receive notification racing the write that
// records the operation id.
func (e *Engine) findByOperation(ctx context.Context, operationID string) (models.Swap, error) {
	p := e.cfg.Retry
	p.Retryable = func(err error) bool { return errors.Is(err, storage.ErrNotFound) }
	p.OnRetry = nil
	sw, err := retry.DoValue(ctx, p, func(ctx context.Context) (models.Swap, error) {
		return e.store.FindByOperationID(ctx, operationID)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return models.Swap{}, fmt.Errorf("%w: operation %s", ErrNotFound, operationID)
	}
	return sw, err
}

// Subscribe registers the receive handlers on bus.
func (e *Engine) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.TopicReceiveSuccess, func(ctx context.Context, ev events.Event) error {
		if success, ok := ev.(events.FedimintReceiveSuccessEvent); ok {
			return e.HandleReceiveSuccess(ctx, success)
		}
		return nil
	})
	bus.Subscribe(events.TopicReceiveFailure, func(ctx context.Context, ev events.Event) error {
		if failure, ok := ev.(events.FedimintReceiveFailureEvent); ok {
			return e.HandleReceiveFailure(ctx, failure)
		}
		return nil
	})
}
