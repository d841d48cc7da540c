package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"satsbridge/services/swapd/fiat"
	"satsbridge/services/swapd/models"
	"satsbridge/services/swapd/storage"
)

// HandleCollectionCallback applies an asynchronous collection update.
// Deliveries for swaps that already left the automated lifecycle are no-ops.
func (e *Engine) HandleCollectionCallback(ctx context.Context, cb fiat.CollectionCallback) (err error) {
	ctx, done := e.instrument(ctx, "collection_callback", attribute.String("tracker", cb.InvoiceID))
	defer func() { done(&err) }()

	coll := cb.ToCollection()
	sw, unlock, err := e.byTracker(ctx, coll.Tracker)
	if err != nil {
		return err
	}
	defer unlock()
	if sw.Direction != models.DirectionOnramp {
		return fmt.Errorf("%w: tracker %s belongs to an %s swap", ErrInvalidRequest, coll.Tracker, sw.Direction)
	}
	if e.settledDelivery(sw, string(coll.State)) {
		return nil
	}
	if sw.State == models.StatePending {
		if !coll.Outcome().Final() {
			e.logger.Debug("non-final callback for pending swap ignored",
				slog.String("swap_id", sw.ID.String()),
				slog.String("state", string(coll.State)))
			return nil
		}
		if sw, err = e.claim(ctx, sw, "collection callback", actorWebhook); err != nil {
			return err
		}
	}
	_, err = e.applyCollection(ctx, sw, coll, actorWebhook)
	return err
}

// HandleDisbursementCallback applies an asynchronous disbursement update.
func (e *Engine) HandleDisbursementCallback(ctx context.Context, cb fiat.DisbursementCallback) (err error) {
	ctx, done := e.instrument(ctx, "disbursement_callback", attribute.String("tracker", cb.FileID))
	defer func() { done(&err) }()

	d := cb.ToDisbursement()
	sw, unlock, err := e.byTracker(ctx, d.Tracker)
	if err != nil {
		return err
	}
	defer unlock()
	if sw.Direction != models.DirectionOfframp {
		return fmt.Errorf("%w: tracker %s belongs to an %s swap", ErrInvalidRequest, d.Tracker, sw.Direction)
	}
	if e.settledDelivery(sw, d.StatusCode) {
		return nil
	}
	if sw.State == models.StatePending {
		if !d.Outcome().Final() {
			e.logger.Debug("non-final callback for pending swap ignored",
				slog.String("swap_id", sw.ID.String()),
				slog.String("status_code", d.StatusCode))
			return nil
		}
		if sw, err = e.claim(ctx, sw, "disbursement callback", actorWebhook); err != nil {
			return err
		}
	}
	_, err = e.applyDisbursement(ctx, sw, d, actorWebhook)
	return err
}

// settledDelivery reports, and logs, a delivery for a swap the automated
// lifecycle no longer owns.
func (e *Engine) settledDelivery(sw models.Swap, status string) bool {
	if !sw.State.Terminal() && sw.State != models.StateManualReview {
		return false
	}
	e.logger.Debug("duplicate delivery ignored",
		slog.String("swap_id", sw.ID.String()),
		slog.String("state", string(sw.State)),
		slog.String("delivered_status", status))
	return true
}

// byTracker loads the swap owning tracker under its guard.
func (e *Engine) byTracker(ctx context.Context, tracker string) (models.Swap, func(), error) {
	found, err := e.store.FindByTracker(ctx, tracker)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Swap{}, func() {}, fmt.Errorf("%w: %s", ErrUnknownTracker, tracker)
	}
	if err != nil {
		return models.Swap{}, func() {}, err
	}
	return e.locked(ctx, found.ID)
}
