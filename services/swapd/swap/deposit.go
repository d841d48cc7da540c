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

	"satsbridge/services/swapd/events"
	"satsbridge/services/swapd/models"
	"satsbridge/services/swapd/saga"
)

// ErrDepositFailed is returned when the onramp behind a deposit fails.
var ErrDepositFailed = errors.New("swap: deposit onramp failed")

// Ledger holds fiat against an owner while a deposit runs.
type Ledger interface {
	Reserve(ctx context.Context, owner, reference string, amountFiat decimal.Decimal, currency string) (uuid.UUID, error)
	Confirm(ctx context.Context, reservation, swapID uuid.UUID) error
	Release(ctx context.Context, reservation uuid.UUID) error
}

// DepositRequest funds a wallet through an onramp. Currency labels the
// ledger reservation.
type DepositRequest struct {
	OnrampRequest
	Currency string `json:"currency"`
}

// Deposit reserves a ledger entry, runs the onramp and confirms the entry.
// A failing step releases the reservation. A swap that fails after the
// deposit returned is released by StoreLedger.Subscribe.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest, ledger Ledger) (sw models.Swap, err error) {
	ctx, done := e.instrument(ctx, "deposit", attribute.String("quote.id", req.QuoteID.String()))
	defer func() { done(&err) }()

	if ledger == nil {
		return models.Swap{}, fmt.Errorf("ledger required")
	}
	if !req.AmountFiat.IsPositive() {
		return models.Swap{}, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidRequest)
	}
	var reservation uuid.UUID
	err = saga.Run(ctx, e.logger,
		saga.Step{
			Name: "reserve",
			Action: func(ctx context.Context) error {
				id, err := ledger.Reserve(ctx, req.Owner, req.Reference, req.AmountFiat, strings.ToUpper(req.Currency))
				reservation = id
				return err
			},
			Compensate: func(ctx context.Context) error {
				return ledger.Release(ctx, reservation)
			},
		},
		saga.Step{
			Name: "onramp",
			Action: func(ctx context.Context) error {
				out, err := e.Onramp(ctx, req.OnrampRequest)
				sw = out
				if err != nil {
					return err
				}
				if out.State == models.StateFailed {
					return fmt.Errorf("%w: %s", ErrDepositFailed, out.FailureReason)
				}
				return nil
			},
		},
		saga.Step{
			Name: "confirm",
			Action: func(ctx context.Context) error {
				return ledger.Confirm(ctx, reservation, sw.ID)
			},
		},
	)
	return sw, err
}

// ReservationStore persists ledger reservations. *storage.Store satisfies it.
type ReservationStore interface {
	CreateReservation(ctx context.Context, res *models.Reservation) error
	SetReservationStatus(ctx context.Context, id uuid.UUID, status models.ReservationStatus, swapID *uuid.UUID) error
	ReleaseSwapReservations(ctx context.Context, swapID uuid.UUID) (int, error)
}

// StoreLedger is a Ledger backed by reservation rows.
type StoreLedger struct {
	store  ReservationStore
	logger *slog.Logger
}

// NewStoreLedger wraps store.
func NewStoreLedger(store ReservationStore, logger *slog.Logger) *StoreLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreLedger{store: store, logger: logger.With(slog.String("component", "ledger"))}
}

// Subscribe releases the reservations of swaps that end Failed.
func (l *StoreLedger) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.TopicSwapStatusChange, func(ctx context.Context, ev events.Event) error {
		change, ok := ev.(events.SwapStatusChangeEvent)
		if !ok || change.Payload.SwapStatus != string(models.StateFailed) {
			return nil
		}
		return l.releaseFailed(ctx, change.Context.SwapID)
	})
}

func (l *StoreLedger) releaseFailed(ctx context.Context, rawID string) error {
	swapID, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("release reservations: %w", err)
	}
	n, err := l.store.ReleaseSwapReservations(ctx, swapID)
	if err != nil {
		return err
	}
	if n > 0 {
		l.logger.Info("reservations released for failed swap",
			slog.String("swap_id", rawID),
			slog.Int("count", n))
	}
	return nil
}

// Reserve implements Ledger.
func (l *StoreLedger) Reserve(ctx context.Context, owner, reference string, amountFiat decimal.Decimal, currency string) (uuid.UUID, error) {
	res := models.Reservation{
		Owner:      strings.TrimSpace(owner),
		Reference:  strings.TrimSpace(reference),
		AmountFiat: amountFiat,
		Currency:   currency,
	}
	if err := l.store.CreateReservation(ctx, &res); err != nil {
		return uuid.Nil, fmt.Errorf("reserve: %w", err)
	}
	return res.ID, nil
}

// Confirm implements Ledger.
func (l *StoreLedger) Confirm(ctx context.Context, reservation, swapID uuid.UUID) error {
	return l.store.SetReservationStatus(ctx, reservation, models.ReservationConfirmed, &swapID)
}

// Release implements Ledger.
func (l *StoreLedger) Release(ctx context.Context, reservation uuid.UUID) error {
	return l.store.SetReservationStatus(ctx, reservation, models.ReservationReleased, nil)
}
