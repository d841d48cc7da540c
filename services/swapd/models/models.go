package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Direction identifies which way value moves through a swap.
type Direction string

// Swap directions.
const (
	DirectionOnramp  Direction = "ONRAMP"
	DirectionOfframp Direction = "OFFRAMP"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionOnramp || d == DirectionOfframp
}

// State represents a step in the swap lifecycle.
type State string

// All lifecycle states.
const (
	StatePending      State = "PENDING"
	StateProcessing   State = "PROCESSING"
	StateComplete     State = "COMPLETE"
	StateFailed       State = "FAILED"
	StateManualReview State = "MANUAL_REVIEW"
)

// Terminal reports whether no automated transition may leave the state.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Swap is the persisted record of one conversion attempt. Only the storage
// transition path writes State.
type Swap struct {
	ID                   uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Direction            Direction       `gorm:"size:16;not null;index" json:"direction"`
	State                State           `gorm:"size:24;not null;index:idx_swap_state_timeout,priority:1" json:"state"`
	Owner                string          `gorm:"size:128;not null;uniqueIndex:idx_swap_idempotency,priority:1" json:"owner"`
	OperationType        string          `gorm:"size:32;not null;uniqueIndex:idx_swap_idempotency,priority:2" json:"operation_type"`
	IdempotencyKey       *string         `gorm:"size:128;uniqueIndex:idx_swap_idempotency,priority:3" json:"idempotency_key,omitempty"`
	RequestHash          string          `gorm:"size:64" json:"-"`
	Reference            string          `gorm:"size:128;index" json:"reference"`
	QuoteID              uuid.UUID       `gorm:"type:uuid;index" json:"quote_id"`
	FiatCurrency         string          `gorm:"size:8" json:"fiat_currency"`
	AmountFiat           decimal.Decimal `gorm:"type:varchar(64);not null" json:"amount_fiat"`
	FeeFiat              decimal.Decimal `gorm:"type:varchar(64);not null;default:0" json:"fee_fiat"`
	Rate                 decimal.Decimal `gorm:"type:varchar(64);not null" json:"rate"`
	AmountSats           int64           `gorm:"not null" json:"amount_sats"`
	AmountMsats          int64           `gorm:"not null" json:"amount_msats"`
	Account              string          `gorm:"size:64" json:"account"`
	LightningInvoice     string          `gorm:"type:text" json:"lightning_invoice,omitempty"`
	LightningOperationID *string         `gorm:"size:128;uniqueIndex" json:"lightning_operation_id,omitempty"`
	ExternalTracker      *string         `gorm:"size:128;uniqueIndex" json:"external_tracker,omitempty"`
	LightningSettledAt   *time.Time      `json:"lightning_settled_at,omitempty"`
	RetryCount           int             `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries           int             `gorm:"not null" json:"max_retries"`
	FailureReason        string          `gorm:"type:text" json:"failure_reason,omitempty"`
	Refundable           bool            `gorm:"not null;default:false" json:"refundable"`
	Version              int64           `gorm:"not null;default:1" json:"version"`
	TimeoutAt            *time.Time      `gorm:"index:idx_swap_state_timeout,priority:2" json:"timeout_at,omitempty"`
	StateChangedAt       time.Time       `json:"state_changed_at"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// TableName pins the table name across drivers.
func (Swap) TableName() string { return "swap_transactions" }

// Tracker returns the provider tracker or an empty string.
func (s Swap) Tracker() string {
	if s.ExternalTracker == nil {
		return ""
	}
	return *s.ExternalTracker
}

// OperationID returns the settlement backend operation id or an empty string.
func (s Swap) OperationID() string {
	if s.LightningOperationID == nil {
		return ""
	}
	return *s.LightningOperationID
}

// NetFiat returns the fiat amount after the swap fee.
func (s Swap) NetFiat() decimal.Decimal { return s.AmountFiat.Sub(s.FeeFiat) }

// LightningSettled reports whether the lightning leg has been paid or received.
func (s Swap) LightningSettled() bool { return s.LightningSettledAt != nil }

// RetriesExhausted reports whether the swap has consumed its retry budget.
func (s Swap) RetriesExhausted() bool {
	return s.RetryCount >= s.MaxRetries
}

// SwapTransition is the audit trail row written alongside each state change.
type SwapTransition struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	SwapID    uuid.UUID `gorm:"type:uuid;index;not null"`
	FromState State     `gorm:"size:24;not null"`
	ToState   State     `gorm:"size:24;not null"`
	Reason    string    `gorm:"type:text"`
	Actor     string    `gorm:"size:64"`
	Version   int64     `gorm:"not null"`
	CreatedAt time.Time
}

// QuoteRecord persists an issued quote so swaps can reference it by id.
type QuoteRecord struct {
	ID           uuid.UUID           `gorm:"type:uuid;primaryKey"`
	FromCurrency string              `gorm:"size:8;not null"`
	ToCurrency   string              `gorm:"size:8;not null"`
	Rate         decimal.Decimal     `gorm:"type:varchar(64);not null"`
	Amount       decimal.NullDecimal `gorm:"type:varchar(64)"`
	Fee          decimal.NullDecimal `gorm:"type:varchar(64)"`
	Output       decimal.NullDecimal `gorm:"type:varchar(64)"`
	FeeBps       int                 `gorm:"not null;default:0"`
	ExpiresAt    time.Time           `gorm:"index;not null"`
	CreatedAt    time.Time
}

// RateSnapshot stores an aggregated median rate produced by the oracle loop.
type RateSnapshot struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	Pair       string          `gorm:"size:16;index:idx_rate_snapshot_pair,priority:1;not null"`
	MedianRate decimal.Decimal `gorm:"type:varchar(64);not null"`
	Feeders    string          `gorm:"type:text"`
	ProofID    string          `gorm:"size:64"`
	ObservedAt time.Time       `gorm:"index:idx_rate_snapshot_pair,priority:2"`
	CreatedAt  time.Time
}

// ReservationStatus tracks a fiat hold placed before an onramp.
type ReservationStatus string

// Reservation statuses.
const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation holds fiat against an owner while a deposit saga runs.
type Reservation struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Owner      string            `gorm:"size:128;index;not null"`
	Reference  string            `gorm:"size:128;index"`
	SwapID     *uuid.UUID        `gorm:"type:uuid;index"`
	AmountFiat decimal.Decimal   `gorm:"type:varchar(64);not null"`
	Currency   string            `gorm:"size:8"`
	Status     ReservationStatus `gorm:"size:16;index;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AutoMigrate runs schema migrations for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Swap{},
		&SwapTransition{},
		&QuoteRecord{},
		&RateSnapshot{},
		&Reservation{},
	)
}
