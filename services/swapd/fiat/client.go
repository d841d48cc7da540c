package fiat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Client is the mobile money provider boundary.
type Client interface {
	Collect(ctx context.Context, req CollectionRequest) (Collection, error)
	CollectionStatus(ctx context.Context, tracker string) (Collection, error)
	Disburse(ctx context.Context, req DisbursementRequest) (Disbursement, error)
	DisbursementStatus(ctx context.Context, tracker string) (Disbursement, error)
}

// CollectionRequest asks the provider to pull funds from a customer account.
type CollectionRequest struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Account   string
}

// Collection is the provider's view of a collection.
type Collection struct {
	Tracker      string
	State        CollectionState
	FailedReason string
	Amount       decimal.Decimal
}

// Outcome classifies the collection state.
func (c Collection) Outcome() Outcome { return CollectionOutcome(string(c.State)) }

// DisbursementRequest asks the provider to push funds to a customer account.
type DisbursementRequest struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Account   string
	Name      string
	Narrative string
}

// Disbursement is the provider's view of a disbursement batch.
type Disbursement struct {
	Tracker      string
	Status       string
	StatusCode   string
	Transactions []DisbursementTransaction
	PaidAmount   decimal.Decimal
	FailedAmount decimal.Decimal
}

// DisbursementTransaction is one line of a disbursement batch.
type DisbursementTransaction struct {
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	StatusCode    string          `json:"status_code"`
	Account       string          `json:"account"`
	Amount        decimal.Decimal `json:"amount"`
	FailedReason  string          `json:"failed_reason,omitempty"`
}

// Outcome classifies the batch from its transaction codes, falling back to the
// batch status code when no transactions are listed.
func (d Disbursement) Outcome() Outcome {
	if len(d.Transactions) == 0 {
		return PaymentOutcome(d.StatusCode)
	}
	outcomes := make([]Outcome, 0, len(d.Transactions))
	for _, tx := range d.Transactions {
		outcomes = append(outcomes, PaymentOutcome(tx.StatusCode))
	}
	return Aggregate(outcomes...)
}

// FailureReason returns the first per-transaction failure reason.
func (d Disbursement) FailureReason() string {
	for _, tx := range d.Transactions {
		if tx.FailedReason != "" {
			return tx.FailedReason
		}
		if status, ok := LookupPaymentStatus(tx.StatusCode); ok && status.Outcome == OutcomeFailure {
			return status.Description
		}
	}
	if status, ok := LookupPaymentStatus(d.StatusCode); ok {
		return status.Description
	}
	return d.Status
}

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fiat %s failed: status=%d body=%s", e.Operation, e.StatusCode, e.Body)
}

// Temporary reports provider-side and throttling errors as worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// Permanent reports whether the provider rejected the request itself.
func (e *StatusError) Permanent() bool { return !e.Temporary() }

// ErrInvalidRequest is returned before any call when a request is malformed.
var ErrInvalidRequest = errors.New("fiat: invalid request")

// IsTransient classifies an error returned by a Client. Transport errors are
// transient; caller cancellation, validation and 4xx responses are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidRequest) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
