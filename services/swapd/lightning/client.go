package lightning

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/btcutil"

	"satsbridge/services/swapd/events"
)

// ReceiveContext tags an issued invoice with the wallet flow that asked for it.
type ReceiveContext = events.ReceiveContext

// Client is the settlement backend boundary.
type Client interface {
	IssueInvoice(ctx context.Context, amountMsats int64, description string, rc ReceiveContext) (Invoice, error)
	PayInvoice(ctx context.Context, invoice string) (Payment, error)
	// InvoiceStatus reports what the backend knows about an issued invoice.
	InvoiceStatus(ctx context.Context, operationID string) (InvoiceState, error)
}

// InvoiceState is the backend view of an issued invoice.
type InvoiceState string

const (
	InvoiceOpen     InvoiceState = "OPEN"
	InvoiceSettled  InvoiceState = "SETTLED"
	InvoiceCanceled InvoiceState = "CANCELED"
)

// Receiver delivers asynchronous receive notifications for invoices issued by
// the same backend until ctx is cancelled.
type Receiver interface {
	Run(ctx context.Context, publisher events.Publisher) error
}

// Invoice is an issued BOLT11 invoice.
type Invoice struct {
	OperationID string
	Invoice     string
}

// Payment is the result of paying an invoice.
type Payment struct {
	OperationID string
	PaymentType string
	ContractID  string
	FeeMsats    int64
}

var (
	// ErrInvalidAmount is returned for non-positive invoice amounts.
	ErrInvalidAmount = errors.New("lightning: amount must be positive")
	// ErrInvalidInvoice is returned when no invoice is supplied.
	ErrInvalidInvoice = errors.New("lightning: invoice required")
)

// PaymentError reports a payment the backend definitively refused.
type PaymentError struct {
	Reason string
}

func (e *PaymentError) Error() string { return "lightning: payment failed: " + e.Reason }

// Permanent marks the failure as a business outcome.
func (e *PaymentError) Permanent() bool { return true }

// StatusError is returned for non-2xx HTTP backend responses.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lightning %s failed: status=%d body=%s", e.Operation, e.StatusCode, e.Body)
}

// Temporary reports server-side and throttling errors as worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// Permanent reports whether the backend rejected the request itself.
func (e *StatusError) Permanent() bool { return !e.Temporary() }

// IsTransient classifies an error returned by a Client.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidInvoice) {
		return false
	}
	var perm interface{ Permanent() bool }
	if errors.As(err, &perm) {
		return !perm.Permanent()
	}
	return true
}

// FormatMsats renders a millisatoshi amount as BTC for logs and memos.
func FormatMsats(msats int64) string {
	return btcutil.Amount(msats / 1000).String()
}
