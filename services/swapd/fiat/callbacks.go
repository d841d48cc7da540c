package fiat

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw callback body.
const SignatureHeader = "X-Signature"

var (
	// ErrMissingSignature is returned when a callback carries no signature.
	ErrMissingSignature = errors.New("fiat: missing callback signature")
	// ErrInvalidSignature is returned when the signature does not match.
	ErrInvalidSignature = errors.New("fiat: invalid callback signature")
)

// CollectionCallback is the provider's asynchronous collection update.
type CollectionCallback struct {
	InvoiceID    string          `json:"invoice_id"`
	State        string          `json:"state"`
	FailedReason string          `json:"failed_reason,omitempty"`
	Value        decimal.Decimal `json:"value"`
}

// Outcome classifies the callback state.
func (c CollectionCallback) Outcome() Outcome { return CollectionOutcome(c.State) }

// ToCollection converts the callback into the polled representation.
func (c CollectionCallback) ToCollection() Collection {
	return Collection{
		Tracker:      strings.TrimSpace(c.InvoiceID),
		State:        CollectionState(strings.ToUpper(strings.TrimSpace(c.State))),
		FailedReason: c.FailedReason,
		Amount:       c.Value,
	}
}

// DeliveryKey identifies this delivery for deduplication.
func (c CollectionCallback) DeliveryKey() string {
	return "collection:" + strings.TrimSpace(c.InvoiceID) + ":" + strings.ToUpper(strings.TrimSpace(c.State))
}

// DisbursementCallback is the provider's asynchronous batch disbursement update.
type DisbursementCallback struct {
	FileID       string                    `json:"file_id"`
	Status       string                    `json:"status"`
	StatusCode   string                    `json:"status_code"`
	Transactions []DisbursementTransaction `json:"transactions"`
	PaidAmount   decimal.Decimal           `json:"paid_amount"`
	FailedAmount decimal.Decimal           `json:"failed_amount"`
}

// ToDisbursement converts the callback into the polled representation.
func (c DisbursementCallback) ToDisbursement() Disbursement {
	return Disbursement{
		Tracker:      strings.TrimSpace(c.FileID),
		Status:       c.Status,
		StatusCode:   strings.ToUpper(strings.TrimSpace(c.StatusCode)),
		Transactions: c.Transactions,
		PaidAmount:   c.PaidAmount,
		FailedAmount: c.FailedAmount,
	}
}

// Outcome classifies the batch.
func (c DisbursementCallback) Outcome() Outcome { return c.ToDisbursement().Outcome() }

// DeliveryKey identifies this delivery for deduplication.
func (c DisbursementCallback) DeliveryKey() string {
	codes := make([]string, 0, len(c.Transactions)+1)
	codes = append(codes, strings.ToUpper(strings.TrimSpace(c.StatusCode)))
	for _, tx := range c.Transactions {
		codes = append(codes, strings.ToUpper(strings.TrimSpace(tx.StatusCode)))
	}
	return "disbursement:" + strings.TrimSpace(c.FileID) + ":" + strings.Join(codes, ",")
}

// Sign returns the hex signature for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of body.
func VerifySignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	header = strings.TrimPrefix(strings.ToLower(header), "sha256=")
	provided, err := hex.DecodeString(header)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
