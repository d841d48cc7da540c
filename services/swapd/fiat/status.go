package fiat

import "strings"

// Outcome is the internal classification of a provider status.
type Outcome int

const (
	// OutcomeUnrecognized marks a status missing from the vocabulary tables.
	OutcomeUnrecognized Outcome = iota
	// OutcomeInProgress means the provider is still working; no edge is taken.
	OutcomeInProgress
	// OutcomeRetryable means the attempt failed transiently.
	OutcomeRetryable
	// OutcomeSuccess means the money moved.
	OutcomeSuccess
	// OutcomeFailure means the provider definitively rejected the movement.
	OutcomeFailure
	// OutcomeManualReview means the result is ambiguous and needs an operator.
	OutcomeManualReview
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeManualReview:
		return "manual_review"
	default:
		return "unrecognized"
	}
}

// Final reports whether the outcome ends the current attempt.
func (o Outcome) Final() bool {
	return o == OutcomeSuccess || o == OutcomeFailure || o == OutcomeManualReview
}

// CollectionState is the provider's collection (STK push) state.
type CollectionState string

// Collection states.
const (
	CollectionPending    CollectionState = "PENDING"
	CollectionProcessing CollectionState = "PROCESSING"
	CollectionRetry      CollectionState = "RETRY"
	CollectionFailed     CollectionState = "FAILED"
	CollectionComplete   CollectionState = "COMPLETE"
)

var collectionOutcomes = map[CollectionState]Outcome{
	CollectionPending:    OutcomeInProgress,
	CollectionProcessing: OutcomeInProgress,
	CollectionRetry:      OutcomeRetryable,
	CollectionFailed:     OutcomeFailure,
	CollectionComplete:   OutcomeSuccess,
}

// CollectionOutcome classifies a collection state.
func CollectionOutcome(state string) Outcome {
	if outcome, ok := collectionOutcomes[CollectionState(strings.ToUpper(strings.TrimSpace(state)))]; ok {
		return outcome
	}
	return OutcomeUnrecognized
}

// PaymentStatus describes one disbursement status code.
type PaymentStatus struct {
	Code        string
	Description string
	Outcome     Outcome
}

var paymentStatuses = map[string]PaymentStatus{}

func init() {
	for _, status := range []PaymentStatus{
		{"TP101", "New transaction", OutcomeInProgress},
		{"TP102", "Transaction processing started", OutcomeInProgress},
		{"TP103", "Transaction awaiting provider confirmation", OutcomeInProgress},
		{"TP104", "Transaction queued for processing", OutcomeInProgress},
		{"TS100", "Transaction successful", OutcomeSuccess},
		{"TF101", "Invalid account or recipient", OutcomeFailure},
		{"TF102", "Insufficient wallet balance", OutcomeFailure},
		{"TF103", "Recipient limit exceeded", OutcomeFailure},
		{"TF104", "Transaction rejected by provider", OutcomeFailure},
		{"TF105", "Transaction cancelled", OutcomeFailure},
		{"TF106", "Transaction failed", OutcomeFailure},
		{"TR101", "Provider timeout, queued for retry", OutcomeRetryable},
		{"TR102", "Provider unavailable, queued for retry", OutcomeRetryable},
		{"TR103", "Network error, queued for retry", OutcomeRetryable},
		{"TR104", "Rate limited, queued for retry", OutcomeRetryable},
		{"TR105", "Duplicate check pending, queued for retry", OutcomeRetryable},
		{"TR106", "Float top-up pending, queued for retry", OutcomeRetryable},
		{"TR107", "Recipient network busy, queued for retry", OutcomeRetryable},
		{"TR108", "Reversal pending, queued for retry", OutcomeRetryable},
		{"TR109", "Queued for retry", OutcomeRetryable},
		{"TH100", "Transaction held for review", OutcomeManualReview},
		{"TH101", "Transaction under observation", OutcomeManualReview},
	} {
		paymentStatuses[status.Code] = status
	}
}

// LookupPaymentStatus returns the vocabulary entry for code.
func LookupPaymentStatus(code string) (PaymentStatus, bool) {
	status, ok := paymentStatuses[strings.ToUpper(strings.TrimSpace(code))]
	return status, ok
}

// PaymentOutcome classifies a disbursement status code.
func PaymentOutcome(code string) Outcome {
	if status, ok := LookupPaymentStatus(code); ok {
		return status.Outcome
	}
	return OutcomeUnrecognized
}

// Aggregate folds per-transaction outcomes of one disbursement batch. A batch
// that mixes success with failure, or holds anything ambiguous, needs review.
func Aggregate(outcomes ...Outcome) Outcome {
	if len(outcomes) == 0 {
		return OutcomeUnrecognized
	}
	counts := make(map[Outcome]int, len(outcomes))
	for _, o := range outcomes {
		counts[o]++
	}
	switch {
	case counts[OutcomeUnrecognized] > 0, counts[OutcomeManualReview] > 0:
		return OutcomeManualReview
	case counts[OutcomeSuccess] > 0 && counts[OutcomeFailure] > 0:
		return OutcomeManualReview
	case counts[OutcomeSuccess] == len(outcomes):
		return OutcomeSuccess
	case counts[OutcomeFailure] == len(outcomes):
		return OutcomeFailure
	case counts[OutcomeInProgress] > 0:
		return OutcomeInProgress
	case counts[OutcomeRetryable] > 0 && counts[OutcomeSuccess] == 0:
		return OutcomeRetryable
	default:
		return OutcomeManualReview
	}
}
