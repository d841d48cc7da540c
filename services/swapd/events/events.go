package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"satsbridge/observability"
)

// Topics published by swapd.
const (
	TopicSwapStatusChange = "swap.status_change"
	TopicReceiveSuccess   = "lightning.receive_success"
	TopicReceiveFailure   = "lightning.receive_failure"
)

// ReceiveContext identifies the wallet flow that issued a Lightning invoice.
type ReceiveContext string

// Receive contexts.
const (
	ReceiveFunding     ReceiveContext = "funding"
	ReceiveOfframp     ReceiveContext = "offramp"
	ReceiveSoloWallet  ReceiveContext = "solo-wallet"
	ReceiveChamaWallet ReceiveContext = "chama-wallet"
)

// Valid reports whether c is a known receive context.
func (c ReceiveContext) Valid() bool {
	switch c {
	case ReceiveFunding, ReceiveOfframp, ReceiveSoloWallet, ReceiveChamaWallet:
		return true
	}
	return false
}

// Event is any payload published on the bus.
type Event interface {
	Topic() string
}

// SwapContext identifies the swap a status change belongs to.
type SwapContext struct {
	SwapID    string `json:"swapId"`
	Direction string `json:"direction"`
	Reference string `json:"reference"`
	Owner     string `json:"owner"`
}

// SwapStatusPayload carries the new status.
type SwapStatusPayload struct {
	SwapTracker string `json:"swapTracker"`
	SwapStatus  string `json:"swapStatus"`
	Refundable  bool   `json:"refundable,omitempty"`
}

// SwapStatusChangeEvent announces that a swap reached Complete, Failed or
// ManualReview.
type SwapStatusChangeEvent struct {
	Context SwapContext       `json:"context"`
	Payload SwapStatusPayload `json:"payload"`
	Error   string            `json:"error,omitempty"`
}

// Topic implements Event.
func (SwapStatusChangeEvent) Topic() string { return TopicSwapStatusChange }

// FedimintReceiveSuccessEvent reports that an issued invoice was paid.
type FedimintReceiveSuccessEvent struct {
	OperationID string         `json:"operationId"`
	Context     ReceiveContext `json:"context"`
}

// Topic implements Event.
func (FedimintReceiveSuccessEvent) Topic() string { return TopicReceiveSuccess }

// FedimintReceiveFailureEvent reports that an issued invoice will not be paid.
type FedimintReceiveFailureEvent struct {
	OperationID string         `json:"operationId"`
	Context     ReceiveContext `json:"context"`
	Error       string         `json:"error"`
}

// Topic implements Event.
func (FedimintReceiveFailureEvent) Topic() string { return TopicReceiveFailure }

// Publisher delivers events to interested collaborators.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Handler consumes one event.
type Handler func(ctx context.Context, event Event) error

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, event Event) error { return f(ctx, event) }

// Bus fans events out to in-process subscribers. Handlers run synchronously in
// subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	metrics  *observability.EventMetrics
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler), metrics: observability.Events()}
}

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(topic string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	b.mu.Unlock()
}

// Publish delivers event to every subscriber of its topic. Every handler runs
// even when an earlier one fails; failures are joined.
func (b *Bus) Publish(ctx context.Context, event Event) (err error) {
	if event == nil {
		return errors.New("events: nil event")
	}
	topic := event.Topic()
	defer func() { b.metrics.RecordPublish(topic, err) }()

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if herr := invoke(ctx, handler, event); herr != nil {
			errs = append(errs, herr)
		}
	}
	return errors.Join(errs...)
}

func invoke(ctx context.Context, handler Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: handler panic on %s: %v", event.Topic(), r)
		}
	}()
	return handler(ctx, event)
}

// Recorder captures published events, for tests and dry runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.Err
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// StatusChanges returns the recorded swap status change events.
func (r *Recorder) StatusChanges() []SwapStatusChangeEvent {
	var out []SwapStatusChangeEvent
	for _, ev := range r.Events() {
		if sc, ok := ev.(SwapStatusChangeEvent); ok {
			out = append(out, sc)
		}
	}
	return out
}
