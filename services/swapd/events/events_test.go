package events

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestBusFansOutByTopic(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(TopicSwapStatusChange, func(_ context.Context, ev Event) error {
		got = append(got, "a:"+ev.(SwapStatusChangeEvent).Payload.SwapStatus)
		return nil
	})
	bus.Subscribe(TopicSwapStatusChange, func(_ context.Context, ev Event) error {
		got = append(got, "b")
		return nil
	})
	bus.Subscribe(TopicReceiveSuccess, func(context.Context, Event) error {
		t.Fatalf("wrong topic delivered")
		return nil
	})

	err := bus.Publish(context.Background(), SwapStatusChangeEvent{Payload: SwapStatusPayload{SwapStatus: "COMPLETE"}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if strings.Join(got, ",") != "a:COMPLETE,b" {
		t.Fatalf("unexpected delivery order %v", got)
	}
}

func TestBusCollectsHandlerFailures(t *testing.T) {
	bus := NewBus()
	errDown := errors.New("ledger down")
	var third bool
	bus.Subscribe(TopicReceiveFailure, func(context.Context, Event) error { return errDown })
	bus.Subscribe(TopicReceiveFailure, func(context.Context, Event) error { panic("boom") })
	bus.Subscribe(TopicReceiveFailure, func(context.Context, Event) error { third = true; return nil })

	err := bus.Publish(context.Background(), FedimintReceiveFailureEvent{OperationID: "op", Context: ReceiveOfframp})
	if !errors.Is(err, errDown) {
		t.Fatalf("expected joined handler error, got %v", err)
	}
	if !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic to be reported, got %v", err)
	}
	if !third {
		t.Fatalf("later handlers must still run")
	}
}

func TestReceiveContextValid(t *testing.T) {
	for _, c := range []ReceiveContext{ReceiveFunding, ReceiveOfframp, ReceiveSoloWallet, ReceiveChamaWallet} {
		if !c.Valid() {
			t.Fatalf("%s should be valid", c)
		}
	}
	if ReceiveContext("savings").Valid() {
		t.Fatalf("unknown context accepted")
	}
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	_ = rec.Publish(context.Background(), FedimintReceiveSuccessEvent{OperationID: "op"})
	_ = rec.Publish(context.Background(), SwapStatusChangeEvent{Payload: SwapStatusPayload{SwapStatus: "FAILED"}})
	if len(rec.Events()) != 2 || len(rec.StatusChanges()) != 1 {
		t.Fatalf("unexpected recorder contents %v", rec.Events())
	}
}
