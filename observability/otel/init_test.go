package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization = Bearer x ,bad, =skip,tenant=a")
	if len(got) != 2 {
		t.Fatalf("unexpected headers %v", got)
	}
	if got["authorization"] != "Bearer x" || got["tenant"] != "a" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := ConfigFromEnv("swapd", "test")
	if cfg.Traces || cfg.Metrics {
		t.Fatalf("expected telemetry disabled without endpoint")
	}
	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{Traces: true}); err == nil {
		t.Fatalf("expected error without service name")
	}
}
