package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
quote:
  fee_bps: 50
  sources:
    - name: fixed
      type: static
      rate: "6000000"
  pairs:
    - base: BTC
      quote: KES
fiat:
  base_url: https://sandbox.example.test
  webhook_secret_env: TEST_WEBHOOK_SECRET
lightning:
  backend: fedimint
  fedimint:
    base_url: http://127.0.0.1:3333
admin:
  bearer_token: secret
  tls:
    disable: true
`

func envLookup(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestParseAppliesDefaultsAndSecrets(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML),
		WithAllowInsecureBearerWithoutTLS(),
		WithEnvLookup(envLookup(map[string]string{"TEST_WEBHOOK_SECRET": "whsec"})),
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ListenAddress != ":7074" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path == "" {
		t.Fatalf("unexpected database defaults %+v", cfg.Database)
	}
	if cfg.Quote.TTL.Duration != 5*time.Minute {
		t.Fatalf("unexpected quote ttl %s", cfg.Quote.TTL.Duration)
	}
	if cfg.Swap.MaxRetries != 3 || cfg.Retry.Attempts != 3 {
		t.Fatalf("unexpected retry defaults %+v %+v", cfg.Swap, cfg.Retry)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.ResetTimeout.Duration != 30*time.Second {
		t.Fatalf("unexpected breaker defaults %+v", cfg.Breaker)
	}
	if cfg.Fiat.WebhookSecret != "whsec" {
		t.Fatalf("expected webhook secret from env, got %q", cfg.Fiat.WebhookSecret)
	}
}

func TestParseRejectsMissingWebhookSecret(t *testing.T) {
	_, err := Parse([]byte(minimalYAML),
		WithAllowInsecureBearerWithoutTLS(),
		WithEnvLookup(envLookup(nil)),
	)
	if err == nil {
		t.Fatalf("expected error without webhook secret")
	}
}

func TestParseRejectsBearerWithoutTLS(t *testing.T) {
	_, err := Parse([]byte(minimalYAML), WithEnvLookup(envLookup(map[string]string{"TEST_WEBHOOK_SECRET": "x"})))
	if err == nil {
		t.Fatalf("expected bearer without TLS to be rejected")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swapd.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML+"\nunknown_section: true\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, WithAllowInsecureBearerWithoutTLS()); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestDurationParsing(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML+"swap:\n  processing_timeout: 90s\n"),
		WithAllowInsecureBearerWithoutTLS(),
		WithEnvLookup(envLookup(map[string]string{"TEST_WEBHOOK_SECRET": "x"})),
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Swap.ProcessingTimeout.Duration != 90*time.Second {
		t.Fatalf("unexpected processing timeout %s", cfg.Swap.ProcessingTimeout.Duration)
	}
	if _, err := Parse([]byte(minimalYAML+"swap:\n  processing_timeout: soon\n")); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}
}

func TestAdminConfigNormaliseRequiresClientCAForMTLS(t *testing.T) {
	cfg := AdminConfig{
		MTLS: MTLSConfig{Enabled: true},
		TLS:  AdminTLSConfig{CertPath: "cert.pem", KeyPath: "key.pem"},
	}
	err := cfg.normalise(false)
	if err == nil {
		t.Fatalf("expected error when mTLS is enabled without client CA")
	}
	if got, want := err.Error(), "mtls.client_ca must be configured when mTLS is enabled"; got != want {
		t.Fatalf("unexpected error: got %q, want %q", got, want)
	}
}

func TestAdminConfigNormaliseAllowsMTLSWithClientCA(t *testing.T) {
	cfg := AdminConfig{
		MTLS: MTLSConfig{Enabled: true, ClientCAPath: " ca.pem "},
		TLS:  AdminTLSConfig{CertPath: "cert.pem", KeyPath: "key.pem"},
	}
	if err := cfg.normalise(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MTLS.ClientCAPath != "ca.pem" {
		t.Fatalf("unexpected client CA path: %q", cfg.MTLS.ClientCAPath)
	}
	if !cfg.TLSEnabled() {
		t.Fatalf("expected TLS to be enabled")
	}
}

func TestAdminConfigNormaliseAllowsInsecureOverride(t *testing.T) {
	cfg := AdminConfig{BearerToken: "secret", TLS: AdminTLSConfig{Disable: true}}
	if err := cfg.normalise(true); err != nil {
		t.Fatalf("expected insecure override to bypass TLS requirement, got %v", err)
	}
	if cfg.BearerToken != "secret" {
		t.Fatalf("expected bearer token to persist, got %q", cfg.BearerToken)
	}
}
