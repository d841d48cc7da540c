package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSetupEmitsRenamedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("swapd", "test", WithOutput(&buf), WithoutDefault())
	logger.Info("hello", MaskField("account", "254712345678"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"timestamp", "severity", "message", "service", "env"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("expected key %q in %v", key, line)
		}
	}
	if line["severity"] != "INFO" {
		t.Fatalf("unexpected severity %v", line["severity"])
	}
	if line["account"] != RedactedValue {
		t.Fatalf("expected account to be redacted, got %v", line["account"])
	}
}

func TestMaskTail(t *testing.T) {
	attr := MaskTail("account", "254712345678")
	if got := attr.Value.String(); got != "********5678" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskTail("account", "12").Value.String(); got != RedactedValue {
		t.Fatalf("short values should be fully redacted, got %q", got)
	}
}

func TestAllowlistedKeysPassThrough(t *testing.T) {
	if got := MaskField("swap_id", "abc").Value.String(); got != "abc" {
		t.Fatalf("swap_id should not be redacted, got %q", got)
	}
	if got := MaskValue(""); got != "" {
		t.Fatalf("empty values should stay empty, got %q", got)
	}
}
