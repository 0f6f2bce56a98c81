package telemetry

import (
	"context"
	"testing"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "Staging"

	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if p.Enabled() {
		t.Fatalf("expected disabled provider")
	}
	if p.Meter("test") == nil {
		t.Fatalf("expected a no-op meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := Environment(); got != "staging" {
		t.Fatalf("expected lower-cased environment, got %q", got)
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOrderAttributesSkipsBlankValues(t *testing.T) {
	SetEnvironment("dev")
	attrs := OrderAttributes("USDCUSDT", "", "place", "")
	if len(attrs) != 3 {
		t.Fatalf("expected environment, symbol and operation only, got %v", attrs)
	}
	if attrs[2].Value.AsString() != "place" {
		t.Fatalf("unexpected operation attr %v", attrs[2])
	}
}
