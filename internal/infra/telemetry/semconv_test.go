package telemetry

import (
	"testing"
)

func TestEventAttributesOmitEmptyType(t *testing.T) {
	attrs := EventAttributes("test", "", ResultSuccess)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes without event type, got %d", len(attrs))
	}
	attrs = EventAttributes("test", "GitClub.Messages.TeamCreatedMessage", ResultError)
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}
	if attrs[2].Key != AttrEventType || attrs[2].Value.AsString() != "GitClub.Messages.TeamCreatedMessage" {
		t.Fatalf("unexpected event type attribute: %+v", attrs[2])
	}
}

func TestHandlerAttributes(t *testing.T) {
	attrs := HandlerAttributes("prod", "core_db_event", "logging", ResultPanic)
	want := map[string]string{
		"environment":    "prod",
		"notify.channel": "core_db_event",
		"handler":        "logging",
		"result":         "panic",
	}
	for _, kv := range attrs {
		if want[string(kv.Key)] != kv.Value.AsString() {
			t.Fatalf("unexpected %s=%s", kv.Key, kv.Value.AsString())
		}
	}
}

func TestEnvironmentDefaultsAndNormalises(t *testing.T) {
	SetEnvironment("")
	if got := Environment(); got != "development" {
		t.Fatalf("expected development default, got %q", got)
	}
	SetEnvironment("  PROD ")
	if got := Environment(); got != "prod" {
		t.Fatalf("expected normalised prod, got %q", got)
	}
	SetEnvironment("")
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

func TestDisabledProviderIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "test"
	p, err := NewProvider(t.Context(), cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if p.Enabled() {
		t.Fatalf("expected disabled provider")
	}
	if p.Meter("x") == nil {
		t.Fatalf("expected a meter even when disabled")
	}
	if err := p.Shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if Environment() != "test" {
		t.Fatalf("expected environment to be recorded")
	}
	SetEnvironment("")
}
