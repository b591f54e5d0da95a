package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndMetadata(t *testing.T) {
	err := New(
		"replication",
		CodeUnavailable,
		WithMessage("replication slot in use"),
		WithCanonicalCode(CanonicalSlotUnavailable),
		WithMetadata(map[string]string{
			"slot":        "outbox_slot",
			"publication": "outbox_pub",
		}),
		WithField("pid", "4242"),
		WithRemediation("stop the other reader before restarting"),
		WithCause(errors.New("slot active")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=replication") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=unavailable") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=slot_unavailable") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	expectedMeta := "meta=pid=\"4242\",publication=\"outbox_pub\",slot=\"outbox_slot\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "remediation=\"stop the other reader before restarting\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"slot active\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("events", CodeDecode, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestWithMetadataMerge(t *testing.T) {
	err := New(
		"notify",
		CodeNetwork,
		WithMetadata(map[string]string{"channel": "a"}),
		WithMetadata(map[string]string{"channel": "b", "dsn": "local"}),
	)

	if got := err.Metadata["channel"]; got != "b" {
		t.Fatalf("expected latest metadata to win, got %q", got)
	}
	if got := err.Metadata["dsn"]; got != "local" {
		t.Fatalf("expected dsn metadata to be present, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestCodeHelpersFollowWrappedChain(t *testing.T) {
	inner := New("replication", CodeConfiguration, WithCanonicalCode(CanonicalPublicationMissing))
	wrapped := fmt.Errorf("open stream: %w", inner)

	if got := CodeOf(wrapped); got != CodeConfiguration {
		t.Fatalf("expected configuration code, got %q", got)
	}
	if got := CanonicalOf(wrapped); got != CanonicalPublicationMissing {
		t.Fatalf("expected publication_missing, got %q", got)
	}
	if !IsConfiguration(wrapped) {
		t.Fatalf("expected configuration error to be detected")
	}
	if IsConfiguration(errors.New("plain")) {
		t.Fatalf("plain errors must not be configuration errors")
	}
}

func TestIsInspectsNestedEnvelopes(t *testing.T) {
	root := New("events", CodeNotFound)
	outer := New("consumer", CodeDecode, WithCause(root))
	if !Is(outer, CodeNotFound) {
		t.Fatalf("expected nested not_found to be visible")
	}
	if Is(outer, CodeConflict) {
		t.Fatalf("unexpected conflict code match")
	}
	if CanonicalOf(errors.New("x")) != CanonicalUnknown {
		t.Fatalf("expected unknown canonical for plain error")
	}
}
