package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestDefaultsFollowCode(t *testing.T) {
	err := New(CodeStorageFailure, "")
	if err.Message() != "storage failure" {
		t.Fatalf("unexpected default message %q", err.Message())
	}
	if !err.Retryable() || !err.ShouldAlert() || err.Severity() != SeverityCritical {
		t.Fatalf("unexpected attributes: retryable=%v alert=%v severity=%s", err.Retryable(), err.ShouldAlert(), err.Severity())
	}

	out := New(CodeOutOfRange, "calibration value 900 outside 20..500")
	if out.Retryable() || out.ShouldAlert() {
		t.Fatal("out of range errors are neither retryable nor alerting")
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeCapabilityFailure, "fetch history",
		WithRetryable(false),
		WithAlert(true),
		WithSeverity(SeverityCritical),
		WithMetadata("plugin_id", "org.example.cgm"),
	)
	if err.Retryable() || !err.ShouldAlert() || err.Severity() != SeverityCritical {
		t.Fatal("options were not applied")
	}
	meta := err.Metadata()
	meta["plugin_id"] = "changed"
	if err.Metadata()["plugin_id"] != "org.example.cgm" {
		t.Fatal("metadata must be returned as a copy")
	}
}

func TestWrapAndChainLookups(t *testing.T) {
	cause := stdErrors.New("connection refused")
	inner := Wrap(CodeSyncFailure, cause, "subscribe")
	outer := fmt.Errorf("settings sync: %w", inner)

	if !stdErrors.Is(outer, cause) {
		t.Fatal("cause lost in chain")
	}
	if !stdErrors.Is(outer, New(CodeSyncFailure, "")) {
		t.Fatal("expected code match through chain")
	}
	if stdErrors.Is(outer, New(CodeStorageFailure, "")) {
		t.Fatal("different codes must not match")
	}
	if CodeOf(outer) != CodeSyncFailure || !RetryableError(outer) || !ShouldAlert(outer) {
		t.Fatal("chain helpers did not resolve the coded error")
	}
	if SeverityOf(outer) != SeverityCritical {
		t.Fatalf("unexpected severity %s", SeverityOf(outer))
	}
	if got := inner.Error(); got != "[SYNC_FAILURE] subscribe: connection refused" {
		t.Fatalf("unexpected message %q", got)
	}

	plain := stdErrors.New("plain")
	if CodeOf(plain) != CodeUnknown || RetryableError(plain) {
		t.Fatal("plain errors map to UNKNOWN")
	}
	if _, ok := From(nil); ok {
		t.Fatal("nil error has no coded error")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	if AttributesOf(code).Message != "unknown error" {
		t.Fatal("unregistered codes fall back to UNKNOWN")
	}
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, Retryable: true})
	err := New(code, "")
	if err.Message() != "custom" || !err.Retryable() {
		t.Fatal("registered attributes not applied")
	}
}

func TestNilError(t *testing.T) {
	var err *Error
	if err.Error() != "" || err.Code() != CodeUnknown || err.Retryable() || err.Severity() != SeverityInfo {
		t.Fatal("nil receiver should be safe")
	}
}
