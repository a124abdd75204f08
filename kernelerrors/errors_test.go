package kernelerrors

import (
	"errors"
	"testing"
)

func TestNewWrapsCauseAndClassifiesViaIs(t *testing.T) {
	cause := errors.New("boom")
	err := New(CodeTimedOut, "cache-plugin", "Invoke", "dispatch deadline exceeded", cause)

	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected errors.Is to classify by code, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected errors.Is to reject a mismatched code")
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(CodeInternalFault, "", "Invoke", "failed", cause)
	if errors.Unwrap(err) != cause {
		t.Fatalf("expected Unwrap to return the original cause")
	}
}

func TestAsExtractsKernelError(t *testing.T) {
	err := New(CodePluginNotFound, "cache-plugin", "Reload", "plugin not installed", nil)
	var ke *KernelError
	if !As(err, &ke) {
		t.Fatalf("expected As to extract a *KernelError")
	}
	if ke.PluginID != "cache-plugin" || ke.Operation != "Reload" {
		t.Fatalf("unexpected extracted fields: %+v", ke)
	}
}

func TestInternalCapturesStack(t *testing.T) {
	err := Internal("Invoke", errors.New("panic recovered"))
	if err.Stack == "" {
		t.Fatalf("expected Internal to capture a stack trace")
	}
	if err.Code != CodeInternalFault {
		t.Fatalf("expected CodeInternalFault, got %v", err.Code)
	}
}

func TestWithFieldAttachesStructuredData(t *testing.T) {
	err := New(CodeBulkheadFull, "p", "Invoke", "full", nil).WithField("limit", 256)
	if err.Fields["limit"] != 256 {
		t.Fatalf("expected field to be attached, got %+v", err.Fields)
	}
}

func TestManifestBuildsFieldSpecificMessage(t *testing.T) {
	err := Manifest("id", "must be non-empty")
	if err.Code != CodeManifestInvalid {
		t.Fatalf("expected CodeManifestInvalid, got %v", err.Code)
	}
	if err.Message == "" {
		t.Fatalf("expected a non-empty message naming the field")
	}
}
