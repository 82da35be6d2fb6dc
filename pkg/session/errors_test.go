package session

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		kindLabel string
	}{
		{"not found", NotFoundf("session %s not found", "abc"), KindNotFound, "not_found"},
		{"precondition", PreconditionFailedf("session is %s", StatusStopped), KindPreconditionFailed, "precondition_failed"},
		{"conflict", Conflictf("turn already in flight"), KindConflict, "conflict"},
		{"internal", Internalf(errors.New("socket closed"), "inspecting container"), KindInternal, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf() = %v, want %v", got, tt.kind)
			}
			if got := KindOf(tt.err).String(); got != tt.kindLabel {
				t.Errorf("Kind.String() = %q, want %q", got, tt.kindLabel)
			}
		})
	}
}

func TestErrorPredicates(t *testing.T) {
	nf := NotFoundf("no such session")
	if !IsNotFound(nf) || IsConflict(nf) || IsPreconditionFailed(nf) || IsInternal(nf) {
		t.Errorf("predicate mismatch for %v", nf)
	}

	// Predicates must see through wrapping.
	wrapped := fmt.Errorf("starting session: %w", Conflictf("turn already in flight"))
	if !IsConflict(wrapped) {
		t.Errorf("IsConflict should unwrap, got false for %v", wrapped)
	}

	// Untyped errors classify as internal.
	plain := errors.New("boom")
	if KindOf(plain) != KindInternal {
		t.Errorf("KindOf(plain) = %v, want internal", KindOf(plain))
	}
	if !IsInternal(plain) {
		t.Error("IsInternal(plain) = false, want true")
	}
	if IsInternal(nil) {
		t.Error("IsInternal(nil) = true, want false")
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := Internalf(cause, "creating container")
	if err.Error() != "creating container: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the wrapped cause")
	}

	bare := Conflictf("busy")
	if bare.Error() != "busy" {
		t.Errorf("Error() = %q, want busy", bare.Error())
	}
}
