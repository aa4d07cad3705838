package wiki

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Format(t *testing.T) {
	err := &Error{Kind: KindNotFound, Op: "core.getPage", Target: "wiki:syntax",
		Err: fmt.Errorf("gone")}
	want := "core.getPage wiki:syntax: not found: gone"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &Error{Kind: KindTransport, Op: "op", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is() did not reach the wrapped error")
	}
}

func TestKindOf(t *testing.T) {
	if k := KindOf(&Error{Kind: KindConflict, Op: "push"}); k != KindConflict {
		t.Errorf("KindOf() = %v, want conflict", k)
	}
	wrapped := fmt.Errorf("context: %w", &Error{Kind: KindForbidden, Op: "op"})
	if k := KindOf(wrapped); k != KindForbidden {
		t.Errorf("KindOf(wrapped) = %v, want forbidden", k)
	}
	// Foreign errors default to the conservative classification.
	if k := KindOf(errors.New("plain")); k != KindTransport {
		t.Errorf("KindOf(plain) = %v, want transport", k)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&Error{Kind: KindNotFound, Op: "op"}) {
		t.Error("IsNotFound() = false for a not-found error")
	}
	if IsNotFound(&Error{Kind: KindForbidden, Op: "op"}) {
		t.Error("IsNotFound() = true for a forbidden error")
	}
	if IsNotFound(nil) {
		t.Error("IsNotFound(nil) = true")
	}
}
