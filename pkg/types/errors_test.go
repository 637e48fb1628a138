package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindUnknown, "unknown"},
		{KindNotFound, "not_found"},
		{KindValidation, "validation"},
		{KindTransient, "transient"},
		{KindServiceUnavailable, "service_unavailable"},
		{KindDataIntegrity, "data_integrity"},
		{KindInternal, "internal"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestKindOf_WalksWrapChain(t *testing.T) {
	inner := Transient(errors.New("connection refused"), "dial cache")
	wrapped := fmt.Errorf("assemble context: %w", inner)

	if got := KindOf(wrapped); got != KindTransient {
		t.Errorf("KindOf = %v, want transient", got)
	}
	if !IsTransient(wrapped) {
		t.Error("IsTransient = false, want true")
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf = %v, want unknown", got)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"msg and cause", &Error{Kind: KindTransient, Msg: "dial", Err: errors.New("refused")}, "dial: refused"},
		{"msg only", &Error{Kind: KindNotFound, Msg: "session gone"}, "session gone"},
		{"cause only", &Error{Kind: KindInternal, Err: errors.New("boom")}, "boom"},
		{"neither", &Error{Kind: KindValidation}, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotFoundHelper(t *testing.T) {
	err := NotFound("session %q expired", "abc")
	if !IsNotFound(err) {
		t.Fatal("IsNotFound = false, want true")
	}
	if err.Error() != `session "abc" expired` {
		t.Errorf("message = %q", err.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := Internal(cause, "handler panic")
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}
