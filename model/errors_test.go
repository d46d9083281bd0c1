package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "request not found"}
	want := "NOT_FOUND: request not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "title", Code: "REQUIRED", Message: "Title is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "title" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "title")
	}
}

func TestNewNoTemplateFoundError(t *testing.T) {
	e := NewNoTemplateFoundError("high")
	if e.Code != ErrNoTemplateFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNoTemplateFound)
	}
	if e.Message == "" {
		t.Error("expected non-empty message")
	}
}

func TestNewNotAuthorizedOrAlreadyDecidedError(t *testing.T) {
	e := NewNotAuthorizedOrAlreadyDecidedError()
	if e.Code != ErrNotAuthorizedOrAlreadyDecided {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotAuthorizedOrAlreadyDecided)
	}
}

func TestNewRequestNotPendingError(t *testing.T) {
	e := NewRequestNotPendingError("req-1", StatusApproved)
	if e.Code != ErrRequestNotPending {
		t.Errorf("Code = %q, want %q", e.Code, ErrRequestNotPending)
	}
}

func TestHasCode(t *testing.T) {
	wrapped := fmt.Errorf("store: %w", NewNotFoundError("gone"))
	if !HasCode(wrapped, ErrNotFound) {
		t.Error("HasCode(wrapped, NOT_FOUND) = false, want true")
	}
	if HasCode(wrapped, ErrConflict) {
		t.Error("HasCode(wrapped, CONFLICT) = true, want false")
	}
	if HasCode(fmt.Errorf("plain"), ErrNotFound) {
		t.Error("HasCode(plain error) = true, want false")
	}
	if HasCode(nil, ErrNotFound) {
		t.Error("HasCode(nil) = true, want false")
	}
}
