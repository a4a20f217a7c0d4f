package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		cancelled bool
	}{
		{"canceled", fmt.Errorf("pull page: %w", context.Canceled), StatusClientClosedRequest, true},
		{"deadline", context.DeadlineExceeded, StatusClientClosedRequest, true},
		{"wrapped", Wrap(context.Canceled, "failed to read checkpoint"), StatusClientClosedRequest, true},
		{"adapter timeout", AdapterUnavailable("labware", context.DeadlineExceeded), http.StatusServiceUnavailable, false},
		{"other", NotFound("case", "c-1"), http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromContext(tt.err)
			if HTTPStatus(got) != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, HTTPStatus(got))
			}
			if Is(got, ErrCancelled) != tt.cancelled {
				t.Errorf("Expected cancelled=%v, got %v", tt.cancelled, Is(got, ErrCancelled))
			}
		})
	}
}

func TestCancelledKeepsContextError(t *testing.T) {
	err := Cancelled(context.Canceled)
	if !Is(err, context.Canceled) {
		t.Error("Expected context.Canceled to stay in the chain")
	}
	if err.Code != "REQUEST_CANCELLED" {
		t.Errorf("Expected code REQUEST_CANCELLED, got %s", err.Code)
	}
	if FromContext(err) != error(err) {
		t.Error("Expected an already cancelled error to pass through unchanged")
	}
}

func TestFromContextNil(t *testing.T) {
	if FromContext(nil) != nil {
		t.Error("Expected nil to stay nil")
	}
}
