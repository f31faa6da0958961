package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "version conflict error", err: ErrOrderVersionConflict, want: true},
		{name: "wrapped version conflict error", err: errors.Join(ErrOrderVersionConflict, errors.New("additional context")), want: true},
		{name: "other error", err: ErrOrderNotFound, want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsVersionConflict(tt.err); got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	for _, err := range []error{ErrUserNotFound, ErrOrderNotFound, ErrHoldNotFound, ErrServiceNotFound, ErrProviderNotFound} {
		if !IsNotFound(fmt.Errorf("lookup: %w", err)) {
			t.Errorf("expected %v to be not-found", err)
		}
	}
	if IsNotFound(ErrInsufficientFunds) {
		t.Error("insufficient funds must not be not-found")
	}
}

func TestIsInvalidRequest(t *testing.T) {
	for _, err := range []error{ErrQuantityOutOfRange, ErrServiceInactive, ErrRefillNotAllowed, ErrIdempotencyKeyReused, ErrAmountInvalid} {
		if !IsInvalidRequest(err) {
			t.Errorf("expected %v to wrap ErrInvalidRequest", err)
		}
	}
	if IsInvalidRequest(ErrAccountBlocked) {
		t.Error("account blocked is reported separately")
	}
}

func TestGatewayError(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("submit: %w", NewGatewayError("panel-a", "add", "transport error", cause))

	gwErr, ok := AsGatewayError(err)
	if !ok {
		t.Fatal("expected GatewayError in chain")
	}
	if gwErr.Provider != "panel-a" || gwErr.Operation != "add" {
		t.Fatalf("unexpected gateway error fields: %+v", gwErr)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be unwrapped")
	}
	if got := NewGatewayError("panel-a", "status", "bad key", nil).Error(); got != "provider panel-a: status failed: bad key" {
		t.Fatalf("unexpected message: %s", got)
	}
}
