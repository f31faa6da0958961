package traces

import (
	"context"
	"errors"
	"testing"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown failed: %v", err)
	}
}

func TestStartSpan_WithNoopProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test", OrderID("order-1"), Amount("1.0000"))
	defer span.End()

	if ctx == nil {
		t.Fatal("expected context")
	}
	Fail(span, errors.New("boom"), "failed")
	Fail(span, nil, "ignored")
}
