package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestEnsureRunID(t *testing.T) {
	ctx, id := EnsureRunID(context.Background())
	if id == "" {
		t.Fatal("expected generated run id")
	}
	ctx2, id2 := EnsureRunID(ctx)
	if id2 != id || RunID(ctx2) != id {
		t.Fatalf("expected existing run id %q to be kept, got %q", id, id2)
	}
}
