package jobctx

import (
	"context"
	"testing"

	"github.com/jdziat/simple-grid/pkg/core"
	intctx "github.com/jdziat/simple-grid/pkg/internal/context"
)

func TestJobFromContext(t *testing.T) {
	t.Run("returns job when set in context", func(t *testing.T) {
		// Arrange
		job := &core.Job{ID: "call-123", Type: "grid.run", BatchID: "batch-9"}
		ctx := intctx.WithJobContext(context.Background(), &intctx.JobContext{Job: job, HostID: "host-a"})

		// Act
		result := JobFromContext(ctx)

		// Assert
		if result == nil {
			t.Fatal("expected job, got nil")
		}
		if result.ID != "call-123" {
			t.Errorf("expected job ID %q, got %q", "call-123", result.ID)
		}
		if got := JobIDFromContext(ctx); got != "call-123" {
			t.Errorf("expected job ID %q, got %q", "call-123", got)
		}
		if got := BatchIDFromContext(ctx); got != "batch-9" {
			t.Errorf("expected batch ID %q, got %q", "batch-9", got)
		}
		if got := HostFromContext(ctx); got != "host-a" {
			t.Errorf("expected host %q, got %q", "host-a", got)
		}
	})

	t.Run("returns zero values when not set in context", func(t *testing.T) {
		// Arrange
		ctx := context.Background()

		// Act & Assert
		if JobFromContext(ctx) != nil {
			t.Error("expected nil job")
		}
		if JobIDFromContext(ctx) != "" {
			t.Error("expected empty job ID")
		}
		if BatchIDFromContext(ctx) != "" {
			t.Error("expected empty batch ID")
		}
		if HostFromContext(ctx) != "" {
			t.Error("expected empty host")
		}
	})

	t.Run("returns empty IDs when job is nil", func(t *testing.T) {
		// Arrange
		ctx := intctx.WithJobContext(context.Background(), &intctx.JobContext{HostID: "host-b"})

		// Act & Assert
		if JobIDFromContext(ctx) != "" {
			t.Error("expected empty job ID")
		}
		if BatchIDFromContext(ctx) != "" {
			t.Error("expected empty batch ID")
		}
		if HostFromContext(ctx) != "host-b" {
			t.Error("expected host from context")
		}
	})
}
