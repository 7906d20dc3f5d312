package audit

import (
	"context"
	"testing"

	"github.com/orelvisrguez/qr-attendance-sub000/internal/auth"
)

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event name")
	}
}

func TestLogEventWithContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = auth.ContextWithUser(ctx, "u-9", []string{"instructor"})

	if err := LogEvent(ctx, "session.open", map[string]any{"session_id": "s-1"}); err != nil {
		t.Fatalf("log event: %v", err)
	}
}

func TestWithRequestIDIgnoresBlank(t *testing.T) {
	ctx := context.Background()
	if got := WithRequestID(ctx, "   "); got != ctx {
		t.Fatal("blank request id must not alter the context")
	}
}
