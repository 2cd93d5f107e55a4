package correlation

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	inner := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewHandler(inner))
}

func TestNewID(t *testing.T) {
	ids := make(map[string]struct{}, 100)
	for range 100 {
		id := NewID()
		assert.Len(t, id, 8)
		ids[id] = struct{}{}
	}
	assert.Len(t, ids, 100)
}

func TestContextValues(t *testing.T) {
	tests := []struct {
		name        string
		ctx         context.Context
		wantID      string
		wantSession string
	}{
		{"empty", context.Background(), "", ""},
		{"blank values", WithSessionID(WithID(context.Background(), ""), ""), "", ""},
		{"both set", WithSessionID(WithID(context.Background(), "c0ffee00"), "sess-9"), "c0ffee00", "sess-9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := ID(tt.ctx)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantID != "", ok)

			sid, ok := SessionID(tt.ctx)
			assert.Equal(t, tt.wantSession, sid)
			assert.Equal(t, tt.wantSession != "", ok)
		})
	}
}

func TestHandler_InjectsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := WithSessionID(WithID(context.Background(), "test1234"), "sess-1")
	logger.InfoContext(ctx, "delivered", "channel", "tenant:t1")

	output := buf.String()
	assert.Contains(t, output, "correlation_id=test1234")
	assert.Contains(t, output, "session_id=sess-1")
	assert.Contains(t, output, "channel=tenant:t1")
}

func TestHandler_OmitsMissingAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.InfoContext(context.Background(), "plain")

	assert.NotContains(t, buf.String(), "correlation_id")
	assert.NotContains(t, buf.String(), "session_id")
}

func TestHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf).With("component", "sweeper").WithGroup("sweep")

	ctx := WithID(context.Background(), "attr1234")
	logger.InfoContext(ctx, "tick", "evicted", 2)

	output := buf.String()
	assert.Contains(t, output, "component=sweeper")
	assert.Contains(t, output, "sweep.evicted=2")
	assert.Contains(t, output, "correlation_id=attr1234")
}
