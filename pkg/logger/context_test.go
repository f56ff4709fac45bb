package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCorrelationID_Roundtrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1")
	assert.Equal(t, "corr-1", CorrelationIDFromContext(ctx))
}

func TestTraceID_Roundtrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	assert.Equal(t, "trace-1", TraceIDFromContext(ctx))
}

func TestIDs_EmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, CorrelationIDFromContext(ctx))
	assert.Empty(t, TraceIDFromContext(ctx))
}

func TestNewContextWithIDs_SkipsEmpty(t *testing.T) {
	ctx := NewContextWithIDs(context.Background(), "", "corr-1")
	assert.Empty(t, TraceIDFromContext(ctx))
	assert.Equal(t, "corr-1", CorrelationIDFromContext(ctx))
}

// FromContext должен добавлять идентификаторы из контекста в каждую запись.
func TestFromContext_AttachesIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf))
	ctx = NewContextWithIDs(ctx, "trace-1", "corr-1")

	l := FromContext(ctx)
	l.Info().Msg("событие обработано")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"correlation_id":"corr-1"`)
	assert.Contains(t, out, "событие обработано")
}

func TestFromContext_FallsBackToGlobal(t *testing.T) {
	// Без логгера в контексте возвращается глобальный — вызов не должен паниковать.
	l := FromContext(context.Background())
	l.Debug().Msg("ok")
}
