package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/koopa0/system-design/post-counter-cache/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}

	for in, want := range tests {
		assert.Equal(t, want, logger.ParseLevel(in), in)
	}
}

func TestHandler_ContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(logger.NewHandler(&buf, logger.Options{Level: "debug", Format: "json"}))

	ctx := logger.WithRequestID(context.Background(), "req-1")
	ctx = logger.WithPrincipal(ctx, "user-42")
	log.With("component", "test").InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "req-1", rec["request_id"])
	assert.Equal(t, "user-42", rec["principal"])
	assert.Equal(t, "test", rec["component"])
	assert.Equal(t, "user-42", logger.Principal(ctx))
}

func TestHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(logger.NewHandler(&buf, logger.Options{Level: "warn", Format: "text"}))

	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}
