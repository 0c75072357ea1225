package util

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContext(t *testing.T) {
	t.Parallel()

	fallback := zap.NewNop()
	assert.Same(t, fallback, FromContext(context.Background(), fallback))

	core, logs := observer.New(zapcore.InfoLevel)
	reqLogger := zap.New(core).With(zap.String("request_id", "r-1"))
	ctx := WithLogger(context.Background(), reqLogger)

	FromContext(ctx, fallback).Info("handled")
	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "r-1", entries[0].ContextMap()["request_id"])
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"loud":    zapcore.InfoLevel,
	} {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}
