package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/payrelay/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-42")
	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "req-42", entries[0].ContextMap()["request_id"])
		_, hasTrace := entries[0].ContextMap()["trace_id"]
		assert.False(t, hasTrace)
	}
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", operationFromSQL(`SELECT * FROM "orders"`))
	assert.Equal(t, "UPDATE", operationFromSQL("  update order_items set qty_invoiced = ?"))
	assert.Equal(t, "UNKNOWN", operationFromSQL("PRAGMA foreign_keys"))
}

func TestParamsFilterDropsValues(t *testing.T) {
	l := NewGormLogger(DefaultGormLoggerConfig())
	sql, params := l.ParamsFilter(context.Background(), "SELECT ?", "secret")
	assert.Equal(t, "SELECT ?", sql)
	assert.Nil(t, params)
}
