package logger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	obscontext "github.com/smallbiznis/clientdesk/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithCorrelationID(ctx, "cid-1")
	ctx = obscontext.WithActor(ctx, "provider", "stripe")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "cid-1", fields["correlation_id"])
		assert.Equal(t, "provider", fields["actor_type"])
		assert.Equal(t, "stripe", fields["actor_id"])
	}
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", operationFromSQL("WITH agg AS (SELECT 1) SELECT * FROM agg"))
	assert.Equal(t, "UPDATE", operationFromSQL(`UPDATE "invoices" SET status = 'PAID'`))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/health", http.StatusOK))
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/metrics", http.StatusOK))
	assert.Equal(t, zapcore.WarnLevel, requestLevel("/webhooks/payments/:provider", http.StatusUnauthorized))
	assert.Equal(t, zapcore.InfoLevel, requestLevel("/api/invoices/:id", http.StatusConflict))
	assert.Equal(t, zapcore.ErrorLevel, requestLevel("/webhooks/payments/:provider", http.StatusServiceUnavailable))
}

func TestGinMiddlewarePropagatesIdentifiers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))
	var seenCID string
	r.GET("/api/invoices/:id", func(c *gin.Context) {
		seenCID = obscontext.CorrelationIDFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/invoices/42", nil)
	req.Header.Set(HeaderRequestID, "req-9")
	req.Header.Set(HeaderCorrelationID, "cid-9")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "cid-9", seenCID)
	assert.Equal(t, "req-9", w.Header().Get(HeaderRequestID))
	assert.Equal(t, "cid-9", w.Header().Get(HeaderCorrelationID))
	if assert.Len(t, logs.All(), 1) {
		fields := logs.All()[0].ContextMap()
		assert.Equal(t, "42", fields["invoice_id"])
		assert.Equal(t, "req-9", fields["request_id"])
		assert.Equal(t, int64(http.StatusOK), fields["status"])
	}
}

func TestIsExpectedConflict(t *testing.T) {
	assert.True(t, isExpectedConflict(gorm.ErrDuplicatedKey))
	assert.True(t, isExpectedConflict(fmt.Errorf("insert payment: %w", &pgconn.PgError{Code: "40001"})))
	assert.False(t, isExpectedConflict(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isExpectedConflict(errors.New("connection refused")))
}
