package web

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// CorrelationIDHeader carries the request id in both directions.
	CorrelationIDHeader = "X-Correlation-Id"
	// RequestIDContextKey is the gin context key holding the request id.
	RequestIDContextKey = "request_id"

	maxCorrelationIDLength = 128
)

// RequestID reuses a caller-supplied correlation id or mints one, and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestID := strings.TrimSpace(contextGin.GetHeader(CorrelationIDHeader))
		if requestID == "" || len(requestID) > maxCorrelationIDLength {
			requestID = uuid.NewString()
		}
		contextGin.Set(RequestIDContextKey, requestID)
		contextGin.Header(CorrelationIDHeader, requestID)
		contextGin.Next()
	}
}

// RequestIDFrom returns the id stored by RequestID, or "".
func RequestIDFrom(contextGin *gin.Context) string {
	return contextGin.GetString(RequestIDContextKey)
}

// AccessLog writes one line per request.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("code", "http.request"),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
			zap.String("request_id", RequestIDFrom(contextGin)),
		)
	}
}
