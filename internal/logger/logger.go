// Package logger provides structured logging functionality for the bot service.
// It uses Go's slog package for logging with configurable levels and formats.
package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader carries the request id in and out of the HTTP server.
const RequestIDHeader = "X-Request-ID"

// NewLogger creates a new slog Logger with the specified level and format.
// If jsonOutput is true, logs will be formatted as JSON, otherwise as text.
func NewLogger(levelStr string, jsonOutput bool) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// GinMiddleware logs every HTTP request with a request id. An incoming
// X-Request-ID is reused, otherwise a new uuid is generated.
func GinMiddleware(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)

		logEntry := log.With(
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)
		logEntry.DebugContext(c.Request.Context(), "Processing request")

		c.Next()

		duration := time.Since(startTime)
		status := c.Writer.Status()
		attrs := []any{"status", status, "duration", duration, "client_ip", c.ClientIP()}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			logEntry.ErrorContext(c.Request.Context(), "Finished processing request", attrs...)
		case status >= 400:
			logEntry.WarnContext(c.Request.Context(), "Finished processing request", attrs...)
		default:
			logEntry.InfoContext(c.Request.Context(), "Finished processing request", attrs...)
		}
	}
}

// Truncate shortens s to at most maxLen runes for log previews.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return string(r[:maxLen-3]) + "..."
}
