package logger

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const headerRequestID = "X-Request-Id"

// Probes and media frames arrive many times a second and are logged at debug.
var quietPrefixes = []string{"/healthz", "/readyz", "/metrics", "/streams/audio"}

// Middleware tags every request with a request_id (reusing the caller's header
// when present), stores the scoped logger on the request context, and writes one
// summary line whose level follows the response status.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	l = OrDefault(l)
	return func(c *gin.Context) {
		start := time.Now()

		rid := strings.TrimSpace(c.GetHeader(headerRequestID))
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(headerRequestID, rid)

		reqLog := l.With("request_id", rid)
		c.Request = c.Request.WithContext(With(c.Request.Context(), reqLog))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		// Handlers may have added attributes (user_id) to the request logger.
		out := From(c.Request.Context())
		switch {
		case status >= 500 || len(c.Errors) > 0:
			out.Error("request", attrs...)
		case status >= 400:
			out.Warn("request", attrs...)
		case isQuiet(route):
			out.Debug("request", attrs...)
		default:
			out.Info("request", attrs...)
		}
	}
}

func isQuiet(route string) bool {
	for _, p := range quietPrefixes {
		if strings.HasPrefix(route, p) {
			return true
		}
	}
	return false
}

// FromGin returns the request-scoped logger, including anything middleware
// further down the chain attached to it.
func FromGin(c *gin.Context) *slog.Logger {
	if c == nil || c.Request == nil {
		return slog.Default()
	}
	return From(c.Request.Context())
}
