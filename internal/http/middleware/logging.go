// Package middleware contains the Gin middleware of the ops API.
//
// RequestID, Logger and Recovery must be installed in that order: the access
// log and the panic log both carry the correlation id, and handlers reach the
// request-scoped logger through LoggerFrom or zerolog.Ctx on the request
// context.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"

	maxRequestIDLen = 128
	maxQueryLogLen  = 2048
)

// quietPaths log at debug when they succeed.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// RequestID reuses a well-formed X-Request-ID from the caller or mints a
// UUID, and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if !validRequestID(rid) {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// validRequestID accepts short printable ASCII ids. Anything else would end
// up verbatim in log lines and response headers.
func validRequestID(s string) bool {
	if s == "" || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// Logger writes one access line per request and exposes the request-scoped
// logger to handlers. Lines on intent routes carry intent_id.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		fields := log.With().
			Str("component", "http").
			Str("request_id", c.GetString(requestIDKey)).
			Str("method", c.Request.Method).
			Str("path", routeOf(c)).
			Str("remote_ip", c.ClientIP())
		if id := c.Param("id"); id != "" {
			fields = fields.Str("intent_id", id)
		}
		lg := fields.Logger()
		c.Set(loggerKey, &lg)
		c.Request = c.Request.WithContext(lg.WithContext(c.Request.Context()))

		c.Next()

		status := c.Writer.Status()
		ev := lg.WithLevel(accessLevel(status, len(c.Errors) > 0, quietPaths[c.Request.URL.Path])).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int64("bytes_in", c.Request.ContentLength).
			Int("bytes_out", c.Writer.Size()).
			Str("user_agent", c.Request.UserAgent())
		if q := c.Request.URL.RawQuery; q != "" {
			ev = ev.Str("query", clip(q, maxQueryLogLen))
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Msg("request")
	}
}

func accessLevel(status int, hasErrors, quiet bool) zerolog.Level {
	switch {
	case hasErrors || status >= http.StatusInternalServerError:
		return zerolog.ErrorLevel
	case status >= http.StatusBadRequest:
		return zerolog.WarnLevel
	case quiet:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// routeOf prefers the route template so ids do not explode log cardinality.
func routeOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// Recovery turns a panic into a logged stack trace and, when nothing was
// written yet, a JSON 500 in the standard error envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := c.GetString(requestIDKey)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the logger installed by Logger, or the global logger
// when the chain has none. It never returns nil.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.Logger
	return &l
}

// clip caps s at max bytes.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
