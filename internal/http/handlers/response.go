// Package handlers implements the ops API: queue inspection, maintenance
// triggers and manual enqueues. Every error leaves through fail or
// failInternal so clients always get the same envelope:
//
//	{"request_id": "...", "code": "not_found", "message": "intent not found"}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-swap-matcher/internal/http/middleware"
)

// ErrorResponse is the error envelope of every endpoint. Code is one of the
// constants in errors.go.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func envelope(c *gin.Context, code, msg string) ErrorResponse {
	return ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}
}

// fail aborts with status and the error envelope. Conflicts are logged at
// warn since they usually mean two operators raced each other.
func fail(c *gin.Context, status int, code, msg string) {
	if status == http.StatusConflict {
		middleware.LoggerFrom(c).Warn().Str("code", code).Msg(msg)
	}
	c.AbortWithStatusJSON(status, envelope(c, code, msg))
}

// failInternal answers 500 with a generic message and logs the cause,
// which may carry SQL or driver detail that stays server-side.
func failInternal(c *gin.Context, code, msg string, err error) {
	middleware.LoggerFrom(c).Error().
		Err(err).
		Int("status", http.StatusInternalServerError).
		Str("code", code).
		Msg(msg)
	c.AbortWithStatusJSON(http.StatusInternalServerError, envelope(c, code, msg))
}

// Fail is fail for the router's NoRoute/NoMethod handlers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
