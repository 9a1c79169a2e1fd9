package middleware

import (
	"errors"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/logging"
	"github.com/Digital-Creators-Team/progressive-core/types"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Recovery turns a handler panic into a 500 envelope carrying the trace id.
// A panic caused by a client that went away (common on SSE and WebSocket
// routes) is logged without a stack and no body is written.
func Recovery(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			traceID := GetTraceID(c)
			reqLogger := logging.WithTraceID(logger, traceID).With().
				Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).
				Logger()

			if err, ok := rec.(error); ok && clientGone(err) {
				reqLogger.Warn().Err(err).Msg("Client connection lost")
				c.Abort()
				return
			}

			reqLogger.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("Panic recovered")

			c.AbortWithStatusJSON(http.StatusInternalServerError, types.ErrorResponse{
				StatusCode: http.StatusInternalServerError,
				Error: types.ErrorDetail{
					Timestamp:    time.Now().UTC().Format(time.RFC3339),
					Path:         c.Request.URL.Path,
					ErrorMessage: "Internal server error",
					ErrorCode:    apperrors.ErrInternalServerError,
					TraceID:      traceID,
				},
			})
		}()

		c.Next()
	}
}

func clientGone(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, http.ErrAbortHandler) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr, &sysErr) {
			msg := strings.ToLower(sysErr.Error())
			return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
		}
	}
	return false
}
