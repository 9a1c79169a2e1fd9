package middleware

import (
	"strings"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/auth"
	"github.com/Digital-Creators-Team/progressive-core/logging"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// LoggingConfig holds logging middleware configuration
type LoggingConfig struct {
	// SkipPaths are matched exactly.
	SkipPaths []string
	// StreamPrefixes mark long-lived SSE and WebSocket routes. They get a
	// single line when the stream ends instead of a start/complete pair.
	StreamPrefixes []string
}

// Logging logs every progressive API call with the calling protocol.
func Logging(logger zerolog.Logger) gin.HandlerFunc {
	return LoggingWithConfig(logger, LoggingConfig{
		SkipPaths:      []string{"/health", "/api/health"},
		StreamPrefixes: []string{"/api/progressives/values", "/api/progressives/events"},
	})
}

// LoggingWithConfig creates a logging middleware with custom configuration
func LoggingWithConfig(logger zerolog.Logger, config LoggingConfig) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skip[path] = struct{}{}
	}
	isStream := func(path string) bool {
		for _, prefix := range config.StreamPrefixes {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
		return false
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if _, ok := skip[path]; ok {
			c.Next()
			return
		}

		reqLogger := logging.WithTraceID(logger, GetTraceID(c)).With().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("client_ip", c.ClientIP()).
			Logger()

		stream := isStream(path)
		if !stream {
			reqLogger.Debug().Str("user_agent", c.Request.UserAgent()).Msg("Request started")
		}

		c.Next()

		// The protocol is only known once the JWT middleware has run.
		if protocol, ok := auth.GetProtocol(c); ok {
			reqLogger = logging.WithProtocol(reqLogger, protocol)
		}

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= 500:
			event = reqLogger.Error()
		case status >= 400:
			event = reqLogger.Warn()
		default:
			event = reqLogger.Info()
		}

		msg := "Request completed"
		if stream {
			msg = "Stream closed"
		}
		event.
			Int("status", status).
			Dur("duration", time.Since(GetRequestTime(c))).
			Int("response_size", c.Writer.Size()).
			Msg(msg)

		for _, err := range c.Errors {
			reqLogger.Error().Err(err.Err).Uint64("type", uint64(err.Type)).Msg("Request error")
		}
	}
}
