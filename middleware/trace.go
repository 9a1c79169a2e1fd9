package middleware

import (
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// TraceIDKey is the gin context key holding the request trace id.
	TraceIDKey = "trace_id"
	// TraceIDHeader carries the trace id in and out. Protocol hosts pass the
	// id of the wager or claim that triggered the call so log lines correlate.
	TraceIDHeader = "X-Trace-ID"
	// RequestTimeKey holds the time the request entered the router.
	RequestTimeKey = "request_time"
)

// Incoming ids are echoed into logs and headers, so only a safe charset is
// accepted.
var validTraceID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// TraceID assigns every request a trace id, reusing a valid incoming one.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(RequestTimeKey, time.Now())

		traceID := c.GetHeader(TraceIDHeader)
		if !validTraceID.MatchString(traceID) {
			traceID = uuid.NewString()
		}
		c.Set(TraceIDKey, traceID)
		c.Header(TraceIDHeader, traceID)

		c.Next()
	}
}

// GetTraceID returns the trace id of the request, or "" outside TraceID.
func GetTraceID(c *gin.Context) string {
	return c.GetString(TraceIDKey)
}

// GetRequestTime returns when the request entered the router.
func GetRequestTime(c *gin.Context) time.Time {
	if t, ok := c.Get(RequestTimeKey); ok {
		if start, ok := t.(time.Time); ok {
			return start
		}
	}
	return time.Now()
}
