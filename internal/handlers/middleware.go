package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "requestId"
	maxRequestIDLen = 64
)

// requestIDMiddleware propagates the caller's request id or assigns one.
func (h *Handler) requestIDMiddleware(c *gin.Context) {
	id := c.GetHeader(headerRequestID)
	if id == "" || len(id) > maxRequestIDLen {
		id = uuid.NewString()
	}

	// store in Gin context
	c.Set(ctxRequestID, id)
	c.Header(headerRequestID, id)
	c.Next()
}

// accessLogMiddleware writes one structured line per request.
func (h *Handler) accessLogMiddleware(c *gin.Context) {
	start := time.Now()
	c.Next()

	if h.log == nil {
		return
	}
	fields := []interface{}{
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"latency", time.Since(start),
		"request_id", c.GetString(ctxRequestID),
	}
	if len(c.Errors) > 0 {
		fields = append(fields, "errors", c.Errors.String())
	}
	if c.Writer.Status() >= 500 {
		h.log.Errorw("http_request", fields...)
		return
	}
	h.log.Debugw("http_request", fields...)
}
