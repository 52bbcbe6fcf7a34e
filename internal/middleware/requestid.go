package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderXRequestID = "X-Request-ID"
	ContextRequestID = "request_id"

	minRequestIDLength = 8
	maxRequestIDLength = 128
)

// RequestID tags each request with an id that ends up in logs, error bodies
// and audit events. An inbound id from a gateway is kept when it is a UUID
// or a plain trace token; anything else is replaced with a fresh UUID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid, ok := normalizeRequestID(c.GetHeader(HeaderXRequestID))
		if !ok {
			rid = uuid.New().String()
		}

		c.Set(ContextRequestID, rid)
		c.Header(HeaderXRequestID, rid)
		c.Next()
	}
}

func normalizeRequestID(raw string) (string, bool) {
	if id, err := uuid.Parse(raw); err == nil {
		return id.String(), true
	}
	if len(raw) < minRequestIDLength || len(raw) > maxRequestIDLength {
		return "", false
	}
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return "", false
		}
	}
	return raw, true
}
