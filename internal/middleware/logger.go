package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Logger logs one line per request. Bodies are never logged since they
// carry PHI.
func Logger(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		var event *zerolog.Event
		switch {
		case statusCode >= 500:
			event = base.Error()
		case statusCode >= 400:
			event = base.Warn()
		default:
			event = base.Info()
		}

		event = event.
			Str("request_id", c.GetString(ContextRequestID)).
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP())

		if actor, ok := ActorFrom(c); ok {
			event = event.Str("actor_id", actor.ID.String()).Str("actor_role", string(actor.Role))
		}
		if id := c.Param("id"); id != "" {
			event = event.Str("resource_id", id)
		}
		if len(c.Errors) > 0 {
			event = event.Err(c.Errors.Last().Err)
		}

		switch {
		case statusCode >= 500:
			event.Msg("Server error")
		case statusCode >= 400:
			event.Msg("Client error")
		default:
			event.Msg("Request processed")
		}
	}
}
