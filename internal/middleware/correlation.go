// Package middleware contains Gin middleware shared by the HTTP surfaces
// (WebSocket upgrade endpoint, matchmaker REST routes, health/metrics).
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/liku-ai/gamecoord/internal/logging"
)

// HeaderXCorrelationID is the header carrying the client/request correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID assigns (or propagates) a correlation id for every request,
// echoing it back on the response and stashing it in the request context so
// internal/logging can attach it to every log line for that request.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		c.Next()
	}
}
