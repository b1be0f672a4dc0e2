package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck reports degraded when the store does not answer. Presence keeps serving in that
// state, so the check never fails the process.
func HealthCheck(client *redis.Client, nodeID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		status := "healthy"
		code := http.StatusOK
		if err := client.Ping(ctx).Err(); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		c.JSON(code, HealthResponse{
			Status:    status,
			Service:   "presence-service",
			NodeID:    nodeID,
			Timestamp: time.Now(),
		})
	}
}
