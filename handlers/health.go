package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chorus/presence-service/services"
)

type HealthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	NodeID    string            `json:"node_id"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// Health handles GET /health. Any failing dependency turns it into a 503.
func Health(service *services.PresenceService, nodeID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := HealthResponse{
			Status:    "healthy",
			Service:   "presence-service",
			NodeID:    nodeID,
			Checks:    make(map[string]string),
			Timestamp: time.Now(),
		}

		code := http.StatusOK
		for name, err := range service.Ready(c.Request.Context()) {
			if err != nil {
				response.Checks[name] = err.Error()
				response.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			response.Checks[name] = "ok"
		}
		c.JSON(code, response)
	}
}
