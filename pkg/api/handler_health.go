package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kortix-ai/agentpress/pkg/database"
	"github.com/kortix-ai/agentpress/pkg/version"
)

// healthHandler handles GET /health. Reports database reachability and
// the number of live WebSocket connections.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}

	resp := gin.H{
		"status":      "healthy",
		"version":     version.Full(),
		"database":    dbHealth,
		"instance_id": s.cfg.InstanceID,
	}
	if s.ws != nil {
		resp["ws_connections"] = s.ws.ActiveConnections()
	}
	c.JSON(http.StatusOK, resp)
}
