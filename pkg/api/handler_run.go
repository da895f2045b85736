package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kortix-ai/agentpress/pkg/models"
)

// startRunHandler handles POST /api/v1/threads/:id/agent/start. An
// empty body starts a run with the server defaults.
func (s *Server) startRunHandler(c *gin.Context) {
	threadID := c.Param("id")
	if _, err := s.threads.GetThread(c.Request.Context(), threadID); err != nil {
		mapServiceError(c, err)
		return
	}

	var req models.StartRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	run, err := s.agent.StartRun(c.Request.Context(), threadID, s.runConfigFrom(req))
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.StartRunResponse{
		RunID:  run.ID,
		Status: string(run.Status),
	})
}

// stopRunHandler handles POST /api/v1/agent-runs/:id/stop. Stopping is
// asynchronous: the response acknowledges the request, the run reaches
// its terminal status when the owner observes the signal.
func (s *Server) stopRunHandler(c *gin.Context) {
	if err := s.agent.StopRun(c.Request.Context(), c.Param("id"), "user requested"); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.StopRunResponse{Status: "stopping"})
}

// getRunHandler handles GET /api/v1/agent-runs/:id, returning the run
// snapshot with its full event log.
func (s *Server) getRunHandler(c *gin.Context) {
	run, runEvents, err := s.runs.GetRunWithEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.RunResponse{AgentRun: run, Events: runEvents})
}

// listRunsHandler handles GET /api/v1/threads/:id/agent-runs.
func (s *Server) listRunsHandler(c *gin.Context) {
	threadID := c.Param("id")
	if _, err := s.threads.GetThread(c.Request.Context(), threadID); err != nil {
		mapServiceError(c, err)
		return
	}
	runs, err := s.runs.ListThreadRuns(c.Request.Context(), threadID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.RunListResponse{Runs: runs})
}
