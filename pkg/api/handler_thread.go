package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kortix-ai/agentpress/pkg/models"
)

// createThreadHandler handles POST /api/v1/threads.
func (s *Server) createThreadHandler(c *gin.Context) {
	var req models.CreateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	thread, err := s.threads.CreateThread(c.Request.Context(), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.ThreadResponse{Thread: thread})
}

// getThreadHandler handles GET /api/v1/threads/:id.
func (s *Server) getThreadHandler(c *gin.Context) {
	thread, err := s.threads.GetThread(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ThreadResponse{Thread: thread})
}

// listThreadsHandler handles GET /api/v1/threads.
func (s *Server) listThreadsHandler(c *gin.Context) {
	limit := 25
	offset := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be non-negative"})
			return
		}
		offset = n
	}

	list, err := s.threads.ListThreads(c.Request.Context(), c.Query("owner_id"), limit, offset)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// deleteThreadHandler handles DELETE /api/v1/threads/:id.
func (s *Server) deleteThreadHandler(c *gin.Context) {
	if err := s.threads.DeleteThread(c.Request.Context(), c.Param("id")); err != nil {
		mapServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listMessagesHandler handles GET /api/v1/threads/:id/messages.
func (s *Server) listMessagesHandler(c *gin.Context) {
	threadID := c.Param("id")
	if _, err := s.threads.GetThread(c.Request.Context(), threadID); err != nil {
		mapServiceError(c, err)
		return
	}
	msgs, err := s.messages.GetThreadMessages(c.Request.Context(), threadID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageListResponse{Messages: msgs})
}

// createMessageHandler handles POST /api/v1/threads/:id/messages.
func (s *Server) createMessageHandler(c *gin.Context) {
	var req models.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.ThreadID = c.Param("id")

	msg, err := s.messages.CreateMessage(c.Request.Context(), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.MessageResponse{Message: msg})
}
