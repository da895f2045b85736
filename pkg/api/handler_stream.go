package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kortix-ai/agentpress/pkg/events"
)

// streamRunHandler handles GET /api/v1/agent-runs/:id/stream as an SSE
// stream. The cursor comes from ?from_seq or, on reconnect, the
// Last-Event-ID header; every sequenced event carries its seq as the
// SSE id so browsers resume for free. The stream closes after the
// terminal end event.
func (s *Server) streamRunHandler(c *gin.Context) {
	runID := c.Param("id")
	if _, err := s.runs.GetRun(c.Request.Context(), runID); err != nil {
		mapServiceError(c, err)
		return
	}

	fromSeq, ok := streamCursor(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from_seq"})
		return
	}

	sub, err := s.streams.Subscribe(c.Request.Context(), runID, fromSeq)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	defer sub.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	var pingCh <-chan time.Time
	if s.cfg.SSEPingInterval > 0 {
		ticker := time.NewTicker(s.cfg.SSEPingInterval)
		defer ticker.Stop()
		pingCh = ticker.C
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-pingCh:
			fmt.Fprint(c.Writer, ": ping\n\n")
			flusher.Flush()
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeSSEEvent(c.Writer, evt); err != nil {
				return
			}
			flusher.Flush()
			if evt.Type == events.EventTypeEnd {
				return
			}
		}
	}
}

// streamCursor resolves the replay cursor; Last-Event-ID names the last
// seq the client saw, so resumption starts one past it.
func streamCursor(c *gin.Context) (int64, bool) {
	if v := c.Query("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return n + 1, true
	}
	return 0, true
}

func writeSSEEvent(w http.ResponseWriter, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data)
	return err
}
