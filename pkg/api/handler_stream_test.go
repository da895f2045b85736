package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortix-ai/agentpress/pkg/events"
)

func runEvents() []events.Event {
	return []events.Event{
		{RunID: "run-1", Seq: 0, Type: events.EventTypeStatus, Payload: map[string]any{"status": "run-start"}},
		{RunID: "run-1", Seq: 1, Type: events.EventTypeContentDelta, Payload: map[string]any{"content": "hello"}},
		{RunID: "run-1", Seq: 2, Type: events.EventTypeEnd, Payload: map[string]any{"status": "completed"}},
	}
}

func TestStreamRunHandler(t *testing.T) {
	t.Run("replays persisted events and terminates at end", func(t *testing.T) {
		ts := newTestServer(t, &memFetcher{events: runEvents()})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agent-runs/run-1/stream", nil)
		ts.router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

		body := w.Body.String()
		assert.Contains(t, body, "id: 0\nevent: status\n")
		assert.Contains(t, body, "id: 1\nevent: content_delta\n")
		assert.Contains(t, body, "id: 2\nevent: end\n")
		assert.Equal(t, 3, strings.Count(body, "data: "))
	})

	t.Run("from_seq skips earlier events", func(t *testing.T) {
		ts := newTestServer(t, &memFetcher{events: runEvents()})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agent-runs/run-1/stream?from_seq=2", nil)
		ts.router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		body := w.Body.String()
		assert.NotContains(t, body, "id: 0\n")
		assert.Contains(t, body, "id: 2\nevent: end\n")
	})

	t.Run("last-event-id resumes past the named seq", func(t *testing.T) {
		ts := newTestServer(t, &memFetcher{events: runEvents()})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agent-runs/run-1/stream", nil)
		req.Header.Set("Last-Event-ID", "0")
		ts.router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		body := w.Body.String()
		assert.NotContains(t, body, "id: 0\n")
		assert.Contains(t, body, "id: 1\nevent: content_delta\n")
	})

	t.Run("invalid cursor is 400", func(t *testing.T) {
		ts := newTestServer(t, &memFetcher{events: runEvents()})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agent-runs/run-1/stream?from_seq=abc", nil)
		ts.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown run is 404", func(t *testing.T) {
		ts := newTestServer(t, &memFetcher{events: runEvents()})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agent-runs/nope/stream", nil)
		ts.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
