package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/ent/agentrun"
	"github.com/kortix-ai/agentpress/pkg/agent"
	"github.com/kortix-ai/agentpress/pkg/config"
	"github.com/kortix-ai/agentpress/pkg/events"
	"github.com/kortix-ai/agentpress/pkg/models"
	"github.com/kortix-ai/agentpress/pkg/services"
)

type fakeThreads struct {
	threads map[string]*ent.Thread
}

func (f *fakeThreads) CreateThread(_ context.Context, req models.CreateThreadRequest) (*ent.Thread, error) {
	t := &ent.Thread{ID: "thread-new", OwnerID: req.OwnerID}
	f.threads[t.ID] = t
	return t, nil
}

func (f *fakeThreads) GetThread(_ context.Context, threadID string) (*ent.Thread, error) {
	t, ok := f.threads[threadID]
	if !ok {
		return nil, services.ErrNotFound
	}
	return t, nil
}

func (f *fakeThreads) ListThreads(_ context.Context, _ string, limit, offset int) (*models.ThreadListResponse, error) {
	var out []*ent.Thread
	for _, t := range f.threads {
		out = append(out, t)
	}
	return &models.ThreadListResponse{Threads: out, TotalCount: len(out), Limit: limit, Offset: offset}, nil
}

func (f *fakeThreads) DeleteThread(_ context.Context, threadID string) error {
	if _, ok := f.threads[threadID]; !ok {
		return services.ErrNotFound
	}
	delete(f.threads, threadID)
	return nil
}

type fakeMessageStore struct {
	created []models.CreateMessageRequest
}

func (f *fakeMessageStore) CreateMessage(_ context.Context, req models.CreateMessageRequest) (*ent.Message, error) {
	f.created = append(f.created, req)
	return &ent.Message{ID: "msg-1", ThreadID: req.ThreadID, Kind: req.Kind, Content: req.Content}, nil
}

func (f *fakeMessageStore) GetThreadMessages(_ context.Context, threadID string) ([]*ent.Message, error) {
	return []*ent.Message{{ID: "msg-1", ThreadID: threadID}}, nil
}

type fakeRunReader struct {
	runs map[string]*ent.AgentRun
}

func (f *fakeRunReader) GetRun(_ context.Context, runID string) (*ent.AgentRun, error) {
	r, ok := f.runs[runID]
	if !ok {
		return nil, services.ErrNotFound
	}
	return r, nil
}

func (f *fakeRunReader) GetRunWithEvents(ctx context.Context, runID string) (*ent.AgentRun, []*ent.RunEvent, error) {
	r, err := f.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return r, []*ent.RunEvent{}, nil
}

func (f *fakeRunReader) ListThreadRuns(_ context.Context, threadID string) ([]*ent.AgentRun, error) {
	var out []*ent.AgentRun
	for _, r := range f.runs {
		if r.ThreadID == threadID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeAgent struct {
	startErr error
	stopErr  error
	lastCfg  agent.RunConfig
	stopped  []string
}

func (f *fakeAgent) StartRun(_ context.Context, threadID string, cfg agent.RunConfig) (*ent.AgentRun, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.lastCfg = cfg
	return &ent.AgentRun{ID: "run-1", ThreadID: threadID, Status: agentrun.StatusRunning}, nil
}

func (f *fakeAgent) StopRun(_ context.Context, runID, _ string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, runID)
	return nil
}

// memFetcher serves the SSE test through a real broker.
type memFetcher struct {
	events []events.Event
}

func (f *memFetcher) EventsFrom(_ context.Context, _ string, fromSeq int64, limit int) ([]events.Event, error) {
	var out []events.Event
	for _, e := range f.events {
		if e.Seq >= fromSeq && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type testServer struct {
	server  *Server
	router  *gin.Engine
	threads *fakeThreads
	agent   *fakeAgent
	runs    *fakeRunReader
}

func newTestServer(t *testing.T, fetcher events.EventFetcher) *testServer {
	t.Helper()
	threads := &fakeThreads{threads: map[string]*ent.Thread{
		"t1": {ID: "t1"},
	}}
	runs := &fakeRunReader{runs: map[string]*ent.AgentRun{
		"run-1": {ID: "run-1", ThreadID: "t1", Status: agentrun.StatusRunning},
	}}
	ag := &fakeAgent{}
	var streams EventStreamer
	if fetcher != nil {
		streams = events.NewBroker(fetcher, nil)
	}
	srv := NewServer(Deps{
		Config: &config.ServerConfig{
			Port:            "0",
			InstanceID:      "test-instance",
			SSEPingInterval: time.Minute,
		},
		Defaults: &config.RunDefaults{
			Model:         "gpt-default",
			MaxIterations: 10,
			ToolMode:      "native",
			TerminalTool:  "idle",
		},
		Threads:  threads,
		Messages: &fakeMessageStore{},
		Runs:     runs,
		Agent:    ag,
		Streams:  streams,
		DB:       &sql.DB{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &testServer{server: srv, router: srv.Router(), threads: threads, agent: ag, runs: runs}
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestStartRunHandler(t *testing.T) {
	t.Run("starts with defaults on empty body", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(http.MethodPost, "/api/v1/threads/t1/agent/start", nil)

		require.Equal(t, http.StatusCreated, w.Code)
		var resp models.StartRunResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "run-1", resp.RunID)
		assert.Equal(t, "running", resp.Status)
		assert.Equal(t, "gpt-default", ts.agent.lastCfg.Model)
		assert.Equal(t, 10, ts.agent.lastCfg.MaxIterations)
	})

	t.Run("request overrides defaults", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(http.MethodPost, "/api/v1/threads/t1/agent/start", models.StartRunRequest{
			Model:         "gpt-custom",
			ToolMode:      "xml",
			MaxIterations: 3,
		})

		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "gpt-custom", ts.agent.lastCfg.Model)
		assert.Equal(t, agent.ToolModeXML, ts.agent.lastCfg.ToolMode)
		assert.Equal(t, 3, ts.agent.lastCfg.MaxIterations)
	})

	t.Run("unknown thread is 404", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(http.MethodPost, "/api/v1/threads/nope/agent/start", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("active run is 409", func(t *testing.T) {
		ts := newTestServer(t, nil)
		ts.agent.startErr = services.ErrRunActive
		w := ts.do(http.MethodPost, "/api/v1/threads/t1/agent/start", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestStopRunHandler(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(http.MethodPost, "/api/v1/agent-runs/run-1/stop", nil)
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, []string{"run-1"}, ts.agent.stopped)
	})

	t.Run("unknown run is 404", func(t *testing.T) {
		ts := newTestServer(t, nil)
		ts.agent.stopErr = services.ErrNotFound
		w := ts.do(http.MethodPost, "/api/v1/agent-runs/nope/stop", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("terminal run is 409", func(t *testing.T) {
		ts := newTestServer(t, nil)
		ts.agent.stopErr = services.ErrRunNotStoppable
		w := ts.do(http.MethodPost, "/api/v1/agent-runs/run-1/stop", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestGetRunHandler(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/api/v1/agent-runs/run-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.RunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.ID)

	w = ts.do(http.MethodGet, "/api/v1/agent-runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRunsHandler(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(http.MethodGet, "/api/v1/threads/t1/agent-runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.RunListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
}

func TestThreadHandlers(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(http.MethodPost, "/api/v1/threads", models.CreateThreadRequest{OwnerID: "alice"})
		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("get missing is 404", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(http.MethodGet, "/api/v1/threads/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("list rejects bad limit", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(http.MethodGet, "/api/v1/threads?limit=500", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("delete", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(http.MethodDelete, "/api/v1/threads/t1", nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("messages require existing thread", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(http.MethodGet, "/api/v1/threads/nope/messages", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
