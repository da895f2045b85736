package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortix-ai/agentpress/ent/agentrun"
	"github.com/kortix-ai/agentpress/pkg/database"
	testdb "github.com/kortix-ai/agentpress/test/database"
	"github.com/kortix-ai/agentpress/test/util"
)

// sqlFetcher implements EventFetcher directly over database/sql for these
// tests; production uses the event service.
type sqlFetcher struct {
	db *sql.DB
}

func (f *sqlFetcher) EventsFrom(ctx context.Context, runID string, fromSeq int64, limit int) ([]Event, error) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT run_id, seq, type, payload, created_at
		 FROM run_events WHERE run_id = $1 AND seq >= $2
		 ORDER BY seq LIMIT $3`,
		runID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var evt Event
		var payload []byte
		if err := rows.Scan(&evt.RunID, &evt.Seq, &evt.Type, &payload, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &evt.Payload); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// streamingTestEnv wires real components against a real PostgreSQL
// database (testcontainers locally, service container in CI).
type streamingTestEnv struct {
	dbClient *database.Client
	fetcher  *sqlFetcher
	broker   *Broker
	manager  *ConnectionManager
	listener *NotifyListener
	server   *httptest.Server
	runID    string // pre-created AgentRun (satisfies FK on run_events)
	channel  string
}

func setupStreamingTest(t *testing.T) *streamingTestEnv {
	t.Helper()

	dbClient := testdb.NewTestClient(t)
	ctx := context.Background()

	threadID := uuid.New().String()
	_, err := dbClient.Thread.Create().
		SetID(threadID).
		SetOwnerID("integration-test").
		Save(ctx)
	require.NoError(t, err)

	runID := uuid.New().String()
	_, err = dbClient.AgentRun.Create().
		SetID(runID).
		SetThreadID(threadID).
		SetStatus(agentrun.StatusRunning).
		SetOwnerInstanceID("test-instance").
		Save(ctx)
	require.NoError(t, err)

	fetcher := &sqlFetcher{db: dbClient.DB()}

	// The listener needs the base connection string (no schema
	// search_path): NOTIFY/LISTEN is database-level, not schema-level.
	listener := NewNotifyListener(util.GetBaseConnectionString(t))
	broker := NewBroker(fetcher, listener)
	manager := NewConnectionManager(fetcher, 5*time.Second)
	manager.SetListener(listener)
	listener.AddSink(broker)
	listener.AddSink(manager)
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() { listener.Stop(context.Background()) })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(func() { server.Close() })

	return &streamingTestEnv{
		dbClient: dbClient,
		fetcher:  fetcher,
		broker:   broker,
		manager:  manager,
		listener: listener,
		server:   server,
		runID:    runID,
		channel:  RunChannel(runID),
	}
}

func (env *streamingTestEnv) newPublisher(t *testing.T) *RunPublisher {
	t.Helper()
	p, err := NewRunPublisher(context.Background(), env.dbClient.DB(), env.runID)
	require.NoError(t, err)
	return p
}

func (env *streamingTestEnv) connectWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + env.server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSONTimeout(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// subscribeAndWait connects a WebSocket, subscribes to the env's run
// channel, and waits for LISTEN to propagate.
func (env *streamingTestEnv) subscribeAndWait(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := env.connectWS(t)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "connection.established", msg["type"])

	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: env.channel})
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(writeCtx, websocket.MessageText, subMsg))

	msg = readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "subscription.confirmed", msg["type"])

	require.Eventually(t, func() bool {
		return env.listener.isListening(env.channel)
	}, 2*time.Second, 10*time.Millisecond, "LISTEN did not propagate for channel %s", env.channel)

	return conn
}

// --- Tests ---

func TestIntegration_PublisherPersistsAndSequences(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()
	publisher := env.newPublisher(t)

	seq, err := publisher.Publish(ctx, EventTypeStatus, StatusPayload{Status: StatusRunStart})
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq, "sequences start at zero")

	seq, err = publisher.Publish(ctx, EventTypeContentDelta, ContentDeltaPayload{Iteration: 1, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	events, err := env.fetcher.EventsFrom(ctx, env.runID, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventTypeStatus, events[0].Type)
	assert.Equal(t, EventTypeContentDelta, events[1].Type)
	assert.Equal(t, "hello", events[1].Payload["content"])
}

func TestIntegration_PublisherResumesSequence(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	first := env.newPublisher(t)
	_, err := first.Publish(ctx, EventTypeStatus, StatusPayload{Status: StatusRunStart})
	require.NoError(t, err)
	seq, err := first.Publish(ctx, EventTypeContentDelta, ContentDeltaPayload{Content: "a"})
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	// A publisher built after a crash resumes past what was persisted.
	second := env.newPublisher(t)
	assert.Equal(t, int64(1), second.HighWater())

	seq, err = second.Publish(ctx, EventTypeEnd, EndPayload{Status: "failed", Error: "server restart"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestIntegration_PublishAtIsIdempotent(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()
	publisher := env.newPublisher(t)

	_, err := publisher.Publish(ctx, EventTypeEnd, EndPayload{Status: "completed"})
	require.NoError(t, err)

	// Re-publishing at or below the high-water mark is dropped.
	published, err := publisher.PublishAt(ctx, 0, EventTypeEnd, EndPayload{Status: "completed"})
	require.NoError(t, err)
	assert.False(t, published)

	events, err := env.fetcher.EventsFrom(ctx, env.runID, 0, 100)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestIntegration_BrokerReplayThenLive(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()
	publisher := env.newPublisher(t)

	// Two events before anyone subscribes.
	_, err := publisher.Publish(ctx, EventTypeStatus, StatusPayload{Status: StatusRunStart})
	require.NoError(t, err)
	_, err = publisher.Publish(ctx, EventTypeContentDelta, ContentDeltaPayload{Iteration: 1, Content: "early"})
	require.NoError(t, err)

	sub, err := env.broker.Subscribe(ctx, env.runID, 0)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool {
		return env.listener.isListening(env.channel)
	}, 2*time.Second, 10*time.Millisecond)

	// Two more after subscription — delivered live.
	_, err = publisher.Publish(ctx, EventTypeContentDelta, ContentDeltaPayload{Iteration: 1, Content: "late"})
	require.NoError(t, err)
	_, err = publisher.Publish(ctx, EventTypeEnd, EndPayload{Status: "completed"})
	require.NoError(t, err)

	seqs := collectSeqs(t, sub, 4)
	assert.Equal(t, []int64{0, 1, 2, 3}, seqs)

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestIntegration_OversizedEventRecoveredFromTable(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()
	publisher := env.newPublisher(t)

	sub, err := env.broker.Subscribe(ctx, env.runID, 0)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool {
		return env.listener.isListening(env.channel)
	}, 2*time.Second, 10*time.Millisecond)

	big := make([]byte, 10000)
	for i := range big {
		big[i] = 'y'
	}
	_, err = publisher.Publish(ctx, EventTypeToolResult, ToolResultPayload{
		CallID:  "call-1",
		Name:    "read_file",
		Success: true,
		Output:  string(big),
	})
	require.NoError(t, err)

	select {
	case evt := <-sub.Events():
		assert.Equal(t, EventTypeToolResult, evt.Type)
		assert.False(t, evt.Truncated)
		assert.Len(t, evt.Payload["output"], 10000, "full payload comes from the table, not the wire")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for oversized event")
	}
}

func TestIntegration_EndToEnd_PublishToWebSocket(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()
	publisher := env.newPublisher(t)

	conn := env.subscribeAndWait(t)

	_, err := publisher.Publish(ctx, EventTypeContentDelta, ContentDeltaPayload{
		Iteration: 1,
		Content:   "hello from publisher",
	})
	require.NoError(t, err)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, EventTypeContentDelta, msg["type"])
	assert.Equal(t, env.runID, msg["run_id"])
	assert.Equal(t, float64(0), msg["seq"])
	payload, ok := msg["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello from publisher", payload["content"])
}

func TestIntegration_WebSocketCatchup(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()
	publisher := env.newPublisher(t)

	for i := 0; i < 3; i++ {
		_, err := publisher.Publish(ctx, EventTypeContentDelta, ContentDeltaPayload{
			Iteration: 1,
			Content:   "chunk",
		})
		require.NoError(t, err)
	}

	// Subscribing auto-catches-up from seq 0.
	conn := env.subscribeAndWait(t)
	for i := int64(0); i < 3; i++ {
		msg := readJSONTimeout(t, conn, 5*time.Second)
		assert.Equal(t, float64(i), msg["seq"])
	}

	// Explicit catchup from seq 1 re-delivers 1 and 2.
	from := int64(1)
	catchupMsg, _ := json.Marshal(ClientMessage{Action: "catchup", Channel: env.channel, FromSeq: &from})
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(writeCtx, websocket.MessageText, catchupMsg))

	for i := int64(1); i < 3; i++ {
		msg := readJSONTimeout(t, conn, 5*time.Second)
		assert.Equal(t, float64(i), msg["seq"])
	}

	// No more messages.
	readCtx, readCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err, "should not receive more messages after catchup")
}

func TestIntegration_StopSignalReachesControlSink(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	received := make(chan ControlPayload, 1)
	env.listener.AddSink(sinkFunc(func(channel string, payload []byte) {
		if channel != ControlChannel(env.runID) {
			return
		}
		var cp ControlPayload
		if json.Unmarshal(payload, &cp) == nil {
			received <- cp
		}
	}))
	require.NoError(t, env.listener.Subscribe(ctx, ControlChannel(env.runID)))

	require.NoError(t, SignalStop(ctx, env.dbClient.DB(), env.runID, "user request"))

	select {
	case cp := <-received:
		assert.Equal(t, ControlActionStop, cp.Action)
		assert.Equal(t, env.runID, cp.RunID)
		assert.Equal(t, "user request", cp.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("stop signal never arrived")
	}
}

// sinkFunc adapts a function to the Sink interface.
type sinkFunc func(channel string, payload []byte)

func (f sinkFunc) Dispatch(channel string, payload []byte) { f(channel, payload) }
