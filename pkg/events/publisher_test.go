package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildNotifyPayload(t *testing.T) {
	p := &RunPublisher{runID: "run-1"}

	t.Run("passes through normal payload", func(t *testing.T) {
		payloadJSON, _ := json.Marshal(ContentDeltaPayload{
			Iteration: 1,
			Content:   "hello",
		})

		result, err := p.buildNotifyPayload(3, EventTypeContentDelta, payloadJSON, time.Now())
		require.NoError(t, err)

		var evt Event
		require.NoError(t, json.Unmarshal([]byte(result), &evt))
		assert.Equal(t, "run-1", evt.RunID)
		assert.Equal(t, int64(3), evt.Seq)
		assert.Equal(t, EventTypeContentDelta, evt.Type)
		assert.Equal(t, "hello", evt.Payload["content"])
		assert.False(t, evt.Truncated)
	})

	t.Run("replaces oversized payload with truncation envelope", func(t *testing.T) {
		payloadJSON, _ := json.Marshal(ToolResultPayload{
			CallID: "call-1",
			Name:   "read_file",
			Output: strings.Repeat("x", 8000),
		})

		result, err := p.buildNotifyPayload(7, EventTypeToolResult, payloadJSON, time.Now())
		require.NoError(t, err)
		assert.Less(t, len(result), notifyLimit)

		var evt Event
		require.NoError(t, json.Unmarshal([]byte(result), &evt))
		assert.True(t, evt.Truncated)
		assert.Equal(t, int64(7), evt.Seq)
		assert.Equal(t, EventTypeToolResult, evt.Type)
		assert.Nil(t, evt.Payload, "truncated envelope carries no payload")
		assert.NotContains(t, result, "xxxx")
	})

	t.Run("boundary: payload just under the limit passes through", func(t *testing.T) {
		// Measure the envelope overhead with an empty payload, then fill
		// to just under the limit with a 20-byte safety margin.
		base, err := p.buildNotifyPayload(0, EventTypeContentDelta, []byte(`{"content":""}`), time.Now())
		require.NoError(t, err)
		fill := notifyLimit - len(base) - 20

		payloadJSON, _ := json.Marshal(ContentDeltaPayload{Content: strings.Repeat("b", fill)})
		result, err := p.buildNotifyPayload(0, EventTypeContentDelta, payloadJSON, time.Now())
		require.NoError(t, err)
		assert.NotContains(t, result, "truncated")
	})

	t.Run("rejects non-object payload", func(t *testing.T) {
		_, err := p.buildNotifyPayload(0, EventTypeStatus, []byte(`not json`), time.Now())
		assert.Error(t, err)
	})
}

func TestEventEnvelope_PingShape(t *testing.T) {
	envelope, err := json.Marshal(Event{
		RunID:     "run-9",
		Seq:       -1,
		Type:      EventTypePing,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	var evt Event
	require.NoError(t, json.Unmarshal(envelope, &evt))
	assert.Equal(t, int64(-1), evt.Seq, "pings are never sequenced")
	assert.Equal(t, EventTypePing, evt.Type)
}
