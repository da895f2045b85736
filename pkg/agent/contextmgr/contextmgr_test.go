package contextmgr

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/ent/message"
	"github.com/kortix-ai/agentpress/pkg/llm"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// fakeStore serves a fixed message list and records created messages.
type fakeStore struct {
	messages []*ent.Message
	created  []models.CreateMessageRequest
}

func (s *fakeStore) GetLLMVisibleMessages(_ context.Context, _ string) ([]*ent.Message, error) {
	return s.messages, nil
}

func (s *fakeStore) CreateMessage(_ context.Context, req models.CreateMessageRequest) (*ent.Message, error) {
	s.created = append(s.created, req)
	return &ent.Message{ID: "new", ThreadID: req.ThreadID, Kind: req.Kind, Content: req.Content}, nil
}

// fakeLLM streams a canned response and records the inputs it saw.
type fakeLLM struct {
	response string
	inputs   []*llm.GenerateInput
}

func (f *fakeLLM) Generate(_ context.Context, input *llm.GenerateInput) (<-chan llm.Chunk, error) {
	f.inputs = append(f.inputs, input)
	ch := make(chan llm.Chunk, 2)
	ch <- llm.TextChunk{Content: f.response}
	ch <- llm.FinishChunk{Reason: "stop"}
	close(ch)
	return ch, nil
}

func (f *fakeLLM) Close() error { return nil }

func msg(id string, kind message.Kind, content string, at time.Time) *ent.Message {
	return &ent.Message{
		ID:           id,
		ThreadID:     "t1",
		Kind:         kind,
		Content:      content,
		IsLlmVisible: true,
		CreatedAt:    at,
	}
}

func newTestManager(store *fakeStore, client *fakeLLM) *Manager {
	return NewManager(store, client, NewTokenCounter("gpt-4o"), slog.Default())
}

func TestEffectiveMessages_NoSummaryReturnsAll(t *testing.T) {
	base := time.Now()
	store := &fakeStore{messages: []*ent.Message{
		msg("m1", message.KindSystem, "be helpful", base),
		msg("m2", message.KindUser, "hi", base.Add(time.Second)),
		msg("m3", message.KindAssistant, "hello", base.Add(2*time.Second)),
	}}
	m := newTestManager(store, &fakeLLM{})

	effective, err := m.EffectiveMessages(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, effective, 3)
	assert.Equal(t, "m1", effective[0].ID)
}

func TestEffectiveMessages_SummaryCheckpointHidesOlder(t *testing.T) {
	base := time.Now()
	store := &fakeStore{messages: []*ent.Message{
		msg("m1", message.KindUser, "old question", base),
		msg("m2", message.KindAssistant, "old answer", base.Add(time.Second)),
		msg("s1", message.KindSummary, "they discussed things", base.Add(2*time.Second)),
		msg("m3", message.KindUser, "new question", base.Add(3*time.Second)),
	}}
	m := newTestManager(store, &fakeLLM{})

	effective, err := m.EffectiveMessages(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, effective, 2)
	assert.Equal(t, "s1", effective[0].ID)
	assert.Equal(t, "m3", effective[1].ID)
}

func TestEffectiveMessages_NewestSummaryWins(t *testing.T) {
	base := time.Now()
	store := &fakeStore{messages: []*ent.Message{
		msg("s1", message.KindSummary, "first summary", base),
		msg("m1", message.KindUser, "q", base.Add(time.Second)),
		msg("s2", message.KindSummary, "second summary", base.Add(2*time.Second)),
	}}
	m := newTestManager(store, &fakeLLM{})

	effective, err := m.EffectiveMessages(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, effective, 1)
	assert.Equal(t, "s2", effective[0].ID)
}

func TestMaybeSummarize_BelowThresholdReturnsFalse(t *testing.T) {
	base := time.Now()
	client := &fakeLLM{response: "unused"}
	store := &fakeStore{messages: []*ent.Message{
		msg("m1", message.KindUser, "a", base),
		msg("m2", message.KindAssistant, "b", base.Add(time.Second)),
		msg("m3", message.KindUser, "c", base.Add(2*time.Second)),
	}}
	m := newTestManager(store, client)

	created, err := m.MaybeSummarize(context.Background(), "t1", 100000, "gpt-4o")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, client.inputs)
	assert.Empty(t, store.created)
}

func TestMaybeSummarize_TooFewMessagesReturnsFalse(t *testing.T) {
	base := time.Now()
	client := &fakeLLM{response: "unused"}
	store := &fakeStore{messages: []*ent.Message{
		msg("m1", message.KindUser, strings.Repeat("long text ", 500), base),
		msg("m2", message.KindAssistant, "b", base.Add(time.Second)),
	}}
	m := newTestManager(store, client)

	created, err := m.MaybeSummarize(context.Background(), "t1", 10, "gpt-4o")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, client.inputs)
}

func TestMaybeSummarize_ZeroThresholdDisabled(t *testing.T) {
	m := newTestManager(&fakeStore{}, &fakeLLM{})

	created, err := m.MaybeSummarize(context.Background(), "t1", 0, "gpt-4o")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMaybeSummarize_CreatesSummaryWithCoversUntil(t *testing.T) {
	base := time.Now()
	newest := base.Add(3 * time.Second)
	client := &fakeLLM{response: "They built the parser and fixed two bugs."}
	store := &fakeStore{messages: []*ent.Message{
		msg("m1", message.KindUser, strings.Repeat("context ", 200), base),
		msg("m2", message.KindAssistant, strings.Repeat("reply ", 200), base.Add(time.Second)),
		msg("m3", message.KindUser, strings.Repeat("more ", 200), base.Add(2*time.Second)),
		msg("m4", message.KindAssistant, "done", newest),
	}}
	m := newTestManager(store, client)

	created, err := m.MaybeSummarize(context.Background(), "t1", 50, "gpt-4o")
	require.NoError(t, err)
	assert.True(t, created)

	require.Len(t, store.created, 1)
	req := store.created[0]
	assert.Equal(t, message.KindSummary, req.Kind)
	assert.Equal(t, "They built the parser and fixed two bugs.", req.Content)
	require.NotNil(t, req.CoversUntil)
	assert.True(t, req.CoversUntil.Equal(newest))

	// The summarization call carries its own system prompt and the thread
	// contents, and uses the run's model.
	require.Len(t, client.inputs, 1)
	input := client.inputs[0]
	assert.Equal(t, "gpt-4o", input.Model)
	assert.Equal(t, "system", input.Messages[0].Role)
	assert.Contains(t, input.Messages[0].Content, "summarizer")
}

func TestMaybeSummarize_CountsMessagesAfterPreviousSummary(t *testing.T) {
	base := time.Now()
	client := &fakeLLM{response: "combined summary"}
	store := &fakeStore{messages: []*ent.Message{
		msg("old", message.KindUser, "hidden by checkpoint", base),
		msg("s1", message.KindSummary, "earlier summary", base.Add(time.Second)),
		msg("m1", message.KindUser, "a", base.Add(2*time.Second)),
		msg("m2", message.KindAssistant, "b", base.Add(3*time.Second)),
	}}
	m := newTestManager(store, client)

	// Only two messages follow the checkpoint, so nothing is compacted
	// even though the total is over threshold.
	created, err := m.MaybeSummarize(context.Background(), "t1", 1, "gpt-4o")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestConversation_MapsKindsToRoles(t *testing.T) {
	callID := "call-1"
	toolName := "create_file"
	base := time.Now()

	assistant := msg("m2", message.KindAssistant, "making the file", base)
	assistant.ToolCalls = []map[string]interface{}{
		{"id": "call-1", "name": "create_file", "arguments": `{"file_path":"a.txt"}`},
	}
	toolResult := msg("m3", message.KindToolResult, "created", base)
	toolResult.ToolCallID = &callID
	toolResult.ToolName = &toolName

	conv := Conversation([]*ent.Message{
		msg("m0", message.KindSystem, "rules", base),
		msg("m1", message.KindUser, "make a file", base),
		assistant,
		toolResult,
		msg("m4", message.KindSummary, "summary text", base),
	})

	require.Len(t, conv, 5)
	assert.Equal(t, "system", conv[0].Role)
	assert.Equal(t, "user", conv[1].Role)

	assert.Equal(t, "assistant", conv[2].Role)
	require.Len(t, conv[2].ToolCalls, 1)
	assert.Equal(t, "call-1", conv[2].ToolCalls[0].ID)
	assert.Equal(t, `{"file_path":"a.txt"}`, conv[2].ToolCalls[0].Arguments)

	assert.Equal(t, "tool", conv[3].Role)
	assert.Equal(t, "call-1", conv[3].ToolCallID)
	assert.Equal(t, "create_file", conv[3].ToolName)

	assert.Equal(t, "assistant", conv[4].Role)
}

func TestTokenCounter_FallbackEstimate(t *testing.T) {
	c := &TokenCounter{}

	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 2, c.Count("abcdefg "))
	assert.Equal(t, perMessageOverhead+3, c.CountMessage("hello world!"))
}
