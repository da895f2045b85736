package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/ent/agentrun"
	"github.com/kortix-ai/agentpress/ent/message"
	"github.com/kortix-ai/agentpress/pkg/agent"
	"github.com/kortix-ai/agentpress/pkg/events"
	"github.com/kortix-ai/agentpress/pkg/llm"
	"github.com/kortix-ai/agentpress/pkg/models"
	"github.com/kortix-ai/agentpress/pkg/runs"
	"github.com/kortix-ai/agentpress/pkg/tools"
)

type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type eventRecord struct {
	Type    string
	Payload any
}

type memPublisher struct {
	mu     sync.Mutex
	events []eventRecord
}

func (p *memPublisher) Publish(_ context.Context, eventType string, payload any) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventRecord{Type: eventType, Payload: payload})
	return int64(len(p.events) - 1), nil
}

func (p *memPublisher) all() []eventRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eventRecord(nil), p.events...)
}

func (p *memPublisher) types() []string {
	var out []string
	for _, e := range p.all() {
		out = append(out, e.Type)
	}
	return out
}

func (p *memPublisher) count(eventType string) int {
	n := 0
	for _, e := range p.all() {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// ofType returns the payloads of every event of the given type.
func (p *memPublisher) ofType(eventType string) []any {
	var out []any
	for _, e := range p.all() {
		if e.Type == eventType {
			out = append(out, e.Payload)
		}
	}
	return out
}

type memMessages struct {
	mu   sync.Mutex
	reqs []models.CreateMessageRequest
}

func (m *memMessages) CreateMessage(_ context.Context, req models.CreateMessageRequest) (*ent.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	return &ent.Message{ID: uuid.NewString(), ThreadID: req.ThreadID, Kind: req.Kind, Content: req.Content}, nil
}

func (m *memMessages) byKind(kind message.Kind) []models.CreateMessageRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CreateMessageRequest
	for _, r := range m.reqs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

type stubContext struct {
	msgs      []*ent.Message
	summarize bool
	log       *opLog
}

func (s *stubContext) EffectiveMessages(context.Context, string) ([]*ent.Message, error) {
	return s.msgs, nil
}

func (s *stubContext) MaybeSummarize(context.Context, string, int, string) (bool, error) {
	if s.log != nil {
		s.log.add("summarize")
	}
	did := s.summarize
	s.summarize = false
	return did, nil
}

type memRunStore struct {
	mu     sync.Mutex
	status agentrun.Status
	errMsg string
	calls  int
}

func (s *memRunStore) CompleteRun(_ context.Context, _ string, status agentrun.Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.errMsg = errMsg
	s.calls++
	return nil
}

func (s *memRunStore) state() (agentrun.Status, string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.errMsg, s.calls
}

// scriptedLLM streams one pre-built chunk script per Generate call. With
// holdLast set, the final script never closes its channel until the
// stream context is canceled, simulating a stalled provider.
type scriptedLLM struct {
	mu       sync.Mutex
	scripts  [][]llm.Chunk
	inputs   []*llm.GenerateInput
	holdLast bool
	log      *opLog
}

func (l *scriptedLLM) Generate(ctx context.Context, input *llm.GenerateInput) (<-chan llm.Chunk, error) {
	l.mu.Lock()
	if len(l.scripts) == 0 {
		l.mu.Unlock()
		return nil, fmt.Errorf("no script for call %d", len(l.inputs)+1)
	}
	script := l.scripts[0]
	l.scripts = l.scripts[1:]
	last := len(l.scripts) == 0
	l.inputs = append(l.inputs, input)
	l.mu.Unlock()
	if l.log != nil {
		l.log.add("generate")
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range script {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if l.holdLast && last {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (l *scriptedLLM) Close() error { return nil }

func (l *scriptedLLM) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inputs)
}

type fakeClock struct {
	fire chan time.Time
}

func (c *fakeClock) Now() time.Time                       { return time.Now() }
func (c *fakeClock) After(time.Duration) <-chan time.Time { return c.fire }

func testTools(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Definition{
		Name:        "echo",
		Description: "echoes its input",
		Params: []tools.Param{
			{Name: "text", Type: "string", Required: true},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}))
	require.NoError(t, reg.Register(tools.Definition{
		Name:        "sleep_echo",
		Description: "echoes after a delay",
		Params: []tools.Param{
			{Name: "text", Type: "string", Required: true},
			{Name: "ms", Type: "integer", Required: true},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			time.Sleep(time.Duration(args["ms"].(int64)) * time.Millisecond)
			return args["text"].(string), nil
		},
	}))
	require.NoError(t, reg.Register(tools.Definition{
		Name:        "idle",
		Description: "signals the task is finished",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "idle", nil
		},
	}))
	require.NoError(t, reg.Register(tools.Definition{
		Name:        "create_file",
		Description: "writes a file",
		Params: []tools.Param{
			{Name: "file_path", Type: "string", Required: true},
			{Name: "file_contents", Type: "string", Required: true},
		},
		XMLTag: &tools.XMLTagSpec{
			TagName: "create-file",
			Mappings: []tools.XMLMapping{
				{Param: "file_path", Source: tools.XMLSourceAttribute, Node: "file_path"},
				{Param: "file_contents", Source: tools.XMLSourceContent},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return "wrote " + args["file_path"].(string), nil
		},
	}))
	return reg
}

type harness struct {
	orch      *Orchestrator
	publisher *memPublisher
	messages  *memMessages
	runStore  *memRunStore
	llm       *scriptedLLM
	contexts  *stubContext
	clock     *fakeClock
	signal    *runs.StopSignal
	log       *opLog
}

func newHarness(t *testing.T, scripts [][]llm.Chunk) *harness {
	t.Helper()
	h := &harness{
		publisher: &memPublisher{},
		messages:  &memMessages{},
		runStore:  &memRunStore{},
		clock:     &fakeClock{fire: make(chan time.Time)},
		signal:    runs.NewStopSignal(),
		log:       &opLog{},
	}
	h.llm = &scriptedLLM{scripts: scripts, log: h.log}
	h.contexts = &stubContext{log: h.log}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.orch = New(h.messages, h.contexts, h.runStore, h.llm, testTools(t), h.clock, logger)
	return h
}

func (h *harness) execute(cfg agent.RunConfig) {
	h.orch.Execute(context.Background(), Params{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		Config:    cfg,
		Publisher: h.publisher,
		Signal:    h.signal,
	})
}

func (h *harness) executeAsync(cfg agent.RunConfig) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.execute(cfg)
	}()
	return done
}

func text(s string) llm.Chunk { return llm.TextChunk{Content: s} }

func nativeCall(index int, id, name, args string) llm.Chunk {
	return llm.ToolCallChunk{Index: index, ID: id, Name: name, ArgumentsDelta: args}
}

func finish(reason string) llm.Chunk { return llm.FinishChunk{Reason: reason} }

func TestOrchestrator_NativeSingleToolTurn(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{
			text("Let me check that. "),
			nativeCall(0, "call-1", "echo", `{"text":"hello"}`),
			finish("tool_calls"),
		},
		{
			text("All done."),
			finish("stop"),
		},
	})

	h.execute(agent.RunConfig{Model: "gpt-test"})

	status, errMsg, _ := h.runStore.state()
	assert.Equal(t, agentrun.StatusCompleted, status)
	assert.Empty(t, errMsg)
	assert.Equal(t, 2, h.llm.callCount())

	assert.Equal(t, []string{
		"status",               // run-start
		"status",               // iteration-start 1
		"content_delta",
		"tool_call_started",
		"tool_call_args_delta",
		"tool_call_complete",
		"tool_result",
		"status",               // iteration-end 1
		"status",               // iteration-start 2
		"content_delta",
		"status",               // iteration-end 2
		"end",
	}, h.publisher.types())

	results := h.publisher.ofType(events.EventTypeToolResult)
	require.Len(t, results, 1)
	payload := results[0].(events.ToolResultPayload)
	assert.Equal(t, "call-1", payload.CallID)
	assert.True(t, payload.Success)
	assert.Equal(t, "hello", payload.Output)

	assistants := h.messages.byKind(message.KindAssistant)
	require.Len(t, assistants, 2)
	require.Len(t, assistants[0].ToolCalls, 1)
	assert.Equal(t, "call-1", assistants[0].ToolCalls[0]["id"])
	toolResults := h.messages.byKind(message.KindToolResult)
	require.Len(t, toolResults, 1)
	assert.Equal(t, "hello", toolResults[0].Content)
	assert.Equal(t, "call-1", toolResults[0].ToolCallID)
}

func TestOrchestrator_XMLSingleToolTurn(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{
			text(`Creating the file now. <create-file file_path="hello.py">print("hi")</create-file>`),
			finish("stop"),
		},
		{
			text("File created."),
			finish("stop"),
		},
	})

	h.execute(agent.RunConfig{Model: "gpt-test", ToolMode: agent.ToolModeXML})

	status, _, _ := h.runStore.state()
	assert.Equal(t, agentrun.StatusCompleted, status)

	// XML mode sends no native tool definitions to the provider.
	assert.Nil(t, h.llm.inputs[0].Tools)

	completes := h.publisher.ofType(events.EventTypeToolCallComplete)
	require.Len(t, completes, 1)
	complete := completes[0].(events.ToolCallCompletePayload)
	assert.Equal(t, "run-1-1-0", complete.CallID)
	assert.Equal(t, "create_file", complete.Name)
	assert.Equal(t, "xml", complete.Origin)

	results := h.publisher.ofType(events.EventTypeToolResult)
	require.Len(t, results, 1)
	result := results[0].(events.ToolResultPayload)
	assert.Equal(t, "run-1-1-0", result.CallID)
	assert.True(t, result.Success)
	assert.Equal(t, "wrote hello.py", result.Output)
}

func TestOrchestrator_StopBeforeFirstChunk(t *testing.T) {
	h := newHarness(t, nil)
	h.signal.Stop("user requested")

	h.execute(agent.RunConfig{Model: "gpt-test"})

	status, _, _ := h.runStore.state()
	assert.Equal(t, agentrun.StatusStopped, status)
	assert.Equal(t, 0, h.llm.callCount())

	recorded := h.publisher.all()
	require.Len(t, recorded, 2)
	assert.Equal(t, events.EventTypeStatus, recorded[0].Type)
	assert.Equal(t, events.StatusRunStart, recorded[0].Payload.(events.StatusPayload).Status)
	assert.Equal(t, events.EventTypeEnd, recorded[1].Type)
	assert.Equal(t, "stopped", recorded[1].Payload.(events.EndPayload).Status)
}

func TestOrchestrator_StopMidStream(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{
			text("Working on it"),
			text(" step by step"),
			nativeCall(0, "call-1", "echo", `{"text":"pending"}`),
			// channel then stalls until the stream is canceled
		},
	})
	h.llm.holdLast = true

	done := h.executeAsync(agent.RunConfig{Model: "gpt-test"})

	require.Eventually(t, func() bool {
		return h.publisher.count(events.EventTypeToolCallComplete) == 1
	}, time.Second, 5*time.Millisecond)

	h.signal.Stop("user requested")
	<-done

	status, _, _ := h.runStore.state()
	assert.Equal(t, agentrun.StatusStopped, status)

	// The parsed-but-unexecuted call settles as a synthetic failure.
	results := h.publisher.ofType(events.EventTypeToolResult)
	require.Len(t, results, 1)
	result := results[0].(events.ToolResultPayload)
	assert.Equal(t, "call-1", result.CallID)
	assert.False(t, result.Success)
	assert.Equal(t, "interrupted", result.Output)

	recorded := h.publisher.all()
	assert.Equal(t, events.EventTypeEnd, recorded[len(recorded)-1].Type)
	assert.Equal(t, "stopped", recorded[len(recorded)-1].Payload.(events.EndPayload).Status)

	toolResults := h.messages.byKind(message.KindToolResult)
	require.Len(t, toolResults, 1)
	assert.Equal(t, "interrupted", toolResults[0].Content)
}

func TestOrchestrator_ParallelCompletionOrder(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{
			nativeCall(0, "call-a", "sleep_echo", `{"text":"A","ms":60}`),
			nativeCall(1, "call-b", "sleep_echo", `{"text":"B","ms":10}`),
			nativeCall(2, "call-c", "sleep_echo", `{"text":"C","ms":30}`),
			finish("tool_calls"),
		},
		{
			text("done"),
			finish("stop"),
		},
	})

	h.execute(agent.RunConfig{Model: "gpt-test", ParallelTools: true})

	status, _, _ := h.runStore.state()
	assert.Equal(t, agentrun.StatusCompleted, status)

	var order []string
	for _, payload := range h.publisher.ofType(events.EventTypeToolResult) {
		order = append(order, payload.(events.ToolResultPayload).CallID)
	}
	assert.Equal(t, []string{"call-b", "call-c", "call-a"}, order)

	// Messages preserve the same completion order.
	var msgOrder []string
	for _, req := range h.messages.byKind(message.KindToolResult) {
		msgOrder = append(msgOrder, req.ToolCallID)
	}
	assert.Equal(t, []string{"call-b", "call-c", "call-a"}, msgOrder)
}

func TestOrchestrator_SummarizationBeforeLLMCall(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{text("short answer"), finish("stop")},
	})
	h.contexts.summarize = true

	h.execute(agent.RunConfig{Model: "gpt-test", SummaryThresholdTokens: 100})

	ops := h.log.snapshot()
	require.Equal(t, []string{"summarize", "generate"}, ops)
}

func TestOrchestrator_MaxIterationsCompletes(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{
			nativeCall(0, "call-1", "echo", `{"text":"more work"}`),
			finish("tool_calls"),
		},
	})

	h.execute(agent.RunConfig{Model: "gpt-test", MaxIterations: 1})

	status, _, _ := h.runStore.state()
	assert.Equal(t, agentrun.StatusCompleted, status)
	assert.Equal(t, 1, h.llm.callCount())
	assert.Equal(t, 1, h.publisher.count(events.EventTypeToolResult))
}

func TestOrchestrator_TerminalToolEndsRun(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{
			text("Task finished."),
			nativeCall(0, "call-1", "idle", `{}`),
			finish("tool_calls"),
		},
	})

	h.execute(agent.RunConfig{Model: "gpt-test"})

	status, _, _ := h.runStore.state()
	assert.Equal(t, agentrun.StatusCompleted, status)
	assert.Equal(t, 1, h.llm.callCount())
}

func TestOrchestrator_EmptyAssistantTurnCompletes(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{finish("stop")},
	})

	h.execute(agent.RunConfig{Model: "gpt-test"})

	status, _, _ := h.runStore.state()
	assert.Equal(t, agentrun.StatusCompleted, status)
	assert.Empty(t, h.messages.byKind(message.KindAssistant))
	recorded := h.publisher.all()
	assert.Equal(t, events.EventTypeEnd, recorded[len(recorded)-1].Type)
}

func TestOrchestrator_ProviderErrorFailsRun(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{
			text("partial"),
			llm.ErrorChunk{Message: "rate limited", Code: "429"},
		},
	})

	h.execute(agent.RunConfig{Model: "gpt-test"})

	status, errMsg, _ := h.runStore.state()
	assert.Equal(t, agentrun.StatusFailed, status)
	assert.Contains(t, errMsg, "rate limited")

	recorded := h.publisher.all()
	require.GreaterOrEqual(t, len(recorded), 2)
	assert.Equal(t, events.EventTypeError, recorded[len(recorded)-2].Type)
	assert.Equal(t, events.EventTypeEnd, recorded[len(recorded)-1].Type)
	assert.Equal(t, "failed", recorded[len(recorded)-1].Payload.(events.EndPayload).Status)
}

func TestOrchestrator_MalformedCallRecoversAndContinues(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{
			nativeCall(0, "call-1", "echo", `{"text": not json`),
			finish("tool_calls"),
		},
		{
			text("Sorry, let me rephrase."),
			finish("stop"),
		},
	})

	h.execute(agent.RunConfig{Model: "gpt-test"})

	status, _, _ := h.runStore.state()
	assert.Equal(t, agentrun.StatusCompleted, status)
	// Bad arguments are a local failure: the run gets a failed
	// tool_result and a second iteration, not a terminal error.
	assert.Equal(t, 2, h.llm.callCount())
	assert.Zero(t, h.publisher.count(events.EventTypeError))

	results := h.publisher.ofType(events.EventTypeToolResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].(events.ToolResultPayload).Success)
}

func TestOrchestrator_IterationTimeoutStopsRun(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{text("thinking")},
	})
	h.llm.holdLast = true

	done := h.executeAsync(agent.RunConfig{Model: "gpt-test", IterationTimeout: time.Minute})

	require.Eventually(t, func() bool {
		return h.publisher.count(events.EventTypeContentDelta) == 1
	}, time.Second, 5*time.Millisecond)

	h.clock.fire <- time.Now()
	<-done

	status, _, _ := h.runStore.state()
	assert.Equal(t, agentrun.StatusStopped, status)
	assert.True(t, h.signal.Stopped())
	assert.Equal(t, "timeout", h.signal.Reason())
}

func TestOrchestrator_EphemeralStateIsPromptOnly(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{text("ok"), finish("stop")},
	})

	h.execute(agent.RunConfig{Model: "gpt-test", EphemeralState: "cwd: /srv/app"})

	require.Equal(t, 1, h.llm.callCount())
	msgs := h.llm.inputs[0].Messages
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "cwd: /srv/app", last.Content)

	// The injected turn never reaches the message log.
	for _, req := range h.messages.reqs {
		assert.NotEqual(t, "cwd: /srv/app", req.Content)
	}
}

func TestOrchestrator_SystemPromptLeadsConversation(t *testing.T) {
	h := newHarness(t, [][]llm.Chunk{
		{text("ok"), finish("stop")},
	})
	h.contexts.msgs = []*ent.Message{
		{Kind: message.KindUser, Content: "hi", IsLlmVisible: true},
	}

	h.execute(agent.RunConfig{Model: "gpt-test", SystemPrompt: "You are terse."})

	require.Equal(t, 1, h.llm.callCount())
	msgs := h.llm.inputs[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "You are terse.", msgs[0].Content)
	assert.Equal(t, "user", msgs[1].Role)
}
