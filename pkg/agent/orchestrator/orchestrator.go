// Package orchestrator drives one agent run to completion: the
// iteration loop of LLM call, stream parsing, tool execution, and
// message persistence, with cooperative STOP checked at every
// suspension boundary. All collaborators are injected, so the loop runs
// identically against production services and in-memory fakes.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/ent/agentrun"
	"github.com/kortix-ai/agentpress/ent/message"
	"github.com/kortix-ai/agentpress/pkg/agent"
	"github.com/kortix-ai/agentpress/pkg/agent/contextmgr"
	"github.com/kortix-ai/agentpress/pkg/agent/parser"
	"github.com/kortix-ai/agentpress/pkg/agent/scheduler"
	"github.com/kortix-ai/agentpress/pkg/events"
	"github.com/kortix-ai/agentpress/pkg/llm"
	"github.com/kortix-ai/agentpress/pkg/models"
	"github.com/kortix-ai/agentpress/pkg/runs"
	"github.com/kortix-ai/agentpress/pkg/tools"
)

// EventPublisher is the run's sequenced event sink.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any) (int64, error)
}

// MessageStore appends messages to the run's thread.
type MessageStore interface {
	CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*ent.Message, error)
}

// ContextManager selects prompt messages and compacts long threads.
type ContextManager interface {
	EffectiveMessages(ctx context.Context, threadID string) ([]*ent.Message, error)
	MaybeSummarize(ctx context.Context, threadID string, threshold int, model string) (bool, error)
}

// RunStateStore records the run's terminal status.
type RunStateStore interface {
	CompleteRun(ctx context.Context, runID string, status agentrun.Status, errMsg string) error
}

// Clock abstracts time for iteration deadlines.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Orchestrator executes runs. One instance serves all runs; per-run
// state lives in Execute's frame.
type Orchestrator struct {
	messages MessageStore
	contexts ContextManager
	runsRepo RunStateStore
	llm      llm.Client
	tools    *tools.Registry
	clock    Clock
	logger   *slog.Logger
}

func New(messages MessageStore, contexts ContextManager, runsRepo RunStateStore, llmClient llm.Client, registry *tools.Registry, clock Clock, logger *slog.Logger) *Orchestrator {
	if clock == nil {
		clock = realClock{}
	}
	return &Orchestrator{
		messages: messages,
		contexts: contexts,
		runsRepo: runsRepo,
		llm:      llmClient,
		tools:    registry,
		clock:    clock,
		logger:   logger.With("component", "orchestrator"),
	}
}

// Params identifies one run and its collaborators.
type Params struct {
	RunID     string
	ThreadID  string
	Config    agent.RunConfig
	Publisher EventPublisher
	Signal    *runs.StopSignal
}

// Execute runs the iteration loop until a terminal condition and always
// leaves the run in a terminal status with a published end event.
func (o *Orchestrator) Execute(ctx context.Context, p Params) {
	cfg := p.Config.Normalize()
	logger := o.logger.With("run_id", p.RunID, "thread_id", p.ThreadID)
	logger.Info("run started",
		"model", cfg.Model,
		"tool_mode", cfg.ToolMode,
		"max_iterations", cfg.MaxIterations)

	reporter := &runReporter{publisher: p.Publisher}
	sched := scheduler.New(scheduler.Config{
		Registry: o.tools,
		Reporter: reporter,
		Logger:   logger,
		Parallel: cfg.ParallelTools,
	})

	if _, err := p.Publisher.Publish(ctx, events.EventTypeStatus, events.StatusPayload{Status: events.StatusRunStart}); err != nil {
		o.fail(ctx, p, fmt.Errorf("failed to publish run-start: %w", err), logger)
		return
	}

	// A STOP that arrives before the first chunk ends the run with just
	// the run-start status and the end event.
	if p.Signal.Stopped() {
		o.finish(ctx, p, agentrun.StatusStopped, "", logger)
		return
	}

	for iteration := 1; ; iteration++ {
		outcome, err := o.runIteration(ctx, p, cfg, iteration, sched, reporter, logger)
		if err != nil {
			o.fail(ctx, p, err, logger)
			return
		}

		switch {
		case p.Signal.Stopped():
			o.finish(ctx, p, agentrun.StatusStopped, "", logger)
			return
		case iteration >= cfg.MaxIterations:
			o.finish(ctx, p, agentrun.StatusCompleted, "", logger)
			return
		case outcome.sawTerminal:
			o.finish(ctx, p, agentrun.StatusCompleted, "", logger)
			return
		case outcome.callCount == 0:
			o.finish(ctx, p, agentrun.StatusCompleted, "", logger)
			return
		}
	}
}

// iterationState accumulates what one LLM stream produced.
type iterationState struct {
	text        string
	calls       []agent.ToolCall // completed, executable calls in stream order
	pending     []agent.ToolCall // not yet submitted (at-end policy)
	callCount   int              // every complete event, malformed included
	sawTerminal bool
	stopped     bool
}

type iterationOutcome struct {
	callCount   int
	sawTerminal bool
}

func (o *Orchestrator) runIteration(ctx context.Context, p Params, cfg agent.RunConfig, iteration int, sched *scheduler.Scheduler, reporter *runReporter, logger *slog.Logger) (iterationOutcome, error) {
	reporter.setIteration(iteration)

	if _, err := p.Publisher.Publish(ctx, events.EventTypeStatus, events.StatusPayload{
		Status:    events.StatusIterationStart,
		Iteration: iteration,
	}); err != nil {
		return iterationOutcome{}, fmt.Errorf("failed to publish iteration-start: %w", err)
	}
	if err := o.appendStatusMessage(ctx, p, events.StatusIterationStart, iteration); err != nil {
		return iterationOutcome{}, err
	}

	// Compaction happens before the prompt is assembled so this
	// iteration already benefits from the new checkpoint.
	if _, err := o.contexts.MaybeSummarize(ctx, p.ThreadID, cfg.SummaryThresholdTokens, cfg.Model); err != nil {
		logger.Warn("summarization skipped", "iteration", iteration, "error", err)
	}

	effective, err := o.contexts.EffectiveMessages(ctx, p.ThreadID)
	if err != nil {
		return iterationOutcome{}, err
	}

	input := &llm.GenerateInput{
		RunID:       p.RunID,
		ThreadID:    p.ThreadID,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Messages:    o.assemblePrompt(cfg, effective),
		StopTokens:  cfg.StopTokens,
	}
	parserCfg := parser.Config{
		Mode:      cfg.ToolMode,
		RunID:     p.RunID,
		Iteration: iteration,
	}
	if cfg.ToolMode == agent.ToolModeXML {
		parserCfg.Tags = o.tools.XMLTags()
	} else {
		input.Tools = o.tools.NativeDefinitions()
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	stream, err := o.llm.Generate(streamCtx, input)
	if err != nil {
		return iterationOutcome{}, fmt.Errorf("LLM call failed: %w", err)
	}

	var deadline <-chan time.Time
	if cfg.IterationTimeout > 0 {
		deadline = o.clock.After(cfg.IterationTimeout)
	}

	par := parser.New(parserCfg)
	state := &iterationState{}

receive:
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				break receive
			}
			switch c := chunk.(type) {
			case llm.ErrorChunk:
				return iterationOutcome{}, fmt.Errorf("provider error: %s", c.Message)
			case llm.UsageChunk:
				logger.Debug("llm usage",
					"iteration", iteration,
					"input_tokens", c.InputTokens,
					"output_tokens", c.OutputTokens)
				continue
			}
			if err := o.handleParserEvents(ctx, p, cfg, iteration, par.Feed(chunk), state, sched); err != nil {
				return iterationOutcome{}, err
			}
		case <-p.Signal.Done():
			// Abort the upstream stream; unpublished chunks are dropped.
			cancelStream()
			state.stopped = true
			break receive
		case <-deadline:
			p.Signal.Stop("timeout")
			cancelStream()
			state.stopped = true
			break receive
		}
	}

	if !state.stopped {
		if err := o.handleParserEvents(ctx, p, cfg, iteration, par.Flush(), state, sched); err != nil {
			return iterationOutcome{}, err
		}
	}

	// Dispatch deferred calls, honoring STOP between dispatches. Calls
	// parsed but never executed settle as failed with "interrupted".
	for _, call := range state.pending {
		if p.Signal.Stopped() {
			sched.Fail(ctx, call, "interrupted")
			continue
		}
		sched.Submit(ctx, call)
	}

	results, err := sched.AwaitAll(ctx)
	if err != nil {
		return iterationOutcome{}, fmt.Errorf("tool execution interrupted: %w", err)
	}
	logger.Debug("iteration tools settled", "iteration", iteration, "count", len(results))

	if err := o.persistIteration(ctx, p, iteration, state, reporter.takeCompleted()); err != nil {
		return iterationOutcome{}, err
	}

	// An interrupted iteration skips the iteration-end marker; the end
	// event is the next thing subscribers see.
	if !state.stopped {
		if err := o.appendStatusMessage(ctx, p, events.StatusIterationEnd, iteration); err != nil {
			return iterationOutcome{}, err
		}
		if _, err := p.Publisher.Publish(ctx, events.EventTypeStatus, events.StatusPayload{
			Status:    events.StatusIterationEnd,
			Iteration: iteration,
		}); err != nil {
			return iterationOutcome{}, fmt.Errorf("failed to publish iteration-end: %w", err)
		}
	}

	return iterationOutcome{callCount: state.callCount, sawTerminal: state.sawTerminal}, nil
}

// assemblePrompt builds the provider conversation: configured system
// prompt first, then the effective thread history, then the ephemeral
// state turn. The state turn exists only in the prompt, never in the
// message log.
func (o *Orchestrator) assemblePrompt(cfg agent.RunConfig, effective []*ent.Message) []llm.ConversationMessage {
	var conv []llm.ConversationMessage
	if cfg.SystemPrompt != "" {
		conv = append(conv, llm.ConversationMessage{Role: "system", Content: cfg.SystemPrompt})
	}
	conv = append(conv, contextmgr.Conversation(effective)...)
	if cfg.EphemeralState != "" {
		conv = append(conv, llm.ConversationMessage{Role: "user", Content: cfg.EphemeralState})
	}
	return conv
}

// handleParserEvents publishes each parser event and routes completed
// calls to the scheduler per the run's execution-timing policy.
func (o *Orchestrator) handleParserEvents(ctx context.Context, p Params, cfg agent.RunConfig, iteration int, evts []parser.Event, state *iterationState, sched *scheduler.Scheduler) error {
	for _, evt := range evts {
		switch evt.Kind {
		case parser.KindContentDelta:
			state.text += evt.Content
			if _, err := p.Publisher.Publish(ctx, events.EventTypeContentDelta, events.ContentDeltaPayload{
				Iteration: iteration,
				Content:   evt.Content,
			}); err != nil {
				return fmt.Errorf("failed to publish content delta: %w", err)
			}

		case parser.KindToolCallStarted:
			if _, err := p.Publisher.Publish(ctx, events.EventTypeToolCallStarted, events.ToolCallStartedPayload{
				Iteration: iteration,
				CallID:    evt.Call.ID,
				Name:      evt.Call.Name,
				Origin:    string(evt.Call.Origin),
				Index:     evt.Call.Index,
			}); err != nil {
				return fmt.Errorf("failed to publish tool call start: %w", err)
			}

		case parser.KindToolCallArgsDelta:
			if _, err := p.Publisher.Publish(ctx, events.EventTypeToolCallArgsDelta, events.ToolCallArgsDeltaPayload{
				Iteration: iteration,
				CallID:    evt.CallID,
				Delta:     evt.ArgsDelta,
			}); err != nil {
				return fmt.Errorf("failed to publish args delta: %w", err)
			}

		case parser.KindToolCallComplete:
			if _, err := p.Publisher.Publish(ctx, events.EventTypeToolCallComplete, events.ToolCallCompletePayload{
				Iteration: iteration,
				CallID:    evt.Call.ID,
				Name:      evt.Call.Name,
				Arguments: evt.Call.Arguments,
				Origin:    string(evt.Call.Origin),
				Index:     evt.Call.Index,
				Failed:    evt.Failed,
				Error:     evt.Error,
			}); err != nil {
				return fmt.Errorf("failed to publish tool call complete: %w", err)
			}

			state.callCount++
			if evt.Failed {
				// Malformed calls settle as failed results, never execute.
				sched.Fail(ctx, evt.Call, evt.Error)
				continue
			}

			state.calls = append(state.calls, evt.Call)
			if cfg.TerminalTool != "" && evt.Call.Name == cfg.TerminalTool {
				state.sawTerminal = true
			}

			if p.Signal.Stopped() {
				sched.Fail(ctx, evt.Call, "interrupted")
				continue
			}
			if cfg.ExecuteOnStream {
				sched.Submit(ctx, evt.Call)
			} else {
				state.pending = append(state.pending, evt.Call)
			}
		}
	}
	return nil
}

// persistIteration appends the assistant message, then one tool_result
// message per settled call in completion order.
func (o *Orchestrator) persistIteration(ctx context.Context, p Params, iteration int, state *iterationState, completed []agent.ToolResult) error {
	if state.text != "" || len(state.calls) > 0 {
		req := models.CreateMessageRequest{
			ThreadID: p.ThreadID,
			Kind:     message.KindAssistant,
			Content:  state.text,
			Metadata: map[string]any{"run_id": p.RunID, "iteration": iteration},
		}
		for _, call := range state.calls {
			req.ToolCalls = append(req.ToolCalls, map[string]interface{}{
				"id":        call.ID,
				"name":      call.Name,
				"arguments": call.RawArguments,
				"origin":    string(call.Origin),
			})
		}
		if _, err := o.messages.CreateMessage(ctx, req); err != nil {
			return fmt.Errorf("failed to append assistant message: %w", err)
		}
	}

	for _, result := range completed {
		success := result.Success
		if _, err := o.messages.CreateMessage(ctx, models.CreateMessageRequest{
			ThreadID:   p.ThreadID,
			Kind:       message.KindToolResult,
			Content:    result.Output,
			ToolCallID: result.CallID,
			ToolName:   result.Name,
			Success:    &success,
			Metadata:   map[string]any{"run_id": p.RunID, "iteration": iteration},
		}); err != nil {
			return fmt.Errorf("failed to append tool result message: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) appendStatusMessage(ctx context.Context, p Params, status string, iteration int) error {
	if _, err := o.messages.CreateMessage(ctx, models.CreateMessageRequest{
		ThreadID: p.ThreadID,
		Kind:     message.KindStatus,
		Content:  status,
		Metadata: map[string]any{"run_id": p.RunID, "iteration": iteration},
	}); err != nil {
		return fmt.Errorf("failed to append status message: %w", err)
	}
	return nil
}

// finish records the terminal status, then publishes the end event so
// subscribers observing end always find the run already terminal.
func (o *Orchestrator) finish(ctx context.Context, p Params, status agentrun.Status, errMsg string, logger *slog.Logger) {
	if err := o.runsRepo.CompleteRun(ctx, p.RunID, status, errMsg); err != nil {
		logger.Error("failed to record terminal status", "status", status, "error", err)
	}
	if _, err := p.Publisher.Publish(ctx, events.EventTypeEnd, events.EndPayload{
		Status: string(status),
		Error:  errMsg,
	}); err != nil {
		logger.Error("failed to publish end event", "error", err)
	}
	logger.Info("run finished", "status", status, "error", errMsg)
}

// fail publishes the error event before the terminal end.
func (o *Orchestrator) fail(ctx context.Context, p Params, runErr error, logger *slog.Logger) {
	logger.Error("run failed", "error", runErr)
	if _, err := p.Publisher.Publish(ctx, events.EventTypeError, events.ErrorPayload{
		Message: runErr.Error(),
	}); err != nil {
		logger.Error("failed to publish error event", "error", err)
	}
	o.finish(ctx, p, agentrun.StatusFailed, runErr.Error(), logger)
}

// runReporter publishes tool_result events as calls settle and records
// completion order for message persistence.
type runReporter struct {
	publisher EventPublisher

	mu        sync.Mutex
	iteration int
	completed []agent.ToolResult
}

func (r *runReporter) setIteration(i int) {
	r.mu.Lock()
	r.iteration = i
	r.mu.Unlock()
}

func (r *runReporter) takeCompleted() []agent.ToolResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.completed
	r.completed = nil
	return out
}

func (r *runReporter) ReportResult(ctx context.Context, _ agent.ToolCall, result agent.ToolResult) error {
	r.mu.Lock()
	iteration := r.iteration
	r.completed = append(r.completed, result)
	r.mu.Unlock()

	_, err := r.publisher.Publish(ctx, events.EventTypeToolResult, events.ToolResultPayload{
		Iteration: iteration,
		CallID:    result.CallID,
		Name:      result.Name,
		Success:   result.Success,
		Output:    result.Output,
	})
	return err
}
