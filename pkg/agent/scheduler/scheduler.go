// Package scheduler executes tool calls with at-most-once semantics per
// call ID. Calls are submitted as they are parsed and resolve through
// futures, so the caller decides whether to overlap execution with the
// LLM stream or collect everything first.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kortix-ai/agentpress/pkg/agent"
	"github.com/kortix-ai/agentpress/pkg/tools"
)

// Reporter receives every settled tool result exactly once, before the
// call's future resolves. Implementations persist the result and publish
// it to run subscribers.
type Reporter interface {
	ReportResult(ctx context.Context, call agent.ToolCall, result agent.ToolResult) error
}

// Future resolves to the result of one submitted call.
type Future struct {
	call   agent.ToolCall
	done   chan struct{}
	once   sync.Once
	result agent.ToolResult
}

func newFuture(call agent.ToolCall) *Future {
	return &Future{call: call, done: make(chan struct{})}
}

func (f *Future) complete(result agent.ToolResult) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the call settles or ctx is cancelled.
func (f *Future) Result(ctx context.Context) (agent.ToolResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return agent.ToolResult{}, ctx.Err()
	}
}

// Config wires a scheduler for one run.
type Config struct {
	Registry *tools.Registry
	Reporter Reporter
	Logger   *slog.Logger

	// Parallel runs each call in its own goroutine. Serial mode drains
	// a FIFO queue in submission order.
	Parallel bool
}

// Scheduler owns the dispatched-call set of a single run. Resubmitting a
// call ID returns the original future; the handler never runs twice.
type Scheduler struct {
	registry *tools.Registry
	reporter Reporter
	logger   *slog.Logger
	parallel bool

	mu       sync.Mutex
	futures  map[string]*Future
	batch    []*Future
	queue    []*execution
	draining bool
}

type execution struct {
	ctx    context.Context
	call   agent.ToolCall
	future *Future
}

func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry: cfg.Registry,
		reporter: cfg.Reporter,
		logger:   logger,
		parallel: cfg.Parallel,
		futures:  make(map[string]*Future),
	}
}

// Submit dispatches a call and returns its future. A call ID seen before
// returns the existing future without executing anything.
func (s *Scheduler) Submit(ctx context.Context, call agent.ToolCall) *Future {
	s.mu.Lock()
	if f, ok := s.futures[call.ID]; ok {
		s.mu.Unlock()
		s.logger.Warn("duplicate tool call submission ignored",
			"call_id", call.ID, "tool", call.Name)
		return f
	}
	f := newFuture(call)
	s.futures[call.ID] = f
	s.batch = append(s.batch, f)

	if s.parallel {
		s.mu.Unlock()
		go s.execute(&execution{ctx: ctx, call: call, future: f})
		return f
	}

	s.queue = append(s.queue, &execution{ctx: ctx, call: call, future: f})
	if !s.draining {
		s.draining = true
		go s.drain()
	}
	s.mu.Unlock()
	return f
}

// Fail settles a call as failed without executing it, for calls whose
// arguments never parsed. The call ID still enters the dispatched set.
func (s *Scheduler) Fail(ctx context.Context, call agent.ToolCall, reason string) *Future {
	s.mu.Lock()
	if f, ok := s.futures[call.ID]; ok {
		s.mu.Unlock()
		return f
	}
	f := newFuture(call)
	s.futures[call.ID] = f
	s.batch = append(s.batch, f)
	s.mu.Unlock()

	s.settle(ctx, call, f, agent.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Success: false,
		Output:  reason,
	})
	return f
}

// AwaitAll blocks until every call submitted since the previous AwaitAll
// has settled, returning results in submission order. On ctx
// cancellation the calls keep running; their results surface through the
// futures and the reporter.
func (s *Scheduler) AwaitAll(ctx context.Context) ([]agent.ToolResult, error) {
	s.mu.Lock()
	batch := s.batch
	s.batch = nil
	s.mu.Unlock()

	results := make([]agent.ToolResult, 0, len(batch))
	for _, f := range batch {
		result, err := f.Result(ctx)
		if err != nil {
			return results, fmt.Errorf("awaiting tool call %s: %w", f.call.ID, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// Pending reports whether any submitted call has not settled yet.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.futures {
		select {
		case <-f.done:
		default:
			return true
		}
	}
	return false
}

func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.execute(e)
	}
}

func (s *Scheduler) execute(e *execution) {
	result := agent.ToolResult{CallID: e.call.ID, Name: e.call.Name}

	def, ok := s.registry.Resolve(e.call.Name)
	if !ok {
		result.Output = fmt.Sprintf("unknown tool %q", e.call.Name)
		s.settle(e.ctx, e.call, e.future, result)
		return
	}

	args, err := tools.CoerceArguments(def, e.call.Arguments, s.logger)
	if err != nil {
		result.Output = err.Error()
		s.settle(e.ctx, e.call, e.future, result)
		return
	}

	output, err := s.invoke(e.ctx, def, args)
	if err != nil {
		result.Output = err.Error()
	} else {
		result.Success = true
		result.Output = output
	}
	s.settle(e.ctx, e.call, e.future, result)
}

// invoke runs the handler, converting a panic into an error so one
// misbehaving tool cannot take the run down.
func (s *Scheduler) invoke(ctx context.Context, def *tools.Definition, args map[string]any) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool handler panicked", "tool", def.Name, "panic", r)
			err = fmt.Errorf("tool %q panicked: %v", def.Name, r)
		}
	}()
	return def.Handler(ctx, args)
}

// settle reports the result, then resolves the future. The ordering
// guarantees the result is persisted before any awaiter proceeds.
func (s *Scheduler) settle(ctx context.Context, call agent.ToolCall, f *Future, result agent.ToolResult) {
	if err := s.reporter.ReportResult(ctx, call, result); err != nil {
		s.logger.Error("failed to report tool result",
			"call_id", call.ID, "tool", call.Name, "error", err)
	}
	f.complete(result)
}
