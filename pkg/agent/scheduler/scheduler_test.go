package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortix-ai/agentpress/pkg/agent"
	"github.com/kortix-ai/agentpress/pkg/tools"
)

// captureReporter records every reported result in order.
type captureReporter struct {
	mu      sync.Mutex
	results []agent.ToolResult
}

func (r *captureReporter) ReportResult(_ context.Context, _ agent.ToolCall, result agent.ToolResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

func (r *captureReporter) reported() []agent.ToolResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.ToolResult(nil), r.results...)
}

func newTestScheduler(t *testing.T, parallel bool, defs ...tools.Definition) (*Scheduler, *captureReporter) {
	t.Helper()
	registry := tools.NewRegistry()
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}
	reporter := &captureReporter{}
	s := New(Config{
		Registry: registry,
		Reporter: reporter,
		Logger:   slog.Default(),
		Parallel: parallel,
	})
	return s, reporter
}

func echoDef(name string) tools.Definition {
	return tools.Definition{
		Name: name,
		Params: []tools.Param{
			{Name: "msg", Type: tools.ParamTypeString},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			msg, _ := args["msg"].(string)
			return "echo: " + msg, nil
		},
	}
}

func call(id, name string, args map[string]any) agent.ToolCall {
	return agent.ToolCall{ID: id, Name: name, Arguments: args, Origin: agent.OriginNative}
}

func TestScheduler_ExecutesAndReports(t *testing.T) {
	s, reporter := newTestScheduler(t, false, echoDef("echo"))
	ctx := context.Background()

	f := s.Submit(ctx, call("c1", "echo", map[string]any{"msg": "hi"}))
	result, err := f.Result(ctx)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "c1", result.CallID)
	assert.Equal(t, "echo", result.Name)
	assert.Equal(t, "echo: hi", result.Output)

	reported := reporter.reported()
	require.Len(t, reported, 1)
	assert.Equal(t, result, reported[0])
}

func TestScheduler_SerialRunsInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	record := func(name string, delay time.Duration) tools.Definition {
		return tools.Definition{
			Name: name,
			Handler: func(_ context.Context, _ map[string]any) (string, error) {
				time.Sleep(delay)
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return name, nil
			},
		}
	}

	s, _ := newTestScheduler(t, false,
		record("slow", 30*time.Millisecond),
		record("fast", 0),
		record("medium", 10*time.Millisecond),
	)
	ctx := context.Background()

	s.Submit(ctx, call("c1", "slow", nil))
	s.Submit(ctx, call("c2", "fast", nil))
	s.Submit(ctx, call("c3", "medium", nil))

	results, err := s.AwaitAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Serial mode finishes each call before starting the next, so the
	// fast call cannot overtake the slow one.
	assert.Equal(t, []string{"slow", "fast", "medium"}, order)
	assert.Equal(t, "c1", results[0].CallID)
	assert.Equal(t, "c2", results[1].CallID)
	assert.Equal(t, "c3", results[2].CallID)
}

func TestScheduler_ParallelOverlapsCalls(t *testing.T) {
	var mu sync.Mutex
	var finished []string

	sleeper := func(name string, delay time.Duration) tools.Definition {
		return tools.Definition{
			Name: name,
			Handler: func(_ context.Context, _ map[string]any) (string, error) {
				time.Sleep(delay)
				mu.Lock()
				finished = append(finished, name)
				mu.Unlock()
				return name, nil
			},
		}
	}

	s, reporter := newTestScheduler(t, true,
		sleeper("tool_a", 60*time.Millisecond),
		sleeper("tool_b", 10*time.Millisecond),
		sleeper("tool_c", 30*time.Millisecond),
	)
	ctx := context.Background()

	s.Submit(ctx, call("a", "tool_a", nil))
	s.Submit(ctx, call("b", "tool_b", nil))
	s.Submit(ctx, call("c", "tool_c", nil))

	results, err := s.AwaitAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Completion order follows duration, not submission.
	assert.Equal(t, []string{"tool_b", "tool_c", "tool_a"}, finished)

	// AwaitAll still returns submission order, and every result keeps
	// its call ID linkage.
	assert.Equal(t, "a", results[0].CallID)
	assert.Equal(t, "b", results[1].CallID)
	assert.Equal(t, "c", results[2].CallID)

	reported := reporter.reported()
	assert.Equal(t, "b", reported[0].CallID)
	assert.Equal(t, "c", reported[1].CallID)
	assert.Equal(t, "a", reported[2].CallID)
}

func TestScheduler_DuplicateCallIDExecutesOnce(t *testing.T) {
	var count int32
	def := tools.Definition{
		Name: "counter",
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			count++
			return "ok", nil
		},
	}
	s, reporter := newTestScheduler(t, false, def)
	ctx := context.Background()

	f1 := s.Submit(ctx, call("c1", "counter", nil))
	f2 := s.Submit(ctx, call("c1", "counter", nil))
	assert.Same(t, f1, f2)

	results, err := s.AwaitAll(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(1), count)
	assert.Len(t, reporter.reported(), 1)
}

func TestScheduler_MissingRequiredArgumentFailsWithoutExecuting(t *testing.T) {
	executed := false
	def := tools.Definition{
		Name: "strict",
		Params: []tools.Param{
			{Name: "path", Type: tools.ParamTypeString, Required: true},
		},
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			executed = true
			return "ok", nil
		},
	}
	s, reporter := newTestScheduler(t, false, def)
	ctx := context.Background()

	f := s.Submit(ctx, call("c1", "strict", map[string]any{}))
	result, err := f.Result(ctx)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Output, `missing required argument "path"`)
	assert.False(t, executed)
	require.Len(t, reporter.reported(), 1)
	assert.False(t, reporter.reported()[0].Success)
}

func TestScheduler_UnknownToolFails(t *testing.T) {
	s, _ := newTestScheduler(t, false)
	ctx := context.Background()

	f := s.Submit(ctx, call("c1", "nope", nil))
	result, err := f.Result(ctx)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Output, `unknown tool "nope"`)
}

func TestScheduler_HandlerErrorBecomesFailedResult(t *testing.T) {
	def := tools.Definition{
		Name: "broken",
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			return "", errors.New("disk full")
		},
	}
	s, _ := newTestScheduler(t, false, def)

	result, err := s.Submit(context.Background(), call("c1", "broken", nil)).Result(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "disk full", result.Output)
}

func TestScheduler_HandlerPanicBecomesFailedResult(t *testing.T) {
	def := tools.Definition{
		Name: "bomb",
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			panic("boom")
		},
	}
	s, _ := newTestScheduler(t, false, def)

	result, err := s.Submit(context.Background(), call("c1", "bomb", nil)).Result(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "panicked")
	assert.Contains(t, result.Output, "boom")
}

func TestScheduler_FailSettlesWithoutExecuting(t *testing.T) {
	executed := false
	def := tools.Definition{
		Name: "tool",
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			executed = true
			return "ok", nil
		},
	}
	s, reporter := newTestScheduler(t, false, def)
	ctx := context.Background()

	f := s.Fail(ctx, call("c1", "tool", nil), "arguments are not valid JSON")
	result, err := f.Result(ctx)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "arguments are not valid JSON", result.Output)
	assert.False(t, executed)
	assert.Len(t, reporter.reported(), 1)

	// The failed ID is in the dispatched set; resubmitting does not run it.
	f2 := s.Submit(ctx, call("c1", "tool", nil))
	assert.Same(t, f, f2)
	_, err = s.AwaitAll(ctx)
	require.NoError(t, err)
	assert.False(t, executed)
}

func TestScheduler_AwaitAllBatchesPerCall(t *testing.T) {
	s, _ := newTestScheduler(t, false, echoDef("echo"))
	ctx := context.Background()

	s.Submit(ctx, call("c1", "echo", map[string]any{"msg": "one"}))
	first, err := s.AwaitAll(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	s.Submit(ctx, call("c2", "echo", map[string]any{"msg": "two"}))
	second, err := s.AwaitAll(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "c2", second[0].CallID)
}

func TestScheduler_AwaitAllHonorsContext(t *testing.T) {
	release := make(chan struct{})
	def := tools.Definition{
		Name: "stuck",
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			<-release
			return "ok", nil
		},
	}
	s, _ := newTestScheduler(t, false, def)
	defer close(release)

	s.Submit(context.Background(), call("c1", "stuck", nil))
	assert.True(t, s.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.AwaitAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_CoercesArgumentsAtBoundary(t *testing.T) {
	var seen map[string]any
	def := tools.Definition{
		Name: "typed",
		Params: []tools.Param{
			{Name: "count", Type: tools.ParamTypeInteger, Required: true},
			{Name: "ratio", Type: tools.ParamTypeNumber},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			seen = args
			return fmt.Sprintf("%v", args["count"]), nil
		},
	}
	s, _ := newTestScheduler(t, false, def)
	ctx := context.Background()

	f := s.Submit(ctx, call("c1", "typed", map[string]any{
		"count":   "42",
		"ratio":   float64(0.5),
		"unknown": "dropped",
	}))
	result, err := f.Result(ctx)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, int64(42), seen["count"])
	assert.Equal(t, 0.5, seen["ratio"])
	assert.NotContains(t, seen, "unknown")
}
