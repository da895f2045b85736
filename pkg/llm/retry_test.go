package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient returns one scripted outcome per Generate call. An
// outcome is either an error from Generate itself or a chunk stream.
type scriptedClient struct {
	outcomes []scriptedOutcome
	calls    int
}

type scriptedOutcome struct {
	err    error
	chunks []Chunk
}

func (c *scriptedClient) Generate(_ context.Context, _ *GenerateInput) (<-chan Chunk, error) {
	if c.calls >= len(c.outcomes) {
		return nil, errors.New("no more scripted outcomes")
	}
	outcome := c.outcomes[c.calls]
	c.calls++
	if outcome.err != nil {
		return nil, outcome.err
	}
	out := make(chan Chunk, len(outcome.chunks))
	for _, chunk := range outcome.chunks {
		out <- chunk
	}
	close(out)
	return out, nil
}

func (c *scriptedClient) Close() error { return nil }

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func newRetryClient(inner Client, attempts int) *RetryClient {
	return NewRetryClient(inner, fastRetry(attempts), slog.Default())
}

func drain(t *testing.T, stream <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatalf("timed out draining stream, got %d chunks", len(out))
		}
	}
}

func TestRetryClient_RetryableErrorBeforeContentIsReissued(t *testing.T) {
	inner := &scriptedClient{outcomes: []scriptedOutcome{
		{chunks: []Chunk{ErrorChunk{Message: "rate limited", Retryable: true}}},
		{chunks: []Chunk{TextChunk{Content: "hello"}, FinishChunk{Reason: "stop"}}},
	}}
	client := newRetryClient(inner, 3)

	stream, err := client.Generate(context.Background(), &GenerateInput{RunID: "run-1"})
	require.NoError(t, err)

	chunks := drain(t, stream)
	require.Len(t, chunks, 2)
	assert.Equal(t, TextChunk{Content: "hello"}, chunks[0])
	assert.Equal(t, FinishChunk{Reason: "stop"}, chunks[1])
	assert.Equal(t, 2, inner.calls)
}

func TestRetryClient_GenerateErrorIsRetried(t *testing.T) {
	inner := &scriptedClient{outcomes: []scriptedOutcome{
		{err: errors.New("connection refused")},
		{chunks: []Chunk{TextChunk{Content: "ok"}}},
	}}
	client := newRetryClient(inner, 3)

	stream, err := client.Generate(context.Background(), &GenerateInput{RunID: "run-1"})
	require.NoError(t, err)

	chunks := drain(t, stream)
	require.Len(t, chunks, 1)
	assert.Equal(t, TextChunk{Content: "ok"}, chunks[0])
	assert.Equal(t, 2, inner.calls)
}

func TestRetryClient_NonRetryableErrorPassesThrough(t *testing.T) {
	inner := &scriptedClient{outcomes: []scriptedOutcome{
		{chunks: []Chunk{ErrorChunk{Message: "invalid model", Retryable: false}}},
	}}
	client := newRetryClient(inner, 3)

	stream, err := client.Generate(context.Background(), &GenerateInput{RunID: "run-1"})
	require.NoError(t, err)

	chunks := drain(t, stream)
	require.Len(t, chunks, 1)
	errChunk, ok := chunks[0].(ErrorChunk)
	require.True(t, ok)
	assert.Equal(t, "invalid model", errChunk.Message)
	assert.Equal(t, 1, inner.calls, "a non-retryable error must not be reissued")
}

func TestRetryClient_ErrorAfterContentIsNotRetried(t *testing.T) {
	inner := &scriptedClient{outcomes: []scriptedOutcome{
		{chunks: []Chunk{
			TextChunk{Content: "partial out"},
			ErrorChunk{Message: "rate limited", Retryable: true},
		}},
	}}
	client := newRetryClient(inner, 3)

	stream, err := client.Generate(context.Background(), &GenerateInput{RunID: "run-1"})
	require.NoError(t, err)

	chunks := drain(t, stream)
	require.Len(t, chunks, 2)
	assert.Equal(t, TextChunk{Content: "partial out"}, chunks[0])
	_, isErr := chunks[1].(ErrorChunk)
	assert.True(t, isErr, "errors after streamed content pass through to the caller")
	assert.Equal(t, 1, inner.calls, "content has streamed, so the call must not be reissued")
}

func TestRetryClient_AttemptsAreBounded(t *testing.T) {
	inner := &scriptedClient{outcomes: []scriptedOutcome{
		{chunks: []Chunk{ErrorChunk{Message: "overloaded", Retryable: true}}},
		{chunks: []Chunk{ErrorChunk{Message: "overloaded", Retryable: true}}},
		{chunks: []Chunk{ErrorChunk{Message: "overloaded", Retryable: true}}},
	}}
	client := newRetryClient(inner, 3)

	_, err := client.Generate(context.Background(), &GenerateInput{RunID: "run-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "overloaded")
	assert.Equal(t, 3, inner.calls)
}

func TestRetryClient_EmptyStreamCompletesWithoutRetry(t *testing.T) {
	inner := &scriptedClient{outcomes: []scriptedOutcome{
		{chunks: nil},
	}}
	client := newRetryClient(inner, 3)

	stream, err := client.Generate(context.Background(), &GenerateInput{RunID: "run-1"})
	require.NoError(t, err)
	assert.Empty(t, drain(t, stream))
	assert.Equal(t, 1, inner.calls)
}

func TestRetryClient_ContextCancelledDuringBackoff(t *testing.T) {
	inner := &scriptedClient{outcomes: []scriptedOutcome{
		{err: errors.New("connection refused")},
		{chunks: []Chunk{TextChunk{Content: "never reached"}}},
	}}
	client := NewRetryClient(inner, RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Generate(ctx, &GenerateInput{RunID: "run-1"})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Generate did not return after cancellation")
	}
	assert.Equal(t, 1, inner.calls)
}
