package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig bounds the provider-layer retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches typical provider rate-limit behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// RetryClient wraps a Client with bounded exponential backoff. A call is
// retried when Generate fails outright or when the provider reports a
// retryable error before producing any content. Once content has been
// streamed the error is passed through — the caller owns partial output.
type RetryClient struct {
	inner  Client
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetryClient wraps inner with the given retry policy.
func NewRetryClient(inner Client, cfg RetryConfig, logger *slog.Logger) *RetryClient {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &RetryClient{inner: inner, cfg: cfg, logger: logger}
}

// Generate calls the inner client, retrying with backoff on retryable
// failures that occur before the first content chunk.
func (c *RetryClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt - 1)
			c.logger.Warn("retrying LLM call",
				"run_id", input.RunID,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		inner, err := c.inner.Generate(ctx, input)
		if err != nil {
			lastErr = err
			continue
		}

		// Peek at the first chunk: a retryable error before any content
		// means the whole call can be safely reissued.
		first, ok := <-inner
		if !ok {
			// Empty stream; treat as a completed (if vacuous) response.
			out := make(chan Chunk)
			close(out)
			return out, nil
		}
		if errChunk, isErr := first.(ErrorChunk); isErr && errChunk.Retryable {
			lastErr = fmt.Errorf("provider error: %s", errChunk.Message)
			// Drain so the inner goroutine can exit.
			for range inner {
			}
			continue
		}

		// Re-attach the consumed chunk and hand over the live stream.
		out := make(chan Chunk, 1)
		out <- first
		go func() {
			defer close(out)
			for chunk := range inner {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}

	return nil, fmt.Errorf("LLM call failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// Close releases the inner client.
func (c *RetryClient) Close() error {
	return c.inner.Close()
}

func (c *RetryClient) backoff(retries int) time.Duration {
	delay := c.cfg.BaseDelay << (retries - 1)
	if delay > c.cfg.MaxDelay || delay <= 0 {
		delay = c.cfg.MaxDelay
	}
	return delay
}
