package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/queryloop/queryloop/internal/chat"
)

// RetryConfig controls transport-level retries of LLM calls. LLM calls
// are idempotent, so transient API failures are retried here rather than
// in the agent loop.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
	}
}

// Retrying wraps a Client with bounded exponential backoff.
type Retrying struct {
	inner  Client
	config RetryConfig
	logger *slog.Logger
}

// WithRetries wraps client so transient call failures are retried.
func WithRetries(client Client, config RetryConfig, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAttempts <= 0 {
		config = DefaultRetryConfig()
	}
	return &Retrying{inner: client, config: config, logger: logger}
}

// AssistantTurn calls the wrapped client, retrying on error until the
// attempt budget or the context runs out.
func (r *Retrying) AssistantTurn(ctx context.Context, c *chat.Chat, tools []Tool, temperature *float64) (chat.AssistantTurn, error) {
	delay := r.config.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		turn, err := r.inner.AssistantTurn(ctx, c, tools, temperature)
		if err == nil {
			return turn, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		r.logger.Warn("LLM call failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return chat.AssistantTurn{}, ctx.Err()
		}
		delay *= 2
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	return chat.AssistantTurn{}, lastErr
}
