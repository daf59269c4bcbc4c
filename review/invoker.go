package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// DefaultModel is used when no model override is configured.
	DefaultModel = "claude-sonnet-4-20250514"

	invokeMaxRetries = 2
	invokeBaseDelay  = 2 * time.Second
	invokeTimeout    = 120 * time.Second
	invokeMaxTokens  = 4096
)

// InvokeRequest is one model call. Temperature zero means the API default.
type InvokeRequest struct {
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
}

// Invoker sends a prompt to the model and returns the raw text response.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (string, error)
}

// ClaudeInvoker calls the Anthropic Messages API.
type ClaudeInvoker struct {
	apiKey  string
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

func NewClaudeInvoker(apiKey, model string, logger *slog.Logger) *ClaudeInvoker {
	if model == "" {
		model = DefaultModel
	}
	return &ClaudeInvoker{
		apiKey:  apiKey,
		model:   model,
		timeout: invokeTimeout,
		logger:  logger,
	}
}

func (c *ClaudeInvoker) Invoke(ctx context.Context, req InvokeRequest) (string, error) {
	client := anthropic.NewClient(option.WithAPIKey(c.apiKey))

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = invokeMaxTokens
	}

	message, err := retryTransient(timeoutCtx, c.logger, "invokeModel", func() (*anthropic.Message, error) {
		params := anthropic.MessageNewParams{
			Model:     anthropic.F(anthropic.Model(c.model)),
			MaxTokens: anthropic.F(maxTokens),
			System: anthropic.F([]anthropic.TextBlockParam{
				anthropic.NewTextBlock(req.System),
			}),
			Messages: anthropic.F([]anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
			}),
		}
		if req.Temperature > 0 {
			params.Temperature = anthropic.F(req.Temperature)
		}
		return client.Messages.New(timeoutCtx, params)
	}, invokeBaseDelay)
	if err != nil {
		return "", fmt.Errorf("calling model: %w", err)
	}

	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			b.WriteString(block.Text)
		}
	}
	text := b.String()
	if text == "" {
		return "", errors.New("model returned no text content")
	}
	return text, nil
}

// isTransientError reports whether an API error is worth retrying. Client
// errors are not: a bad request stays bad on the second attempt.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout")
}

// retryTransient executes fn with exponential backoff on transient errors.
func retryTransient[T any](ctx context.Context, logger *slog.Logger, operation string, fn func() (T, error), baseDelay time.Duration) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= invokeMaxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}

		if !isTransientError(lastErr) {
			return result, lastErr
		}

		if attempt < invokeMaxRetries {
			delay := baseDelay * time.Duration(1<<attempt)
			logger.Warn("retrying after transient error",
				"operation", operation,
				"attempt", attempt+1,
				"max_attempts", invokeMaxRetries+1,
				"delay", delay,
				"error", lastErr,
			)

			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return result, fmt.Errorf("max retries exceeded for %s: %w", operation, lastErr)
}
