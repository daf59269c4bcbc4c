// Package anthropic holds helpers around the Anthropic API that are not
// tied to the review pipeline.
package anthropic

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ValidateAPIKey performs a minimal authenticated call to confirm the key
// works before the server starts accepting webhooks.
func ValidateAPIKey(ctx context.Context, apiKey string, timeout time.Duration) error {
	if apiKey == "" {
		return fmt.Errorf("API key is empty")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.ModelClaude3_5HaikuLatest),
		MaxTokens: anthropic.F(int64(1)),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("hi")),
		}),
	})
	if err != nil {
		return fmt.Errorf("validating Anthropic API key: %w", err)
	}
	return nil
}
