// Package llm abstracts the language model used by the agent loop and the
// AI primitives. Vendor-specific request formatting lives behind the
// Client interface and is supplied by the embedding application.
package llm

import (
	"context"
	"errors"

	"github.com/queryloop/queryloop/internal/chat"
)

// ErrNoResponse is returned when the model produced no assistant text.
var ErrNoResponse = errors.New("no LLM response")

// Tool describes a capability offered to the model.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
}

// Client produces assistant turns from a conversation.
type Client interface {
	// AssistantTurn calls the model with the chat and optional tools.
	// Temperature may be nil to use the model default.
	AssistantTurn(ctx context.Context, c *chat.Chat, tools []Tool, temperature *float64) (chat.AssistantTurn, error)
}

// Ask runs a single user prompt through the client and returns the
// assistant text. Used by the AI primitives.
func Ask(ctx context.Context, client Client, userPrompt, systemPrompt string) (string, error) {
	c := &chat.Chat{SystemPrompt: chat.StaticPrompt(systemPrompt)}
	if err := c.AddTurn(chat.UserTurn{Text: userPrompt}); err != nil {
		return "", err
	}

	turn, err := client.AssistantTurn(ctx, c, nil, nil)
	if err != nil {
		return "", err
	}
	if turn.Text == nil {
		return "", ErrNoResponse
	}
	return *turn.Text, nil
}
