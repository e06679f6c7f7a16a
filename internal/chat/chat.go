// Package chat provides the conversation turn model shared by the agent
// loop, the LLM clients, and thread persistence.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTurnOrder is returned when appending a turn would break the
	// user/assistant alternation of the conversation.
	ErrTurnOrder = errors.New("turn would break conversation ordering")

	// ErrBudgetExceeded is returned by Truncate when even the most recent
	// user turn does not fit within the character budget.
	ErrBudgetExceeded = errors.New("latest user turn is beyond the character budget")
)

// ToolCall is a structured request from the LLM to invoke a capability.
// The call id is issued by the LLM and is opaque to us.
type ToolCall struct {
	Name   string          `json:"name"`
	CallID string          `json:"call_id"`
	Input  json.RawMessage `json:"input"`
}

// ToolCallResponse pairs a tool call id with the output of executing it.
type ToolCallResponse struct {
	CallID string     `json:"call_id"`
	Output ToolOutput `json:"output"`
}

// Turn is one unit of conversation: user text, an assistant response
// (optionally carrying tool calls), or the responses to those tool calls.
type Turn interface {
	isTurn()
}

// UserTurn carries a user message.
type UserTurn struct {
	Text string `json:"text"`
}

// AssistantTurn carries the assistant's text and any tool calls it issued.
// Text may be nil when the assistant responds with tool calls only.
type AssistantTurn struct {
	Text      *string    `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolResponseTurn carries the responses to the tool calls of the
// immediately preceding assistant turn.
type ToolResponseTurn struct {
	Responses []ToolCallResponse `json:"tool_responses"`
}

func (UserTurn) isTurn()         {}
func (AssistantTurn) isTurn()    {}
func (ToolResponseTurn) isTurn() {}

// SystemPromptFunc produces the system prompt for an LLM call given the
// turn history. Implementations typically close over the current artifact
// set and schema catalog so the prompt reflects live session state.
type SystemPromptFunc func(turns []Turn) string

// StaticPrompt returns a SystemPromptFunc that ignores the turn history.
func StaticPrompt(prompt string) SystemPromptFunc {
	return func([]Turn) string { return prompt }
}

// Chat is an ordered conversation with an optional system prompt.
type Chat struct {
	SystemPrompt SystemPromptFunc
	Turns        []Turn
}

// SystemPromptText evaluates the system prompt against the current turns.
func (c *Chat) SystemPromptText() string {
	if c.SystemPrompt == nil {
		return ""
	}
	return c.SystemPrompt(c.Turns)
}

// AddTurn appends a turn, enforcing the alternation invariant: the chat
// starts with a user turn, user and assistant turns alternate, and a tool
// response turn only ever follows an assistant turn that carried at least
// one tool call.
func (c *Chat) AddTurn(turn Turn) error {
	var last Turn
	if len(c.Turns) > 0 {
		last = c.Turns[len(c.Turns)-1]
	}

	switch turn.(type) {
	case UserTurn:
		if last != nil {
			if _, ok := last.(AssistantTurn); !ok {
				return fmt.Errorf("%w: user turn must start the chat or follow an assistant turn", ErrTurnOrder)
			}
		}
	case AssistantTurn:
		switch last.(type) {
		case UserTurn, ToolResponseTurn:
		default:
			return fmt.Errorf("%w: assistant turn must follow a user or tool response turn", ErrTurnOrder)
		}
	case ToolResponseTurn:
		prev, ok := last.(AssistantTurn)
		if !ok || len(prev.ToolCalls) == 0 {
			return fmt.Errorf("%w: tool response turn must follow an assistant turn with tool calls", ErrTurnOrder)
		}
	default:
		return fmt.Errorf("%w: unknown turn type %T", ErrTurnOrder, turn)
	}

	c.Turns = append(c.Turns, turn)
	return nil
}

// PromptChars is the character cost of a turn when rendered into an LLM
// prompt. Used by Truncate to keep conversations within a budget.
func PromptChars(turn Turn) int {
	switch t := turn.(type) {
	case UserTurn:
		return len(t.Text)
	case AssistantTurn:
		chars := 0
		if t.Text != nil {
			chars += len(*t.Text)
		}
		for _, call := range t.ToolCalls {
			chars += len(call.Name) + len(call.Input)
		}
		return chars
	case ToolResponseTurn:
		chars := 0
		for _, resp := range t.Responses {
			chars += len(resp.Output.Response())
		}
		return chars
	default:
		return 0
	}
}

// Truncate returns a copy of the chat reduced to fit within budget
// characters, counting the system prompt and walking turns from newest to
// oldest. The result always starts at a user turn boundary. If the most
// recent user turn alone does not fit, ErrBudgetExceeded is returned.
func Truncate(c *Chat, budget int) (*Chat, error) {
	chars := len(c.SystemPromptText())
	userTurnIndex := -1

	for i := len(c.Turns) - 1; i >= 0; i-- {
		turnChars := PromptChars(c.Turns[i])
		if chars+turnChars > budget {
			break
		}
		chars += turnChars
		if _, ok := c.Turns[i].(UserTurn); ok {
			userTurnIndex = i
		}
	}

	if userTurnIndex < 0 {
		return nil, ErrBudgetExceeded
	}

	return &Chat{SystemPrompt: c.SystemPrompt, Turns: c.Turns[userTurnIndex:]}, nil
}
