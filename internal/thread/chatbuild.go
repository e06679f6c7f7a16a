package thread

import (
	"github.com/queryloop/queryloop/internal/chat"
)

const interruptedToolMessage = "Interrupted when calling tool"

// ChatFromState rebuilds the conversation the LLM sees from persisted
// state. Interrupted interactions are repaired so the rebuilt chat still
// satisfies the alternation invariant: half-finished tool calls get an
// error response, and interactions that never completed are closed with
// an explanatory assistant message. Every persisted interaction is
// history here; the interaction being served is appended by the caller
// after the rebuild, so an unfinished last interaction is an
// interruption like any other and must be repaired for the next user
// turn to be appendable.
func ChatFromState(state *State, systemPrompt chat.SystemPromptFunc) (*chat.Chat, error) {
	c := &chat.Chat{SystemPrompt: systemPrompt}

	for _, interaction := range state.Interactions {
		if err := c.AddTurn(chat.UserTurn{Text: interaction.UserMessage.Message}); err != nil {
			return nil, err
		}

		for _, action := range interaction.AssistantActions {
			turn := chat.AssistantTurn{Text: action.Message}
			if action.Code != nil {
				turn.ToolCalls = append(turn.ToolCalls, action.Code.ToolCall)
			}
			if err := c.AddTurn(turn); err != nil {
				return nil, err
			}

			if action.Code == nil {
				continue
			}
			if err := c.AddTurn(toolResponseTurn(action.Code)); err != nil {
				return nil, err
			}
		}

		if interaction.CompletionTimestamp == nil {
			repairInterrupted(c, interaction)
		}
	}

	return c, nil
}

// toolResponseTurn reconstructs the tool response for a persisted code
// block. A block with no recorded end never finished, so the model is
// told the call was interrupted.
func toolResponseTurn(block *CodeBlock) chat.ToolResponseTurn {
	output := chat.PythonOutput{
		SQLStatements: block.SQLStatements,
	}
	if block.Output != nil {
		output.Output = *block.Output
	}

	errText := ""
	if block.Error != nil {
		errText = *block.Error
	}
	if block.ExecutionEnd == nil {
		if errText != "" {
			errText += "\n"
		}
		errText += interruptedToolMessage
	}
	if errText != "" {
		output.Error = &errText
	}

	return chat.ToolResponseTurn{Responses: []chat.ToolCallResponse{{
		CallID: block.ToolCall.CallID,
		Output: output,
	}}}
}

// repairInterrupted ensures an interrupted interaction still ends in an
// assistant turn, so the next user turn can be appended.
func repairInterrupted(c *chat.Chat, interaction *Interaction) {
	message := "Internal error: Assistant interrupted"
	if interaction.Error != nil {
		message = *interaction.Error
	}

	if len(c.Turns) > 0 {
		if last, ok := c.Turns[len(c.Turns)-1].(chat.AssistantTurn); ok {
			text := ""
			if last.Text != nil {
				text = *last.Text
			}
			text += "\n" + message
			last.Text = &text
			c.Turns[len(c.Turns)-1] = last
			return
		}
	}

	// The last turn is a user or tool response turn here, both valid
	// predecessors for an assistant turn.
	_ = c.AddTurn(chat.AssistantTurn{Text: &message})
}
