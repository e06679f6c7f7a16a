// Package agent drives the conversation: it calls the LLM, dispatches
// tool calls to the sandbox, and streams what happened as events.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/queryloop/queryloop/internal/artifact"
	"github.com/queryloop/queryloop/internal/chat"
	"github.com/queryloop/queryloop/internal/confirm"
	"github.com/queryloop/queryloop/internal/llm"
	"github.com/queryloop/queryloop/internal/prompt"
	"github.com/queryloop/queryloop/internal/sandbox"
)

// DefaultPromptBudget bounds the characters sent to the LLM per call.
// Roughly 8k tokens at ~4 characters per token.
const DefaultPromptBudget = 32000

// ErrMultipleToolCalls is returned when the model issues more than one
// tool call in a single turn. Exactly one is expected.
var ErrMultipleToolCalls = errors.New("expected at most one tool call per assistant turn")

// Event is one step of a loop run. It is a closed union; the session
// layer maps events onto its outbound protocol.
type Event interface {
	isEvent()
}

// LLMCall announces that an LLM call is starting.
type LLMCall struct {
	ActionID uuid.UUID
}

// AssistantResponse carries the assistant turn returned by the LLM.
type AssistantResponse struct {
	ActionID uuid.UUID
	Turn     chat.AssistantTurn
}

// CodeSubmitted carries the code of the assistant's tool call.
type CodeSubmitted struct {
	ActionID    uuid.UUID
	CodeBlockID uuid.UUID
	Code        string
}

// ExecutionStarted announces that a code block was handed to the sandbox.
type ExecutionStarted struct {
	CodeBlockID uuid.UUID
}

// CodeOutput is a chunk of sandbox output from the running code block.
type CodeOutput struct {
	CodeBlockID uuid.UUID
	Chunk       string
}

// CodeFailed reports a code block ending in an error. The error is fed
// back into the conversation, not fatal to the session.
type CodeFailed struct {
	CodeBlockID uuid.UUID
	Error       string
}

// ArtifactStored reports an artifact written during execution.
type ArtifactStored struct {
	Artifact artifact.Artifact
}

// ConfirmationRequested reports that the running execution is suspended
// on a human approval.
type ConfirmationRequested struct {
	Request confirm.Request
}

// ConfirmationResolved reports a confirmation reaching a terminal status.
type ConfirmationResolved struct {
	Resolution confirm.Resolution
}

// ToolResponded carries the tool response turn appended after a code
// block finished.
type ToolResponded struct {
	CodeBlockID uuid.UUID
	Turn        chat.ToolResponseTurn
}

// Finished is the terminal event of a successful run: the assistant
// responded without requesting a tool.
type Finished struct{}

func (LLMCall) isEvent()               {}
func (AssistantResponse) isEvent()     {}
func (CodeSubmitted) isEvent()         {}
func (ExecutionStarted) isEvent()      {}
func (CodeOutput) isEvent()            {}
func (CodeFailed) isEvent()            {}
func (ArtifactStored) isEvent()        {}
func (ConfirmationRequested) isEvent() {}
func (ConfirmationResolved) isEvent()  {}
func (ToolResponded) isEvent()         {}
func (Finished) isEvent()              {}

// Loop orchestrates one conversation. It owns the chat turn list; no
// other goroutine mutates it.
type Loop struct {
	LLM       llm.Client
	Sandbox   *sandbox.Client
	Confirmer *confirm.Broker
	Tool      PythonTool
	Chat      *chat.Chat

	// PromptBudget caps the characters sent per LLM call. Zero selects
	// DefaultPromptBudget.
	PromptBudget int

	Logger *slog.Logger
}

func (l *Loop) budget() int {
	if l.PromptBudget > 0 {
		return l.PromptBudget
	}
	return DefaultPromptBudget
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Run appends the user message and drives LLM calls and tool executions
// until the assistant responds without a tool call. The sequence is
// lazy, ordered, and not restartable. A non-nil error ends the run; tool
// execution failures are not errors here, they flow back into the
// conversation.
func (l *Loop) Run(ctx context.Context, userText string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if err := l.Chat.AddTurn(chat.UserTurn{Text: userText}); err != nil {
			yield(nil, err)
			return
		}

		for {
			actionID := uuid.New()
			if !yield(LLMCall{ActionID: actionID}, nil) {
				return
			}

			truncated, err := chat.Truncate(l.Chat, l.budget())
			if err != nil {
				yield(nil, err)
				return
			}

			turn, err := l.LLM.AssistantTurn(ctx, truncated, []llm.Tool{l.Tool}, nil)
			if err != nil {
				yield(nil, fmt.Errorf("llm call: %w", err))
				return
			}
			if err := l.Chat.AddTurn(turn); err != nil {
				yield(nil, err)
				return
			}
			if !yield(AssistantResponse{ActionID: actionID, Turn: turn}, nil) {
				return
			}

			if len(turn.ToolCalls) == 0 {
				yield(Finished{}, nil)
				return
			}
			if len(turn.ToolCalls) > 1 {
				yield(nil, ErrMultipleToolCalls)
				return
			}

			call := turn.ToolCalls[0]
			code, validationErr := l.extractCode(call)

			codeBlockID := uuid.New()
			if !yield(CodeSubmitted{ActionID: actionID, CodeBlockID: codeBlockID, Code: code}, nil) {
				return
			}
			if !yield(ExecutionStarted{CodeBlockID: codeBlockID}, nil) {
				return
			}

			var output chat.PythonOutput
			if validationErr != "" {
				l.logger().Warn("rejected tool call", "error", validationErr)
				output = chat.PythonOutput{Error: &validationErr}
				if !yield(CodeFailed{CodeBlockID: codeBlockID, Error: validationErr}, nil) {
					return
				}
			} else {
				result, ok := l.execute(ctx, codeBlockID, code, yield)
				if !ok {
					return
				}
				output = result
			}

			response := chat.ToolResponseTurn{Responses: []chat.ToolCallResponse{{
				CallID: call.CallID,
				Output: output,
			}}}
			if err := l.Chat.AddTurn(response); err != nil {
				yield(nil, err)
				return
			}
			if !yield(ToolResponded{CodeBlockID: codeBlockID, Turn: response}, nil) {
				return
			}
		}
	}
}

// extractCode validates the tool call and pulls out the script. A
// non-empty second return is a tool-visible error for the LLM to fix.
func (l *Loop) extractCode(call chat.ToolCall) (string, string) {
	if call.Name != l.Tool.Name() {
		return "", fmt.Sprintf("Invalid tool name %s", call.Name)
	}
	var input map[string]any
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return "", "Invalid tool input, expected dictionary"
	}
	raw, ok := input[prompt.CodeArgument]
	if !ok || raw == nil {
		return "", "Missing tool input parameter: " + prompt.CodeArgument
	}
	code, ok := raw.(string)
	if !ok {
		return "", fmt.Sprintf("Invalid tool input parameter: %s must be a string", prompt.CodeArgument)
	}
	return code, ""
}

// execute runs one code block, racing the sandbox stream against
// confirmation notifications so approval prompts surface while the
// execution is suspended on them. It reports false if the consumer
// stopped the run.
func (l *Loop) execute(ctx context.Context, codeBlockID uuid.UUID, code string, yield func(Event, error) bool) (chat.PythonOutput, bool) {
	type streamItem struct {
		update sandbox.Update
		err    error
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := make(chan streamItem)
	go func() {
		defer close(items)
		for update, err := range l.Sandbox.ExecCodeStreaming(execCtx, code) {
			select {
			case items <- streamItem{update: update, err: err}:
			case <-execCtx.Done():
				return
			}
		}
	}()

	var requests <-chan confirm.Request
	var resolutions <-chan confirm.Resolution
	if l.Confirmer != nil {
		requests = l.Confirmer.Requests()
		resolutions = l.Confirmer.Resolutions()
	}

	var result chat.PythonOutput
	var out strings.Builder

	handle := func(it streamItem) bool {
		if it.err != nil {
			yield(nil, it.err)
			return false
		}
		switch u := it.update.(type) {
		case sandbox.Output:
			out.WriteString(u.Text)
			return yield(CodeOutput{CodeBlockID: codeBlockID, Chunk: u.Text}, nil)
		case sandbox.CodeError:
			message := u.Message
			result.Error = &message
			return yield(CodeFailed{CodeBlockID: codeBlockID, Error: message}, nil)
		case sandbox.ArtifactUpdate:
			result.ModifiedArtifactIDs = append(result.ModifiedArtifactIDs, u.Artifact.Identifier)
			return yield(ArtifactStored{Artifact: u.Artifact}, nil)
		case sandbox.StatementRecord:
			result.SQLStatements = append(result.SQLStatements, u.Statement)
			return true
		default:
			return true
		}
	}

	for items != nil {
		select {
		case it, ok := <-items:
			if !ok {
				items = nil
				break
			}
			if !handle(it) {
				return result, false
			}
		case req := <-requests:
			if !yield(ConfirmationRequested{Request: req}, nil) {
				return result, false
			}
		case res := <-resolutions:
			if !yield(ConfirmationResolved{Resolution: res}, nil) {
				return result, false
			}
		}
	}

	// A notification can race the final stream item; deliver anything
	// already queued before reporting the result.
	for {
		select {
		case req := <-requests:
			if !yield(ConfirmationRequested{Request: req}, nil) {
				return result, false
			}
		case res := <-resolutions:
			if !yield(ConfirmationResolved{Resolution: res}, nil) {
				return result, false
			}
		default:
			result.Output = out.String()
			return result, true
		}
	}
}
