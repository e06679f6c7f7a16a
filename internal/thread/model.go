// Package thread holds the persisted conversation state: what the user
// asked, what the assistant did, which code ran, and how confirmations
// were answered.
package thread

import (
	"time"

	"github.com/google/uuid"
	"github.com/queryloop/queryloop/internal/artifact"
	"github.com/queryloop/queryloop/internal/chat"
	"github.com/queryloop/queryloop/internal/confirm"
	"github.com/queryloop/queryloop/internal/sqlengine"
)

// StateVersion is the only state schema version in use.
const StateVersion = "v1"

// ConfirmationResponse records how a confirmation ended.
type ConfirmationResponse struct {
	Timestamp time.Time      `json:"timestamp"`
	Status    confirm.Status `json:"status"`
}

// UserConfirmation records one approval request raised while a code
// block was executing. Response is nil while the request is pending.
type UserConfirmation struct {
	ConfirmationRequestID uuid.UUID             `json:"confirmation_request_id"`
	RequestTimestamp      time.Time             `json:"request_timestamp"`
	Message               string                `json:"message"`
	Response              *ConfirmationResponse `json:"response,omitempty"`
}

// CodeBlock records one sandbox execution. ExecutionEnd is nil when the
// process died mid-execution; chat reconstruction treats that as an
// interrupted tool call.
type CodeBlock struct {
	CodeBlockID       uuid.UUID                `json:"code_block_id"`
	Code              string                   `json:"code"`
	ExecutionStart    time.Time                `json:"execution_start_timestamp"`
	ExecutionEnd      *time.Time               `json:"execution_end_timestamp,omitempty"`
	Output            *string                  `json:"output,omitempty"`
	Error             *string                  `json:"error,omitempty"`
	UserConfirmations []*UserConfirmation      `json:"user_confirmations,omitempty"`
	SQLStatements     []sqlengine.SQLStatement `json:"sql_statements,omitempty"`
	ToolCall          chat.ToolCall            `json:"internal_tool_call"`
}

// AssistantAction is one LLM call and whatever it produced. ActionEnd is
// nil when the action never completed.
type AssistantAction struct {
	ActionID      uuid.UUID  `json:"action_id"`
	ResponseStart time.Time  `json:"response_start_timestamp"`
	Message       *string    `json:"message,omitempty"`
	Code          *CodeBlock `json:"code,omitempty"`
	ActionEnd     *time.Time `json:"action_end_timestamp,omitempty"`
	TokensUsed    int        `json:"tokens_used"`
}

// UserMessage is the message that started an interaction.
type UserMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Interaction is one user message plus the assistant actions answering
// it. A nil CompletionTimestamp with a nil Error means the interaction
// was interrupted.
type Interaction struct {
	InteractionID       uuid.UUID          `json:"interaction_id"`
	UserMessage         UserMessage        `json:"user_message"`
	AssistantActions    []*AssistantAction `json:"assistant_actions"`
	CompletionTimestamp *time.Time         `json:"completion_timestamp,omitempty"`
	Error               *string            `json:"error,omitempty"`
}

// State is the full replayable conversation state of a thread.
type State struct {
	Version      string              `json:"version"`
	Artifacts    []artifact.Artifact `json:"artifacts"`
	Interactions []*Interaction      `json:"interactions"`
}

// Metadata identifies a thread without loading its state.
type Metadata struct {
	ThreadID uuid.UUID `json:"thread_id"`
	Title    string    `json:"title"`
}

// Thread is a stored conversation.
type Thread struct {
	Metadata
	State State `json:"state"`
}

// New creates an empty thread with a fresh id.
func New() *Thread {
	return &Thread{
		Metadata: Metadata{ThreadID: uuid.New()},
		State:    State{Version: StateVersion},
	}
}

// ArtifactStore rebuilds the session artifact store from persisted
// state, preserving stored order.
func (s *State) ArtifactStore() *artifact.Store {
	store := artifact.NewStore()
	for _, a := range s.Artifacts {
		store.Put(a)
	}
	return store
}

// FinalizePendingConfirmations marks every confirmation still awaiting a
// response as timed out. Called when a thread is loaded after a restart,
// since the execution those confirmations belonged to is gone.
func (s *State) FinalizePendingConfirmations(now time.Time) int {
	finalized := 0
	for _, interaction := range s.Interactions {
		for _, action := range interaction.AssistantActions {
			if action.Code == nil {
				continue
			}
			for _, uc := range action.Code.UserConfirmations {
				if uc.Response == nil {
					uc.Response = &ConfirmationResponse{Timestamp: now, Status: confirm.StatusTimedOut}
					finalized++
				}
			}
		}
	}
	return finalized
}
