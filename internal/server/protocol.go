package server

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/queryloop/queryloop/internal/artifact"
)

// protocolVersion is the only supported client protocol version.
const protocolVersion = "v1"

// Client messages.

type clientInit struct {
	Version string `json:"version"`
}

type userMessage struct {
	Message string `json:"message"`
}

type userConfirmationResponse struct {
	ConfirmationRequestID uuid.UUID `json:"confirmation_request_id"`
	Response              string    `json:"response"`
}

const (
	confirmationApprove = "approve"
	confirmationDeny    = "deny"
)

// decodeClientMessage parses one client message by its type
// discriminator. Unknown types are protocol violations.
func decodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed client message: %w", err)
	}

	switch envelope.Type {
	case "client_init":
		var m clientInit
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed client_init: %w", err)
		}
		return m, nil
	case "user_message":
		var m userMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed user_message: %w", err)
		}
		return m, nil
	case "user_confirmation_response":
		var m userConfirmationResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed user_confirmation_response: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown client message type %q", envelope.Type)
	}
}

// Server messages. Type values mirror the client-facing event names.

type acceptInteraction struct {
	Type          string    `json:"type"`
	InteractionID uuid.UUID `json:"interaction_id"`
	ThreadID      uuid.UUID `json:"thread_id"`
}

type titleUpdated struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

type llmCall struct {
	Type              string    `json:"type"`
	AssistantActionID uuid.UUID `json:"assistant_action_id"`
}

type assistantMessageResponse struct {
	Type              string    `json:"type"`
	AssistantActionID uuid.UUID `json:"assistant_action_id"`
	MessageChunk      string    `json:"message_chunk"`
}

type assistantCodeResponse struct {
	Type              string    `json:"type"`
	AssistantActionID uuid.UUID `json:"assistant_action_id"`
	CodeBlockID       uuid.UUID `json:"code_block_id"`
	CodeChunk         string    `json:"code_chunk"`
}

type executingCode struct {
	Type        string    `json:"type"`
	CodeBlockID uuid.UUID `json:"code_block_id"`
}

type codeOutput struct {
	Type        string    `json:"type"`
	CodeBlockID uuid.UUID `json:"code_block_id"`
	OutputChunk string    `json:"output_chunk"`
}

type codeError struct {
	Type        string    `json:"type"`
	CodeBlockID uuid.UUID `json:"code_block_id"`
	Error       string    `json:"error"`
}

type artifactUpdate struct {
	Type     string            `json:"type"`
	Artifact artifact.Artifact `json:"artifact"`
}

type userConfirmationRequest struct {
	Type                  string    `json:"type"`
	Message               string    `json:"message"`
	ConfirmationRequestID uuid.UUID `json:"confirmation_request_id"`
}

type userConfirmationTimeout struct {
	Type                  string    `json:"type"`
	ConfirmationRequestID uuid.UUID `json:"confirmation_request_id"`
}

type completion struct {
	Type string `json:"type"`
}

type clientErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type serverErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
