// Package sandbox implements the client side of the execution RPC
// protocol: a duplex, message-correlated websocket connection to the
// remote code-execution engine.
package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/queryloop/queryloop/internal/artifact"
	"github.com/queryloop/queryloop/internal/sqlengine"
)

// helloMessage initiates an execution. It is the only client-originated
// message that is not a response.
type helloMessage struct {
	Python string `json:"python"`
}

// Sandbox-originated messages. Unary messages carry no correlation id;
// request messages carry msg_id and block the sandbox until the client
// sends the matching response.

type printMessage struct {
	Text string `json:"text"`
}

type errorMessage struct {
	Message string `json:"message"`
}

type storeArtifactMessage struct {
	Identifier   string          `json:"identifier"`
	Title        string          `json:"title"`
	ArtifactType artifact.Type   `json:"artifact_type"`
	Data         json.RawMessage `json:"data"`
}

type getArtifactMessage struct {
	Identifier string `json:"identifier"`
	MsgID      int64  `json:"msg_id"`
}

type classifyMessage struct {
	Instructions     string   `json:"instructions"`
	InputsToClassify []string `json:"inputs_to_classify"`
	Categories       []string `json:"categories"`
	AllowMultiple    bool     `json:"allow_multiple"`
	MsgID            int64    `json:"msg_id"`
}

type summarizeMessage struct {
	Instructions string `json:"instructions"`
	Input        string `json:"input"`
	MsgID        int64  `json:"msg_id"`
}

type runSQLMessage struct {
	SQL   string `json:"sql"`
	MsgID int64  `json:"msg_id"`
}

// Client responses, correlated by orig_msg_id.

type getArtifactResponse struct {
	OrigMsgID int64 `json:"orig_msg_id"`
	Contents  any   `json:"contents"`
}

type classifyResponse struct {
	OrigMsgID int64 `json:"orig_msg_id"`
	Results   any   `json:"results"`
}

type summarizeResponse struct {
	OrigMsgID int64  `json:"orig_msg_id"`
	Summary   string `json:"summary"`
}

type runSQLResponse struct {
	OrigMsgID int64          `json:"orig_msg_id"`
	Data      sqlengine.Rows `json:"data"`
}

// decodeServerMessage decodes one sandbox message by its type
// discriminator. Unknown types are protocol violations.
func decodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed sandbox message: %w", err)
	}

	var (
		message any
		err     error
	)
	switch envelope.Type {
	case "print":
		var m printMessage
		err = json.Unmarshal(data, &m)
		message = m
	case "error":
		var m errorMessage
		err = json.Unmarshal(data, &m)
		message = m
	case "store_artifact":
		var m storeArtifactMessage
		err = json.Unmarshal(data, &m)
		message = m
	case "get_artifact":
		var m getArtifactMessage
		err = json.Unmarshal(data, &m)
		message = m
	case "classify":
		var m classifyMessage
		err = json.Unmarshal(data, &m)
		message = m
	case "summarize":
		var m summarizeMessage
		err = json.Unmarshal(data, &m)
		message = m
	case "run_sql":
		var m runSQLMessage
		err = json.Unmarshal(data, &m)
		message = m
	default:
		return nil, fmt.Errorf("unsupported message type from sandbox: %q", envelope.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("malformed %s message: %w", envelope.Type, err)
	}
	return message, nil
}
