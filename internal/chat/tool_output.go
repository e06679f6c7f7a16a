package chat

import (
	"encoding/json"
	"fmt"

	"github.com/queryloop/queryloop/internal/sqlengine"
)

// ToolOutput is the result of executing a tool call. It is a closed union:
// PythonOutput for code execution and SQLRowsOutput for raw SQL.
type ToolOutput interface {
	// Response is the text fed back to the LLM as the tool result.
	Response() string
	// HasError reports whether the execution failed.
	HasError() bool

	isToolOutput()
}

// PythonOutput is the result of executing a Python program in the sandbox.
type PythonOutput struct {
	Output              string                   `json:"output"`
	Error               *string                  `json:"error,omitempty"`
	SQLStatements       []sqlengine.SQLStatement `json:"sql_statements"`
	ModifiedArtifactIDs []string                 `json:"modified_artifact_ids"`
}

// SQLRowsOutput is the result of executing a raw SQL statement.
type SQLRowsOutput struct {
	Rows  sqlengine.Rows `json:"rows,omitempty"`
	Error *string        `json:"error,omitempty"`
}

func (PythonOutput) isToolOutput()  {}
func (SQLRowsOutput) isToolOutput() {}

// Response returns the execution output with any error appended, matching
// what the conversation history shows the LLM.
func (o PythonOutput) Response() string {
	if o.Error != nil {
		return o.Output + *o.Error
	}
	return o.Output
}

// HasError reports whether the execution failed.
func (o PythonOutput) HasError() bool { return o.Error != nil }

// Response renders the rows, or the error if the statement failed.
func (o SQLRowsOutput) Response() string {
	if o.Error != nil {
		return *o.Error
	}
	rendered, err := json.Marshal(o.Rows)
	if err != nil {
		return fmt.Sprintf("%v", o.Rows)
	}
	return string(rendered)
}

// HasError reports whether the statement failed.
func (o SQLRowsOutput) HasError() bool { return o.Error != nil }

const (
	outputTypePython = "python"
	outputTypeSQL    = "sql"
)

type toolCallResponseJSON struct {
	CallID     string          `json:"call_id"`
	OutputType string          `json:"output_type"`
	Output     json.RawMessage `json:"output"`
}

// MarshalJSON encodes the response with an output_type discriminator so the
// closed ToolOutput union survives persistence.
func (r ToolCallResponse) MarshalJSON() ([]byte, error) {
	var outputType string
	switch r.Output.(type) {
	case PythonOutput:
		outputType = outputTypePython
	case SQLRowsOutput:
		outputType = outputTypeSQL
	default:
		return nil, fmt.Errorf("unknown tool output type %T", r.Output)
	}

	output, err := json.Marshal(r.Output)
	if err != nil {
		return nil, err
	}

	return json.Marshal(toolCallResponseJSON{
		CallID:     r.CallID,
		OutputType: outputType,
		Output:     output,
	})
}

// UnmarshalJSON decodes a response produced by MarshalJSON.
func (r *ToolCallResponse) UnmarshalJSON(data []byte) error {
	var raw toolCallResponseJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.CallID = raw.CallID
	switch raw.OutputType {
	case outputTypePython:
		var output PythonOutput
		if err := json.Unmarshal(raw.Output, &output); err != nil {
			return err
		}
		r.Output = output
	case outputTypeSQL:
		var output SQLRowsOutput
		if err := json.Unmarshal(raw.Output, &output); err != nil {
			return err
		}
		r.Output = output
	default:
		return fmt.Errorf("unknown tool output type %q", raw.OutputType)
	}
	return nil
}
