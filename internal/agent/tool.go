package agent

import (
	"github.com/queryloop/queryloop/internal/prompt"
)

// PythonTool is the single tool offered to the model: execute a Python
// script against the sandbox.
type PythonTool struct {
	Prompt prompt.Builder
}

func (t PythonTool) Name() string { return prompt.ToolName }

func (t PythonTool) Description() string { return t.Prompt.ToolDescription() }

func (t PythonTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			prompt.CodeArgument: map[string]any{
				"type":        "string",
				"description": prompt.CodeArgumentDescription,
			},
		},
		"required": []string{prompt.CodeArgument},
	}
}
