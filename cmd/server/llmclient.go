package main

import (
	"errors"

	"github.com/queryloop/queryloop/internal/config"
	"github.com/queryloop/queryloop/internal/llm"
)

// buildLLMClient constructs the language model client the agent runs
// against. Vendor adapters plug in here; builds without one configured
// refuse to start rather than serving a broken agent.
func buildLLMClient(_ *config.Config) (llm.Client, error) {
	return nil, errors.New("no LLM provider configured: wire a vendor adapter in cmd/server/llmclient.go")
}
