package llm

import (
	"context"
	"fmt"
)

// Summarizer condenses text on behalf of sandbox programs.
type Summarizer interface {
	Summarize(ctx context.Context, instructions, input string) (string, error)
}

// LLMSummarizer summarizes by prompting a language model.
type LLMSummarizer struct {
	Client Client
}

// Summarize prompts the model with the input and instructions.
func (s *LLMSummarizer) Summarize(ctx context.Context, instructions, input string) (string, error) {
	systemPrompt := fmt.Sprintf(`You are a summarization tool. Given the input from the user, summarize it according to these instructions. Respond only with the summarized text and nothing else (eg: no fluff words like "here is the summary", and no chatting to the user).
%s`, instructions)

	summary, err := Ask(ctx, s.Client, input, systemPrompt)
	if err != nil {
		return "", fmt.Errorf("summarize input: %w", err)
	}
	return summary, nil
}
