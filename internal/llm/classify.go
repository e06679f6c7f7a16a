package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Classification is the category assignment for one input. In
// single-category mode Single holds the chosen category; in multi mode
// Categories holds zero or more.
type Classification struct {
	Multi      bool
	Single     string
	Categories []string
}

// MarshalJSON encodes the wire shape expected by the sandbox: a bare
// string in single mode, an array of strings in multi mode.
func (c Classification) MarshalJSON() ([]byte, error) {
	if c.Multi {
		if c.Categories == nil {
			return json.Marshal([]string{})
		}
		return json.Marshal(c.Categories)
	}
	return json.Marshal(c.Single)
}

// Classifier assigns categories to inputs on behalf of sandbox programs.
type Classifier interface {
	Classify(ctx context.Context, instructions string, inputs []string, categories []string, allowMultiple bool) ([]Classification, error)
}

// LLMClassifier classifies by prompting a language model once per input.
type LLMClassifier struct {
	Client Client
}

// noCategories is the model's answer when no category applies in multi
// mode.
const noCategories = "None"

// Classify prompts the model for each input and parses the returned
// category names.
func (c *LLMClassifier) Classify(ctx context.Context, instructions string, inputs []string, categories []string, allowMultiple bool) ([]Classification, error) {
	var systemPrompt string
	if allowMultiple {
		systemPrompt = fmt.Sprintf(`You are a classifier that classifies the user input into zero or more of these categories: %v
%s
Your response must contain the list of applicable categories, one per line. If no categories apply, then simply respond with "None".
Your response should contain no fluff words (eg: nothing like "here is the category") or fluff characters (eg: no extra punctuation)`, categories, instructions)
	} else {
		systemPrompt = fmt.Sprintf(`You are a classifier that classifies the user input into one of these categories: %v
%s
Your response must exactly be one of the possible categories with no fluff words (eg: nothing like "here is the category") or fluff characters (eg: no extra punctuation)`, categories, instructions)
	}

	results := make([]Classification, 0, len(inputs))
	for _, input := range inputs {
		answer, err := Ask(ctx, c.Client, input, systemPrompt)
		if err != nil {
			return nil, fmt.Errorf("classify input: %w", err)
		}
		answer = strings.TrimSpace(answer)

		if allowMultiple {
			result := Classification{Multi: true}
			if answer != noCategories {
				result.Categories = strings.Split(answer, "\n")
			}
			results = append(results, result)
		} else {
			results = append(results, Classification{Single: answer})
		}
	}
	return results, nil
}
