package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/queryloop/queryloop/internal/chat"
	"github.com/queryloop/queryloop/internal/llm"
	"github.com/queryloop/queryloop/internal/sandbox"
)

const (
	codeFencePython = "```python\n"
	codeFence       = "```\n"
	codeFenceEnd    = "```"

	// retryInstruction is fed back to the model together with the failing
	// script so it can self-correct.
	retryInstruction = "Your script generated the following error. Fix it."
)

// DefaultMaxRetries bounds how many times a failing plan is retried.
const DefaultMaxRetries = 3

// Plan is one model answer: the raw text plus any fenced Python found in
// it. PythonCode is empty when the answer carried no code.
type Plan struct {
	Raw        string
	PythonCode string
}

// PlanResult is the outcome of a planner run. Output is nil when the
// final plan carried no code. RetriesUsed counts re-plans after the
// first attempt; a run that fails twice then succeeds used two.
type PlanResult struct {
	Plan        Plan
	Output      *sandbox.ExecResult
	RetriesUsed int
}

// Planner is the single-shot, natural-language variant of the loop: it
// asks the model for a plan, executes any code in it, and re-plans with
// the error fed back when execution fails, up to a fixed bound. After
// the bound it returns the last failing result.
type Planner struct {
	LLM          llm.Client
	Sandbox      *sandbox.Client
	SystemPrompt chat.SystemPromptFunc

	// MaxRetries bounds re-plans. Zero selects DefaultMaxRetries.
	MaxRetries int
	// PromptBudget caps the characters sent per LLM call. Zero selects
	// DefaultPromptBudget.
	PromptBudget int

	Logger *slog.Logger
}

func (p *Planner) maxRetries() int {
	if p.MaxRetries > 0 {
		return p.MaxRetries
	}
	return DefaultMaxRetries
}

func (p *Planner) budget() int {
	if p.PromptBudget > 0 {
		return p.PromptBudget
	}
	return DefaultPromptBudget
}

func (p *Planner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

type planAttempt struct {
	raw       string
	execError string
}

// Run plans and executes until the script succeeds, produces no code, or
// the retry bound is spent.
func (p *Planner) Run(ctx context.Context, userPrompt string) (*PlanResult, error) {
	var attempts []planAttempt
	var result *PlanResult

	for try := 0; try <= p.maxRetries(); try++ {
		if try > 0 {
			p.logger().Info("retrying plan", "attempt", try+1)
		}

		plan, err := p.plan(ctx, userPrompt, attempts)
		if err != nil {
			return nil, err
		}
		result = &PlanResult{Plan: plan, RetriesUsed: try}
		if plan.PythonCode == "" {
			return result, nil
		}

		exec, err := p.Sandbox.ExecCode(ctx, plan.PythonCode)
		if err != nil {
			return nil, err
		}
		result.Output = exec
		if exec.Error == nil {
			return result, nil
		}

		attempts = append(attempts, planAttempt{raw: plan.Raw, execError: *exec.Error})
	}

	return result, nil
}

// plan asks the model for one answer. Prior failed attempts are replayed
// as extra turns before the budget is applied, so under pressure the
// oldest context is dropped first.
func (p *Planner) plan(ctx context.Context, userPrompt string, attempts []planAttempt) (Plan, error) {
	c := &chat.Chat{SystemPrompt: p.SystemPrompt}
	if err := c.AddTurn(chat.UserTurn{Text: userPrompt}); err != nil {
		return Plan{}, err
	}
	for _, attempt := range attempts {
		raw := attempt.raw
		if err := c.AddTurn(chat.AssistantTurn{Text: &raw}); err != nil {
			return Plan{}, err
		}
		feedback := fmt.Sprintf("%s\n%s", retryInstruction, attempt.execError)
		if err := c.AddTurn(chat.UserTurn{Text: feedback}); err != nil {
			return Plan{}, err
		}
	}

	truncated, err := chat.Truncate(c, p.budget())
	if err != nil {
		return Plan{}, err
	}

	temperature := 0.0
	turn, err := p.LLM.AssistantTurn(ctx, truncated, nil, &temperature)
	if err != nil {
		return Plan{}, fmt.Errorf("plan generation: %w", err)
	}
	if turn.Text == nil {
		return Plan{}, llm.ErrNoResponse
	}

	return Plan{Raw: *turn.Text, PythonCode: extractFencedCode(*turn.Text)}, nil
}

// extractFencedCode pulls the first fenced code block out of a model
// answer, preferring an explicit python fence.
func extractFencedCode(text string) string {
	begin := strings.Index(text, codeFencePython)
	fenceLen := len(codeFencePython)
	if begin < 0 {
		begin = strings.Index(text, codeFence)
		fenceLen = len(codeFence)
	}
	if begin < 0 {
		return ""
	}
	rest := text[begin+fenceLen:]
	end := strings.Index(rest, codeFenceEnd)
	if end < 0 {
		return ""
	}
	return rest[:end]
}
