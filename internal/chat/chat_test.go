package chat

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestAddTurn_Alternation(t *testing.T) {
	c := &Chat{}

	if err := c.AddTurn(UserTurn{Text: "hello"}); err != nil {
		t.Fatalf("Expected user turn to start the chat, got %v", err)
	}
	if err := c.AddTurn(UserTurn{Text: "again"}); !errors.Is(err, ErrTurnOrder) {
		t.Errorf("Expected ErrTurnOrder for consecutive user turns, got %v", err)
	}
	if err := c.AddTurn(AssistantTurn{Text: strPtr("hi")}); err != nil {
		t.Fatalf("Expected assistant turn after user turn, got %v", err)
	}
	if err := c.AddTurn(AssistantTurn{Text: strPtr("hi again")}); !errors.Is(err, ErrTurnOrder) {
		t.Errorf("Expected ErrTurnOrder for consecutive assistant turns, got %v", err)
	}
}

func TestAddTurn_AssistantCannotStart(t *testing.T) {
	c := &Chat{}
	if err := c.AddTurn(AssistantTurn{Text: strPtr("hi")}); !errors.Is(err, ErrTurnOrder) {
		t.Errorf("Expected ErrTurnOrder for assistant turn starting the chat, got %v", err)
	}
}

func TestAddTurn_ToolResponseNeedsToolCalls(t *testing.T) {
	c := &Chat{}
	if err := c.AddTurn(UserTurn{Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddTurn(AssistantTurn{Text: strPtr("no tools here")}); err != nil {
		t.Fatal(err)
	}

	resp := ToolResponseTurn{Responses: []ToolCallResponse{
		{CallID: "c1", Output: PythonOutput{Output: "42\n"}},
	}}
	if err := c.AddTurn(resp); !errors.Is(err, ErrTurnOrder) {
		t.Errorf("Expected ErrTurnOrder for tool response after plain assistant turn, got %v", err)
	}
}

func TestAddTurn_ToolResponseFlow(t *testing.T) {
	c := &Chat{}
	mustAdd(t, c, UserTurn{Text: "compute"})
	mustAdd(t, c, AssistantTurn{ToolCalls: []ToolCall{
		{Name: "execute_python_program", CallID: "c1", Input: json.RawMessage(`{"python_code":"print(1)"}`)},
	}})
	mustAdd(t, c, ToolResponseTurn{Responses: []ToolCallResponse{
		{CallID: "c1", Output: PythonOutput{Output: "1\n"}},
	}})

	// After a tool response, the assistant speaks again.
	if err := c.AddTurn(AssistantTurn{Text: strPtr("done")}); err != nil {
		t.Errorf("Expected assistant turn after tool response, got %v", err)
	}
}

func mustAdd(t *testing.T, c *Chat, turn Turn) {
	t.Helper()
	if err := c.AddTurn(turn); err != nil {
		t.Fatalf("AddTurn(%T) failed: %v", turn, err)
	}
}

func TestPromptChars(t *testing.T) {
	user := UserTurn{Text: "hello"}
	if got := PromptChars(user); got != 5 {
		t.Errorf("Expected 5 chars for user turn, got %d", got)
	}

	assistant := AssistantTurn{
		Text: strPtr("abc"),
		ToolCalls: []ToolCall{
			{Name: "run", Input: json.RawMessage(`{"x":1}`)},
		},
	}
	want := 3 + 3 + len(`{"x":1}`)
	if got := PromptChars(assistant); got != want {
		t.Errorf("Expected %d chars for assistant turn, got %d", want, got)
	}

	errText := "boom"
	resp := ToolResponseTurn{Responses: []ToolCallResponse{
		{CallID: "c1", Output: PythonOutput{Output: "out\n", Error: &errText}},
	}}
	if got := PromptChars(resp); got != len("out\nboom") {
		t.Errorf("Expected %d chars for tool response turn, got %d", len("out\nboom"), got)
	}
}

func TestTruncate_KeepsRecentUserBoundary(t *testing.T) {
	c := &Chat{SystemPrompt: StaticPrompt("sys")}
	mustAdd(t, c, UserTurn{Text: strings.Repeat("a", 100)})
	mustAdd(t, c, AssistantTurn{Text: strPtr(strings.Repeat("b", 100))})
	mustAdd(t, c, UserTurn{Text: strings.Repeat("c", 10)})
	mustAdd(t, c, AssistantTurn{Text: strPtr(strings.Repeat("d", 10))})

	// Budget fits system prompt plus the last two turns only.
	got, err := Truncate(c, 3+10+10)
	if err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if len(got.Turns) != 2 {
		t.Fatalf("Expected 2 turns after truncation, got %d", len(got.Turns))
	}
	first, ok := got.Turns[0].(UserTurn)
	if !ok {
		t.Fatalf("Expected truncated chat to start with a user turn, got %T", got.Turns[0])
	}
	if first.Text != strings.Repeat("c", 10) {
		t.Errorf("Expected most recent user turn to survive, got %q", first.Text)
	}
}

func TestTruncate_FullChatFits(t *testing.T) {
	c := &Chat{}
	mustAdd(t, c, UserTurn{Text: "one"})
	mustAdd(t, c, AssistantTurn{Text: strPtr("two")})
	mustAdd(t, c, UserTurn{Text: "three"})

	got, err := Truncate(c, 1000)
	if err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if len(got.Turns) != 3 {
		t.Errorf("Expected all 3 turns to survive, got %d", len(got.Turns))
	}
}

func TestTruncate_BudgetExceeded(t *testing.T) {
	c := &Chat{}
	mustAdd(t, c, UserTurn{Text: strings.Repeat("x", 50)})

	if _, err := Truncate(c, 10); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("Expected ErrBudgetExceeded, got %v", err)
	}
}

func TestTruncate_SystemPromptCounted(t *testing.T) {
	c := &Chat{SystemPrompt: StaticPrompt(strings.Repeat("s", 20))}
	mustAdd(t, c, UserTurn{Text: strings.Repeat("u", 20)})

	// The turn alone fits, but not together with the system prompt.
	if _, err := Truncate(c, 30); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("Expected ErrBudgetExceeded when system prompt eats the budget, got %v", err)
	}
	if _, err := Truncate(c, 40); err != nil {
		t.Errorf("Expected success with a sufficient budget, got %v", err)
	}
}

func TestToolCallResponse_JSONRoundTrip(t *testing.T) {
	errText := "division by zero"
	original := ToolCallResponse{
		CallID: "call-7",
		Output: PythonOutput{
			Output:              "partial\n",
			Error:               &errText,
			ModifiedArtifactIDs: []string{"a1"},
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded ToolCallResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	output, ok := decoded.Output.(PythonOutput)
	if !ok {
		t.Fatalf("Expected PythonOutput after round trip, got %T", decoded.Output)
	}
	if output.Output != "partial\n" || output.Error == nil || *output.Error != errText {
		t.Errorf("Round trip mangled the output: %+v", output)
	}
	if output.Response() != "partial\ndivision by zero" {
		t.Errorf("Unexpected Response(): %q", output.Response())
	}
}

func TestToolCallResponse_UnknownOutputType(t *testing.T) {
	var decoded ToolCallResponse
	err := json.Unmarshal([]byte(`{"call_id":"c1","output_type":"bogus","output":{}}`), &decoded)
	if err == nil {
		t.Error("Expected an error for an unknown output type")
	}
}
