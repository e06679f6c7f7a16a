package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/queryloop/queryloop/internal/chat"
	"github.com/queryloop/queryloop/internal/confirm"
	"github.com/queryloop/queryloop/internal/llm"
	"github.com/queryloop/queryloop/internal/prompt"
	"github.com/queryloop/queryloop/internal/sandbox"
	"github.com/queryloop/queryloop/internal/sqlengine"
)

// fakeLLM replays scripted assistant turns and records the chats it saw.
type fakeLLM struct {
	turns []chat.AssistantTurn
	calls int
	seen  []*chat.Chat
}

func (f *fakeLLM) AssistantTurn(_ context.Context, c *chat.Chat, _ []llm.Tool, _ *float64) (chat.AssistantTurn, error) {
	f.seen = append(f.seen, c)
	if f.calls >= len(f.turns) {
		return chat.AssistantTurn{}, errors.New("no more scripted turns")
	}
	turn := f.turns[f.calls]
	f.calls++
	return turn, nil
}

func textPtr(s string) *string { return &s }

func toolCallTurn(callID string, input string) chat.AssistantTurn {
	return chat.AssistantTurn{
		Text: textPtr("Let me run some code."),
		ToolCalls: []chat.ToolCall{
			{Name: prompt.ToolName, CallID: callID, Input: json.RawMessage(input)},
		},
	}
}

// gatedEngine refuses mutations until they are explicitly allowed.
type gatedEngine struct{}

func (gatedEngine) ExecuteSQL(_ context.Context, _ string, allowMutations bool) (sqlengine.Rows, error) {
	if !allowMutations {
		return nil, sqlengine.ErrMutationsDisallowed
	}
	return sqlengine.Rows{{"deleted": int64(1)}}, nil
}

func (gatedEngine) Catalog(context.Context) (sqlengine.Catalog, error) {
	return sqlengine.Catalog{}, nil
}

// scriptedSandbox starts a sandbox that answers every execution with the
// given script and returns a client bound to it.
func scriptedSandbox(t *testing.T, script func(ctx context.Context, conn *websocket.Conn) error) *sandbox.Client {
	return scriptedSandboxConfig(t, sandbox.Config{}, script)
}

// scriptedSandboxConfig is scriptedSandbox with client-side backends.
func scriptedSandboxConfig(t *testing.T, cfg sandbox.Config, script func(ctx context.Context, conn *websocket.Conn) error) *sandbox.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept failed: %v", err)
			return
		}
		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			t.Errorf("Failed to read hello: %v", err)
			return
		}
		if err := script(ctx, conn); err != nil {
			t.Errorf("Sandbox script failed: %v", err)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(server.Close)
	cfg.URI = server.URL
	return sandbox.NewClient(cfg)
}

func sendText(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func collectEvents(t *testing.T, l *Loop, userText string) []Event {
	t.Helper()
	var events []Event
	for ev, err := range l.Run(context.Background(), userText) {
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func TestLoop_CodeThenAnswer(t *testing.T) {
	client := scriptedSandbox(t, func(ctx context.Context, conn *websocket.Conn) error {
		return sendText(ctx, conn, map[string]any{"type": "print", "text": "42"})
	})

	model := &fakeLLM{turns: []chat.AssistantTurn{
		toolCallTurn("c1", `{"python_code":"print(42)"}`),
		{Text: textPtr("The answer is 42.")},
	}}

	c := &chat.Chat{}
	loop := &Loop{LLM: model, Sandbox: client, Chat: c}

	events := collectEvents(t, loop, "what is the answer?")

	last := events[len(events)-1]
	if _, ok := last.(Finished); !ok {
		t.Errorf("Expected Finished last, got %T", last)
	}

	var outputs, responded int
	for _, ev := range events {
		switch e := ev.(type) {
		case CodeSubmitted:
			if e.Code != "print(42)" {
				t.Errorf("Unexpected submitted code: %q", e.Code)
			}
		case CodeOutput:
			outputs++
			if e.Chunk != "42\n" {
				t.Errorf("Unexpected output chunk: %q", e.Chunk)
			}
		case ToolResponded:
			responded++
			out, ok := e.Turn.Responses[0].Output.(chat.PythonOutput)
			if !ok {
				t.Fatalf("Expected PythonOutput, got %T", e.Turn.Responses[0].Output)
			}
			if out.Output != "42\n" || out.Error != nil {
				t.Errorf("Unexpected tool output: %+v", out)
			}
			if e.Turn.Responses[0].CallID != "c1" {
				t.Errorf("Expected response correlated to c1, got %q", e.Turn.Responses[0].CallID)
			}
		}
	}
	if outputs != 1 || responded != 1 {
		t.Errorf("Expected 1 output and 1 tool response, got %d and %d", outputs, responded)
	}

	// user, assistant+tool, tool response, assistant.
	if len(c.Turns) != 4 {
		t.Errorf("Expected 4 turns in the chat, got %d", len(c.Turns))
	}
	if model.calls != 2 {
		t.Errorf("Expected 2 LLM calls, got %d", model.calls)
	}
}

func TestLoop_ConfirmationDuringExecution(t *testing.T) {
	broker := confirm.NewBroker(5 * time.Second)
	cfg := sandbox.Config{Engine: gatedEngine{}, Confirmer: broker}
	client := scriptedSandboxConfig(t, cfg, func(ctx context.Context, conn *websocket.Conn) error {
		if err := sendText(ctx, conn, map[string]any{"type": "run_sql", "sql": "DELETE FROM users WHERE id = 7", "msg_id": 1}); err != nil {
			return err
		}
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
		return sendText(ctx, conn, map[string]any{"type": "print", "text": "1 row deleted"})
	})

	model := &fakeLLM{turns: []chat.AssistantTurn{
		toolCallTurn("c1", `{"python_code":"run_sql('DELETE FROM users WHERE id = 7')"}`),
		{Text: textPtr("Deleted the user.")},
	}}

	loop := &Loop{LLM: model, Sandbox: client, Confirmer: broker, Chat: &chat.Chat{}}

	var events []Event
	for ev, err := range loop.Run(context.Background(), "delete user 7") {
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		events = append(events, ev)
		// Answer the gate as soon as it is surfaced, while the
		// execution stream is still open.
		if req, ok := ev.(ConfirmationRequested); ok {
			if err := broker.Resolve(req.Request.ID, true); err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
		}
	}

	requestedAt, resolvedAt, respondedAt := -1, -1, -1
	for i, ev := range events {
		switch e := ev.(type) {
		case ConfirmationRequested:
			if requestedAt != -1 {
				t.Fatalf("Expected a single confirmation request, got a second at index %d", i)
			}
			requestedAt = i
			if e.Request.Message != "DELETE FROM users WHERE id = 7" {
				t.Errorf("Unexpected confirmation message: %q", e.Request.Message)
			}
		case ConfirmationResolved:
			if resolvedAt != -1 {
				t.Fatalf("Expected a single resolution, got a second at index %d", i)
			}
			resolvedAt = i
			if e.Resolution.Status != confirm.StatusApproved {
				t.Errorf("Expected approved resolution, got %q", e.Resolution.Status)
			}
		case ToolResponded:
			respondedAt = i
			out, ok := e.Turn.Responses[0].Output.(chat.PythonOutput)
			if !ok {
				t.Fatalf("Expected PythonOutput, got %T", e.Turn.Responses[0].Output)
			}
			if out.Error != nil {
				t.Errorf("Expected approved mutation to succeed, got error %q", *out.Error)
			}
			if out.Output != "1 row deleted\n" {
				t.Errorf("Unexpected output: %q", out.Output)
			}
			if len(out.SQLStatements) != 1 {
				t.Errorf("Expected 1 recorded statement, got %d", len(out.SQLStatements))
			}
		}
	}

	if requestedAt == -1 {
		t.Fatal("Expected a ConfirmationRequested event")
	}
	if resolvedAt == -1 {
		t.Fatal("Expected a ConfirmationResolved event")
	}
	if respondedAt == -1 {
		t.Fatal("Expected a ToolResponded event")
	}
	if requestedAt >= resolvedAt || resolvedAt >= respondedAt {
		t.Errorf("Expected request, then resolution, then tool response; got indexes %d, %d, %d",
			requestedAt, resolvedAt, respondedAt)
	}
}

func TestLoop_NoToolCall(t *testing.T) {
	model := &fakeLLM{turns: []chat.AssistantTurn{
		{Text: textPtr("Just an answer.")},
	}}
	loop := &Loop{LLM: model, Chat: &chat.Chat{}}

	events := collectEvents(t, loop, "hello")
	if len(events) != 3 {
		t.Fatalf("Expected LLMCall, AssistantResponse, Finished; got %d events", len(events))
	}
	if _, ok := events[2].(Finished); !ok {
		t.Errorf("Expected Finished, got %T", events[2])
	}
}

func TestLoop_MultipleToolCallsFatal(t *testing.T) {
	turn := chat.AssistantTurn{ToolCalls: []chat.ToolCall{
		{Name: prompt.ToolName, CallID: "c1", Input: json.RawMessage(`{}`)},
		{Name: prompt.ToolName, CallID: "c2", Input: json.RawMessage(`{}`)},
	}}
	model := &fakeLLM{turns: []chat.AssistantTurn{turn}}
	loop := &Loop{LLM: model, Chat: &chat.Chat{}}

	var runErr error
	for _, err := range loop.Run(context.Background(), "hello") {
		if err != nil {
			runErr = err
			break
		}
	}
	if !errors.Is(runErr, ErrMultipleToolCalls) {
		t.Errorf("Expected ErrMultipleToolCalls, got %v", runErr)
	}
}

func TestLoop_InvalidToolCallFeedsErrorBack(t *testing.T) {
	model := &fakeLLM{turns: []chat.AssistantTurn{
		{ToolCalls: []chat.ToolCall{{Name: "wrong_tool", CallID: "c1", Input: json.RawMessage(`{}`)}}},
		{Text: textPtr("Sorry about that.")},
	}}
	c := &chat.Chat{}
	loop := &Loop{LLM: model, Chat: c}

	events := collectEvents(t, loop, "hello")

	var failed *CodeFailed
	for _, ev := range events {
		if e, ok := ev.(CodeFailed); ok {
			failed = &e
		}
	}
	if failed == nil {
		t.Fatal("Expected a CodeFailed event")
	}
	if failed.Error != "Invalid tool name wrong_tool" {
		t.Errorf("Unexpected validation error: %q", failed.Error)
	}

	// The error must reach the conversation so the model can correct it.
	responseTurn, ok := c.Turns[2].(chat.ToolResponseTurn)
	if !ok {
		t.Fatalf("Expected tool response turn, got %T", c.Turns[2])
	}
	out := responseTurn.Responses[0].Output.(chat.PythonOutput)
	if out.Error == nil || *out.Error != "Invalid tool name wrong_tool" {
		t.Errorf("Expected validation error in tool output, got %v", out.Error)
	}
}

func TestExtractCode_Validation(t *testing.T) {
	loop := &Loop{}
	cases := []struct {
		name  string
		call  chat.ToolCall
		want  string
		valid bool
	}{
		{"wrong name", chat.ToolCall{Name: "other", Input: json.RawMessage(`{}`)}, "Invalid tool name other", false},
		{"not a dict", chat.ToolCall{Name: prompt.ToolName, Input: json.RawMessage(`"text"`)}, "Invalid tool input, expected dictionary", false},
		{"missing param", chat.ToolCall{Name: prompt.ToolName, Input: json.RawMessage(`{}`)}, "Missing tool input parameter: python_code", false},
		{"wrong type", chat.ToolCall{Name: prompt.ToolName, Input: json.RawMessage(`{"python_code":1}`)}, "Invalid tool input parameter: python_code must be a string", false},
		{"valid", chat.ToolCall{Name: prompt.ToolName, Input: json.RawMessage(`{"python_code":"x = 1"}`)}, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, validationErr := loop.extractCode(tc.call)
			if tc.valid {
				if validationErr != "" {
					t.Errorf("Expected valid call, got %q", validationErr)
				}
				if code != "x = 1" {
					t.Errorf("Unexpected code: %q", code)
				}
				return
			}
			if validationErr != tc.want {
				t.Errorf("Expected %q, got %q", tc.want, validationErr)
			}
		})
	}
}

func TestPythonTool_Schema(t *testing.T) {
	tool := PythonTool{Prompt: prompt.Builder{Options: prompt.DefaultOptions()}}
	if tool.Name() != "execute_python" {
		t.Errorf("Unexpected tool name: %q", tool.Name())
	}

	schema := tool.InputSchema()
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("Expected properties map, got %T", schema["properties"])
	}
	if _, ok := props["python_code"]; !ok {
		t.Error("Expected python_code property in schema")
	}
	required, ok := schema["required"].([]string)
	if !ok || len(required) != 1 || required[0] != "python_code" {
		t.Errorf("Expected python_code required, got %v", schema["required"])
	}
}
