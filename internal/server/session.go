package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/queryloop/queryloop/internal/agent"
	"github.com/queryloop/queryloop/internal/artifact"
	"github.com/queryloop/queryloop/internal/chat"
	"github.com/queryloop/queryloop/internal/confirm"
	"github.com/queryloop/queryloop/internal/prompt"
	"github.com/queryloop/queryloop/internal/sandbox"
	"github.com/queryloop/queryloop/internal/thread"
)

// errInvalidClientInput marks protocol violations by the client. They
// close the connection with code 1003; everything else fatal closes with
// 1011.
var errInvalidClientInput = errors.New("invalid client input")

// titleChars is how much of the first user message becomes the thread
// title.
const titleChars = 40

// session drives one websocket connection: handshake, one user
// interaction through the agent loop, then completion.
type session struct {
	conn    *websocket.Conn
	thread  *thread.Thread
	isNew   bool
	deps    Deps
	logger  *slog.Logger
	cancel  context.CancelFunc
	readErr chan error
}

// run returns the close code for the connection.
func (s *session) run(ctx context.Context) websocket.StatusCode {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	interaction, err := s.runInteraction(ctx)
	if err == nil {
		return websocket.StatusNormalClosure
	}

	// The reader goroutine aborts the session on bad input; report its
	// error rather than the cancellation it caused.
	select {
	case readErr := <-s.readErr:
		if readErr != nil {
			err = readErr
		}
	default:
	}

	message := err.Error()
	if interaction != nil {
		interaction.Error = &message
		s.checkpoint(context.WithoutCancel(ctx))
	}

	if errors.Is(err, errInvalidClientInput) {
		s.logger.Warn("closing session on client error", "error", err)
		s.sendBestEffort(clientErrorMessage{Type: "client_error", Message: message})
		return websocket.StatusUnsupportedData
	}

	s.logger.Error("closing session on internal error", "error", err)
	s.sendBestEffort(serverErrorMessage{Type: "server_error", Message: message})
	return websocket.StatusInternalError
}

func (s *session) runInteraction(ctx context.Context) (*thread.Interaction, error) {
	init, err := s.expectClientInit(ctx)
	if err != nil {
		return nil, err
	}
	if init.Version != protocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %q", errInvalidClientInput, init.Version)
	}

	um, err := s.expectUserMessage(ctx)
	if err != nil {
		return nil, err
	}

	titleChanged := false
	if s.isNew {
		s.thread.Title = truncateTitle(um.Message)
		titleChanged = true
	}

	broker := confirm.NewBroker(s.deps.ConfirmationTimeout)
	defer broker.CancelAll()

	artifacts := s.thread.State.ArtifactStore()

	catalog, err := s.deps.Engine.Catalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	builder := prompt.Builder{Options: prompt.DefaultOptions()}
	systemPrompt := func([]chat.Turn) string {
		return builder.SystemPrompt(artifacts.List(), catalog)
	}

	c, err := thread.ChatFromState(&s.thread.State, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("rebuild chat: %w", err)
	}

	sandboxClient := sandbox.NewClient(sandbox.Config{
		URI:        s.deps.SandboxURI,
		APIToken:   s.deps.SandboxToken,
		Engine:     s.deps.Engine,
		Classifier: s.deps.Classifier,
		Summarizer: s.deps.Summarizer,
		Artifacts:  artifacts,
		Confirmer:  broker,
		Logger:     s.logger,
	})

	loop := &agent.Loop{
		LLM:          s.deps.LLM,
		Sandbox:      sandboxClient,
		Confirmer:    broker,
		Tool:         agent.PythonTool{Prompt: builder},
		Chat:         c,
		PromptBudget: s.deps.PromptBudget,
		Logger:       s.logger,
	}

	interaction := &thread.Interaction{
		InteractionID: uuid.New(),
		UserMessage:   thread.UserMessage{Timestamp: time.Now(), Message: um.Message},
	}
	s.thread.State.Interactions = append(s.thread.State.Interactions, interaction)
	s.checkpoint(ctx)

	if err := s.send(ctx, acceptInteraction{
		Type:          "accept_interaction",
		InteractionID: interaction.InteractionID,
		ThreadID:      s.thread.ThreadID,
	}); err != nil {
		return interaction, err
	}
	if titleChanged {
		if err := s.send(ctx, titleUpdated{Type: "title_updated", Title: s.thread.Title}); err != nil {
			return interaction, err
		}
	}

	// From here the reader goroutine owns the websocket's read side,
	// routing confirmation answers to the broker.
	go s.readConfirmations(ctx, broker)

	if err := s.driveLoop(ctx, loop, interaction, artifacts, um.Message); err != nil {
		return interaction, err
	}

	now := time.Now()
	interaction.CompletionTimestamp = &now
	s.checkpoint(ctx)

	if err := s.send(ctx, completion{Type: "completion"}); err != nil {
		return interaction, err
	}
	return interaction, nil
}

// driveLoop consumes agent events, mirroring each onto the wire and into
// the persisted interaction state.
func (s *session) driveLoop(ctx context.Context, loop *agent.Loop, interaction *thread.Interaction, artifacts *artifact.Store, userText string) error {
	var action *thread.AssistantAction
	var block *thread.CodeBlock
	var lastToolCalls []chat.ToolCall

	for event, err := range loop.Run(ctx, userText) {
		if err != nil {
			return err
		}

		switch ev := event.(type) {
		case agent.LLMCall:
			if err := s.send(ctx, llmCall{Type: "llm_call", AssistantActionID: ev.ActionID}); err != nil {
				return err
			}

		case agent.AssistantResponse:
			action = &thread.AssistantAction{
				ActionID:      ev.ActionID,
				ResponseStart: time.Now(),
				Message:       ev.Turn.Text,
			}
			interaction.AssistantActions = append(interaction.AssistantActions, action)
			lastToolCalls = ev.Turn.ToolCalls
			s.checkpoint(ctx)
			if ev.Turn.Text != nil {
				if err := s.send(ctx, assistantMessageResponse{
					Type:              "assistant_message_response",
					AssistantActionID: ev.ActionID,
					MessageChunk:      *ev.Turn.Text,
				}); err != nil {
					return err
				}
			}

		case agent.CodeSubmitted:
			block = &thread.CodeBlock{
				CodeBlockID:    ev.CodeBlockID,
				Code:           ev.Code,
				ExecutionStart: time.Now(),
			}
			if len(lastToolCalls) > 0 {
				block.ToolCall = lastToolCalls[0]
			}
			if action != nil {
				action.Code = block
			}
			s.checkpoint(ctx)
			if err := s.send(ctx, assistantCodeResponse{
				Type:              "assistant_code_response",
				AssistantActionID: ev.ActionID,
				CodeBlockID:       ev.CodeBlockID,
				CodeChunk:         ev.Code,
			}); err != nil {
				return err
			}

		case agent.ExecutionStarted:
			if err := s.send(ctx, executingCode{Type: "executing_code", CodeBlockID: ev.CodeBlockID}); err != nil {
				return err
			}

		case agent.CodeOutput:
			if block != nil {
				out := ev.Chunk
				if block.Output != nil {
					out = *block.Output + ev.Chunk
				}
				block.Output = &out
			}
			s.checkpoint(ctx)
			if err := s.send(ctx, codeOutput{
				Type:        "code_output",
				CodeBlockID: ev.CodeBlockID,
				OutputChunk: ev.Chunk,
			}); err != nil {
				return err
			}

		case agent.CodeFailed:
			if block != nil {
				errText := ev.Error
				block.Error = &errText
			}
			s.checkpoint(ctx)
			if err := s.send(ctx, codeError{
				Type:        "code_error",
				CodeBlockID: ev.CodeBlockID,
				Error:       ev.Error,
			}); err != nil {
				return err
			}

		case agent.ArtifactStored:
			s.thread.State.Artifacts = artifacts.List()
			s.checkpoint(ctx)
			if err := s.send(ctx, artifactUpdate{Type: "artifact_update", Artifact: ev.Artifact}); err != nil {
				return err
			}

		case agent.ConfirmationRequested:
			if block != nil {
				block.UserConfirmations = append(block.UserConfirmations, &thread.UserConfirmation{
					ConfirmationRequestID: ev.Request.ID,
					RequestTimestamp:      ev.Request.CreatedAt,
					Message:               ev.Request.Message,
				})
			}
			s.checkpoint(ctx)
			if err := s.send(ctx, userConfirmationRequest{
				Type:                  "user_confirmation_request",
				Message:               ev.Request.Message,
				ConfirmationRequestID: ev.Request.ID,
			}); err != nil {
				return err
			}

		case agent.ConfirmationResolved:
			if block != nil {
				for _, uc := range block.UserConfirmations {
					if uc.ConfirmationRequestID == ev.Resolution.ID && uc.Response == nil {
						uc.Response = &thread.ConfirmationResponse{
							Timestamp: time.Now(),
							Status:    ev.Resolution.Status,
						}
					}
				}
			}
			s.checkpoint(ctx)
			if ev.Resolution.Status == confirm.StatusTimedOut {
				if err := s.send(ctx, userConfirmationTimeout{
					Type:                  "user_confirmation_timeout",
					ConfirmationRequestID: ev.Resolution.ID,
				}); err != nil {
					return err
				}
			}

		case agent.ToolResponded:
			now := time.Now()
			if block != nil {
				block.ExecutionEnd = &now
				if len(ev.Turn.Responses) > 0 {
					if py, ok := ev.Turn.Responses[0].Output.(chat.PythonOutput); ok {
						block.SQLStatements = py.SQLStatements
					}
				}
			}
			if action != nil {
				action.ActionEnd = &now
			}
			block = nil
			s.checkpoint(ctx)

		case agent.Finished:
			now := time.Now()
			if action != nil && action.ActionEnd == nil {
				action.ActionEnd = &now
			}
			s.checkpoint(ctx)
		}
	}
	return nil
}

// expectClientInit reads the handshake message. Anything else is a
// protocol violation.
func (s *session) expectClientInit(ctx context.Context) (clientInit, error) {
	message, err := s.readClientMessage(ctx)
	if err != nil {
		return clientInit{}, err
	}
	init, ok := message.(clientInit)
	if !ok {
		return clientInit{}, fmt.Errorf("%w: expected client_init as the first message", errInvalidClientInput)
	}
	return init, nil
}

// expectUserMessage reads the message that starts the interaction.
func (s *session) expectUserMessage(ctx context.Context) (userMessage, error) {
	message, err := s.readClientMessage(ctx)
	if err != nil {
		return userMessage{}, err
	}
	um, ok := message.(userMessage)
	if !ok {
		return userMessage{}, fmt.Errorf("%w: expected user_message", errInvalidClientInput)
	}
	return um, nil
}

func (s *session) readClientMessage(ctx context.Context) (any, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read client message: %w", err)
	}
	message, err := decodeClientMessage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidClientInput, err)
	}
	return message, nil
}

// readConfirmations owns the read side while the agent loop runs. Only
// confirmation answers are legal here; anything else aborts the session.
func (s *session) readConfirmations(ctx context.Context, broker *confirm.Broker) {
	for {
		message, err := s.readClientMessage(ctx)
		if err != nil {
			// Read failures here are either the session ending normally
			// or the client going away; the main flow notices both.
			return
		}

		resp, ok := message.(userConfirmationResponse)
		if !ok {
			s.abortRead(fmt.Errorf("%w: unexpected message during interaction", errInvalidClientInput))
			return
		}
		if resp.Response != confirmationApprove && resp.Response != confirmationDeny {
			s.abortRead(fmt.Errorf("%w: invalid confirmation response %q", errInvalidClientInput, resp.Response))
			return
		}
		if err := broker.Resolve(resp.ConfirmationRequestID, resp.Response == confirmationApprove); err != nil {
			s.abortRead(fmt.Errorf("%w: %v", errInvalidClientInput, err))
			return
		}
	}
}

// abortRead records a client protocol error and cancels the session so
// the in-flight loop unwinds.
func (s *session) abortRead(err error) {
	select {
	case s.readErr <- err:
	default:
	}
	s.cancel()
}

// checkpoint persists the thread. Persistence failures are logged, not
// fatal: the in-memory session stays authoritative until the next write.
func (s *session) checkpoint(ctx context.Context) {
	if err := s.deps.Repo.SaveThread(ctx, s.thread); err != nil {
		s.logger.Warn("thread checkpoint failed", "thread_id", s.thread.ThreadID, "error", err)
	}
}

func (s *session) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode server message: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send server message: %w", err)
	}
	return nil
}

func (s *session) sendBestEffort(v any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.send(ctx, v); err != nil {
		s.logger.Debug("failed to send final message", "error", err)
	}
}

func truncateTitle(message string) string {
	if len(message) > titleChars {
		return message[:titleChars]
	}
	return message
}
