package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/queryloop/queryloop/internal/artifact"
	"github.com/queryloop/queryloop/internal/confirm"
	"github.com/queryloop/queryloop/internal/llm"
	"github.com/queryloop/queryloop/internal/sqlengine"
)

// maxMessageBytes bounds a single sandbox message. Artifact payloads can
// be large.
const maxMessageBytes = 16 << 20

// Update is one streamed event from an execution. It is a closed union:
// Output, CodeError, ArtifactUpdate, and StatementRecord.
type Update interface {
	isUpdate()
}

// Output is a chunk of program output (one print call).
type Output struct {
	Text string
}

// CodeError reports that the execution failed. It is always the last
// update of its stream.
type CodeError struct {
	Message string
}

// ArtifactUpdate reports that the program stored an artifact, so
// observers can render it incrementally.
type ArtifactUpdate struct {
	Artifact artifact.Artifact
}

// StatementRecord reports a SQL statement the program executed.
type StatementRecord struct {
	Statement sqlengine.SQLStatement
}

func (Output) isUpdate()          {}
func (CodeError) isUpdate()       {}
func (ArtifactUpdate) isUpdate()  {}
func (StatementRecord) isUpdate() {}

// ExecResult is the collected outcome of one execution.
type ExecResult struct {
	Output            string
	Error             *string
	SQLStatements     []sqlengine.SQLStatement
	ModifiedArtifacts []artifact.Artifact
}

// Config holds the sandbox endpoint and the backends the client answers
// sandbox requests with. Nil backends disable the corresponding
// capability; programs that use a disabled capability fail with a code
// error.
type Config struct {
	URI        string
	APIToken   string
	Engine     sqlengine.Engine
	Classifier llm.Classifier
	Summarizer llm.Summarizer
	Artifacts  *artifact.Store
	Confirmer  *confirm.Broker
	Logger     *slog.Logger
}

// Client drives the sandbox execution protocol. One websocket connection
// is opened per ExecCodeStreaming call.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// NewClient creates a sandbox client.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// ExecCodeStreaming executes code in the sandbox and streams updates as
// they arrive. The sequence is finite and terminates on the first
// CodeError or on sandbox-side completion; it is not restartable. A
// non-nil error in the sequence is a transport or protocol failure, not a
// code failure.
func (c *Client) ExecCodeStreaming(ctx context.Context, code string) iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		opts := &websocket.DialOptions{}
		if c.cfg.APIToken != "" {
			opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.cfg.APIToken}}
		}

		conn, _, err := websocket.Dial(ctx, c.cfg.URI, opts)
		if err != nil {
			yield(nil, fmt.Errorf("dial sandbox: %w", err))
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusNormalClosure, "execution finished")
		}()
		conn.SetReadLimit(maxMessageBytes)

		hello, err := json.Marshal(helloMessage{Python: code})
		if err != nil {
			yield(nil, fmt.Errorf("encode hello message: %w", err))
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
			yield(nil, fmt.Errorf("send code to sandbox: %w", err))
			return
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return
				}
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				yield(nil, fmt.Errorf("read sandbox message: %w", err))
				return
			}

			message, err := decodeServerMessage(data)
			if err != nil {
				// Protocol violation: fatal to this connection.
				yield(nil, err)
				return
			}

			if !c.handleMessage(ctx, conn, message, yield) {
				return
			}
		}
	}
}

// handleMessage processes one sandbox message. It reports whether the
// read loop should continue. Every request message is either answered or
// the execution ends with a CodeError (the deferred close then tears the
// connection down so the sandbox does not block forever).
func (c *Client) handleMessage(ctx context.Context, conn *websocket.Conn, message any, yield func(Update, error) bool) bool {
	fail := func(msg string) bool {
		yield(CodeError{Message: msg}, nil)
		return false
	}

	switch m := message.(type) {
	case printMessage:
		return yield(Output{Text: m.Text + "\n"}, nil)

	case errorMessage:
		return fail(m.Message)

	case storeArtifactMessage:
		if c.cfg.Artifacts == nil {
			return fail("artifacts are not enabled")
		}
		var data any
		if err := json.Unmarshal(m.Data, &data); err != nil {
			return fail(fmt.Sprintf("malformed artifact data: %v", err))
		}
		stored, err := c.cfg.Artifacts.Store(m.Identifier, m.Title, m.ArtifactType, data)
		if err != nil {
			return fail(err.Error())
		}
		if !yield(ArtifactUpdate{Artifact: stored}, nil) {
			return false
		}
		return yield(Output{Text: "Stored " + stored.RenderForPrompt() + "\n"}, nil)

	case getArtifactMessage:
		if c.cfg.Artifacts == nil {
			return fail("artifacts are not enabled")
		}
		a, err := c.cfg.Artifacts.Get(m.Identifier)
		if err != nil {
			return fail(err.Error())
		}
		return c.respond(ctx, conn, getArtifactResponse{OrigMsgID: m.MsgID, Contents: a.Data}, yield)

	case classifyMessage:
		if c.cfg.Classifier == nil {
			return fail("classification is not enabled")
		}
		results, err := c.cfg.Classifier.Classify(ctx, m.Instructions, m.InputsToClassify, m.Categories, m.AllowMultiple)
		if err != nil {
			return fail(err.Error())
		}
		return c.respond(ctx, conn, classifyResponse{OrigMsgID: m.MsgID, Results: results}, yield)

	case summarizeMessage:
		if c.cfg.Summarizer == nil {
			return fail("summarization is not enabled")
		}
		summary, err := c.cfg.Summarizer.Summarize(ctx, m.Instructions, m.Input)
		if err != nil {
			return fail(err.Error())
		}
		return c.respond(ctx, conn, summarizeResponse{OrigMsgID: m.MsgID, Summary: summary}, yield)

	case runSQLMessage:
		return c.handleRunSQL(ctx, conn, m, yield)

	default:
		yield(nil, fmt.Errorf("unhandled sandbox message %T", message))
		return false
	}
}

// handleRunSQL executes sandbox-issued SQL, gating mutations behind human
// confirmation. This is the one path where answering a sandbox request
// may suspend for a bounded duration.
func (c *Client) handleRunSQL(ctx context.Context, conn *websocket.Conn, m runSQLMessage, yield func(Update, error) bool) bool {
	fail := func(msg string) bool {
		yield(CodeError{Message: msg}, nil)
		return false
	}

	rows, err := c.cfg.Engine.ExecuteSQL(ctx, m.SQL, false)
	if errors.Is(err, sqlengine.ErrMutationsDisallowed) {
		approved := false
		if c.cfg.Confirmer != nil {
			c.logger.Info("requesting mutation confirmation", "sql", m.SQL)
			status := c.cfg.Confirmer.RequestConfirmation(ctx, m.SQL)
			approved = status.Approved()
		}
		if !approved {
			return fail("User did not approve execution of SQL mutation: " + m.SQL)
		}
		rows, err = c.cfg.Engine.ExecuteSQL(ctx, m.SQL, true)
	}
	if err != nil {
		return fail(err.Error())
	}

	if !yield(StatementRecord{Statement: sqlengine.SQLStatement{SQL: m.SQL, Result: rows}}, nil) {
		return false
	}
	return c.respond(ctx, conn, runSQLResponse{OrigMsgID: m.MsgID, Data: rows}, yield)
}

// respond sends a correlated response back to the sandbox.
func (c *Client) respond(ctx context.Context, conn *websocket.Conn, response any, yield func(Update, error) bool) bool {
	data, err := json.Marshal(response)
	if err != nil {
		yield(nil, fmt.Errorf("encode sandbox response: %w", err))
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		yield(nil, fmt.Errorf("send sandbox response: %w", err))
		return false
	}
	return true
}

// ExecCode executes code and collects the stream into a single result.
// Code failures are reported in ExecResult.Error; the returned error is
// reserved for transport and protocol failures.
func (c *Client) ExecCode(ctx context.Context, code string) (*ExecResult, error) {
	result := &ExecResult{}
	for update, err := range c.ExecCodeStreaming(ctx, code) {
		if err != nil {
			return nil, err
		}
		switch u := update.(type) {
		case Output:
			result.Output += u.Text
		case CodeError:
			message := u.Message
			result.Error = &message
			return result, nil
		case ArtifactUpdate:
			result.ModifiedArtifacts = append(result.ModifiedArtifacts, u.Artifact)
		case StatementRecord:
			result.SQLStatements = append(result.SQLStatements, u.Statement)
		}
	}
	return result, nil
}
