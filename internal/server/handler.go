// Package server exposes conversations over websockets plus a small REST
// surface for listing and inspecting threads.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/queryloop/queryloop/internal/llm"
	"github.com/queryloop/queryloop/internal/sqlengine"
	"github.com/queryloop/queryloop/internal/thread"
)

// Deps carries everything a session needs. The LLM client is supplied by
// the embedding application.
type Deps struct {
	Repo       thread.Repository
	LLM        llm.Client
	Engine     sqlengine.Engine
	Classifier llm.Classifier
	Summarizer llm.Summarizer

	SandboxURI   string
	SandboxToken string

	ConfirmationTimeout time.Duration
	PromptBudget        int

	Logger *slog.Logger
}

// ThreadHandler serves thread websockets and the thread REST endpoints.
type ThreadHandler struct {
	deps          Deps
	cm            *ConnManager
	allowedOrigin string
	isDev         bool
}

// NewThreadHandler creates a handler.
func NewThreadHandler(deps Deps, cm *ConnManager, allowedOrigin string, isDev bool) *ThreadHandler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &ThreadHandler{deps: deps, cm: cm, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeWS upgrades the connection and runs one interaction. A threadID
// path parameter resumes an existing thread; without one a new thread is
// created.
func (h *ThreadHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var t *thread.Thread
	isNew := true
	if raw := chi.URLParam(r, "threadID"); raw != "" {
		threadID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid thread id")
			return
		}
		existing, err := h.deps.Repo.GetThread(ctx, threadID)
		if err != nil {
			slog.Error("Failed to load thread", "thread_id", threadID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load thread")
			return
		}
		if existing == nil {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		// Confirmations left pending by a dead process can never be
		// answered; finalize them before resuming.
		if n := existing.State.FinalizePendingConfirmations(time.Now()); n > 0 {
			slog.Info("Finalized stale confirmations", "thread_id", threadID, "count", n)
			if err := h.deps.Repo.SaveThread(ctx, existing); err != nil {
				slog.Warn("Failed to persist finalized confirmations", "thread_id", threadID, "error", err)
			}
		}
		t = existing
		isNew = false
	} else {
		t = thread.New()
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "thread_id", t.ThreadID)
		return
	}

	h.cm.Register(t.ThreadID, conn)
	defer h.cm.Unregister(t.ThreadID, conn)

	sess := &session{
		conn:    conn,
		thread:  t,
		isNew:   isNew,
		deps:    h.deps,
		logger:  h.deps.Logger.With("thread_id", t.ThreadID),
		readErr: make(chan error, 1),
	}
	code := sess.run(ctx)

	reason := "interaction complete"
	if code != websocket.StatusNormalClosure {
		reason = "session failed"
	}
	if closeErr := conn.Close(code, reason); closeErr != nil {
		slog.Debug("Failed to close websocket", "error", closeErr, "thread_id", t.ThreadID)
	}
}

func (h *ThreadHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// ListThreads returns thread metadata, newest first.
func (h *ThreadHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := h.deps.Repo.ListThreads(r.Context())
	if err != nil {
		slog.Error("Failed to list threads", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	if threads == nil {
		threads = []thread.Metadata{}
	}
	writeJSON(w, http.StatusOK, threads)
}

// GetThread returns a full thread including its state.
func (h *ThreadHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(chi.URLParam(r, "threadID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid thread id")
		return
	}
	t, err := h.deps.Repo.GetThread(r.Context(), threadID)
	if err != nil {
		slog.Error("Failed to load thread", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeleteThread removes a thread, closing any live connection first.
func (h *ThreadHandler) DeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(chi.URLParam(r, "threadID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid thread id")
		return
	}
	if conn := h.cm.GetActive(threadID); conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "thread deleted")
	}
	if err := h.deps.Repo.DeleteThread(r.Context(), threadID); err != nil {
		slog.Error("Failed to delete thread", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete thread")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports database connectivity.
func (h *ThreadHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
