// queryloop - LLM data agent server
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/queryloop/queryloop/internal/config"
	"github.com/queryloop/queryloop/internal/llm"
	"github.com/queryloop/queryloop/internal/server"
	"github.com/queryloop/queryloop/internal/sqlengine"
	"github.com/queryloop/queryloop/internal/thread"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := thread.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		slog.Error("Failed to load schema catalog", "error", err, "path", cfg.CatalogPath)
		os.Exit(1)
	}

	engine, err := sqlengine.NewSQLiteEngine(cfg.SQLDBPath, catalog)
	if err != nil {
		slog.Error("Failed to initialize SQL engine", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := engine.Close(); closeErr != nil {
			slog.Error("Failed to close SQL engine", "error", closeErr)
		}
	}()

	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	llmClient = llm.WithRetries(llmClient, llm.DefaultRetryConfig(), logger)

	allowedOrigin := cfg.FrontendURL
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}

	cm := server.NewConnManager()
	handler := server.NewThreadHandler(server.Deps{
		Repo:                repo,
		LLM:                 llmClient,
		Engine:              engine,
		Classifier:          &llm.LLMClassifier{Client: llmClient},
		Summarizer:          &llm.LLMSummarizer{Client: llmClient},
		SandboxURI:          cfg.SandboxURI,
		SandboxToken:        cfg.SandboxSecretKey,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		PromptBudget:        cfg.PromptCharBudget,
		Logger:              logger,
	}, cm, allowedOrigin, cfg.IsDevelopment())

	r := server.NewRouter(handler)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Websocket sessions are long-lived; no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	cm.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func loadCatalog(path string) (sqlengine.Catalog, error) {
	if path == "" {
		return sqlengine.Catalog{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return sqlengine.Catalog{}, err
	}
	var catalog sqlengine.Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return sqlengine.Catalog{}, err
	}
	return catalog, nil
}
