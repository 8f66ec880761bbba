package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/klioai/klio/internal/chat"
	"github.com/klioai/klio/internal/config"
	"github.com/klioai/klio/internal/conversation"
	"github.com/klioai/klio/internal/db"
	"github.com/klioai/klio/internal/filter"
	"github.com/klioai/klio/internal/hub"
	"github.com/klioai/klio/internal/llm"
	"github.com/klioai/klio/internal/memory"
	"github.com/klioai/klio/internal/quota"
	"github.com/klioai/klio/internal/retention"
	"github.com/klioai/klio/internal/summary"
)

// app is the wired component graph shared by serve, sweep and mcp.
type app struct {
	db      *db.DB
	hub     *hub.Hub
	svc     *chat.Service
	sweeper *retention.Sweeper
}

func (a *app) close() {
	_ = a.db.Close()
}

func openDB(ctx context.Context, cfg config.Config) (*db.DB, error) {
	d, err := db.OpenDriver(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return d, nil
}

func newGuard(d *db.DB, logger *slog.Logger) *quota.Guard {
	return quota.New(d, logger)
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	d, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{db: d, hub: hub.New()}

	// One backend serves every role; an empty per-role model falls back
	// to the chat model.
	backend, err := llm.New(llm.Options{
		Provider:     cfg.LLMProvider,
		Model:        cfg.ChatModel,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
		Logger:       logger,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("llm backend: %w", err)
	}

	vocab, err := memory.LoadVocabulary(cfg.VocabularyFile)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("vocabulary: %w", err)
	}

	summarizer := summary.New(backend, summary.Config{
		Model:   cfg.SummaryModel,
		Window:  cfg.SummaryWindow,
		Timeout: cfg.LLMTimeout,
		Logger:  logger,
	})
	opts := []conversation.Option{
		conversation.WithPublisher(a.hub),
		conversation.WithLogger(logger),
	}
	store := conversation.NewStore(d, summarizer, opts...)
	recorder := conversation.NewRecorder(d, summarizer, cfg.SummaryCadence, opts...)

	mem := memory.New(d,
		memory.NewLLMExtractor(backend, cfg.InsightModel, cfg.LLMTimeout, logger),
		memory.WithVocabulary(vocab),
		memory.WithWordOverlap(cfg.WordOverlap),
		memory.WithLogger(logger),
	)

	a.svc = chat.New(chat.Deps{
		DB:       d,
		Quota:    newGuard(d, logger),
		Store:    store,
		Recorder: recorder,
		Memory:   mem,
		LLM:      backend,
		Filter:   filter.NewRedactor(),
	}, chat.Config{
		ChatModel:     cfg.ChatModel,
		HistoryWindow: cfg.HistoryWindow,
		Timeout:       cfg.LLMTimeout,
		Logger:        logger,
	})

	a.sweeper = retention.New(d, store, mem, retention.Config{
		KeepSummaries:         cfg.KeepSummaries,
		TurnRetention:         cfg.TurnRetention,
		ConversationRetention: cfg.ConversationRetention,
		IdleTimeout:           cfg.IdleTimeout,
		Interval:              cfg.SweepInterval,
		Concurrency:           cfg.SweepConcurrency,
	}, retention.WithLogger(logger))

	return a, nil
}

func printJSON(cmd *cobra.Command, v any) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
