package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/klioai/klio/internal/config"
	"github.com/klioai/klio/internal/mcpserver"
	"github.com/klioai/klio/internal/web"
)

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	rootCmd := &cobra.Command{
		Use:          "klio",
		Short:        "Conversation core for a child-safe AI learning companion",
		SilenceUsage: true,
	}

	f := rootCmd.PersistentFlags()
	f.String("db-driver", "sqlite", "database driver (sqlite or postgres)")
	f.String("db-dsn", "klio.db", "sqlite file path or postgres connection string")
	f.Int("port", 8080, "HTTP port for the API")
	f.String("api-key", "", "key required on API requests (empty disables the check)")
	f.String("llm-provider", "anthropic", "completion backend (anthropic or openai)")
	f.String("openai-api-key", "", "OpenAI API key (defaults to OPENAI_API_KEY)")
	f.String("chat-model", "", "model for live replies and suggestions")
	f.String("summary-model", "", "model for conversation summaries")
	f.String("insight-model", "", "model for memory insight extraction")
	f.Duration("llm-timeout", 60*time.Second, "timeout for a single completion")
	f.Int("summary-cadence", 25, "turns between interim summaries")
	f.Int("summary-window", 100, "turns sent to the summarizer")
	f.Int("history-window", 20, "turns of history sent with each reply")
	f.Int("keep-summaries", 5, "summaries kept per child before consolidation")
	f.Duration("turn-retention", 24*time.Hour, "age at which raw turns are deleted")
	f.Duration("conversation-retention", 7*24*time.Hour, "age at which finished conversations are deleted")
	f.Duration("idle-timeout", 2*time.Hour, "inactivity after which a conversation is finalized")
	f.Duration("sweep-interval", 24*time.Hour, "time between retention sweeps")
	f.Int("sweep-concurrency", 4, "children consolidated in parallel during a sweep")
	f.String("vocabulary-file", "", "YAML file overriding generic topics and stopwords")
	f.Float64("word-overlap", 0.5, "word-overlap ratio at which two topic labels merge")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("log-format", "text", "log format (text or json)")

	// Viper keys use underscores (db_dsn) so they match the env var suffix
	// after stripping the KLIO_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("db_driver", "db-driver")
	bindFlag("db_dsn", "db-dsn")
	bindFlag("port", "port")
	bindFlag("api_key", "api-key")
	bindFlag("llm_provider", "llm-provider")
	bindFlag("openai_api_key", "openai-api-key")
	bindFlag("chat_model", "chat-model")
	bindFlag("summary_model", "summary-model")
	bindFlag("insight_model", "insight-model")
	bindFlag("llm_timeout", "llm-timeout")
	bindFlag("summary_cadence", "summary-cadence")
	bindFlag("summary_window", "summary-window")
	bindFlag("history_window", "history-window")
	bindFlag("keep_summaries", "keep-summaries")
	bindFlag("turn_retention", "turn-retention")
	bindFlag("conversation_retention", "conversation-retention")
	bindFlag("idle_timeout", "idle-timeout")
	bindFlag("sweep_interval", "sweep-interval")
	bindFlag("sweep_concurrency", "sweep-concurrency")
	bindFlag("vocabulary_file", "vocabulary-file")
	bindFlag("word_overlap", "word-overlap")
	bindFlag("log_level", "log-level")
	bindFlag("log_format", "log-format")

	// KLIO_DB_DSN -> "db_dsn", KLIO_CHAT_MODEL -> "chat_model", etc.
	viper.SetEnvPrefix("KLIO")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(serveCmd(), sweepCmd(), migrateCmd(), resetQuotaCmd(), mcpCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger from log_level and log_format and
// installs it as the slog default.
func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and run the retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := newLogger(cfg)
			logger.Info("klio starting",
				"version", config.Version,
				"db_driver", cfg.DBDriver,
				"llm_provider", cfg.LLMProvider,
				"port", cfg.Port,
				"summary_cadence", cfg.SummaryCadence,
			)

			ctx, cancel := signalContext()
			defer cancel()

			a, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			webServer := web.New(&cfg, a.svc,
				web.WithActivityFeed(a.hub),
				web.WithSweeper(a.sweeper),
				web.WithLogger(logger),
			)
			go func() {
				if err := webServer.Start(); err != nil {
					logger.Error("web server error", "error", err)
					cancel()
				}
			}()

			if err := a.sweeper.Run(ctx); err != nil {
				return fmt.Errorf("retention sweeper: %w", err)
			}
			logger.Info("shutting down")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := webServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("web server shutdown", "error", err)
			}
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := newLogger(cfg)
			ctx, cancel := signalContext()
			defer cancel()

			a, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			rep, err := a.sweeper.Sweep(ctx)
			if rep != nil {
				printJSON(cmd, rep)
			}
			return err
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := newLogger(cfg)
			d, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "db_driver", cfg.DBDriver)
			return d.Close()
		},
	}
}

func resetQuotaCmd() *cobra.Command {
	var childID int64
	cmd := &cobra.Command{
		Use:   "reset-quota",
		Short: "Zero message usage for one child (--child) or every child",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := newLogger(cfg)
			d, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer d.Close() //nolint:errcheck

			guard := newGuard(d, logger)
			if childID > 0 {
				if err := guard.Reset(cmd.Context(), childID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset usage for child %d\n", childID)
				return nil
			}
			n, err := guard.ResetAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset usage for %d children\n", n)
			return nil
		},
	}
	cmd.Flags().Int64Var(&childID, "child", 0, "child id (default: every child)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve parent tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			// stdout carries the protocol; logs go to stderr.
			logger := newLogger(cfg)
			ctx, cancel := signalContext()
			defer cancel()

			a, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			return mcpserver.NewServer(a.svc, logger).Serve(ctx, os.Stdin, os.Stdout)
		},
	}
}
