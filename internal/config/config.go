package config

import (
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for klio.
// Values come from flags, KLIO_* env vars and defaults (see cmd/klio).
type Config struct {
	DBDriver string
	DBDSN    string
	Port     int
	APIKey   string

	LLMProvider  string // anthropic or openai
	OpenAIAPIKey string
	ChatModel    string
	SummaryModel string
	InsightModel string
	LLMTimeout   time.Duration

	SummaryCadence int
	SummaryWindow  int
	HistoryWindow  int

	KeepSummaries         int
	TurnRetention         time.Duration
	ConversationRetention time.Duration
	IdleTimeout           time.Duration
	SweepInterval         time.Duration
	SweepConcurrency      int

	VocabularyFile string
	WordOverlap    float64

	LogLevel  string
	LogFormat string
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/klio).
func Load() Config {
	return Config{
		DBDriver: viper.GetString("db_driver"),
		DBDSN:    viper.GetString("db_dsn"),
		Port:     viper.GetInt("port"),
		APIKey:   viper.GetString("api_key"),

		LLMProvider:  viper.GetString("llm_provider"),
		OpenAIAPIKey: viper.GetString("openai_api_key"),
		ChatModel:    viper.GetString("chat_model"),
		SummaryModel: viper.GetString("summary_model"),
		InsightModel: viper.GetString("insight_model"),
		LLMTimeout:   viper.GetDuration("llm_timeout"),

		SummaryCadence: viper.GetInt("summary_cadence"),
		SummaryWindow:  viper.GetInt("summary_window"),
		HistoryWindow:  viper.GetInt("history_window"),

		KeepSummaries:         viper.GetInt("keep_summaries"),
		TurnRetention:         viper.GetDuration("turn_retention"),
		ConversationRetention: viper.GetDuration("conversation_retention"),
		IdleTimeout:           viper.GetDuration("idle_timeout"),
		SweepInterval:         viper.GetDuration("sweep_interval"),
		SweepConcurrency:      viper.GetInt("sweep_concurrency"),

		VocabularyFile: viper.GetString("vocabulary_file"),
		WordOverlap:    viper.GetFloat64("word_overlap"),

		LogLevel:  viper.GetString("log_level"),
		LogFormat: viper.GetString("log_format"),
	}
}
