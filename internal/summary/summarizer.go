// Package summary reduces a conversation's turns to a five-section report
// for parents: concerns, topics, engagement, learnings and tips.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klioai/klio/internal/db"
	"github.com/klioai/klio/internal/failure"
	"github.com/klioai/klio/internal/llm"
)

// Config tunes the summarizer. Zero values take the defaults below.
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Window      int // last N turns sent to the model
	Timeout     time.Duration
	Logger      *slog.Logger
}

const (
	DefaultMaxTokens   = 800
	DefaultTemperature = 0.7
	DefaultWindow      = 100
	DefaultTimeout     = 30 * time.Second
)

// Profile identifies the child in the prompt.
type Profile struct {
	Name string
	Age  int
}

// Summarizer produces Reports through a completion backend.
type Summarizer struct {
	llm    llm.Completer
	cfg    Config
	logger *slog.Logger
}

// New creates a Summarizer.
func New(c llm.Completer, cfg Config) *Summarizer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{llm: c, cfg: cfg, logger: logger}
}

// Window returns how many trailing turns Summarize looks at.
func (s *Summarizer) Window() int {
	return s.cfg.Window
}

const instructionTemplate = `Create a structured summary of %s's (age %s) conversation for their parents.

Format the summary with these EXACT sections:

🚨 Topics of Concern:
- List any concerning topics the child brought up (violence, personal info sharing, etc.)
- For each topic, note frequency and context
- If none, write "%s"

💭 Topics Discussed:
- List the main topics covered in bullet points
- Keep topics concise (1-3 words each)

📊 Engagement Level:
- Rate as: "High", "Medium", or "Moderate"
- Brief explanation of engagement

📚 Key Learning Points:
- Bullet points of main concepts learned
- Skills demonstrated
- New interests discovered

👪 Parent Tips:
- Specific suggestions based on conversation content
- Ways to address any concerning topics appropriately
- Topics to explore further

Keep sections clearly separated by double newlines.`

func (s *Summarizer) prompt(turns []db.Message, p Profile) llm.Request {
	name := p.Name
	if name == "" {
		name = "the child"
	}
	age := "unknown"
	if p.Age > 0 {
		age = fmt.Sprintf("%d", p.Age)
	}

	if len(turns) > s.cfg.Window {
		turns = turns[len(turns)-s.cfg.Window:]
	}
	var sb strings.Builder
	sb.WriteString("Conversation transcript (oldest to newest):\n\n")
	for _, t := range turns {
		speaker := "Child"
		if t.Role == db.RoleAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&sb, "%s: %s\n", speaker, t.Content)
	}

	return llm.Request{
		Model:       s.cfg.Model,
		System:      fmt.Sprintf(instructionTemplate, name, age, NoConcerns),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
}

// Summarize reports on the last Window turns, which must be ordered oldest
// first. Model errors, timeouts and replies missing a section are returned
// as retryable upstream failures.
func (s *Summarizer) Summarize(ctx context.Context, turns []db.Message, p Profile) (Report, error) {
	if len(turns) == 0 {
		return Report{}, failure.Validation("no turns to summarize")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	text, err := s.llm.Complete(ctx, s.prompt(turns, p))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Report{}, failure.Upstream(err, "summary timed out after %s", s.cfg.Timeout)
		}
		return Report{}, failure.Upstream(err, "summary generation failed")
	}
	if strings.TrimSpace(text) == "" {
		return Report{}, failure.Upstream(nil, "summary generation returned no text")
	}

	report, err := Parse(text)
	if err != nil {
		s.logger.Warn("summary reply rejected", "error", err, "chars", len(text))
		return Report{}, failure.Upstream(err, "summary did not follow the section layout")
	}
	s.logger.Debug("summary generated", "turns", len(turns), "elapsed", time.Since(start))
	return report, nil
}
