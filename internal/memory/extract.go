package memory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/klioai/klio/internal/llm"
)

// Insights is the structured record extracted from one summary. The maps
// are keyed by entries of Topics.
type Insights struct {
	Topics           []string            `json:"topics"`
	KnowledgeBits    map[string]string   `json:"knowledge_bits"`
	SubTopics        map[string][]string `json:"sub_topics"`
	RelatedInterests map[string][]string `json:"related_interests"`
}

// Empty reports whether no topics were extracted.
func (in Insights) Empty() bool { return len(in.Topics) == 0 }

func (in Insights) fact(topic string) string {
	if f, ok := in.KnowledgeBits[topic]; ok {
		return strings.TrimSpace(f)
	}
	for k, f := range in.KnowledgeBits {
		if strings.EqualFold(k, topic) {
			return strings.TrimSpace(f)
		}
	}
	return ""
}

func lookupList(m map[string][]string, topic string) []string {
	if l, ok := m[topic]; ok {
		return l
	}
	for k, l := range m {
		if strings.EqualFold(k, topic) {
			return l
		}
	}
	return nil
}

// Extractor turns summary text into Insights.
type Extractor interface {
	Extract(ctx context.Context, summary string) Insights
}

const extractPrompt = `You are analyzing conversations to build a child's long-term memory profile.
Extract key insights about core interests and knowledge, not conversation styles.

Focus on:
1. Main interests (science, space, animals, etc.)
2. Specific knowledge gained
3. Connected topics and subtopics
4. Depth of understanding

Return a JSON object with:
{
  "topics": ["main interest/topic"],
  "knowledge_bits": {"topic": "specific new knowledge learned about this topic"},
  "sub_topics": {"topic": ["specific aspects of this topic the child knows about"]},
  "related_interests": {"topic": ["broader areas this connects to"]}
}

Example:
For "Child discussed Mars' moons and showed interest in space exploration"
{
  "topics": ["space exploration"],
  "knowledge_bits": {"space exploration": "Knows about Mars' moons and their characteristics"},
  "sub_topics": {"space exploration": ["Mars", "moons", "planetary science"]},
  "related_interests": {"space exploration": ["astronomy", "planetary science", "space technology"]}
}

DO NOT create topics about conversation styles, generic greetings,
communication patterns or basic interactions.`

// LLMExtractor extracts insights with a JSON-mode completion.
type LLMExtractor struct {
	llm     llm.Completer
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewLLMExtractor creates an extractor. timeout <= 0 means 30s.
func NewLLMExtractor(c llm.Completer, model string, timeout time.Duration, logger *slog.Logger) *LLMExtractor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExtractor{llm: c, model: model, timeout: timeout, logger: logger}
}

// Extract never fails: any error is logged and yields empty Insights.
func (e *LLMExtractor) Extract(ctx context.Context, summary string) Insights {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	text, err := e.llm.Complete(ctx, llm.Request{
		Model:       e.model,
		System:      extractPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: summary}},
		MaxTokens:   500,
		Temperature: 0.7,
		JSON:        true,
	})
	if err != nil {
		e.logger.Warn("insight extraction failed", "error", err)
		return Insights{}
	}
	in, err := parseInsights(text)
	if err != nil {
		e.logger.Warn("insight extraction returned malformed JSON", "error", err)
		return Insights{}
	}
	return in
}

var errNoJSON = errors.New("no JSON object in reply")

// parseInsights decodes the first JSON object in text, tolerating code
// fences around it.
func parseInsights(text string) (Insights, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return Insights{}, errNoJSON
	}
	var in Insights
	if err := json.Unmarshal([]byte(text[start:end+1]), &in); err != nil {
		return Insights{}, err
	}
	topics := in.Topics[:0]
	for _, t := range in.Topics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	in.Topics = topics
	return in, nil
}
