package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klioai/klio/internal/filter"
	"github.com/klioai/klio/internal/llm"
	"github.com/klioai/klio/internal/memory"
)

const persona = `You are Klio, a helpful AI assistant. You are a child-friendly AI that helps children learn. Never give direct answers, instead give suggestions and directions.`

const inappropriateRules = `As a strict content moderator and child-friendly AI:
1. IMMEDIATELY REDIRECT any discussions about:
 * Violence, weapons, or fighting
 * Death, injury, or harm
 * Adult themes or inappropriate content
 * Hate speech or bullying
 * Dangerous or risky behavior

When these topics arise:
1. Acknowledge their curiosity briefly
2. Redirect to a safe, related topic
3. Use this format: "I understand you're curious, but let's talk about [safe alternative] instead! Did you know [interesting fact about safe topic]?"`

const personalInfoRules = `Never request or encourage sharing of personal information such as:
- Addresses
- Phone numbers
- Email addresses
- Social media handles
- School names
- Other identifying details

If such information is shared, respond with: "To keep you safe, let's not share personal information. Instead, tell me about [safe alternative topic]."`

// systemPrompt personalises the assistant with the child's profile, memory
// graph and content settings.
func systemPrompt(name string, age *int, g memory.Graph, s filter.Settings) string {
	var sb strings.Builder
	sb.WriteString(persona)
	if name != "" {
		if age != nil {
			fmt.Fprintf(&sb, " You are chatting with %s (age %d).", name, *age)
		} else {
			fmt.Fprintf(&sb, " You are chatting with %s.", name)
		}
	}
	if len(g.MainInterests) > 0 {
		fmt.Fprintf(&sb, "\nPrevious interests: %s", strings.Join(g.MainInterests, ", "))
	}
	if len(g.RecentLearning) > 0 {
		facts := make([]string, 0, len(g.RecentLearning))
		for _, kb := range g.RecentLearning {
			facts = append(facts, kb.Fact)
		}
		fmt.Fprintf(&sb, "\nRecent learning: %s", strings.Join(facts, "; "))
	}
	if s.FilterInappropriate {
		sb.WriteString("\n\n")
		sb.WriteString(inappropriateRules)
	}
	if s.BlockPersonalInfo {
		sb.WriteString("\n\n")
		sb.WriteString(personalInfoRules)
	}
	sb.WriteString("\n\nKeep all responses friendly, educational, and age-appropriate.")
	return sb.String()
}

const suggestionPrompt = `You are helping create follow-up questions users can ask AI to continue the conversation. Based on the AI's previous response, suggest 3 thoughtful and engaging questions the user can ask next. Use emojis only if needed. Keep the suggestions child-friendly and creative, formatted as:
{"suggestions": ["Suggested question 1?", "Suggested question 2?", "Suggested question 3?"]}`

// DefaultSuggestions are offered when generation fails.
var DefaultSuggestions = []string{
	"Tell me more about that! 🤔",
	"That sounds cool! Why? ✨",
	"Can you explain it again? 🌟",
}

func (s *Service) suggestions(ctx context.Context, reply string) []string {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	text, err := s.d.LLM.Complete(ctx, llm.Request{
		Model:       s.cfg.SuggestionModel,
		System:      suggestionPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf("Based on this response: %q", reply)}},
		MaxTokens:   150,
		Temperature: 0.7,
		JSON:        true,
	})
	if err != nil {
		s.logger.Warn("suggestions failed, using defaults", "error", err)
		return defaultSuggestions()
	}
	out, err := parseSuggestions(text)
	if err != nil {
		s.logger.Warn("suggestions malformed, using defaults", "error", err)
		return defaultSuggestions()
	}
	return out
}

func defaultSuggestions() []string {
	return append([]string(nil), DefaultSuggestions...)
}

func parseSuggestions(text string) ([]string, error) {
	text = strings.TrimSpace(strings.NewReplacer("```json", "", "```", "").Replace(text))
	var body struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(text), &body); err != nil {
		return nil, err
	}
	out := body.Suggestions[:0]
	for _, q := range body.Suggestions {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no suggestions in reply")
	}
	if len(out) > 3 {
		out = out[:3]
	}
	return out, nil
}

// sentenceFilter applies the content filter to streamed text one sentence
// at a time, so nothing unfiltered reaches the caller.
type sentenceFilter struct {
	apply func(string) string
	emit  func(string) error
	buf   strings.Builder
	out   strings.Builder
}

func (f *sentenceFilter) write(chunk string) error {
	f.buf.WriteString(chunk)
	pending := f.buf.String()
	i := lastBoundary(pending)
	if i <= 0 {
		return nil
	}
	f.buf.Reset()
	f.buf.WriteString(pending[i:])
	return f.send(pending[:i])
}

func (f *sentenceFilter) flush() error {
	pending := f.buf.String()
	f.buf.Reset()
	if pending == "" {
		return nil
	}
	return f.send(pending)
}

func (f *sentenceFilter) send(text string) error {
	piece := f.apply(text)
	f.out.WriteString(piece)
	return f.emit(piece)
}

// lastBoundary returns the index just past the last sentence end (". ",
// "! ", "? " or a newline) in s, or -1.
func lastBoundary(s string) int {
	for i := len(s) - 1; i > 0; i-- {
		switch s[i] {
		case '\n':
			return i + 1
		case ' ':
			switch s[i-1] {
			case '.', '!', '?':
				return i + 1
			}
		}
	}
	if len(s) > 0 && s[0] == '\n' {
		return 1
	}
	return -1
}
