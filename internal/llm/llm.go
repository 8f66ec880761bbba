// Package llm is the text-completion capability used by the summarizer, the
// insight extractor and live reply generation. Backends wrap the Anthropic
// and OpenAI SDKs behind one Completer interface.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prompt turn.
type Message struct {
	Role    string
	Content string
}

// Request is a single completion call.
type Request struct {
	Model       string // empty uses the backend default
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	JSON        bool // ask for a single JSON object
}

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	// CompleteStream calls fn with each text chunk as it arrives and returns
	// the full text. An error from fn aborts the stream.
	CompleteStream(ctx context.Context, req Request, fn func(chunk string) error) (string, error)
}

// Options configure a backend built by New.
type Options struct {
	Provider     string // anthropic (default) or openai
	Model        string
	OpenAIAPIKey string
	MaxRetries   int
	RetryDelay   time.Duration
	Logger       *slog.Logger
}

// New builds the configured backend wrapped in retry handling.
func New(opts Options) (Completer, error) {
	var backend Completer
	switch opts.Provider {
	case "", "anthropic", "claude":
		backend = NewAnthropic(opts.Model)
	case "openai":
		c, err := NewOpenAI(opts.OpenAIAPIKey, opts.Model)
		if err != nil {
			return nil, err
		}
		backend = c
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
	return WithRetry(backend, opts.MaxRetries, opts.RetryDelay, opts.Logger), nil
}

// jsonInstruction is appended to the system prompt for backends without a
// native JSON response mode.
const jsonInstruction = "Respond with a single valid JSON object and nothing else."

func systemPrompt(req Request) string {
	if !req.JSON {
		return req.System
	}
	if req.System == "" {
		return jsonInstruction
	}
	return req.System + "\n\n" + jsonInstruction
}

// CompleterFunc adapts a function to Completer. Streaming delivers the whole
// text as a single chunk.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

func (f CompleterFunc) CompleteStream(ctx context.Context, req Request, fn func(chunk string) error) (string, error) {
	text, err := f(ctx, req)
	if err != nil {
		return "", err
	}
	if text != "" {
		if err := fn(text); err != nil {
			return text, err
		}
	}
	return text, nil
}
