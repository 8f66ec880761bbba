// Package filter post-processes assistant replies according to a child's
// content settings.
package filter

import (
	"context"
	"regexp"

	"github.com/klioai/klio/internal/db"
)

// Placeholder replaces redacted personal information.
const Placeholder = "[REMOVED]"

// Settings are the content controls a parent sets for a child.
type Settings struct {
	FilterInappropriate bool `json:"filter_inappropriate"`
	BlockPersonalInfo   bool `json:"block_personal_info"`
}

// SettingsFor returns the child's settings. Missing settings mean both
// controls are on.
func SettingsFor(cs *db.ChildSettings) Settings {
	if cs == nil {
		return Settings{FilterInappropriate: true, BlockPersonalInfo: true}
	}
	return Settings{FilterInappropriate: cs.FilterInappropriate, BlockPersonalInfo: cs.BlockPersonalInfo}
}

// ContentFilter rewrites a reply before it is shown and stored.
type ContentFilter interface {
	Filter(ctx context.Context, text string, s Settings) string
}

// Passthrough returns text unchanged.
type Passthrough struct{}

func (Passthrough) Filter(_ context.Context, text string, _ Settings) string { return text }

// Redactor removes emails, phone numbers, street addresses and social
// handles when BlockPersonalInfo is set. Inappropriate topics are steered
// by the reply prompt, not here.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a Redactor with the built-in patterns.
func NewRedactor() *Redactor {
	return &Redactor{patterns: []*regexp.Regexp{
		// email before handle so the domain part is not left behind
		regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		regexp.MustCompile(`(?:\+?\d{1,2}[\s.\-]?)?(?:\(\d{3}\)|\d{3})[\s.\-]?\d{3}[\s.\-]?\d{4}\b`),
		regexp.MustCompile(`(?i)\b\d{1,5}\s+(?:[A-Za-z0-9]+\s+){0,3}(?:street|st|avenue|ave|road|rd|lane|ln|drive|dr|boulevard|blvd|court|ct|way|place|pl)\b\.?`),
		regexp.MustCompile(`\B@[A-Za-z0-9_]{3,}\b`),
	}}
}

// Filter applies Redact when s.BlockPersonalInfo is set.
func (r *Redactor) Filter(_ context.Context, text string, s Settings) string {
	if !s.BlockPersonalInfo {
		return text
	}
	return r.Redact(text)
}

// Redact replaces every match of the personal-information patterns with
// Placeholder.
func (r *Redactor) Redact(text string) string {
	for _, re := range r.patterns {
		text = re.ReplaceAllString(text, Placeholder)
	}
	return text
}
