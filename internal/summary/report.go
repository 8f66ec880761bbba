package summary

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Engagement levels accepted in the Engagement Level section.
const (
	EngagementHigh     = "High"
	EngagementMedium   = "Medium"
	EngagementModerate = "Moderate"
)

// NoConcerns fills an empty Topics of Concern section.
const NoConcerns = "No concerning topics discussed"

type section int

const (
	sectionConcerns section = iota
	sectionTopics
	sectionEngagement
	sectionLearnings
	sectionTips
	numSections
)

var sectionHeadings = [numSections]struct {
	title    string
	emoji    string
	prefixes []string
}{
	sectionConcerns:   {"Topics of Concern", "🚨", []string{"topics of concern", "concerns", "concerning topics"}},
	sectionTopics:     {"Topics Discussed", "💭", []string{"topics discussed", "main topics"}},
	sectionEngagement: {"Engagement Level", "📊", []string{"engagement level", "engagement"}},
	sectionLearnings:  {"Key Learning Points", "📚", []string{"key learning points", "key learnings", "learning points"}},
	sectionTips:       {"Parent Tips", "👪", []string{"parent tips", "tips for parents"}},
}

// Report is a parsed conversation summary. Its String form is the canonical
// text stored in chat_summaries.
type Report struct {
	Concerns            []string
	Topics              []string
	Engagement          string
	EngagementRationale string
	Learnings           []string
	Tips                []string
}

// String renders the five sections in their fixed order.
func (r Report) String() string {
	var sb strings.Builder
	for i := section(0); i < numSections; i++ {
		h := sectionHeadings[i]
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%s %s:", h.emoji, h.title)
		for _, item := range r.items(i) {
			sb.WriteString("\n- ")
			sb.WriteString(item)
		}
	}
	return sb.String()
}

// Markdown renders the report with one heading per section.
func (r Report) Markdown() string {
	var sb strings.Builder
	for i := section(0); i < numSections; i++ {
		h := sectionHeadings[i]
		fmt.Fprintf(&sb, "### %s %s\n\n", h.emoji, h.title)
		for _, item := range r.items(i) {
			fmt.Fprintf(&sb, "- %s\n", item)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (r Report) items(s section) []string {
	switch s {
	case sectionConcerns:
		if len(r.Concerns) == 0 {
			return []string{NoConcerns}
		}
		return r.Concerns
	case sectionTopics:
		return r.Topics
	case sectionEngagement:
		out := []string{r.Engagement}
		if r.EngagementRationale != "" {
			out = append(out, r.EngagementRationale)
		}
		return out
	case sectionLearnings:
		return r.Learnings
	case sectionTips:
		return r.Tips
	}
	return nil
}

// ParseError lists the sections a model reply was missing.
type ParseError struct {
	Missing []string
	Reason  string
}

func (e *ParseError) Error() string {
	if len(e.Missing) > 0 {
		return "summary missing sections: " + strings.Join(e.Missing, ", ")
	}
	return "summary malformed: " + e.Reason
}

// Parse reads a summary in the five-section layout. Headings may carry
// emoji, markdown markers and inline content; their order is not checked
// because String always re-renders them in order.
func Parse(text string) (Report, error) {
	var (
		items [numSections][]string
		seen  [numSections]bool
		cur   = section(-1)
	)
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if s, rest, ok := headingOf(line); ok {
			cur = s
			seen[s] = true
			if rest != "" {
				items[s] = append(items[s], rest)
			}
			continue
		}
		if cur < 0 {
			continue
		}
		if item := stripBullet(line); item != "" {
			items[cur] = append(items[cur], item)
		}
	}

	var missing []string
	for i := section(0); i < numSections; i++ {
		if !seen[i] {
			missing = append(missing, sectionHeadings[i].title)
		}
	}
	if len(missing) > 0 {
		return Report{}, &ParseError{Missing: missing}
	}

	r := Report{
		Concerns:  items[sectionConcerns],
		Topics:    items[sectionTopics],
		Learnings: items[sectionLearnings],
		Tips:      items[sectionTips],
	}
	if len(r.Concerns) == 1 && strings.HasPrefix(strings.ToLower(r.Concerns[0]), "no concern") {
		r.Concerns = nil
	}

	level, rationale := parseEngagement(items[sectionEngagement])
	if level == "" {
		return Report{}, &ParseError{Reason: "engagement level must be High, Medium or Moderate"}
	}
	r.Engagement = level
	r.EngagementRationale = rationale
	return r, nil
}

func headingOf(line string) (section, string, bool) {
	if isBullet(line) {
		return 0, "", false
	}
	t := strings.TrimLeftFunc(line, func(r rune) bool { return !unicode.IsLetter(r) })
	lower := strings.ToLower(t)
	for i := section(0); i < numSections; i++ {
		for _, p := range sectionHeadings[i].prefixes {
			if !strings.HasPrefix(lower, p) {
				continue
			}
			rest := t[len(p):]
			// "Topics of Concern (if any):" keeps its qualifier out of the body.
			if idx := strings.Index(rest, ":"); idx >= 0 {
				rest = rest[idx+1:]
			} else if strings.TrimFunc(rest, isDecoration) != "" {
				// Text without a colon is a sentence, not a heading.
				return 0, "", false
			}
			return i, strings.TrimFunc(rest, isDecoration), true
		}
	}
	return 0, "", false
}

func isDecoration(r rune) bool {
	return unicode.IsSpace(r) || r == '*' || r == '#' || r == '_' || r == ':'
}

func isBullet(line string) bool {
	for _, p := range []string{"- ", "• ", "* ", "+ "} {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func stripBullet(line string) string {
	for _, p := range []string{"- ", "• ", "* ", "+ "} {
		if strings.HasPrefix(line, p) {
			return strings.TrimSpace(line[len(p):])
		}
	}
	// numbered lists: "1. item" / "2) item"
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}

// parseEngagement finds the first level word and keeps the remaining text
// as the rationale.
func parseEngagement(items []string) (string, string) {
	joined := strings.Join(items, " ")
	level := ""
	best := -1
	for _, candidate := range []string{EngagementHigh, EngagementMedium, EngagementModerate} {
		idx := indexWord(joined, candidate)
		if idx >= 0 && (best < 0 || idx < best) {
			best, level = idx, candidate
		}
	}
	if level == "" {
		return "", ""
	}

	var rationale []string
	for _, item := range items {
		trimmed := strings.Trim(item, `"'*. `)
		if strings.EqualFold(trimmed, level) {
			continue
		}
		// "High - asked lots of questions" keeps only the explanation.
		if len(trimmed) > len(level) && strings.EqualFold(trimmed[:len(level)], level) &&
			!isWordByte(strings.ToLower(trimmed[len(level):])[0]) {
			item = strings.TrimLeft(trimmed[len(level):], " -–—:,.\"'*")
		}
		if item != "" {
			rationale = append(rationale, item)
		}
	}
	return level, strings.Join(rationale, " ")
}

// indexWord returns the index of word in s as a whole word, ignoring case.
func indexWord(s, word string) int {
	lower, w := strings.ToLower(s), strings.ToLower(word)
	from := 0
	for {
		idx := strings.Index(lower[from:], w)
		if idx < 0 {
			return -1
		}
		idx += from
		end := idx + len(w)
		beforeOK := idx == 0 || !isWordByte(lower[idx-1])
		afterOK := end == len(lower) || !isWordByte(lower[end])
		if beforeOK && afterOK {
			return idx
		}
		from = end
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML renders a stored summary for parents. Text that does not parse as a
// five-section report is rendered as plain markdown.
func HTML(text string) (string, error) {
	md := text
	if r, err := Parse(text); err == nil {
		md = r.Markdown()
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render summary: %w", err)
	}
	return buf.String(), nil
}
