package memory

import (
	"strings"
	"unicode"

	"github.com/klioai/klio/internal/db"
)

// DefaultWordOverlap is the minimum overlap coefficient between two labels'
// significant words for them to match.
const DefaultWordOverlap = 0.5

type indexEntry struct {
	topic   *db.Topic
	label   string   // lowercased label
	norm    string   // label without punctuation or stopwords
	aliases []string // normalized sub-topics and related interests
	words   map[string]struct{}
}

// topicIndex is the matching view over a child's topics. Entries keep
// insertion order (existing topics by id, then new ones), which makes
// every match deterministic for a given snapshot.
type topicIndex struct {
	vocab     *Vocabulary
	threshold float64
	entries   []*indexEntry
	exact     map[string]*indexEntry
}

func newTopicIndex(v *Vocabulary, threshold float64, topics []db.Topic) *topicIndex {
	idx := &topicIndex{vocab: v, threshold: threshold, exact: make(map[string]*indexEntry)}
	for i := range topics {
		idx.add(&topics[i])
	}
	return idx
}

func (idx *topicIndex) add(t *db.Topic) {
	e := &indexEntry{topic: t, label: strings.ToLower(strings.TrimSpace(t.Label))}
	e.norm = idx.normalize(t.Label)
	e.words = wordSet(e.norm)
	e.aliases = idx.aliases(t)
	idx.entries = append(idx.entries, e)
	if _, ok := idx.exact[e.label]; !ok {
		idx.exact[e.label] = e
	}
}

func (idx *topicIndex) aliases(t *db.Topic) []string {
	var out []string
	for _, group := range [][]string{t.Details.SubTopics, t.Details.RelatedInterests} {
		for _, a := range group {
			if n := idx.normalize(a); n != "" {
				out = append(out, n)
			}
		}
	}
	return out
}

// refresh recomputes an entry's aliases after its details changed.
func (idx *topicIndex) refresh(t *db.Topic) {
	for _, e := range idx.entries {
		if e.topic == t {
			e.aliases = idx.aliases(t)
			return
		}
	}
}

// match returns the topic label should merge into, or nil. Each pass runs
// over the whole index before the next is tried: exact label, then
// containment against labels, then against aliases, then word overlap.
func (idx *topicIndex) match(label string) *db.Topic {
	if e, ok := idx.exact[strings.ToLower(strings.TrimSpace(label))]; ok {
		return e.topic
	}

	norm := idx.normalize(label)
	if norm == "" {
		return nil
	}
	for _, e := range idx.entries {
		if contains(norm, e.norm) {
			return e.topic
		}
	}
	for _, e := range idx.entries {
		for _, a := range e.aliases {
			if contains(norm, a) {
				return e.topic
			}
		}
	}

	words := wordSet(norm)
	for _, e := range idx.entries {
		if overlap(words, e.words) >= idx.threshold {
			return e.topic
		}
	}
	return nil
}

// normalize lowercases s, drops punctuation and stopwords, and collapses
// whitespace.
func (idx *topicIndex) normalize(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r), r == '-', r == '_':
			return ' '
		}
		return -1
	}, s)

	var words []string
	for _, w := range strings.Fields(cleaned) {
		if !idx.vocab.isStopword(w) {
			words = append(words, w)
		}
	}
	return strings.Join(words, " ")
}

// contains reports substring containment in either direction, on whole
// words.
func contains(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	pa, pb := " "+a+" ", " "+b+" "
	return strings.Contains(pa, pb) || strings.Contains(pb, pa)
}

func wordSet(norm string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(norm) {
		set[w] = struct{}{}
	}
	return set
}

// overlap is |a ∩ b| / min(|a|, |b|).
func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	n := 0
	for w := range small {
		if _, ok := large[w]; ok {
			n++
		}
	}
	return float64(n) / float64(len(small))
}
