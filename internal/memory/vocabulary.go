package memory

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var defaultVocabulary []byte

// Vocabulary holds the word lists used by topic matching.
type Vocabulary struct {
	GenericTopics []string `yaml:"generic_topics"`
	Stopwords     []string `yaml:"stopwords"`

	stop map[string]struct{}
}

// DefaultVocabulary returns the built-in word lists.
func DefaultVocabulary() *Vocabulary {
	v, err := ParseVocabulary(defaultVocabulary)
	if err != nil {
		panic(fmt.Sprintf("memory: built-in vocabulary: %v", err))
	}
	return v
}

// LoadVocabulary reads a YAML vocabulary file. An empty path returns the
// built-in lists.
func LoadVocabulary(path string) (*Vocabulary, error) {
	if path == "" {
		return DefaultVocabulary(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary %s: %w", path, err)
	}
	v, err := ParseVocabulary(data)
	if err != nil {
		return nil, fmt.Errorf("parse vocabulary %s: %w", path, err)
	}
	return v, nil
}

// ParseVocabulary decodes YAML word lists. Entries are lowercased.
func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	for i, g := range v.GenericTopics {
		v.GenericTopics[i] = strings.ToLower(strings.TrimSpace(g))
	}
	v.stop = make(map[string]struct{}, len(v.Stopwords))
	for _, w := range v.Stopwords {
		v.stop[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return &v, nil
}

// IsGeneric reports whether label contains a generic term.
func (v *Vocabulary) IsGeneric(label string) bool {
	l := strings.ToLower(label)
	for _, g := range v.GenericTopics {
		if g != "" && strings.Contains(l, g) {
			return true
		}
	}
	return false
}

func (v *Vocabulary) isStopword(w string) bool {
	_, ok := v.stop[w]
	return ok
}
