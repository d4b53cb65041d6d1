package runtime

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var defaultVocabulary []byte

// Intent is one ordered vocabulary entry.
type Intent struct {
	Name     string   `yaml:"name"`
	Context  string   `yaml:"context"`
	Keywords []string `yaml:"keywords"`
}

// Vocabulary is the fixed keyword table behind the fallback classifier.
type Vocabulary struct {
	Default string   `yaml:"default"`
	Intents []Intent `yaml:"intents"`
}

// ParseVocabulary decodes a YAML vocabulary.
func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if v.Default == "" {
		v.Default = "general"
	}
	for i, in := range v.Intents {
		if in.Name == "" {
			return nil, fmt.Errorf("parse vocabulary: intent %d has no name", i)
		}
		for j, kw := range in.Keywords {
			v.Intents[i].Keywords[j] = strings.ToLower(kw)
		}
	}
	return &v, nil
}

// LoadVocabulary reads a vocabulary file. An empty path yields the built-in one.
func LoadVocabulary(path string) (*Vocabulary, error) {
	if path == "" {
		return DefaultVocabulary(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return ParseVocabulary(data)
}

// DefaultVocabulary returns the embedded vocabulary.
func DefaultVocabulary() *Vocabulary {
	v, err := ParseVocabulary(defaultVocabulary)
	if err != nil {
		panic(err)
	}
	return v
}

// Classifier maps free text to an intent by keyword. It never fails.
type Classifier struct {
	vocab *Vocabulary
}

// NewClassifier creates a Classifier. A nil vocab uses the built-in one.
func NewClassifier(vocab *Vocabulary) *Classifier {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	return &Classifier{vocab: vocab}
}

// Classification is the classifier's verdict for one text.
type Classification struct {
	Intent  string
	Context string
	Keyword string
}

// Classify returns the first intent whose keyword occurs in the lower-cased
// text, or the default intent.
func (c *Classifier) Classify(text string) Classification {
	lower := strings.ToLower(text)
	for _, in := range c.vocab.Intents {
		for _, kw := range in.Keywords {
			if strings.Contains(lower, kw) {
				return Classification{Intent: in.Name, Context: in.Context, Keyword: kw}
			}
		}
	}
	return Classification{Intent: c.vocab.Default, Context: "general"}
}

// QueryAnalysis says which data a query needs. Field names match the JSON
// returned by the query-analysis prompt.
type QueryAnalysis struct {
	ContextType       string            `json:"contextType"`
	NeedsIncidents    bool              `json:"needsIncidents"`
	NeedsZones        bool              `json:"needsZones"`
	NeedsResponders   bool              `json:"needsResponders"`
	NeedsContacts     bool              `json:"needsContacts"`
	NeedsAnalytics    bool              `json:"needsAnalytics"`
	SpecificFilters   map[string]string `json:"specificFilters"`
	Intent            string            `json:"intent"`
	SuggestedSearches []string          `json:"suggestedSearches,omitempty"`
}

var (
	statusWords   = []string{"active", "investigating", "resolved", "closed"}
	priorityWords = []string{"critical", "high", "medium", "low"}
	typeWords     = []string{"fire", "medical", "security", "panic", "stampede", "smoke"}
)

// Analyze derives a QueryAnalysis without the LLM. Intent and ContextType come
// from Classify; every vocabulary entry with a matching keyword raises its
// needs flag.
func (c *Classifier) Analyze(query string) *QueryAnalysis {
	cl := c.Classify(query)
	qa := &QueryAnalysis{
		ContextType:     cl.Context,
		Intent:          cl.Intent,
		SpecificFilters: map[string]string{},
	}
	lower := strings.ToLower(query)
	for _, in := range c.vocab.Intents {
		if !containsAny(lower, in.Keywords) {
			continue
		}
		switch in.Context {
		case "incidents":
			qa.NeedsIncidents = true
		case "zones":
			qa.NeedsZones = true
		case "responders":
			qa.NeedsResponders = true
		case "contacts":
			qa.NeedsContacts = true
		case "analytics":
			qa.NeedsAnalytics = true
		}
	}
	if w := firstWord(lower, statusWords); w != "" {
		qa.SpecificFilters["status"] = w
	}
	if w := firstWord(lower, priorityWords); w != "" {
		qa.SpecificFilters["priority"] = w
	}
	if w := firstWord(lower, typeWords); w != "" {
		qa.SpecificFilters["type"] = w
	}
	if m := zonePattern.FindStringSubmatch(query); m != nil {
		qa.SpecificFilters["zone"] = m[1]
	}
	return qa
}

func containsAny(s string, words []string) bool {
	return firstWord(s, words) != ""
}

func firstWord(s string, words []string) string {
	for _, w := range words {
		if strings.Contains(s, w) {
			return w
		}
	}
	return ""
}
