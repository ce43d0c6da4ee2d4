package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Terms is the domain data file: translation term mappings, proper-noun
// canonicalization, the single-word fallback dictionary, and ASR phrase
// hints. It is plain data, editable without a rebuild.
type Terms struct {
	Mappings       []TermMapping    `yaml:"mappings"`
	ReligiousNouns []ProperNounRule `yaml:"religious_nouns"`
	SingleWord     []WordPair       `yaml:"single_word_fallback"`
	PhraseHints    []string         `yaml:"phrase_hints"`
	PhraseBoost    float32          `yaml:"phrase_boost"`
}

// TermMapping replaces pattern with replacement in MT output,
// case-insensitively. When WhenSourceContains is set, the rule only fires if
// the source transcript contains that substring.
type TermMapping struct {
	Pattern            string `yaml:"pattern"`
	Replacement        string `yaml:"replacement"`
	WhenSourceContains string `yaml:"when_source_contains,omitempty"`
}

// ProperNounRule canonicalizes variant spellings of a proper noun in
// Romanian output when its English trigger appears in the source.
type ProperNounRule struct {
	EnglishTrigger string   `yaml:"english_trigger"`
	Canonical      string   `yaml:"canonical"`
	Variants       []string `yaml:"variants"`
}

// WordPair is a source→target entry for the single-word fallback map.
type WordPair struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// LoadTerms reads the terms file. A missing file is not an error: sessions
// run with an empty rule set.
func LoadTerms(path string) (*Terms, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Terms{PhraseBoost: 15}, nil
		}
		return nil, fmt.Errorf("read terms: %w", err)
	}
	t := &Terms{PhraseBoost: 15}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse terms: %w", err)
	}
	if t.PhraseBoost <= 0 {
		t.PhraseBoost = 15
	}
	return t, nil
}
