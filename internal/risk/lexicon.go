package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// PatternSpec is one indicator pattern as it appears in lexicon
// configuration files.
type PatternSpec struct {
	Pattern string  `json:"pattern"`
	Weight  float64 `json:"weight"`
	Keyword string  `json:"keyword"`
}

// LexiconSpec is the serializable form of a lexicon. Operators edit this as
// versioned JSON; the compiled form never changes at runtime.
type LexiconSpec struct {
	Version      string                    `json:"version"`
	Families     map[Category][]PatternSpec `json:"families"`
	Negators     []string                  `json:"negators"`
	Intensifiers []string                  `json:"intensifiers"`
}

// Lexicon holds the compiled indicator families used by the extractor.
type Lexicon struct {
	version      string
	families     map[Category][]*signalPattern
	negators     map[string]struct{}
	intensifiers map[string]struct{}
}

type signalPattern struct {
	regex   *regexp.Regexp
	weight  float64
	keyword string
}

// Version returns the lexicon version string.
func (l *Lexicon) Version() string {
	return l.version
}

// LoadLexicon reads and compiles a lexicon file. Any parse or compile
// failure is returned so startup can abort; classification must never run
// against a partial lexicon.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("risk: read lexicon %s: %w", path, err)
	}
	var spec LexiconSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("risk: parse lexicon %s: %w", path, err)
	}
	lex, err := compileLexicon(spec)
	if err != nil {
		return nil, fmt.Errorf("risk: compile lexicon %s: %w", path, err)
	}
	return lex, nil
}

// DefaultLexicon returns the built-in indicator families. It panics on a
// compile failure because the defaults are fixed at build time.
func DefaultLexicon() *Lexicon {
	lex, err := compileLexicon(defaultLexiconSpec)
	if err != nil {
		panic(fmt.Sprintf("risk: default lexicon invalid: %v", err))
	}
	return lex
}

func compileLexicon(spec LexiconSpec) (*Lexicon, error) {
	if len(spec.Families) == 0 {
		return nil, fmt.Errorf("lexicon has no indicator families")
	}
	lex := &Lexicon{
		version:      spec.Version,
		families:     make(map[Category][]*signalPattern, len(spec.Families)),
		negators:     make(map[string]struct{}, len(spec.Negators)),
		intensifiers: make(map[string]struct{}, len(spec.Intensifiers)),
	}
	for category, patterns := range spec.Families {
		if len(patterns) == 0 {
			return nil, fmt.Errorf("family %s has no patterns", category)
		}
		compiled := make([]*signalPattern, 0, len(patterns))
		for _, p := range patterns {
			if p.Weight <= 0 || p.Weight > 1 {
				return nil, fmt.Errorf("family %s pattern %q weight %v out of (0,1]", category, p.Pattern, p.Weight)
			}
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("family %s pattern %q: %w", category, p.Pattern, err)
			}
			compiled = append(compiled, &signalPattern{regex: re, weight: p.Weight, keyword: p.Keyword})
		}
		lex.families[category] = compiled
	}
	for _, n := range spec.Negators {
		lex.negators[n] = struct{}{}
	}
	for _, w := range spec.Intensifiers {
		lex.intensifiers[w] = struct{}{}
	}
	return lex, nil
}

// defaultLexiconSpec is the shipped lexicon. Deployments override it with
// LEXICON_PATH; the shape is identical so the override replaces, never
// merges.
var defaultLexiconSpec = LexiconSpec{
	Version: "2026-02",
	Negators: []string{
		"not", "never", "don't", "dont", "won't", "wont", "wouldn't",
		"wouldnt", "didn't", "didnt", "isn't", "isnt", "stopped", "no",
	},
	Intensifiers: []string{
		"really", "seriously", "definitely", "literally", "truly", "genuinely",
	},
	Families: map[Category][]PatternSpec{
		CategorySelfHarmIntent: {
			{Pattern: `\bkill(?:ing)?\s+myself\b`, Weight: 0.9, Keyword: "kill myself"},
			{Pattern: `\bkms\b`, Weight: 0.8, Keyword: "kms"},
			{Pattern: `\btake\s+my\s+(?:own\s+)?life\b`, Weight: 0.9, Keyword: "take my life"},
			{Pattern: `\bend(?:ing)?\s+(?:it\s+all|my\s+life)\b`, Weight: 0.85, Keyword: "end it all"},
			{Pattern: `\bsuicid(?:e|al)\b`, Weight: 0.8, Keyword: "suicide"},
			{Pattern: `\b(?:hurt(?:ing)?|harm(?:ing)?|cut(?:ting)?)\s+myself\b`, Weight: 0.8, Keyword: "hurt myself"},
			{Pattern: `\bself[\s-]?harm\b`, Weight: 0.75, Keyword: "self harm"},
		},
		CategoryPassiveIdeation: {
			{Pattern: `\bwant\s+to\s+die\b`, Weight: 0.75, Keyword: "want to die"},
			{Pattern: `\bbetter\s+off\s+dead\b`, Weight: 0.75, Keyword: "better off dead"},
			{Pattern: `\b(?:everyone|they)(?:'d|\s+would)\s+be\s+better\s+off\s+without\s+me\b`, Weight: 0.7, Keyword: "better off without me"},
			{Pattern: `\bdon'?t\s+want\s+to\s+(?:live|be\s+here|exist|wake\s+up)\b`, Weight: 0.75, Keyword: "don't want to live"},
			{Pattern: `\bwish\s+i\s+(?:was|were)\s+dead\b`, Weight: 0.75, Keyword: "wish i were dead"},
			{Pattern: `\bwish\s+i\s+(?:wasn'?t|weren'?t)\s+(?:here|alive|born)\b`, Weight: 0.7, Keyword: "wish i wasn't here"},
			{Pattern: `\bno\s+reason\s+to\s+(?:live|go\s+on|keep\s+going)\b`, Weight: 0.7, Keyword: "no reason to live"},
			{Pattern: `\b(?:just\s+)?disappear\s+(?:forever|for\s+good)\b`, Weight: 0.6, Keyword: "disappear forever"},
		},
		CategoryHopelessness: {
			{Pattern: `\b(?:don'?t|can'?t)\s+see\s+(?:the\s+|a\s+)?point\b`, Weight: 0.6, Keyword: "don't see the point"},
			{Pattern: `\bwhat'?s\s+the\s+point\b`, Weight: 0.5, Keyword: "what's the point"},
			{Pattern: `\bhopeless\b`, Weight: 0.6, Keyword: "hopeless"},
			{Pattern: `\bworthless\b`, Weight: 0.6, Keyword: "worthless"},
			{Pattern: `\bnothing\s+(?:matters|is\s+worth\s+it|will\s+(?:ever\s+)?(?:change|get\s+better))\b`, Weight: 0.6, Keyword: "nothing matters"},
			{Pattern: `\bcan'?t\s+(?:do\s+this|go\s+on|take\s+(?:it|this))\s+anymore\b`, Weight: 0.65, Keyword: "can't go on anymore"},
			{Pattern: `\bno\s+way\s+out\b`, Weight: 0.6, Keyword: "no way out"},
			{Pattern: `\btired\s+of\s+(?:living|everything|being\s+alive)\b`, Weight: 0.65, Keyword: "tired of living"},
		},
		CategoryPlanImmediacy: {
			{Pattern: `\b(?:have|got|i'?ve\s+got)\s+(?:the\s+)?pills?\s+ready\b`, Weight: 0.9, Keyword: "pills ready"},
			{Pattern: `\btonight\s+is\s+the\s+night\b`, Weight: 0.95, Keyword: "tonight is the night"},
			{Pattern: `\b(?:have|made|got)\s+a\s+plan\b`, Weight: 0.85, Keyword: "have a plan"},
			{Pattern: `\bwrote\s+(?:a|my)\s+(?:goodbye\s+|suicide\s+)?note\b`, Weight: 0.9, Keyword: "wrote a note"},
			{Pattern: `\bgoing\s+to\s+do\s+it\s+(?:tonight|today|now|soon)\b`, Weight: 0.95, Keyword: "going to do it"},
			{Pattern: `\bsaying\s+(?:my\s+)?goodbyes?\b`, Weight: 0.7, Keyword: "saying goodbye"},
			{Pattern: `\bgiving\s+(?:away\s+)?my\s+(?:stuff|things)(?:\s+away)?\b`, Weight: 0.75, Keyword: "giving things away"},
		},
		CategoryAbuseDisclosure: {
			{Pattern: `\b(?:hits?|beats?|hurts?)\s+me\b`, Weight: 0.75, Keyword: "hits me"},
			{Pattern: `\btouch(?:es|ed)\s+me\s+(?:in\s+a\s+way|where|when)\b`, Weight: 0.8, Keyword: "touches me"},
			{Pattern: `\b(?:sexually\s+)?abus(?:e|ed|ing|ive)\b`, Weight: 0.75, Keyword: "abuse"},
			{Pattern: `\bafraid\s+(?:to\s+go|of\s+going)\s+home\b`, Weight: 0.7, Keyword: "afraid to go home"},
			{Pattern: `\bnot\s+safe\s+at\s+home\b`, Weight: 0.8, Keyword: "not safe at home"},
			{Pattern: `\bscared\s+of\s+(?:my\s+)?(?:step)?(?:dad|father|mom|mother|uncle|brother)\b`, Weight: 0.7, Keyword: "scared of family member"},
		},
		CategorySubstanceCrisis: {
			{Pattern: `\b(?:took|swallowed)\s+(?:a\s+)?(?:bunch|handful|bottle|lot)\s+of\s+(?:pills|tablets)\b`, Weight: 0.95, Keyword: "took pills"},
			{Pattern: `\boverdos(?:e|ed|ing)\b`, Weight: 0.9, Keyword: "overdose"},
			{Pattern: `\bcan'?t\s+stop\s+(?:drinking|using|taking)\b`, Weight: 0.65, Keyword: "can't stop using"},
			{Pattern: `\bdrank\s+(?:way\s+)?too\s+much\b`, Weight: 0.55, Keyword: "drank too much"},
			{Pattern: `\bblack(?:ed)?\s+out\b`, Weight: 0.5, Keyword: "blacked out"},
		},
	},
}
