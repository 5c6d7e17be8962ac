package risk

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

var extractorTracer = otel.Tracer("companion/risk-extractor")

// negationWindow is how many tokens before a match a negator may appear and
// still scope the match ("not going to hurt myself").
const negationWindow = 3

// intensityBoost is added to a pattern weight when an intensifier token
// immediately precedes the match ("seriously want to die"). An intensified
// 0.8 pattern lands exactly on the default 0.85 hard trigger, so an
// intensifier can promote a heavy indicator to a forced crisis on its own.
const intensityBoost = 0.05

// Extractor scans normalized message text for crisis indicators.
// It is deterministic and side-effect-free: the same text always yields the
// same signal set, and malformed or empty input yields an empty set.
type Extractor struct {
	logger  *logging.Logger
	lexicon *Lexicon
}

// NewExtractor creates an extractor over the given lexicon. A nil lexicon
// falls back to the built-in defaults.
func NewExtractor(lexicon *Lexicon, logger *logging.Logger) *Extractor {
	if logger == nil {
		logger = logging.Default()
	}
	if lexicon == nil {
		lexicon = DefaultLexicon()
	}
	return &Extractor{logger: logger, lexicon: lexicon}
}

// Extract produces the signal set for one message. Matches within a
// category are deduplicated keeping the maximum weight; a negator within
// the preceding token window suppresses the match entirely.
func (e *Extractor) Extract(ctx context.Context, message string) SignalSet {
	_, span := extractorTracer.Start(ctx, "risk.extract")
	defer span.End()

	signals := NewSignalSet()

	normalized := normalizeMessage(message)
	if normalized == "" {
		return signals
	}

	for category, patterns := range e.lexicon.families {
		for _, p := range patterns {
			for _, loc := range p.regex.FindAllStringIndex(normalized, -1) {
				preceding := precedingTokens(normalized, loc[0], negationWindow)
				if e.negated(preceding) {
					continue
				}
				weight := p.weight
				if e.intensified(preceding) {
					weight += intensityBoost
				}
				signals.Add(Signal{Category: category, Weight: weight, Keyword: p.keyword})
			}
		}
	}

	span.SetAttributes(
		attribute.Int("risk.categories", signals.Len()),
	)
	if max, ok := signals.Max(); ok {
		span.SetAttributes(
			attribute.String("risk.top_category", string(max.Category)),
			attribute.Float64("risk.top_weight", max.Weight),
		)
		e.logger.Info("risk signals extracted",
			"categories", signals.Len(),
			"top_category", max.Category,
			"top_weight", max.Weight,
			"keyword", max.Keyword,
		)
	}

	return signals
}

func (e *Extractor) negated(preceding []string) bool {
	for _, tok := range preceding {
		if _, ok := e.lexicon.negators[tok]; ok {
			return true
		}
	}
	return false
}

func (e *Extractor) intensified(preceding []string) bool {
	if len(preceding) == 0 {
		return false
	}
	_, ok := e.lexicon.intensifiers[preceding[len(preceding)-1]]
	return ok
}

// clauseBreak is the token that replaces sentence punctuation in normalized
// text. Negation scoping stops at it, so a negator in one clause never
// suppresses an indicator in the next ("I'm not okay, I want to die").
const clauseBreak = "."

// normalizeMessage lowercases, keeps sentence punctuation as clause-break
// tokens, strips the rest except apostrophes, and collapses runs of
// whitespace to single spaces.
func normalizeMessage(message string) string {
	message = strings.ToLower(strings.TrimSpace(message))
	if message == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(message) + 8)
	lastSpace := true
	lastBreak := false
	for _, r := range message {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'':
			b.WriteRune(r)
			lastSpace = false
			lastBreak = false
		case r == '.', r == ',', r == '!', r == '?', r == ';', r == ':', r == '\n':
			if !lastBreak {
				if !lastSpace {
					b.WriteByte(' ')
				}
				b.WriteString(clauseBreak)
				b.WriteByte(' ')
				lastSpace = true
				lastBreak = true
			}
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// precedingTokens returns up to n whitespace-delimited tokens immediately
// before byte offset start, stopping at a clause break.
func precedingTokens(text string, start, n int) []string {
	if start <= 0 {
		return nil
	}
	tokens := strings.Fields(text[:start])
	collected := make([]string, 0, n)
	for i := len(tokens) - 1; i >= 0 && len(collected) < n; i-- {
		if tokens[i] == clauseBreak {
			break
		}
		collected = append(collected, tokens[i])
	}
	for l, r := 0, len(collected)-1; l < r; l, r = l+1, r-1 {
		collected[l], collected[r] = collected[r], collected[l]
	}
	return collected
}
