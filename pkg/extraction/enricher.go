package extraction

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/nooble-ai/nooble/pkg/models"
)

// Enricher produces the NLP analysis attached to extraction results. A
// spaCy-backed enricher plugs in behind this interface; the default is
// the heuristic enricher below.
type Enricher interface {
	Enrich(text string) models.NLPEnrichment
}

// EnricherCache holds one enricher per (language, model size) pair,
// loaded lazily and never evicted during a process lifetime.
type EnricherCache struct {
	factory func(language, size string) Enricher

	mu      sync.Mutex
	loaded  map[string]Enricher
}

// NewEnricherCache creates a cache backed by the given factory. A nil
// factory yields heuristic enrichers for every tier.
func NewEnricherCache(factory func(language, size string) Enricher) *EnricherCache {
	if factory == nil {
		factory = func(language, size string) Enricher {
			return NewHeuristicEnricher(size)
		}
	}
	return &EnricherCache{
		factory: factory,
		loaded:  make(map[string]Enricher),
	}
}

// Get returns the enricher for a (language, size) pair, loading it on
// first use.
func (c *EnricherCache) Get(language, size string) Enricher {
	if language == "" {
		language = "en"
	}
	if size == "" {
		size = "medium"
	}
	key := fmt.Sprintf("%s/%s", language, size)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.loaded[key]; ok {
		return e
	}
	e := c.factory(language, size)
	c.loaded[key] = e
	return e
}

var entityRe = regexp.MustCompile(`\b[A-Z][\p{L}0-9&.-]*(?:[ \t][A-Z][\p{L}0-9&.-]*)*\b`)

// labelPatterns classifies entity surface forms by shape.
var (
	dateRe  = regexp.MustCompile(`^(?i)(january|february|march|april|may|june|july|august|september|october|november|december)\b|\b\d{4}$`)
	moneyRe = regexp.MustCompile(`[$€£]|\b(?i:usd|eur|gbp)\b`)
	orgRe   = regexp.MustCompile(`(?i)\b(inc|corp|llc|ltd|gmbh|university|institute|department|company)\b`)
)

// HeuristicEnricher approximates NLP enrichment without a model:
// capitalized spans become entities, simple noun phrases become noun
// chunks, lowercased unique words become lemmas. The large tier keeps
// more candidates.
type HeuristicEnricher struct {
	maxEntities int
}

// NewHeuristicEnricher sizes the enricher by model tier.
func NewHeuristicEnricher(size string) *HeuristicEnricher {
	maxEntities := 50
	if size == "large" {
		maxEntities = 200
	}
	return &HeuristicEnricher{maxEntities: maxEntities}
}

// Enrich analyzes the text.
func (h *HeuristicEnricher) Enrich(text string) models.NLPEnrichment {
	enrichment := models.NLPEnrichment{}

	seen := make(map[string]bool)
	for _, span := range entityRe.FindAllString(text, -1) {
		if len(enrichment.Entities) >= h.maxEntities {
			break
		}
		// Single common capitalized words are usually sentence starts.
		if !strings.Contains(span, " ") && len([]rune(span)) < 4 {
			continue
		}
		if seen[span] {
			continue
		}
		seen[span] = true
		enrichment.Entities = append(enrichment.Entities, models.SpacyEntity{
			Text:  span,
			Label: classify(span),
		})
	}

	enrichment.NounChunks = nounChunks(text)
	enrichment.Lemmas = lemmas(text)

	if len(enrichment.Entities) > 0 {
		enrichment.EntitiesByLabel = make(map[string][]string)
		for _, e := range enrichment.Entities {
			enrichment.EntitiesByLabel[e.Label] = append(enrichment.EntitiesByLabel[e.Label], e.Text)
		}
	}
	return enrichment
}

// classify assigns a coarse spaCy-style label to an entity surface form.
func classify(span string) string {
	switch {
	case dateRe.MatchString(span):
		return "DATE"
	case moneyRe.MatchString(span):
		return "MONEY"
	case orgRe.MatchString(span):
		return "ORG"
	case strings.Contains(span, " "):
		return "PERSON"
	default:
		return "ORG"
	}
}

// nounChunks approximates noun phrases: runs of two or more non-stopword
// lowercase-or-capitalized words bounded by punctuation or stopwords.
func nounChunks(text string) []string {
	chunkStop := map[string]bool{
		"the": true, "a": true, "an": true, "and": true, "or": true,
		"of": true, "in": true, "on": true, "to": true, "for": true,
		"is": true, "are": true, "was": true, "were": true, "with": true,
		"by": true, "at": true, "from": true, "that": true, "this": true,
	}

	var out []string
	seen := make(map[string]bool)
	var run []string
	flush := func() {
		if len(run) >= 2 && len(run) <= 4 {
			phrase := strings.Join(run, " ")
			if !seen[phrase] {
				seen[phrase] = true
				out = append(out, phrase)
			}
		}
		run = nil
	}

	for _, field := range strings.Fields(text) {
		word := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		endsClause := strings.TrimRight(field, ".,;:!?") != field
		if word == "" || chunkStop[strings.ToLower(word)] {
			flush()
			continue
		}
		run = append(run, word)
		if endsClause {
			flush()
		}
	}
	flush()

	if len(out) > 100 {
		out = out[:100]
	}
	return out
}

// lemmas returns the unique lowercased words of the text, in first-seen
// order.
func lemmas(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, field := range strings.Fields(strings.ToLower(text)) {
		word := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if len(word) < 3 || seen[word] {
			continue
		}
		seen[word] = true
		out = append(out, word)
	}
	return out
}
