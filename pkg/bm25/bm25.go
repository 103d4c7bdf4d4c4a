// Package bm25 produces sparse lexical vectors for hybrid search. The
// vectorizer computes the term-frequency side of BM25; inverse document
// frequency is applied server-side by the vector store's IDF modifier.
package bm25

import (
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/nooble-ai/nooble/pkg/models"
)

// Default BM25 parameters.
const (
	DefaultK1        = 1.2
	DefaultB         = 0.75
	DefaultAvgDocLen = 256.0
)

// stopwords dropped during tokenization. Kept deliberately small; the
// sparse channel complements dense retrieval, it does not replace it.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "in": {}, "is": {}, "it": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "to": {}, "was": {},
	"were": {}, "will": {}, "with": {},
}

// Vectorizer converts text into a sparse BM25 vector. Safe for concurrent
// use; a single instance is shared per process.
type Vectorizer struct {
	K1        float64
	B         float64
	AvgDocLen float64
}

// NewVectorizer returns a vectorizer with the default parameters.
func NewVectorizer() *Vectorizer {
	return &Vectorizer{K1: DefaultK1, B: DefaultB, AvgDocLen: DefaultAvgDocLen}
}

// Vector computes the sparse representation of text: parallel slices of
// term-hash indices and BM25 term weights. Empty text yields empty slices.
func (v *Vectorizer) Vector(text string) (indices []uint32, values []float32) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil, nil
	}

	freqs := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freqs[tok]++
	}

	docLen := float64(len(tokens))
	norm := v.K1 * (1 - v.B + v.B*docLen/v.AvgDocLen)

	indices = make([]uint32, 0, len(freqs))
	values = make([]float32, 0, len(freqs))
	for term, n := range freqs {
		tf := float64(n)
		indices = append(indices, TermIndex(term))
		values = append(values, float32(tf*(v.K1+1)/(tf+norm)))
	}
	return indices, values
}

// TermIndex maps a term to its sparse dimension via FNV-1a.
func TermIndex(term string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(term))
	return h.Sum32()
}

// Tokenize lowercases, splits on non-alphanumeric runes, and drops
// stopwords and single-rune tokens.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		out = append(out, f)
	}
	return out
}

// ComposeText builds the lexical indexing text for a chunk. Field boosts
// are expressed by repetition: section context x3, noun chunks x3,
// entities x2, search anchors x3, atomic facts x2, raw content x1.
// Pure function of the chunk fields.
func ComposeText(c *models.ChunkModel) string {
	var b strings.Builder
	appendN := func(s string, n int) {
		if s == "" {
			return
		}
		for i := 0; i < n; i++ {
			b.WriteString(s)
			b.WriteByte(' ')
		}
	}

	appendN(c.SectionContext, 3)
	appendN(strings.Join(c.SpacyNounChunks, " "), 3)
	entities := make([]string, 0, len(c.SpacyEntities))
	for _, e := range c.SpacyEntities {
		entities = append(entities, e.Text)
	}
	appendN(strings.Join(entities, " "), 2)
	appendN(strings.Join(c.SearchAnchors, " "), 3)
	appendN(strings.Join(c.AtomicFacts, " "), 2)
	appendN(c.ContentRaw, 1)

	return strings.TrimSpace(b.String())
}
