package bm25

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble-ai/nooble/pkg/models"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "lowercases and splits punctuation",
			text: "Hello, World! Redis-Streams.",
			want: []string{"hello", "world", "redis", "streams"},
		},
		{
			name: "drops stopwords and single runes",
			text: "the cat is on a mat",
			want: []string{"cat", "mat"},
		},
		{
			name: "keeps numbers",
			text: "chapter 42 covers bm25",
			want: []string{"chapter", "42", "covers", "bm25"},
		},
		{
			name: "empty input",
			text: "   ",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.text))
		})
	}
}

func TestVector(t *testing.T) {
	v := NewVectorizer()

	t.Run("empty text yields empty vector", func(t *testing.T) {
		indices, values := v.Vector("")
		assert.Empty(t, indices)
		assert.Empty(t, values)
	})

	t.Run("one dimension per distinct term", func(t *testing.T) {
		indices, values := v.Vector("alpha beta alpha gamma")
		require.Len(t, indices, 3)
		require.Len(t, values, 3)
	})

	t.Run("repeated terms weigh more but sublinearly", func(t *testing.T) {
		single, sv := v.Vector("alpha")
		repeated, rv := v.Vector("alpha alpha alpha alpha")
		require.Len(t, single, 1)
		require.Len(t, repeated, 1)
		assert.Equal(t, single[0], repeated[0])
		assert.Greater(t, rv[0], sv[0])
		assert.Less(t, rv[0], sv[0]*4, "tf saturation")
	})

	t.Run("deterministic", func(t *testing.T) {
		i1, v1 := v.Vector("ingestion pipeline state machine")
		i2, v2 := v.Vector("ingestion pipeline state machine")
		assert.Equal(t, i1, i2)
		assert.Equal(t, v1, v2)
	})
}

func TestComposeText(t *testing.T) {
	chunk := &models.ChunkModel{
		SectionContext: "In document 'Handbook', section 'Intro':",
		SpacyNounChunks: []string{
			"onboarding process",
		},
		SpacyEntities: []models.SpacyEntity{
			{Text: "Acme Corp", Label: "ORG"},
		},
		SearchAnchors: []string{"vacation policy"},
		AtomicFacts:   []string{"Employees get 25 days off"},
		ContentRaw:    "The onboarding process at Acme Corp takes two weeks.",
	}

	text := ComposeText(chunk)

	assert.Equal(t, 3, strings.Count(text, "section 'Intro'"), "section context x3")
	assert.Equal(t, 4, strings.Count(text, "onboarding process"), "noun chunks x3 plus one raw occurrence")
	assert.Equal(t, 3, strings.Count(text, "Acme Corp"), "entities x2 plus one raw occurrence")
	assert.Equal(t, 3, strings.Count(text, "vacation policy"), "anchors x3")
	assert.Equal(t, 2, strings.Count(text, "25 days off"), "facts x2")
	assert.Equal(t, 1, strings.Count(text, "takes two weeks"), "raw content x1")

	t.Run("pure function", func(t *testing.T) {
		assert.Equal(t, text, ComposeText(chunk))
	})

	t.Run("empty chunk", func(t *testing.T) {
		assert.Equal(t, "", ComposeText(&models.ChunkModel{}))
	})
}
