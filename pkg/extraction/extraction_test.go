package extraction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/models"
)

const sampleDoc = `# Employee Handbook

Welcome to Acme Corp. This handbook covers company policy.

## Vacation Policy

Employees receive 25 days of paid vacation per year. Requests go through
the internal portal.

| Tier | Days |
|------|------|
| Junior | 25 |
| Senior | 30 |

## Remote Work

Remote work is allowed up to three days per week.
`

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseStructure(t *testing.T) {
	structure := ParseStructure(sampleDoc)

	require.Len(t, structure.Sections, 3)
	assert.Equal(t, "Employee Handbook", structure.Sections[0].Title)
	assert.Equal(t, 1, structure.Sections[0].Level)
	assert.Equal(t, "Vacation Policy", structure.Sections[1].Title)
	assert.Equal(t, 2, structure.Sections[1].Level)
	assert.Equal(t, "Employee Handbook", structure.Sections[1].ParentTitle)
	assert.Equal(t, "Employee Handbook", structure.Sections[2].ParentTitle)

	assert.Equal(t, 1, structure.Tables)
	assert.False(t, structure.HasTOC)
	assert.Greater(t, structure.WordCount, 30)
}

func TestParseStructure_TOCAndImages(t *testing.T) {
	structure := ParseStructure("# Contents\n\n![diagram](a.png)\n")
	assert.True(t, structure.HasTOC)
	assert.True(t, structure.HasImages)
}

func TestMarkdownExtractor(t *testing.T) {
	t.Run("extracts structured text", func(t *testing.T) {
		path := writeTempFile(t, "doc.md", sampleDoc)
		result, err := MarkdownExtractor{}.Extract(context.Background(), path, 0)
		require.NoError(t, err)
		assert.Equal(t, sampleDoc, result.Text)
		assert.Len(t, result.Structure.Sections, 3)
	})

	t.Run("empty document is non-recoverable", func(t *testing.T) {
		path := writeTempFile(t, "empty.md", "   \n")
		_, err := MarkdownExtractor{}.Extract(context.Background(), path, 0)
		var exErr *models.ExtractionError
		require.ErrorAs(t, err, &exErr)
		assert.False(t, exErr.Recoverable)
		assert.Equal(t, "empty_document", exErr.Type)
	})

	t.Run("supports markdown and text only", func(t *testing.T) {
		assert.True(t, MarkdownExtractor{}.Supports("md"))
		assert.True(t, MarkdownExtractor{}.Supports("txt"))
		assert.False(t, MarkdownExtractor{}.Supports("pdf"))
	})
}

type failingExtractor struct {
	name        string
	recoverable bool
}

func (f failingExtractor) Name() string          { return f.name }
func (f failingExtractor) Supports(string) bool  { return true }
func (f failingExtractor) Extract(context.Context, string, int) (*Extracted, error) {
	return nil, &models.ExtractionError{
		Type:        "parse_failure",
		Message:     "cannot parse",
		Stage:       "extraction",
		Recoverable: f.recoverable,
	}
}

func TestChain(t *testing.T) {
	path := writeTempFile(t, "doc.txt", "plain body text here")

	t.Run("recoverable failure falls through to next extractor", func(t *testing.T) {
		result, method, err := Chain(context.Background(),
			[]Extractor{failingExtractor{name: "primary", recoverable: true}, PlainTextExtractor{}},
			path, "txt", 0)
		require.NoError(t, err)
		assert.Equal(t, "fallback_plain_text", method)
		assert.Contains(t, result.Text, "plain body")
	})

	t.Run("non-recoverable failure stops the chain", func(t *testing.T) {
		_, _, err := Chain(context.Background(),
			[]Extractor{failingExtractor{name: "primary", recoverable: false}, PlainTextExtractor{}},
			path, "txt", 0)
		require.Error(t, err)
		var exErr *models.ExtractionError
		require.ErrorAs(t, err, &exErr)
		assert.False(t, exErr.Recoverable)
	})

	t.Run("unsupported type without candidates", func(t *testing.T) {
		_, _, err := Chain(context.Background(), []Extractor{MarkdownExtractor{}}, path, "pdf", 0)
		require.Error(t, err)
	})
}

func TestHeuristicEnricher(t *testing.T) {
	e := NewHeuristicEnricher("medium")
	enrichment := e.Enrich(sampleDoc)

	var entityTexts []string
	for _, ent := range enrichment.Entities {
		entityTexts = append(entityTexts, ent.Text)
	}
	assert.Contains(t, entityTexts, "Acme Corp")
	assert.NotEmpty(t, enrichment.NounChunks)
	assert.NotEmpty(t, enrichment.Lemmas)
	assert.NotEmpty(t, enrichment.EntitiesByLabel)

	t.Run("lemmas are unique", func(t *testing.T) {
		seen := map[string]bool{}
		for _, l := range enrichment.Lemmas {
			assert.False(t, seen[l], "duplicate lemma %q", l)
			seen[l] = true
		}
	})
}

func TestEnricherCache(t *testing.T) {
	calls := 0
	cache := NewEnricherCache(func(language, size string) Enricher {
		calls++
		return NewHeuristicEnricher(size)
	})

	first := cache.Get("en", "medium")
	second := cache.Get("en", "medium")
	assert.Same(t, first.(*HeuristicEnricher), second.(*HeuristicEnricher))
	assert.Equal(t, 1, calls, "loaded once per (language, size)")

	cache.Get("en", "large")
	assert.Equal(t, 2, calls)
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "en", DetectLanguage("the cat and the dog went to the park"))
	assert.Equal(t, "de", DetectLanguage("der hund und die katze und das haus ist hier und der baum"))
	assert.Equal(t, "en", DetectLanguage("xyzzy"), "defaults to english")
}

type fakeBus struct {
	replies []*actions.DomainAction
}

func (f *fakeBus) PublishReply(_ context.Context, r *actions.DomainAction) (string, error) {
	f.replies = append(f.replies, r)
	return "1-0", nil
}

func TestHandleAction(t *testing.T) {
	t.Run("completed extraction", func(t *testing.T) {
		bus := &fakeBus{}
		svc := NewService(bus)

		path := writeTempFile(t, "doc.md", sampleDoc)
		a := actions.New(actions.TypeDocumentProcess, actions.ServiceIngestion)
		a.CallbackActionType = actions.TypeExtractionCallback
		a.TaskID = "task-1"
		_, err := a.WithPayload(&actions.ExtractionRequestPayload{
			FilePath:     path,
			DocumentType: "md",
		})
		require.NoError(t, err)

		require.NoError(t, svc.HandleAction(context.Background(), a))
		require.Len(t, bus.replies, 1)

		var result actions.ExtractionResultPayload
		require.NoError(t, bus.replies[0].DecodeInto(&result))
		assert.Equal(t, models.ExtractionStatusCompleted, result.Result.Status)
		assert.Equal(t, "markdown_structured", result.Result.ExtractionMethod)
		assert.Equal(t, "en", result.Result.Language)
		assert.Len(t, result.Result.Structure.Sections, 3)
		assert.NotEmpty(t, result.Result.Enrichment.Entities)
	})

	t.Run("missing file reports failed status", func(t *testing.T) {
		bus := &fakeBus{}
		svc := NewService(bus)

		a := actions.New(actions.TypeDocumentProcess, actions.ServiceIngestion)
		a.CallbackActionType = actions.TypeExtractionCallback
		_, err := a.WithPayload(&actions.ExtractionRequestPayload{
			FilePath:     "/nonexistent/file.md",
			DocumentType: "md",
		})
		require.NoError(t, err)

		require.NoError(t, svc.HandleAction(context.Background(), a))
		require.Len(t, bus.replies, 1)

		var result actions.ExtractionResultPayload
		require.NoError(t, bus.replies[0].DecodeInto(&result))
		assert.Equal(t, models.ExtractionStatusFailed, result.Result.Status)
		require.NotNil(t, result.Result.Error)
		assert.Equal(t, "file_read", result.Result.Error.Type)
	})
}
