package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/models"
)

// Publisher is the subset of the transport bus used to answer callbacks.
type Publisher interface {
	PublishReply(ctx context.Context, reply *actions.DomainAction) (string, error)
}

// Service is the extraction worker.
type Service struct {
	extractors []Extractor
	enrichers  *EnricherCache
	bus        Publisher
	log        *slog.Logger
}

// NewService creates the extraction handler with the default extractor
// chain (structured markdown first, plain text fallback) and enricher
// cache.
func NewService(bus Publisher) *Service {
	return &Service{
		extractors: []Extractor{MarkdownExtractor{}, PlainTextExtractor{}},
		enrichers:  NewEnricherCache(nil),
		bus:        bus,
		log:        slog.With("component", "extraction"),
	}
}

// RegisterExtractor prepends an extractor to the chain. PDF and DOCX
// extractors hook in here during startup.
func (s *Service) RegisterExtractor(ex Extractor) {
	s.extractors = append([]Extractor{ex}, s.extractors...)
}

// HandleAction processes extraction.document.process.
func (s *Service) HandleAction(ctx context.Context, a *actions.DomainAction) error {
	if a.ActionType != actions.TypeDocumentProcess {
		return models.NewValidationError("action_type", "unsupported: "+a.ActionType)
	}

	log := s.log.With("action_id", a.ActionID, "task_id", a.TaskID, "tenant_id", a.TenantID)

	var payload actions.ExtractionRequestPayload
	if err := a.DecodeInto(&payload); err != nil {
		return s.replyFailed(ctx, a, &models.ExtractionError{
			Type:        "request_parsing",
			Message:     err.Error(),
			Stage:       "request_parsing",
			Recoverable: false,
		})
	}

	extracted, method, err := Chain(ctx, s.extractors, payload.FilePath, payload.DocumentType, payload.MaxPages)
	if err != nil {
		log.Error("Extraction failed", "document_type", payload.DocumentType, "error", err)
		var exErr *models.ExtractionError
		if !errors.As(err, &exErr) {
			exErr = &models.ExtractionError{
				Type:        "internal",
				Message:     err.Error(),
				Stage:       "extraction",
				Recoverable: false,
			}
		}
		return s.replyFailed(ctx, a, exErr)
	}

	language := extracted.Language
	if language == "" {
		language = DetectLanguage(extracted.Text)
	}

	enricher := s.enrichers.Get(language, payload.ModelSize)
	enrichment := enricher.Enrich(extracted.Text)

	log.Info("Document extracted",
		"method", method, "language", language,
		"sections", len(extracted.Structure.Sections),
		"words", extracted.Structure.WordCount,
		"entities", len(enrichment.Entities))

	return s.reply(ctx, a, &actions.ExtractionResultPayload{
		Result: models.ExtractionResult{
			Status:           models.ExtractionStatusCompleted,
			ExtractedText:    extracted.Text,
			Structure:        extracted.Structure,
			Language:         language,
			Enrichment:       enrichment,
			ExtractionMethod: method,
		},
	})
}

func (s *Service) replyFailed(ctx context.Context, a *actions.DomainAction, exErr *models.ExtractionError) error {
	return s.reply(ctx, a, &actions.ExtractionResultPayload{
		Result: models.ExtractionResult{
			Status: models.ExtractionStatusFailed,
			Error:  exErr,
		},
	})
}

func (s *Service) reply(ctx context.Context, a *actions.DomainAction, payload any) error {
	r := a.Reply(actions.ServiceExtraction)
	if r == nil {
		s.log.Warn("Action without callback dropped",
			"action_id", a.ActionID, "action_type", a.ActionType)
		return nil
	}
	if _, err := r.WithPayload(payload); err != nil {
		return fmt.Errorf("encoding reply for %s: %w", a.ActionID, err)
	}
	if _, err := s.bus.PublishReply(ctx, r); err != nil {
		return fmt.Errorf("publishing reply for %s: %w", a.ActionID, err)
	}
	return nil
}

// stopword ratios per language, used by DetectLanguage.
var languageMarkers = map[string][]string{
	"en": {" the ", " and ", " of ", " to ", " is "},
	"es": {" el ", " la ", " de ", " que ", " los "},
	"fr": {" le ", " la ", " les ", " des ", " est "},
	"de": {" der ", " die ", " und ", " das ", " ist "},
}

// DetectLanguage guesses the document language from stopword frequency,
// defaulting to English.
func DetectLanguage(text string) string {
	sample := strings.ToLower(text)
	if len(sample) > 4096 {
		sample = sample[:4096]
	}

	best, bestScore := "en", 0
	for lang, markers := range languageMarkers {
		score := 0
		for _, m := range markers {
			score += strings.Count(sample, m)
		}
		if score > bestScore {
			best, bestScore = lang, score
		}
	}
	return best
}
