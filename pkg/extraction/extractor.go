// Package extraction parses uploaded documents into markdown text with
// section structure, then enriches them with entity and phrase analysis.
// Extractors form a fallback chain: a recoverable failure of the
// structured extractor hands the file to the next, simpler one.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/nooble-ai/nooble/pkg/models"
)

// Extractor parses one document into markdown plus structure. PDF and
// DOCX extractors plug in behind this interface.
type Extractor interface {
	// Name identifies the extractor in extraction_method.
	Name() string
	// Supports reports whether the extractor handles the document type.
	Supports(documentType string) bool
	// Extract parses the file. A recoverable *models.ExtractionError moves
	// the chain to the next extractor; any other error fails the document.
	Extract(ctx context.Context, filePath string, maxPages int) (*Extracted, error)
}

// Extracted is a single extractor's output before NLP enrichment.
type Extracted struct {
	Text      string
	Structure models.DocumentStructure
	Language  string
}

var headingRe = regexp.MustCompile(`(?m)^(#{1,6})[ \t]+(.+?)[ \t]*$`)

// MarkdownExtractor is the structured extractor for markdown and plain
// text: it preserves headings and tables and derives section boundaries.
type MarkdownExtractor struct{}

func (MarkdownExtractor) Name() string { return "markdown_structured" }

func (MarkdownExtractor) Supports(documentType string) bool {
	switch strings.ToLower(documentType) {
	case "md", "markdown", "txt", "text", "":
		return true
	}
	return false
}

func (m MarkdownExtractor) Extract(_ context.Context, filePath string, _ int) (*Extracted, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, &models.ExtractionError{
			Type:        "file_read",
			Message:     err.Error(),
			Stage:       "extraction",
			Recoverable: false,
		}
	}
	text := string(raw)
	if strings.TrimSpace(text) == "" {
		return nil, &models.ExtractionError{
			Type:        "empty_document",
			Message:     "document contains no text",
			Stage:       "extraction",
			Recoverable: false,
		}
	}

	return &Extracted{
		Text:      text,
		Structure: ParseStructure(text),
	}, nil
}

// PlainTextExtractor is the fallback: it reads the file as-is with no
// structure, accepting any document type.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Name() string { return "fallback_plain_text" }

func (PlainTextExtractor) Supports(string) bool { return true }

func (p PlainTextExtractor) Extract(_ context.Context, filePath string, _ int) (*Extracted, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, &models.ExtractionError{
			Type:        "file_read",
			Message:     err.Error(),
			Stage:       "extraction",
			Recoverable: false,
		}
	}
	text := strings.ToValidUTF8(string(raw), "")
	if strings.TrimSpace(text) == "" {
		return nil, &models.ExtractionError{
			Type:        "empty_document",
			Message:     "document contains no text",
			Stage:       "extraction",
			Recoverable: false,
		}
	}
	return &Extracted{
		Text: text,
		Structure: models.DocumentStructure{
			WordCount: len(strings.Fields(text)),
		},
	}, nil
}

// ParseStructure derives sections, tables, and layout flags from markdown
// text. Section end boundaries are left open; the chunker assigns them.
func ParseStructure(text string) models.DocumentStructure {
	structure := models.DocumentStructure{
		WordCount: len(strings.Fields(text)),
		HasImages: strings.Contains(text, "!["),
	}

	type open struct {
		title string
		level int
	}
	var stack []open

	for _, match := range headingRe.FindAllStringSubmatchIndex(text, -1) {
		level := match[3] - match[2]
		title := text[match[4]:match[5]]

		for len(stack) > 0 && stack[len(stack)-1].level >= level {
			stack = stack[:len(stack)-1]
		}
		parent := ""
		if len(stack) > 0 {
			parent = stack[len(stack)-1].title
		}
		stack = append(stack, open{title: title, level: level})

		structure.Sections = append(structure.Sections, models.SectionInfo{
			Title:       title,
			Level:       level,
			StartChar:   match[0],
			EndChar:     len(text),
			ParentTitle: parent,
		})

		lower := strings.ToLower(title)
		if lower == "table of contents" || lower == "contents" {
			structure.HasTOC = true
		}
	}

	structure.Tables = countTables(text)
	return structure
}

// countTables counts contiguous blocks of markdown table rows.
func countTables(text string) int {
	tables := 0
	inTable := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		isRow := strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2
		if isRow && !inTable {
			tables++
		}
		inTable = isRow
	}
	return tables
}

// Chain runs extractors in order until one succeeds. Recoverable failures
// fall through; the first non-recoverable failure stops the chain.
func Chain(ctx context.Context, extractors []Extractor, filePath, documentType string, maxPages int) (*Extracted, string, error) {
	var lastErr error
	for _, ex := range extractors {
		if !ex.Supports(documentType) {
			continue
		}
		result, err := ex.Extract(ctx, filePath, maxPages)
		if err == nil {
			return result, ex.Name(), nil
		}
		lastErr = err
		var exErr *models.ExtractionError
		if !errors.As(err, &exErr) || !exErr.Recoverable {
			return nil, ex.Name(), err
		}
	}
	if lastErr == nil {
		lastErr = &models.ExtractionError{
			Type:        "unsupported_type",
			Message:     fmt.Sprintf("no extractor supports document type %q", documentType),
			Stage:       "extraction",
			Recoverable: false,
		}
	}
	return nil, "", lastErr
}
