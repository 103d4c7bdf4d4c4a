// Package chunker splits extracted documents into hierarchical chunks:
// every chunk carries its surrounding section context so the dense
// embedding sees where the text lives in the document.
package chunker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nooble-ai/nooble/pkg/models"
)

// minSectionLength is the minimum content length for a section to be
// chunked; shorter sections are skipped.
const minSectionLength = 50

// Params carries the task identity and chunking settings.
type Params struct {
	DocumentID     string
	TenantID       string
	CollectionID   string
	AgentIDs       []string
	DocumentName   string
	DocumentType   string
	DocumentNature string
	Language       string
	PageCount      int
	HasTables      bool

	ChunkSize    int
	ChunkOverlap int

	Enrichment models.NLPEnrichment
}

// Chunk splits text into ChunkModels. Sections drive the split when
// present; otherwise the whole document is chunked flat under a base
// context. Chunk indexes are monotonic across the document.
func Chunk(text string, sections []models.SectionInfo, p Params) []models.ChunkModel {
	if p.ChunkSize <= 0 {
		p.ChunkSize = 512
	}
	if p.ChunkOverlap < 0 || p.ChunkOverlap >= p.ChunkSize {
		p.ChunkOverlap = 0
	}

	var chunks []models.ChunkModel
	index := 0

	if len(sections) == 0 {
		context := fmt.Sprintf("In document '%s':", p.DocumentName)
		for _, raw := range splitSentenceAware(text, p.ChunkSize, p.ChunkOverlap) {
			chunks = append(chunks, buildChunk(raw, context, models.SectionInfo{}, index, p))
			index++
		}
		return chunks
	}

	bounded := assignBounds(text, sections)
	for _, sec := range bounded {
		content := sectionContent(text, sec)
		if len(strings.TrimSpace(content)) < minSectionLength {
			continue
		}
		context := sectionContext(p.DocumentName, sec)
		for _, raw := range splitSentenceAware(content, p.ChunkSize, p.ChunkOverlap) {
			chunks = append(chunks, buildChunk(raw, context, sec, index, p))
			index++
		}
	}
	return chunks
}

// assignBounds sets each section's EndChar to the next section's start,
// or EOF for the last one.
func assignBounds(text string, sections []models.SectionInfo) []models.SectionInfo {
	out := make([]models.SectionInfo, len(sections))
	copy(out, sections)
	for i := range out {
		if i+1 < len(out) {
			out[i].EndChar = out[i+1].StartChar
		} else {
			out[i].EndChar = len(text)
		}
	}
	return out
}

// sectionContent returns the section body: everything between the heading
// line and the section end.
func sectionContent(text string, sec models.SectionInfo) string {
	start := sec.StartChar
	if start >= len(text) {
		return ""
	}
	if nl := strings.IndexByte(text[start:], '\n'); nl >= 0 {
		start += nl + 1
	} else {
		return ""
	}
	end := sec.EndChar
	if end > len(text) || end < start {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}

// sectionContext builds the context prefix, omitting hierarchy levels
// that don't exist.
func sectionContext(documentName string, sec models.SectionInfo) string {
	if sec.ParentTitle != "" {
		return fmt.Sprintf("In document '%s', section '%s', subsection '%s':",
			documentName, sec.ParentTitle, sec.Title)
	}
	if sec.Title != "" {
		return fmt.Sprintf("In document '%s', section '%s':", documentName, sec.Title)
	}
	return fmt.Sprintf("In document '%s':", documentName)
}

var sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]*[ \t]*\n?|\n`)

// splitSentenceAware splits text into chunks of roughly size characters,
// never breaking inside a sentence when the sentence itself fits. The
// tail of each chunk (about overlap characters of whole sentences) is
// repeated at the head of the next.
func splitSentenceAware(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= size {
		return []string{text}
	}

	sentences := sentenceRe.FindAllString(text, -1)

	var (
		out     []string
		current []string
		length  int
	)
	flush := func() {
		if length == 0 {
			return
		}
		chunk := strings.TrimSpace(strings.Join(current, ""))
		if chunk != "" {
			out = append(out, chunk)
		}
		// Seed the next chunk with trailing sentences up to overlap chars.
		var carry []string
		carried := 0
		for i := len(current) - 1; i >= 0 && carried < overlap; i-- {
			carry = append([]string{current[i]}, carry...)
			carried += len(current[i])
		}
		current = carry
		length = carried
	}

	for _, sentence := range sentences {
		// An oversized sentence is split hard at size boundaries.
		if len(sentence) > size {
			flush()
			for start := 0; start < len(sentence); start += size {
				end := min(start+size, len(sentence))
				piece := strings.TrimSpace(sentence[start:end])
				if piece != "" {
					out = append(out, piece)
				}
			}
			current = nil
			length = 0
			continue
		}
		if length+len(sentence) > size && length > 0 {
			flush()
		}
		current = append(current, sentence)
		length += len(sentence)
	}
	flush()
	return out
}

// buildChunk assembles one ChunkModel, filtering enrichment down to the
// surface forms actually present in the raw text.
func buildChunk(raw, context string, sec models.SectionInfo, index int, p Params) models.ChunkModel {
	lower := strings.ToLower(raw)

	var entities []models.SpacyEntity
	for _, e := range p.Enrichment.Entities {
		if strings.Contains(lower, strings.ToLower(e.Text)) {
			entities = append(entities, e)
		}
	}
	var nounChunks []string
	for _, nc := range p.Enrichment.NounChunks {
		if strings.Contains(lower, strings.ToLower(nc)) {
			nounChunks = append(nounChunks, nc)
		}
	}

	return models.ChunkModel{
		ChunkID:      uuid.New().String(),
		DocumentID:   p.DocumentID,
		TenantID:     p.TenantID,
		CollectionID: p.CollectionID,
		AgentIDs:     p.AgentIDs,
		ChunkIndex:   index,

		Content:    context + "\n\n" + raw,
		ContentRaw: raw,

		SectionTitle:   sec.Title,
		SectionLevel:   sec.Level,
		SectionContext: context,
		ParentTitle:    sec.ParentTitle,

		SpacyEntities:      entities,
		SpacyNounChunks:    nounChunks,
		NormalizedEntities: models.NormalizedEntities(entities),

		DocumentName:   p.DocumentName,
		DocumentType:   p.DocumentType,
		DocumentNature: p.DocumentNature,
		Language:       p.Language,
		PageCount:      p.PageCount,
		HasTables:      p.HasTables,
	}
}
