package models

// SectionInfo describes one heading-delimited section of an extracted
// document. End boundaries are assigned by the chunker (next sibling start
// or EOF).
type SectionInfo struct {
	Title       string `json:"title"`
	Level       int    `json:"level"` // 1..6
	StartChar   int    `json:"start_char"`
	EndChar     int    `json:"end_char"`
	ParentTitle string `json:"parent_title,omitempty"`
}

// DocumentStructure summarizes the layout discovered during extraction.
type DocumentStructure struct {
	Sections  []SectionInfo `json:"sections"`
	Tables    int           `json:"tables"`
	PageCount int           `json:"page_count"`
	WordCount int           `json:"word_count"`
	HasTOC    bool          `json:"has_toc"`
	HasImages bool          `json:"has_images"`
}

// NLPEnrichment carries the entity and phrase analysis produced by the
// extraction service's NLP pass.
type NLPEnrichment struct {
	Entities        []SpacyEntity       `json:"entities,omitempty"`
	NounChunks      []string            `json:"noun_chunks,omitempty"`
	Lemmas          []string            `json:"lemmas,omitempty"`
	EntitiesByLabel map[string][]string `json:"entities_by_label,omitempty"`
}

// Extraction result statuses.
const (
	ExtractionStatusCompleted = "completed"
	ExtractionStatusFailed    = "failed"
)

// ExtractionResult is the callback payload returned to the ingestion
// pipeline by the extraction service.
type ExtractionResult struct {
	Status           string            `json:"status"`
	ExtractedText    string            `json:"extracted_text,omitempty"`
	Structure        DocumentStructure `json:"structure,omitzero"`
	Language         string            `json:"language,omitempty"`
	Enrichment       NLPEnrichment     `json:"spacy_enrichment,omitzero"`
	ExtractionMethod string            `json:"extraction_method,omitempty"`
	Error            *ExtractionError  `json:"error,omitempty"`
}
