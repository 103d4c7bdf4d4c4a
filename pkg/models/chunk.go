package models

// SpacyEntity is a named entity extracted during NLP enrichment.
type SpacyEntity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// ChunkModel is the unit indexed in the vector store. Content carries the
// section context prefix used for dense embedding; ContentRaw is the
// unprefixed text.
type ChunkModel struct {
	// Identity
	ChunkID      string   `json:"chunk_id"`
	DocumentID   string   `json:"document_id"`
	TenantID     string   `json:"tenant_id"`
	CollectionID string   `json:"collection_id"`
	AgentIDs     []string `json:"agent_ids"`
	ChunkIndex   int      `json:"chunk_index"`

	// Content
	Content    string `json:"content"`
	ContentRaw string `json:"content_raw"`

	// Hierarchy
	SectionTitle   string `json:"section_title,omitempty"`
	SectionLevel   int    `json:"section_level,omitempty"`
	SectionContext string `json:"section_context,omitempty"`
	ParentTitle    string `json:"parent_title,omitempty"`

	// NLP enrichment
	SpacyEntities   []SpacyEntity `json:"spacy_entities,omitempty"`
	SpacyNounChunks []string      `json:"spacy_noun_chunks,omitempty"`

	// Optional LLM enrichment
	SearchAnchors      []string            `json:"search_anchors,omitempty"`
	AtomicFacts        []string            `json:"atomic_facts,omitempty"`
	FactDensity        float32             `json:"fact_density,omitempty"`
	NormalizedEntities map[string][]string `json:"normalized_entities,omitempty"`

	// Document metadata
	DocumentName   string `json:"document_name,omitempty"`
	DocumentType   string `json:"document_type,omitempty"`
	DocumentNature string `json:"document_nature,omitempty"`
	Language       string `json:"language,omitempty"`
	PageCount      int    `json:"page_count,omitempty"`
	HasTables      bool   `json:"has_tables,omitempty"`

	// Runtime: populated after the embedding stage.
	Embedding []float32 `json:"embedding,omitempty"`
}

// NormalizeEntityLabel maps spaCy entity labels onto the normalized entity
// keys stored in the vector payload. Unknown labels map to "".
func NormalizeEntityLabel(label string) string {
	switch label {
	case "PER", "PERSON":
		return "person"
	case "ORG":
		return "organization"
	case "GPE", "LOC":
		return "location"
	case "DATE", "TIME":
		return "date"
	case "MONEY":
		return "amount"
	}
	return ""
}

// NormalizedEntities groups entity surface forms by normalized label.
// Multi-valued entries are concatenated as lists; unknown labels are dropped.
func NormalizedEntities(entities []SpacyEntity) map[string][]string {
	out := make(map[string][]string)
	for _, e := range entities {
		key := NormalizeEntityLabel(e.Label)
		if key == "" {
			continue
		}
		out[key] = append(out[key], e.Text)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
