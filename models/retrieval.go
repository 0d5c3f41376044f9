package models

import (
	"github.com/google/uuid"
)

// TierSource records which retrieval tier surfaced a chunk.
type TierSource string

const (
	TierSourceLexical  TierSource = "tier1"
	TierSourceSemantic TierSource = "tier2"
	TierSourceBoth     TierSource = "both"
)

// docTypeBoosts is the fixed provenance boost table applied to Tier-2
// similarity scores. Framework texts outrank supporting standards.
var docTypeBoosts = map[DocType]float64{
	DocTypeZKS:        1.20,
	DocTypeNIS2:       1.10,
	DocTypeUKS:        1.00,
	DocTypePrilogB:    0.90,
	DocTypePrilogC:    0.90,
	DocTypeRegulation: 0.85,
	DocTypeISO:        0.80,
	DocTypeNIST:       0.80,
	DocTypeStandard:   0.70,
	DocTypeCustom:     0.60,
}

// DocTypeBoost returns the Tier-2 boost for a doc type; unknown types get
// the custom weight.
func DocTypeBoost(dt DocType) float64 {
	if b, ok := docTypeBoosts[dt]; ok {
		return b
	}
	return docTypeBoosts[DocTypeCustom]
}

// RetrievalConfig carries the two-layer retrieval knobs. RRFK and the fusion
// weight are fixed by the ranking design; limits are operational defaults.
type RetrievalConfig struct {
	Tier1Limit  int     `json:"tier1_limit"`
	Tier2Limit  int     `json:"tier2_limit"`
	RerankTopN  int     `json:"rerank_top_n"`
	FinalK      int     `json:"final_k"`
	RRFK        int     `json:"rrf_k"`
	Tier1Weight float64 `json:"tier1_weight"`

	// When Tier 1 finds at least this many exact control matches, Tier 2 is
	// restricted to ZKS framework context.
	ControlFocusThreshold int `json:"control_focus_threshold"`

	// Opt-in prefix-family expansion for near-miss control matching
	// (POL-001 also surfaces other POL-* chunks at half score).
	ControlPrefixExpansion bool `json:"control_prefix_expansion"`
}

func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		Tier1Limit:            20,
		Tier2Limit:            30,
		RerankTopN:            30,
		FinalK:                8,
		RRFK:                  60,
		Tier1Weight:           0.6,
		ControlFocusThreshold: 4,
	}
}

// RankedChunk is one tier's scored result before fusion.
type RankedChunk struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Content    string    `json:"content"`
	DocTitle   string    `json:"doc_title"`
	DocType    DocType   `json:"doc_type"`
	ControlIDs []string  `json:"control_ids"`
	PageAnchor int       `json:"page_anchor"`
	PageStart  int       `json:"page_start"`
	PageEnd    int       `json:"page_end"`
	Language   string    `json:"language"`

	// Tier-local score: 1.0/0.5 for control matches, ts_rank_cd for full
	// text, boosted cosine similarity for Tier 2.
	Score float64 `json:"score"`

	// True when the chunk's control_ids contain the exact queried ID.
	ExactControlMatch bool `json:"exact_control_match"`
}

// FusedChunk is a chunk after RRF fusion and reranking.
type FusedChunk struct {
	RankedChunk
	TierSource TierSource `json:"tier_source"`
	RRFScore   float64    `json:"rrf_score"`
	FinalScore float64    `json:"final_score"`
	Tier1Rank  int        `json:"tier1_rank,omitempty"`
	Tier2Rank  int        `json:"tier2_rank,omitempty"`
}

type SearchRequest struct {
	Query     string    `json:"query" binding:"required"`
	K         int       `json:"k"`
	ControlID string    `json:"control_id"`
	OrgID     uuid.UUID `json:"-"`
}

// TierAnalysis summarizes which tiers contributed to a result set.
type TierAnalysis struct {
	Tier1Used      bool `json:"tier1_used"`
	Tier2Used      bool `json:"tier2_used"`
	Tier1Count     int  `json:"tier1_count"`
	Tier2Count     int  `json:"tier2_count"`
	ControlFocused bool `json:"control_focused"`
}

type SearchResponse struct {
	Results      []FusedChunk `json:"results"`
	TierAnalysis TierAnalysis `json:"tier_analysis"`
	Cached       bool         `json:"cached"`
	TookMs       int64        `json:"took_ms"`
}

// Citation is one extracted source reference from generated text, in either
// the English ([Source: T, p. N]) or Croatian ([Izvor: T, str. N]) form.
type Citation struct {
	Raw       string `json:"raw"`
	DocTitle  string `json:"doc_title"`
	CitedPage int    `json:"cited_page"`
	// Set by the validator: the canonical page_anchor of the matched chunk.
	CorrectedPage int  `json:"corrected_page"`
	Valid         bool `json:"valid"`
	// Offset of the citation in the generated text, for context lookup.
	Position int `json:"position"`
}

type CitationStatus string

const (
	CitationStatusValidated CitationStatus = "validated"
	CitationStatusNoSources CitationStatus = "no_sources"
	CitationStatusError     CitationStatus = "error"
)

// CitationReport is the validator's verdict over one generated answer.
type CitationReport struct {
	Text      string         `json:"text"`
	Citations []Citation     `json:"citations"`
	Status    CitationStatus `json:"status"`
	Valid     int            `json:"valid"`
	Corrected int            `json:"corrected"`
	Rejected  int            `json:"rejected"`
}

type AnswerRequest struct {
	Query      string    `json:"query" binding:"required"`
	Language   string    `json:"language"`
	MaxSources int       `json:"max_sources"`
	ControlID  string    `json:"control_id"`
	OrgID      uuid.UUID `json:"-"`
	UserID     string    `json:"-"`
}

type AnswerResponse struct {
	Response         string         `json:"response"`
	Citations        []Citation     `json:"citations"`
	SourceChunks     []FusedChunk   `json:"source_chunks"`
	ValidationStatus CitationStatus `json:"validation_status"`
	TierAnalysis     TierAnalysis   `json:"tier_analysis"`
	TookMs           int64          `json:"took_ms"`
}

// StreamEventType tags events on a streamed answer.
type StreamEventType string

const (
	StreamEventContent  StreamEventType = "content"
	StreamEventMetadata StreamEventType = "metadata"
	StreamEventError    StreamEventType = "error"
	StreamEventDone     StreamEventType = "done"
)

// StreamEvent is one typed chunk of a streamed answer: content deltas while
// the model generates, one metadata event carrying validated citations and
// sources, then done (or error).
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Content   string          `json:"content,omitempty"`
	Metadata  *AnswerResponse `json:"metadata,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}
