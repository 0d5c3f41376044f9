package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/zks-assess/models"
)

// ChunkScope is the tenancy predicate applied to every chunk read: an
// organization sees its own documents plus the global corpus.
type ChunkScope struct {
	OrganizationID uuid.UUID
	IncludeGlobal  bool
}

// ChunkStore is the single source of truth for document chunks.
type ChunkStore interface {
	// ReplaceChunks atomically swaps a document's chunk set. Reprocessing a
	// document therefore converges to the same final set (idempotent).
	ReplaceChunks(ctx context.Context, documentID uuid.UUID, chunks []models.DocumentChunk) error
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
	GetChunksByDocument(ctx context.Context, documentID uuid.UUID) ([]models.DocumentChunk, error)
	CountChunks(ctx context.Context, documentID uuid.UUID) (int64, error)

	// SearchByControlID returns chunks whose control_ids contain the id,
	// ordered score desc then page_anchor asc. With prefix expansion, same
	// prefix family chunks score 0.5.
	SearchByControlID(ctx context.Context, scope ChunkScope, controlID string, prefixExpansion bool, limit int) ([]models.RankedChunk, error)

	// SearchFullText runs a plain lexical query against the tsvector index,
	// ranked by cover density.
	SearchFullText(ctx context.Context, scope ChunkScope, query string, limit int) ([]models.RankedChunk, error)

	// SearchByVector runs cosine similarity search, boosted by doc type,
	// optionally filtered to one doc type and excluding given chunk ids.
	SearchByVector(ctx context.Context, scope ChunkScope, embedding []float32, limit int, docTypeFilter *models.DocType, excludeIDs []uuid.UUID) ([]models.RankedChunk, error)
}

// SearchService is the two-layer retrieval pipeline: Tier 1 lexical and
// Tier 2 semantic in parallel, RRF fusion, heuristic reranking.
type SearchService interface {
	Search(ctx context.Context, req models.SearchRequest) (*models.SearchResponse, error)
}

// AnswerService produces grounded answers with validated citations.
type AnswerService interface {
	AnswerWithCitations(ctx context.Context, req models.AnswerRequest) (*models.AnswerResponse, error)

	// StreamAnswer emits typed events on the returned channel: content
	// deltas, one metadata event, then done or error. The channel closes
	// when the stream ends.
	StreamAnswer(ctx context.Context, req models.AnswerRequest) (<-chan models.StreamEvent, error)
}

// EmbeddingClient produces unit-normalized vectors. Implementations batch
// internally and are safe for concurrent use.
type EmbeddingClient interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelName() string
}

// GenerationClient fronts the local LLM.
type GenerationClient interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// GenerateStream emits content deltas as they arrive; the channel closes
	// after the final delta or on error (the error is the last event).
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan GenerateDelta, error)
	ModelName() string
}

type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	Language    string
}

type GenerateDelta struct {
	Content string
	Err     error
	Done    bool
}

// CacheService caches fused (pre-rerank) search results keyed by normalized
// query, scope and k. Correctness never depends on it.
type CacheService interface {
	GetSearchResults(ctx context.Context, key string) ([]models.FusedChunk, bool)
	SetSearchResults(ctx context.Context, key string, results []models.FusedChunk) error
	InvalidateSearchResults(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
}
