package impl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

// documentRows is the slice of document persistence the pipeline needs:
// loading the row and recording status transitions with diagnostics.
type documentRows interface {
	Load(ctx context.Context, documentID uuid.UUID) (*models.ProcessedDocument, error)
	SetStatus(ctx context.Context, documentID uuid.UUID, status models.DocumentStatus, diagnostics map[string]interface{}) error
}

// ingestionServiceImpl runs one document through the ingestion pipeline:
// extract, chunk, embed, replace chunks. Each run replaces the document's
// chunk set wholesale, so redelivered jobs converge on the same result.
type ingestionServiceImpl struct {
	docs     documentRows
	store    services.ChunkStore
	extract  services.TextExtractor
	chunker  services.Chunker
	embedder services.EmbeddingClient
	cache    services.CacheService
}

func NewIngestionService(db *gorm.DB, store services.ChunkStore, extractor services.TextExtractor, chunker services.Chunker, embedder services.EmbeddingClient, cache services.CacheService) services.IngestionService {
	return &ingestionServiceImpl{
		docs:     &gormDocumentRows{db: db},
		store:    store,
		extract:  extractor,
		chunker:  chunker,
		embedder: embedder,
		cache:    cache,
	}
}

// PermanentIngestionError reports whether an ingestion failure cannot be
// fixed by retrying: the document itself is unreadable.
func PermanentIngestionError(err error) bool {
	return errors.Is(err, models.ErrUnsupportedFormat) ||
		errors.Is(err, models.ErrCorruptDocument) ||
		errors.Is(err, models.ErrExtractionFailed)
}

func (s *ingestionServiceImpl) ProcessDocument(ctx context.Context, documentID uuid.UUID) error {
	started := time.Now()

	document, err := s.docs.Load(ctx, documentID)
	if err != nil {
		return err
	}

	if err := s.docs.SetStatus(ctx, documentID, models.DocumentStatusProcessing, nil); err != nil {
		return err
	}

	if err := s.process(ctx, document, started); err != nil {
		diagnostics := map[string]interface{}{
			"error":     err.Error(),
			"failed_at": time.Now().UTC().Format(time.RFC3339),
		}
		if statusErr := s.docs.SetStatus(ctx, documentID, models.DocumentStatusFailed, diagnostics); statusErr != nil {
			log.Printf("[INGEST] failed to mark document %s failed: %v", documentID, statusErr)
		}
		return err
	}
	return nil
}

func (s *ingestionServiceImpl) process(ctx context.Context, document *models.ProcessedDocument, started time.Time) error {
	metadata := models.MetadataFromJSON(document.ProcessingMetadata)
	filePath, _ := metadata["file_path"].(string)
	if filePath == "" {
		return fmt.Errorf("document %s has no stored file path: %w", document.ID, models.ErrExtractionFailed)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read document file: %w", err)
	}

	pages, err := s.extract.Extract(data, document.MimeType)
	if err != nil {
		return err
	}

	drafts := s.chunker.Chunk(pages, document.FileName, document.DocumentType)
	if len(drafts) == 0 {
		return fmt.Errorf("document %s produced no chunks: %w", document.ID, models.ErrExtractionFailed)
	}

	texts := make([]string, len(drafts))
	for i := range drafts {
		texts[i] = drafts[i].Content
	}
	embeddings, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(embeddings) != len(drafts) {
		return fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(drafts), len(embeddings))
	}

	scope := string(models.DocumentScopeOrganization)
	if document.IsGlobal {
		scope = string(models.DocumentScopeGlobal)
	}

	chunks := make([]models.DocumentChunk, len(drafts))
	for i, draft := range drafts {
		chunkMetadata, err := models.ConvertToJSON(map[string]interface{}{
			"language":        draft.Language,
			"source":          document.Source,
			"scope":           scope,
			"embedding_model": s.embedder.ModelName(),
		})
		if err != nil {
			return fmt.Errorf("failed to encode chunk metadata: %w", err)
		}
		chunks[i] = models.DocumentChunk{
			ID:                  uuid.New(),
			ProcessedDocumentID: document.ID,
			ChunkIndex:          i,
			Content:             draft.Content,
			Embedding:           pgvector.NewVector(embeddings[i]),
			ControlIDs:          models.JSONFromStrings(draft.ControlIDs),
			DocType:             draft.DocType,
			SectionTitle:        draft.SectionTitle,
			PageStart:           draft.PageStart,
			PageEnd:             draft.PageEnd,
			PageAnchor:          draft.PageAnchor,
			ChunkMetadata:       chunkMetadata,
		}
	}

	if err := s.store.ReplaceChunks(ctx, document.ID, chunks); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.InvalidateSearchResults(ctx); err != nil {
			log.Printf("[INGEST] cache invalidation failed: %v", err)
		}
	}

	diagnostics := map[string]interface{}{
		"file_path":       filePath,
		"page_count":      len(pages),
		"chunk_count":     len(chunks),
		"embedding_model": s.embedder.ModelName(),
		"duration_ms":     time.Since(started).Milliseconds(),
	}
	if err := s.docs.SetStatus(ctx, document.ID, models.DocumentStatusCompleted, diagnostics); err != nil {
		return err
	}

	log.Printf("[INGEST] document %s: %d pages -> %d chunks in %s",
		document.ID, len(pages), len(chunks), time.Since(started).Round(time.Millisecond))
	return nil
}

// gormDocumentRows is the Postgres-backed document row access.
type gormDocumentRows struct {
	db *gorm.DB
}

func (g *gormDocumentRows) Load(ctx context.Context, documentID uuid.UUID) (*models.ProcessedDocument, error) {
	var document models.ProcessedDocument
	err := g.db.WithContext(ctx).First(&document, "id = ?", documentID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &document, nil
}

// SetStatus updates the document status and merges diagnostics into the
// processing metadata without dropping keys written by earlier stages.
func (g *gormDocumentRows) SetStatus(ctx context.Context, documentID uuid.UUID, status models.DocumentStatus, diagnostics map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if status == models.DocumentStatusCompleted {
		updates["processed_date"] = time.Now().UTC()
	}

	if diagnostics != nil {
		var document models.ProcessedDocument
		if err := g.db.WithContext(ctx).First(&document, "id = ?", documentID).Error; err != nil {
			return fmt.Errorf("failed to reload document: %w", err)
		}
		merged := models.MetadataFromJSON(document.ProcessingMetadata)
		for key, value := range diagnostics {
			merged[key] = value
		}
		encoded, err := models.ConvertToJSON(merged)
		if err != nil {
			return fmt.Errorf("failed to encode processing metadata: %w", err)
		}
		updates["processing_metadata"] = encoded
	}

	err := g.db.WithContext(ctx).
		Model(&models.ProcessedDocument{}).
		Where("id = ?", documentID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return nil
}
