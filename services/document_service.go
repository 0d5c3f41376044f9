package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/zks-assess/models"
)

// TextExtractor converts raw document bytes into ordered page-text units.
type TextExtractor interface {
	Extract(data []byte, mimeType string) ([]models.PageText, error)
}

// Chunker segments page-text units into retrieval chunks carrying page
// anchors, control ids, section titles and language tags.
type Chunker interface {
	Chunk(pages []models.PageText, fileName string, docType models.DocType) []models.ChunkDraft
}

// DocumentService manages the document catalog and hands processing work to
// the ingestion queue.
type DocumentService interface {
	// Upload stores the document record and file bytes, then enqueues an
	// ingestion job. Returns the pending document and the job id.
	Upload(ctx context.Context, req models.UploadDocumentRequest, fileName string, data []byte, orgID uuid.UUID, userID string, global bool) (*models.ProcessedDocument, uuid.UUID, error)

	GetDocument(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.ProcessedDocument, error)
	ListDocuments(ctx context.Context, orgID uuid.UUID, page, size int) (*models.DocumentListResponse, error)
	DeleteDocument(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error

	// Reprocess re-enqueues a document; chunk replacement keeps it
	// idempotent.
	Reprocess(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (uuid.UUID, error)
}

// IngestionService executes one ingestion job end to end:
// extract -> chunk -> embed -> replace chunks, with status bookkeeping.
type IngestionService interface {
	ProcessDocument(ctx context.Context, documentID uuid.UUID) error
}

// IngestionQueue is an at-least-once job queue. Dequeue blocks up to the
// given timeout and returns nil when nothing arrived.
type IngestionQueue interface {
	Enqueue(ctx context.Context, job models.IngestionJob) error
	Dequeue(ctx context.Context, timeoutSeconds int) (*models.IngestionJob, error)
	Length(ctx context.Context) (int64, error)
}

