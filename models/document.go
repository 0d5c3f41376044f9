package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// DocType tags a document's provenance within the framework corpus. It
// drives the Tier-2 boost table and the reranker heuristics.
type DocType string

const (
	DocTypeZKS        DocType = "ZKS"
	DocTypeNIS2       DocType = "NIS2"
	DocTypeUKS        DocType = "UKS"
	DocTypePrilogB    DocType = "PRILOG_B"
	DocTypePrilogC    DocType = "PRILOG_C"
	DocTypeISO        DocType = "ISO"
	DocTypeNIST       DocType = "NIST"
	DocTypeStandard   DocType = "standard"
	DocTypeRegulation DocType = "regulation"
	DocTypeCustom     DocType = "custom"
)

// AllDocTypes lists every known doc type in boost order; used to build the
// SQL boost expression so ranking and the Go table cannot drift apart.
var AllDocTypes = []DocType{
	DocTypeZKS,
	DocTypeNIS2,
	DocTypeUKS,
	DocTypePrilogB,
	DocTypePrilogC,
	DocTypeRegulation,
	DocTypeISO,
	DocTypeNIST,
	DocTypeStandard,
	DocTypeCustom,
}

type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

type DocumentScope string

const (
	DocumentScopeOrganization DocumentScope = "organization"
	DocumentScopeGlobal       DocumentScope = "global"
)

// EmbeddingDim is the fixed dimensionality of chunk embeddings. Changing it
// requires re-embedding the corpus (operator action).
const EmbeddingDim = 768

// ProcessedDocument is a compliance document in the corpus. Global documents
// (the framework texts themselves) have no organization; private evidence
// documents belong to exactly one.
type ProcessedDocument struct {
	ID uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`

	// Invariant: scope='global' <=> organization_id IS NULL and is_global=true.
	OrganizationID *uuid.UUID    `json:"organization_id,omitempty" gorm:"type:uuid;index:idx_document_scope"`
	Scope          DocumentScope `json:"scope" gorm:"type:varchar(20);not null;default:'organization'"`
	IsGlobal       bool          `json:"is_global" gorm:"not null;default:false;index:idx_document_scope"`

	UploadedBy   string         `json:"uploaded_by" gorm:"type:varchar(255);not null"`
	DocumentType DocType        `json:"document_type" gorm:"type:varchar(20);not null;default:'custom'"`
	Source       string         `json:"source"`
	Title        string         `json:"title" gorm:"not null"`
	FileName     string         `json:"file_name" gorm:"not null"`
	FileSize     int64          `json:"file_size" gorm:"not null;default:0"`
	MimeType     string         `json:"mime_type" gorm:"type:varchar(100);not null"`
	Status       DocumentStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending';index:idx_document_scope"`

	UploadDate    time.Time  `json:"upload_date" gorm:"not null;default:now()"`
	ProcessedDate *time.Time `json:"processed_date,omitempty"`

	// Diagnostics bag: page/chunk counts, embedding model, timings, and the
	// failure reason when status is failed. Unknown keys round-trip.
	ProcessingMetadata datatypes.JSON `json:"processing_metadata" gorm:"type:jsonb;default:'{}'"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (ProcessedDocument) TableName() string {
	return "compliance.processed_documents"
}

// DocumentChunk is the unit of retrieval. Chunks are created only by the
// chunker and destroyed only with their parent document.
type DocumentChunk struct {
	ID                  uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ProcessedDocumentID uuid.UUID `json:"processed_document_id" gorm:"type:uuid;not null;index"`
	ChunkIndex          int       `json:"chunk_index" gorm:"not null"`
	Content             string    `json:"content" gorm:"not null"`

	// Unit-normalized so cosine similarity equals inner product.
	Embedding pgvector.Vector `json:"-" gorm:"type:vector(768)"`

	// Distinct control codes found in the content, each matching
	// ^[A-Z]{3,4}-\d{3}$. Stored as a jsonb string array.
	ControlIDs datatypes.JSON `json:"control_ids" gorm:"type:jsonb;default:'[]'"`

	DocType      DocType `json:"doc_type" gorm:"type:varchar(20);not null;default:'custom'"`
	SectionTitle *string `json:"section_title,omitempty"`

	// page_start <= page_anchor <= page_end. The anchor is the canonical
	// citation target: the page holding the largest share of the content.
	PageStart  int `json:"page_start" gorm:"not null"`
	PageEnd    int `json:"page_end" gorm:"not null"`
	PageAnchor int `json:"page_anchor" gorm:"not null"`

	// Opaque bag: language (hr|en), source, scope, embedding model. The
	// content_tsvector column is generated in SQL and never mapped here.
	ChunkMetadata datatypes.JSON `json:"chunk_metadata" gorm:"type:jsonb;default:'{}'"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
}

func (DocumentChunk) TableName() string {
	return "compliance.document_chunks"
}

// PageText is one page of extracted text, the unit passed from the extractor
// to the chunker. Pages are 1-indexed; synthesized for formats without
// intrinsic pagination.
type PageText struct {
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// ChunkOptions are the chunker's size knobs. Values are operational
// defaults; both bounds are in characters.
type ChunkOptions struct {
	MaxChunkSize int
	MinChunkSize int
}

func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		MaxChunkSize: 1200,
		MinChunkSize: 200,
	}
}

// ChunkDraft is a chunk as produced by the chunker, before embedding and
// persistence.
type ChunkDraft struct {
	Content      string   `json:"content"`
	PageStart    int      `json:"page_start"`
	PageEnd      int      `json:"page_end"`
	PageAnchor   int      `json:"page_anchor"`
	ControlIDs   []string `json:"control_ids"`
	DocType      DocType  `json:"doc_type"`
	SectionTitle *string  `json:"section_title,omitempty"`
	Language     string   `json:"language"`
}

type UploadDocumentRequest struct {
	Title        string        `json:"title"`
	DocumentType DocType       `json:"document_type"`
	Source       string        `json:"source"`
	Scope        DocumentScope `json:"scope"`
}

// IngestionJob is the queue payload for background document processing.
// At-least-once delivery; handlers are idempotent per document id.
type IngestionJob struct {
	JobID      uuid.UUID `json:"job_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type DocumentListResponse struct {
	Documents []ProcessedDocument `json:"documents"`
	Total     int64               `json:"total"`
	Page      int                 `json:"page"`
	Size      int                 `json:"size"`
}
