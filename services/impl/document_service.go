package impl

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

type documentServiceImpl struct {
	db         *gorm.DB
	store      services.ChunkStore
	queue      services.IngestionQueue
	audit      services.AuditService
	storageDir string
}

func NewDocumentService(db *gorm.DB, store services.ChunkStore, queue services.IngestionQueue, audit services.AuditService, storageDir string) services.DocumentService {
	if storageDir == "" {
		storageDir = "./data/documents"
	}
	return &documentServiceImpl{
		db:         db,
		store:      store,
		queue:      queue,
		audit:      audit,
		storageDir: storageDir,
	}
}

// Upload stores the raw bytes on disk, creates the pending document row and
// enqueues an ingestion job. The caller gets the job id back immediately;
// processing happens on the worker pool.
func (s *documentServiceImpl) Upload(ctx context.Context, req models.UploadDocumentRequest, fileName string, data []byte, orgID uuid.UUID, userID string, global bool) (*models.ProcessedDocument, uuid.UUID, error) {
	if len(data) == 0 {
		return nil, uuid.Nil, fmt.Errorf("empty document upload")
	}

	document := models.ProcessedDocument{
		ID:           uuid.New(),
		Scope:        models.DocumentScopeOrganization,
		UploadedBy:   userID,
		DocumentType: req.DocumentType,
		Source:       req.Source,
		Title:        req.Title,
		FileName:     fileName,
		FileSize:     int64(len(data)),
		MimeType:     detectMimeType(fileName),
		Status:       models.DocumentStatusPending,
		UploadDate:   time.Now().UTC(),
	}
	if document.Title == "" {
		document.Title = fileName
	}
	if document.DocumentType == "" {
		document.DocumentType = models.DocTypeCustom
	}
	if global {
		document.Scope = models.DocumentScopeGlobal
		document.IsGlobal = true
	} else {
		document.OrganizationID = &orgID
	}

	if err := os.MkdirAll(s.storageDir, 0o755); err != nil {
		return nil, uuid.Nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	filePath := filepath.Join(s.storageDir, document.ID.String()+filepath.Ext(fileName))
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return nil, uuid.Nil, fmt.Errorf("failed to store document file: %w", err)
	}

	metadata, err := models.ConvertToJSON(map[string]interface{}{"file_path": filePath})
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("failed to encode processing metadata: %w", err)
	}
	document.ProcessingMetadata = metadata

	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		_ = os.Remove(filePath)
		return nil, uuid.Nil, fmt.Errorf("failed to create document: %w", err)
	}

	jobID, err := s.enqueue(ctx, document.ID)
	if err != nil {
		return nil, uuid.Nil, err
	}

	s.recordAudit(ctx, models.AuditEntry{
		OrganizationID: document.OrganizationID,
		UserID:         userID,
		Action:         models.AuditActionCreated,
		EntityType:     "processed_document",
		EntityID:       &document.ID,
		NewValues:      document,
	})
	return &document, jobID, nil
}

func (s *documentServiceImpl) GetDocument(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.ProcessedDocument, error) {
	var document models.ProcessedDocument
	err := s.db.WithContext(ctx).
		First(&document, "id = ? AND (organization_id = ? OR is_global = true)", id, orgID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &document, nil
}

func (s *documentServiceImpl) ListDocuments(ctx context.Context, orgID uuid.UUID, page, size int) (*models.DocumentListResponse, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}

	query := s.db.WithContext(ctx).
		Model(&models.ProcessedDocument{}).
		Where("organization_id = ? OR is_global = true", orgID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	var documents []models.ProcessedDocument
	err := query.
		Order("upload_date DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&documents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	return &models.DocumentListResponse{
		Documents: documents,
		Total:     total,
		Page:      page,
		Size:      size,
	}, nil
}

// DeleteDocument removes the document, its chunks and its stored file.
// Global documents can only be removed through operator tooling, not the
// tenant-scoped API.
func (s *documentServiceImpl) DeleteDocument(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error {
	var document models.ProcessedDocument
	err := s.db.WithContext(ctx).
		First(&document, "id = ? AND organization_id = ?", id, orgID).Error
	if err == gorm.ErrRecordNotFound {
		return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}

	if err := s.store.DeleteByDocument(ctx, id); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&models.ProcessedDocument{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	metadata := models.MetadataFromJSON(document.ProcessingMetadata)
	if filePath, ok := metadata["file_path"].(string); ok && filePath != "" {
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			log.Printf("[DOCUMENT] failed to remove stored file %s: %v", filePath, err)
		}
	}

	s.recordAudit(ctx, models.AuditEntry{
		OrganizationID: document.OrganizationID,
		UserID:         document.UploadedBy,
		Action:         models.AuditActionDeleted,
		EntityType:     "processed_document",
		EntityID:       &id,
		OldValues:      document,
	})
	return nil
}

func (s *documentServiceImpl) Reprocess(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (uuid.UUID, error) {
	document, err := s.GetDocument(ctx, id, orgID)
	if err != nil {
		return uuid.Nil, err
	}
	if document.Status == models.DocumentStatusProcessing {
		return uuid.Nil, fmt.Errorf("document %s is already processing", id)
	}
	return s.enqueue(ctx, id)
}

func (s *documentServiceImpl) enqueue(ctx context.Context, documentID uuid.UUID) (uuid.UUID, error) {
	job := models.IngestionJob{
		JobID:      uuid.New(),
		DocumentID: documentID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return uuid.Nil, err
	}
	return job.JobID, nil
}

func (s *documentServiceImpl) recordAudit(ctx context.Context, entry models.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		log.Printf("[DOCUMENT] audit write failed: %v", err)
	}
}

// detectMimeType maps upload extensions onto the formats the extractor
// understands; unknown extensions fall through as plain text and fail in
// extraction if they are not.
func detectMimeType(fileName string) string {
	switch filepath.Ext(fileName) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".doc":
		return "application/msword"
	default:
		return "text/plain"
	}
}
