package impl

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

type auditServiceImpl struct {
	db *gorm.DB
}

func NewAuditService(db *gorm.DB) services.AuditService {
	return &auditServiceImpl{
		db: db,
	}
}

// Record appends one audit row. The log is append-only: nothing in the
// codebase updates or deletes audit rows, and they are written outside the
// caller's transaction so a rolled-back mutation still leaves its trace.
func (s *auditServiceImpl) Record(ctx context.Context, entry models.AuditEntry) error {
	row := models.AuditLog{
		ID:             uuid.New(),
		OrganizationID: entry.OrganizationID,
		AssessmentID:   entry.AssessmentID,
		UserID:         entry.UserID,
		Action:         entry.Action,
		EntityType:     entry.EntityType,
		EntityID:       entry.EntityID,
		IPAddress:      entry.IPAddress,
		UserAgent:      entry.UserAgent,
	}

	if entry.OldValues != nil {
		data, err := models.ConvertToJSON(entry.OldValues)
		if err != nil {
			log.Printf("[AUDIT] failed to encode old values: %v", err)
		} else {
			row.OldValues = data
		}
	}
	if entry.NewValues != nil {
		data, err := models.ConvertToJSON(entry.NewValues)
		if err != nil {
			log.Printf("[AUDIT] failed to encode new values: %v", err)
		} else {
			row.NewValues = data
		}
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func (s *auditServiceImpl) ListByAssessment(ctx context.Context, assessmentID uuid.UUID, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.AuditLog
	if err := s.db.WithContext(ctx).
		Where("assessment_id = ?", assessmentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return rows, nil
}
