package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type AuditAction string

const (
	AuditActionCreated       AuditAction = "created"
	AuditActionUpdated       AuditAction = "updated"
	AuditActionDeleted       AuditAction = "deleted"
	AuditActionStatusChanged AuditAction = "status_changed"
	AuditActionAnswerWritten AuditAction = "answer_written"
	AuditActionSubmitted     AuditAction = "submitted"
	AuditActionImported      AuditAction = "imported"
)

// AuditLog is append-only. Rows are never updated or deleted by any code
// path, and they survive deletion of the assessment they reference.
type AuditLog struct {
	ID             uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty" gorm:"type:uuid;index"`
	AssessmentID   *uuid.UUID `json:"assessment_id,omitempty" gorm:"type:uuid;index"`

	UserID     string      `json:"user_id" gorm:"type:varchar(255);not null"`
	Action     AuditAction `json:"action" gorm:"type:varchar(50);not null"`
	EntityType string      `json:"entity_type" gorm:"type:varchar(50);not null"`
	EntityID   *uuid.UUID  `json:"entity_id,omitempty" gorm:"type:uuid"`

	OldValues datatypes.JSON `json:"old_values,omitempty" gorm:"type:jsonb"`
	NewValues datatypes.JSON `json:"new_values,omitempty" gorm:"type:jsonb"`

	IPAddress string `json:"ip_address" gorm:"type:varchar(64)"`
	UserAgent string `json:"user_agent"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
}

func (AuditLog) TableName() string {
	return "compliance.audit_logs"
}

// AuditEntry is the write-side DTO; the audit service fills ids and
// timestamps.
type AuditEntry struct {
	OrganizationID *uuid.UUID
	AssessmentID   *uuid.UUID
	UserID         string
	Action         AuditAction
	EntityType     string
	EntityID       *uuid.UUID
	OldValues      any
	NewValues      any
	IPAddress      string
	UserAgent      string
}
