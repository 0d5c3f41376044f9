package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AssessmentAnswer is the scored answer for a control within one submeasure
// context. Unique per (assessment, control, submeasure); concurrent writes
// to the same key merge via upsert.
type AssessmentAnswer struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	AssessmentID uuid.UUID `json:"assessment_id" gorm:"type:uuid;not null;uniqueIndex:idx_answer_key"`
	ControlID    uuid.UUID `json:"control_id" gorm:"type:uuid;not null;uniqueIndex:idx_answer_key"`
	SubmeasureID uuid.UUID `json:"submeasure_id" gorm:"type:uuid;not null;uniqueIndex:idx_answer_key"`

	// Scores are 1..5 or nil (unanswered dimension).
	DocumentationScore  *int `json:"documentation_score,omitempty"`
	ImplementationScore *int `json:"implementation_score,omitempty"`

	// (doc + impl) / 2, rounded half-up to 0.01; nil until both are set.
	AverageScore *float64 `json:"average_score,omitempty" gorm:"type:decimal(4,2)"`

	Comment       string         `json:"comment"`
	EvidenceFiles datatypes.JSON `json:"evidence_files" gorm:"type:jsonb;default:'[]'"`

	AnsweredBy string `json:"answered_by" gorm:"type:varchar(255);not null"`
	IPAddress  string `json:"ip_address" gorm:"type:varchar(64)"`
	UserAgent  string `json:"user_agent"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (AssessmentAnswer) TableName() string {
	return "compliance.assessment_answers"
}

// HasScores reports whether both dimensions are answered.
func (a *AssessmentAnswer) HasScores() bool {
	return a.DocumentationScore != nil && a.ImplementationScore != nil
}

type UpdateAnswerRequest struct {
	ControlID           uuid.UUID `json:"control_id" binding:"required"`
	SubmeasureID        uuid.UUID `json:"submeasure_id" binding:"required"`
	DocumentationScore  *int      `json:"documentation_score,omitempty"`
	ImplementationScore *int      `json:"implementation_score,omitempty"`
	Comment             *string   `json:"comment,omitempty"`
	EvidenceFiles       []string  `json:"evidence_files,omitempty"`
}

// AnswerUpdateResult is everything a single answer write changed: the stored
// answer, the recomputed scores at each layer, refreshed progress, and any
// automatic status transition.
type AnswerUpdateResult struct {
	Answer               *AssessmentAnswer `json:"answer"`
	ControlScore         *float64          `json:"control_score,omitempty"`
	SubmeasureCompliance *SubmeasureScore  `json:"submeasure_compliance,omitempty"`
	OverallCompliance    *ComplianceScore  `json:"overall_compliance,omitempty"`
	Progress             ProgressSnapshot  `json:"progress"`
	StatusTransition     *StatusTransition `json:"status_transition,omitempty"`
}
