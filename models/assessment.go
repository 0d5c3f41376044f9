package models

import (
	"time"

	"github.com/google/uuid"
)

type AssessmentStatus string

const (
	AssessmentStatusDraft      AssessmentStatus = "draft"
	AssessmentStatusInProgress AssessmentStatus = "in_progress"
	AssessmentStatusReview     AssessmentStatus = "review"
	AssessmentStatusCompleted  AssessmentStatus = "completed"
	AssessmentStatusAbandoned  AssessmentStatus = "abandoned"
	AssessmentStatusArchived   AssessmentStatus = "archived"
)

type ComplianceStatus string

const (
	ComplianceStatusCompliant    ComplianceStatus = "compliant"
	ComplianceStatusNonCompliant ComplianceStatus = "non_compliant"
)

// allowedTransitions is the assessment state machine. A transition absent
// here requires the force flag and is audited as a forced change.
var allowedTransitions = map[AssessmentStatus][]AssessmentStatus{
	AssessmentStatusDraft:      {AssessmentStatusInProgress, AssessmentStatusAbandoned},
	AssessmentStatusInProgress: {AssessmentStatusReview, AssessmentStatusCompleted, AssessmentStatusAbandoned},
	AssessmentStatusReview:     {AssessmentStatusInProgress, AssessmentStatusCompleted, AssessmentStatusAbandoned},
	AssessmentStatusCompleted:  {AssessmentStatusArchived},
	AssessmentStatusAbandoned:  {AssessmentStatusDraft, AssessmentStatusArchived},
	AssessmentStatusArchived:   {},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to AssessmentStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidAssessmentStatus reports whether s names a known status.
func ValidAssessmentStatus(s AssessmentStatus) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Assessment is an organization's self-assessment attempt at a fixed
// security level, pinned to the questionnaire version active at creation.
// The counters are caches refreshed after every answer write.
type Assessment struct {
	ID                     uuid.UUID     `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OrganizationID         uuid.UUID     `json:"organization_id" gorm:"type:uuid;not null;index"`
	QuestionnaireVersionID uuid.UUID     `json:"questionnaire_version_id" gorm:"type:uuid;not null"`
	SecurityLevel          SecurityLevel `json:"security_level" gorm:"type:varchar(20);not null"`
	Name                   string        `json:"name" gorm:"not null"`
	Description            string        `json:"description"`

	Status AssessmentStatus `json:"status" gorm:"type:varchar(20);not null;default:'draft';index"`

	TotalControls        int               `json:"total_controls" gorm:"not null;default:0"`
	AnsweredControls     int               `json:"answered_controls" gorm:"not null;default:0"`
	MandatoryControls    int               `json:"mandatory_controls" gorm:"not null;default:0"`
	MandatoryAnswered    int               `json:"mandatory_answered" gorm:"not null;default:0"`
	CompliancePercentage float64           `json:"compliance_percentage" gorm:"type:decimal(5,2);not null;default:0"`
	ComplianceStatus     *ComplianceStatus `json:"compliance_status,omitempty" gorm:"type:varchar(20)"`

	CreatedBy   string     `json:"created_by" gorm:"type:varchar(255);not null"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (Assessment) TableName() string {
	return "compliance.assessments"
}

// CompletionPercentage is answered over total, capped at 100.
func (a *Assessment) CompletionPercentage() float64 {
	if a.TotalControls == 0 {
		return 0
	}
	pct := 100 * float64(a.AnsweredControls) / float64(a.TotalControls)
	if pct > 100 {
		pct = 100
	}
	return pct
}

type CreateAssessmentRequest struct {
	Name          string        `json:"name" binding:"required"`
	Description   string        `json:"description"`
	SecurityLevel SecurityLevel `json:"security_level" binding:"required"`
}

type UpdateStatusRequest struct {
	Status AssessmentStatus `json:"status" binding:"required"`
	// Force bypasses the transition table; operator action, always audited.
	Force  bool   `json:"force"`
	Reason string `json:"reason"`
}

// StatusTransition describes a transition that occurred during a write, for
// inclusion in answer-update results.
type StatusTransition struct {
	From      AssessmentStatus `json:"from"`
	To        AssessmentStatus `json:"to"`
	Automatic bool             `json:"automatic"`
}

// ProgressSnapshot is the recomputed progress written back to the assessment
// after every answer.
type ProgressSnapshot struct {
	TotalControls        int     `json:"total_controls"`
	AnsweredControls     int     `json:"answered_controls"`
	MandatoryControls    int     `json:"mandatory_controls"`
	MandatoryAnswered    int     `json:"mandatory_answered"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

// SubmitResult carries submission validation output. Errors block the
// submit; warnings (such as non-compliance) do not.
type SubmitResult struct {
	Submitted bool     `json:"submitted"`
	Errors    []string `json:"errors,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

type AssessmentListResponse struct {
	Assessments []Assessment `json:"assessments"`
	Total       int64        `json:"total"`
	Page        int          `json:"page"`
	Size        int          `json:"size"`
}

type AssessmentListFilter struct {
	Status        *AssessmentStatus `json:"status"`
	SecurityLevel *SecurityLevel    `json:"security_level"`
	Search        string            `json:"search"`
	Page          int               `json:"page"`
	Size          int               `json:"size"`
}
