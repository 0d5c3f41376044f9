package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/zks-assess/models"
)

// AssessmentService owns the assessment lifecycle: creation pinned to the
// active questionnaire version, the status state machine, progress caching,
// answer writes with their scoring fallout, and submission validation.
type AssessmentService interface {
	CreateAssessment(ctx context.Context, req models.CreateAssessmentRequest, orgID uuid.UUID, userID string) (*models.Assessment, error)
	GetAssessment(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Assessment, error)
	ListAssessments(ctx context.Context, filter models.AssessmentListFilter, orgID uuid.UUID) (*models.AssessmentListResponse, error)
	DeleteAssessment(ctx context.Context, id uuid.UUID, orgID uuid.UUID, userID string) error

	// UpdateStatus applies the state machine; force bypasses it (audited).
	UpdateStatus(ctx context.Context, id uuid.UUID, orgID uuid.UUID, req models.UpdateStatusRequest, actor Actor) (*models.Assessment, error)

	// UpdateAnswer runs the full write pipeline: context validation, upsert,
	// scoring recomputation, progress refresh, auto-transitions, audit.
	UpdateAnswer(ctx context.Context, assessmentID uuid.UUID, orgID uuid.UUID, req models.UpdateAnswerRequest, actor Actor) (*models.AnswerUpdateResult, error)

	// Submit validates mandatory completeness and the completion floor.
	// Non-compliance produces a warning, not an error.
	Submit(ctx context.Context, id uuid.UUID, orgID uuid.UUID, actor Actor) (*models.SubmitResult, error)

	GetCompliance(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.ComplianceReport, error)
	GetProgress(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.ProgressSnapshot, error)
}

// Actor identifies who performed a mutation, for attribution and audit.
type Actor struct {
	UserID    string
	IPAddress string
	UserAgent string
}

// ScoringService recomputes and persists the three score layers.
type ScoringService interface {
	// RecomputeForAnswer recomputes the affected submeasure, its measure and
	// the overall summary after one answer write.
	RecomputeForAnswer(ctx context.Context, assessment *models.Assessment, submeasureID uuid.UUID) (*models.SubmeasureScore, *models.ComplianceScore, error)

	// RecomputeAll rebuilds every score row for the assessment.
	RecomputeAll(ctx context.Context, assessment *models.Assessment) (*models.ComplianceScore, error)

	GetComplianceReport(ctx context.Context, assessment *models.Assessment) (*models.ComplianceReport, error)
}

// AuditService is append-only; entries are never updated or deleted.
type AuditService interface {
	Record(ctx context.Context, entry models.AuditEntry) error
	ListByAssessment(ctx context.Context, assessmentID uuid.UUID, limit int) ([]models.AuditLog, error)
}

// InsightsService maintains the cached AI analysis of an assessment.
type InsightsService interface {
	// GetInsights returns the cached row, recomputing first when stale.
	GetInsights(ctx context.Context, assessment *models.Assessment, language string) (*models.AssessmentInsights, error)
	MarkStale(ctx context.Context, assessmentID uuid.UUID) error
}

// RecommendationService manages generated per-control recommendations with
// the single-active invariant and the supersede chain.
type RecommendationService interface {
	GenerateForControl(ctx context.Context, assessment *models.Assessment, controlID uuid.UUID, language string) (*models.AIRecommendation, error)
	GenerateBatch(ctx context.Context, assessment *models.Assessment, language string) (int, error)
	ListActive(ctx context.Context, assessmentID uuid.UUID) ([]models.AIRecommendation, error)
}
