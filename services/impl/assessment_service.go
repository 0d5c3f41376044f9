package impl

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

// submitCompletionFloor is the minimum completion percentage required to
// submit an assessment.
const submitCompletionFloor = 90.0

type assessmentServiceImpl struct {
	db            *gorm.DB
	answers       *AnswerStore
	scoring       services.ScoringService
	questionnaire services.QuestionnaireService
	audit         services.AuditService
	insights      services.InsightsService
}

// NewAssessmentService wires the assessment orchestrator. insights may be
// nil; staleness marking is then skipped.
func NewAssessmentService(db *gorm.DB, scoring services.ScoringService, questionnaire services.QuestionnaireService, audit services.AuditService, insights services.InsightsService) services.AssessmentService {
	return &assessmentServiceImpl{
		db:            db,
		answers:       NewAnswerStore(db),
		scoring:       scoring,
		questionnaire: questionnaire,
		audit:         audit,
		insights:      insights,
	}
}

func (s *assessmentServiceImpl) CreateAssessment(ctx context.Context, req models.CreateAssessmentRequest, orgID uuid.UUID, userID string) (*models.Assessment, error) {
	if !models.ValidSecurityLevel(req.SecurityLevel) {
		return nil, fmt.Errorf("unknown security level %q", req.SecurityLevel)
	}

	// Pin the version active right now; later reimports never touch this
	// assessment.
	active, err := s.questionnaire.Active()
	if err != nil {
		return nil, fmt.Errorf("no active questionnaire version: %w", err)
	}

	assessment := models.Assessment{
		ID:                     uuid.New(),
		OrganizationID:         orgID,
		QuestionnaireVersionID: active.Version.ID,
		SecurityLevel:          req.SecurityLevel,
		Name:                   req.Name,
		Description:            req.Description,
		Status:                 models.AssessmentStatusDraft,
		CreatedBy:              userID,
	}

	total, mandatory, err := s.catalogCounts(ctx, active.Version.ID, req.SecurityLevel)
	if err != nil {
		return nil, err
	}
	assessment.TotalControls = total
	assessment.MandatoryControls = mandatory

	if err := s.db.WithContext(ctx).Create(&assessment).Error; err != nil {
		return nil, fmt.Errorf("failed to create assessment: %w", err)
	}

	s.recordAudit(ctx, models.AuditEntry{
		OrganizationID: &orgID,
		AssessmentID:   &assessment.ID,
		UserID:         userID,
		Action:         models.AuditActionCreated,
		EntityType:     "assessment",
		EntityID:       &assessment.ID,
		NewValues:      assessment,
	})
	return &assessment, nil
}

func (s *assessmentServiceImpl) GetAssessment(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Assessment, error) {
	var assessment models.Assessment
	err := s.db.WithContext(ctx).
		First(&assessment, "id = ? AND organization_id = ?", id, orgID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("assessment %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assessment: %w", err)
	}
	return &assessment, nil
}

func (s *assessmentServiceImpl) ListAssessments(ctx context.Context, filter models.AssessmentListFilter, orgID uuid.UUID) (*models.AssessmentListResponse, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.Size
	if size < 1 || size > 100 {
		size = 20
	}

	query := s.db.WithContext(ctx).Model(&models.Assessment{}).Where("organization_id = ?", orgID)
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.SecurityLevel != nil {
		query = query.Where("security_level = ?", *filter.SecurityLevel)
	}
	if filter.Search != "" {
		query = query.Where("name ILIKE ?", "%"+filter.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count assessments: %w", err)
	}

	var assessments []models.Assessment
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&assessments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}

	return &models.AssessmentListResponse{
		Assessments: assessments,
		Total:       total,
		Page:        page,
		Size:        size,
	}, nil
}

// DeleteAssessment removes the assessment and its derived rows. Audit rows
// reference the assessment but are never deleted with it.
func (s *assessmentServiceImpl) DeleteAssessment(ctx context.Context, id uuid.UUID, orgID uuid.UUID, userID string) error {
	assessment, err := s.GetAssessment(ctx, id, orgID)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{
			&models.AssessmentAnswer{},
			&models.SubmeasureScore{},
			&models.MeasureScore{},
			&models.ComplianceScore{},
			&models.AssessmentInsights{},
			&models.AIRecommendation{},
		} {
			if err := tx.Where("assessment_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&models.Assessment{}, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete assessment: %w", err)
	}

	s.recordAudit(ctx, models.AuditEntry{
		OrganizationID: &orgID,
		AssessmentID:   &id,
		UserID:         userID,
		Action:         models.AuditActionDeleted,
		EntityType:     "assessment",
		EntityID:       &id,
		OldValues:      assessment,
	})
	return nil
}

func (s *assessmentServiceImpl) UpdateStatus(ctx context.Context, id uuid.UUID, orgID uuid.UUID, req models.UpdateStatusRequest, actor services.Actor) (*models.Assessment, error) {
	assessment, err := s.GetAssessment(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	if !models.ValidAssessmentStatus(req.Status) {
		return nil, fmt.Errorf("unknown status %q", req.Status)
	}

	from := assessment.Status
	if !models.CanTransition(from, req.Status) && !req.Force {
		return nil, &models.TransitionError{From: from, To: req.Status}
	}

	if err := s.applyStatus(ctx, assessment, req.Status); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, models.AuditEntry{
		OrganizationID: &orgID,
		AssessmentID:   &id,
		UserID:         actor.UserID,
		Action:         models.AuditActionStatusChanged,
		EntityType:     "assessment",
		EntityID:       &id,
		OldValues:      map[string]interface{}{"status": from},
		NewValues:      map[string]interface{}{"status": req.Status, "forced": req.Force, "reason": req.Reason},
		IPAddress:      actor.IPAddress,
		UserAgent:      actor.UserAgent,
	})
	return assessment, nil
}

// UpdateAnswer is the full write pipeline: context validation and upsert,
// scoring recomputation scoped to the touched submeasure, progress refresh,
// auto-transitions, audit.
func (s *assessmentServiceImpl) UpdateAnswer(ctx context.Context, assessmentID uuid.UUID, orgID uuid.UUID, req models.UpdateAnswerRequest, actor services.Actor) (*models.AnswerUpdateResult, error) {
	assessment, err := s.GetAssessment(ctx, assessmentID, orgID)
	if err != nil {
		return nil, err
	}
	switch assessment.Status {
	case models.AssessmentStatusArchived, models.AssessmentStatusAbandoned:
		return nil, &models.TransitionError{From: assessment.Status, To: models.AssessmentStatusInProgress}
	}
	if err := validateAnswerScores(req); err != nil {
		return nil, err
	}

	answer, err := s.answers.Upsert(ctx, assessmentID, req, actor)
	if err != nil {
		return nil, err
	}

	result := &models.AnswerUpdateResult{
		Answer:       answer,
		ControlScore: answer.AverageScore,
	}

	subScore, overall, err := s.scoring.RecomputeForAnswer(ctx, assessment, req.SubmeasureID)
	if err != nil {
		return nil, err
	}
	result.SubmeasureCompliance = subScore
	result.OverallCompliance = overall

	progress, err := s.computeProgress(ctx, assessment)
	if err != nil {
		return nil, err
	}
	result.Progress = *progress

	transition, err := s.applyAnswerFallout(ctx, assessment, progress, overall)
	if err != nil {
		return nil, err
	}
	result.StatusTransition = transition

	if s.insights != nil {
		if err := s.insights.MarkStale(ctx, assessmentID); err != nil {
			log.Printf("[ASSESSMENT] failed to mark insights stale: %v", err)
		}
	}

	s.recordAudit(ctx, models.AuditEntry{
		OrganizationID: &orgID,
		AssessmentID:   &assessmentID,
		UserID:         actor.UserID,
		Action:         models.AuditActionAnswerWritten,
		EntityType:     "assessment_answer",
		EntityID:       &answer.ID,
		NewValues:      answer,
		IPAddress:      actor.IPAddress,
		UserAgent:      actor.UserAgent,
	})
	if transition != nil {
		s.recordAudit(ctx, models.AuditEntry{
			OrganizationID: &orgID,
			AssessmentID:   &assessmentID,
			UserID:         actor.UserID,
			Action:         models.AuditActionStatusChanged,
			EntityType:     "assessment",
			EntityID:       &assessmentID,
			OldValues:      map[string]interface{}{"status": transition.From},
			NewValues:      map[string]interface{}{"status": transition.To, "automatic": true},
			IPAddress:      actor.IPAddress,
			UserAgent:      actor.UserAgent,
		})
	}
	return result, nil
}

func (s *assessmentServiceImpl) Submit(ctx context.Context, id uuid.UUID, orgID uuid.UUID, actor services.Actor) (*models.SubmitResult, error) {
	assessment, err := s.GetAssessment(ctx, id, orgID)
	if err != nil {
		return nil, err
	}

	progress, err := s.computeProgress(ctx, assessment)
	if err != nil {
		return nil, err
	}

	result := &models.SubmitResult{}
	if progress.MandatoryAnswered < progress.MandatoryControls {
		result.Errors = append(result.Errors, fmt.Sprintf(
			"mandatory controls incomplete: %d of %d answered",
			progress.MandatoryAnswered, progress.MandatoryControls))
	}
	if progress.CompletionPercentage < submitCompletionFloor {
		result.Errors = append(result.Errors, fmt.Sprintf(
			"completion %.2f%% is below the required %.0f%%",
			progress.CompletionPercentage, submitCompletionFloor))
	}

	var overall models.ComplianceScore
	err = s.db.WithContext(ctx).First(&overall, "assessment_id = ?", id).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to load compliance score: %w", err)
	}
	if err == nil && !overall.PassesCompliance {
		result.Warnings = append(result.Warnings, "assessment does not currently pass compliance")
	}

	if len(result.Errors) > 0 {
		return result, nil
	}

	from := assessment.Status
	if models.CanTransition(from, models.AssessmentStatusReview) {
		if err := s.applyStatus(ctx, assessment, models.AssessmentStatusReview); err != nil {
			return nil, err
		}
		s.recordAudit(ctx, models.AuditEntry{
			OrganizationID: &orgID,
			AssessmentID:   &id,
			UserID:         actor.UserID,
			Action:         models.AuditActionStatusChanged,
			EntityType:     "assessment",
			EntityID:       &id,
			OldValues:      map[string]interface{}{"status": from},
			NewValues:      map[string]interface{}{"status": models.AssessmentStatusReview},
			IPAddress:      actor.IPAddress,
			UserAgent:      actor.UserAgent,
		})
	}

	result.Submitted = true
	s.recordAudit(ctx, models.AuditEntry{
		OrganizationID: &orgID,
		AssessmentID:   &id,
		UserID:         actor.UserID,
		Action:         models.AuditActionSubmitted,
		EntityType:     "assessment",
		EntityID:       &id,
		NewValues:      result,
		IPAddress:      actor.IPAddress,
		UserAgent:      actor.UserAgent,
	})
	return result, nil
}

func (s *assessmentServiceImpl) GetCompliance(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.ComplianceReport, error) {
	assessment, err := s.GetAssessment(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	return s.scoring.GetComplianceReport(ctx, assessment)
}

func (s *assessmentServiceImpl) GetProgress(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.ProgressSnapshot, error) {
	assessment, err := s.GetAssessment(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	return s.computeProgress(ctx, assessment)
}

// applyStatus writes the status and its lifecycle timestamps.
func (s *assessmentServiceImpl) applyStatus(ctx context.Context, assessment *models.Assessment, to models.AssessmentStatus) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{"status": to, "updated_at": now}
	switch to {
	case models.AssessmentStatusInProgress:
		if assessment.StartedAt == nil {
			updates["started_at"] = now
			assessment.StartedAt = &now
		}
	case models.AssessmentStatusCompleted:
		updates["completed_at"] = now
		assessment.CompletedAt = &now
	}

	err := s.db.WithContext(ctx).
		Model(&models.Assessment{}).
		Where("id = ?", assessment.ID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	assessment.Status = to
	return nil
}

// applyAnswerFallout writes the refreshed counters and applies the two
// automatic transitions: draft to in_progress on the first answer, and
// in_progress to completed once every mandatory control is answered and the
// assessment passes compliance.
func (s *assessmentServiceImpl) applyAnswerFallout(ctx context.Context, assessment *models.Assessment, progress *models.ProgressSnapshot, overall *models.ComplianceScore) (*models.StatusTransition, error) {
	updates := map[string]interface{}{
		"total_controls":     progress.TotalControls,
		"answered_controls":  progress.AnsweredControls,
		"mandatory_controls": progress.MandatoryControls,
		"mandatory_answered": progress.MandatoryAnswered,
		"updated_at":         time.Now().UTC(),
	}
	if overall != nil {
		updates["compliance_percentage"] = overall.CompliancePercentage
		status := models.ComplianceStatusNonCompliant
		if overall.PassesCompliance {
			status = models.ComplianceStatusCompliant
		}
		updates["compliance_status"] = status
		assessment.CompliancePercentage = overall.CompliancePercentage
		assessment.ComplianceStatus = &status
	}

	err := s.db.WithContext(ctx).
		Model(&models.Assessment{}).
		Where("id = ?", assessment.ID).
		Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update progress counters: %w", err)
	}
	assessment.TotalControls = progress.TotalControls
	assessment.AnsweredControls = progress.AnsweredControls
	assessment.MandatoryControls = progress.MandatoryControls
	assessment.MandatoryAnswered = progress.MandatoryAnswered

	if next, ok := autoTransition(assessment.Status, progress, overall); ok {
		from := assessment.Status
		if err := s.applyStatus(ctx, assessment, next); err != nil {
			return nil, err
		}
		return &models.StatusTransition{From: from, To: next, Automatic: true}, nil
	}
	return nil, nil
}

// autoTransition decides the automatic status promotion after an answer
// write, if any.
func autoTransition(current models.AssessmentStatus, progress *models.ProgressSnapshot, overall *models.ComplianceScore) (models.AssessmentStatus, bool) {
	if current == models.AssessmentStatusDraft && progress.AnsweredControls > 0 {
		return models.AssessmentStatusInProgress, true
	}
	if current == models.AssessmentStatusInProgress &&
		progress.MandatoryControls > 0 &&
		progress.MandatoryAnswered >= progress.MandatoryControls &&
		overall != nil && overall.PassesCompliance {
		return models.AssessmentStatusCompleted, true
	}
	return "", false
}

// validateAnswerScores bounds the score dimensions before they reach the
// store.
func validateAnswerScores(req models.UpdateAnswerRequest) error {
	for _, score := range []*int{req.DocumentationScore, req.ImplementationScore} {
		if score != nil && (*score < 1 || *score > 5) {
			return fmt.Errorf("score %d out of range 1..5", *score)
		}
	}
	return nil
}

// catalogCounts counts DISTINCT applicable and mandatory controls of a
// version at one security level.
func (s *assessmentServiceImpl) catalogCounts(ctx context.Context, versionID uuid.UUID, level models.SecurityLevel) (total, mandatory int, err error) {
	const query = `
		SELECT
			COUNT(DISTINCT cr.control_id) AS total,
			COUNT(DISTINCT cr.control_id) FILTER (WHERE cr.is_mandatory) AS mandatory
		FROM compliance.control_requirements cr
		JOIN compliance.submeasures s ON s.id = cr.submeasure_id
		JOIN compliance.measures m ON m.id = s.measure_id
		WHERE m.questionnaire_version_id = ?
		  AND cr.security_level = ?
		  AND cr.is_applicable = true`

	var row struct {
		Total     int
		Mandatory int
	}
	if err := s.db.WithContext(ctx).Raw(query, versionID, level).Scan(&row).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count catalog controls: %w", err)
	}
	return row.Total, row.Mandatory, nil
}

// computeProgress recomputes the cached counters from storage. Controls are
// counted DISTINCT across submeasure contexts; an answer counts once both
// dimensions are scored.
func (s *assessmentServiceImpl) computeProgress(ctx context.Context, assessment *models.Assessment) (*models.ProgressSnapshot, error) {
	total, mandatory, err := s.catalogCounts(ctx, assessment.QuestionnaireVersionID, assessment.SecurityLevel)
	if err != nil {
		return nil, err
	}

	const answeredQuery = `
		SELECT
			COUNT(DISTINCT a.control_id) AS answered,
			COUNT(DISTINCT a.control_id) FILTER (WHERE cr.is_mandatory) AS mandatory_answered
		FROM compliance.assessment_answers a
		JOIN compliance.control_requirements cr
			ON cr.control_id = a.control_id
			AND cr.submeasure_id = a.submeasure_id
			AND cr.security_level = ?
			AND cr.is_applicable = true
		WHERE a.assessment_id = ?
		  AND a.documentation_score IS NOT NULL
		  AND a.implementation_score IS NOT NULL`

	var row struct {
		Answered          int
		MandatoryAnswered int
	}
	if err := s.db.WithContext(ctx).Raw(answeredQuery, assessment.SecurityLevel, assessment.ID).Scan(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to count answered controls: %w", err)
	}

	// Clamp under races: a reimport or concurrent write must never push a
	// percentage past 100.
	if row.Answered > total {
		row.Answered = total
	}
	if row.MandatoryAnswered > mandatory {
		row.MandatoryAnswered = mandatory
	}

	progress := &models.ProgressSnapshot{
		TotalControls:     total,
		AnsweredControls:  row.Answered,
		MandatoryControls: mandatory,
		MandatoryAnswered: row.MandatoryAnswered,
	}
	if total > 0 {
		pct := 100 * float64(row.Answered) / float64(total)
		if pct > 100 {
			pct = 100
		}
		progress.CompletionPercentage = RoundScore(pct)
	}
	return progress, nil
}

// recordAudit writes best-effort: an audit failure is logged, never allowed
// to fail the mutation it describes.
func (s *assessmentServiceImpl) recordAudit(ctx context.Context, entry models.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		log.Printf("[ASSESSMENT] audit write failed: %v", err)
	}
}
