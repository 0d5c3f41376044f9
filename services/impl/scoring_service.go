package impl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

// scoringServiceImpl loads the assessment's pinned catalog, runs the pure
// scoring engine over it, and persists the three score layers. All three
// layers of one recomputation land in a single transaction.
type scoringServiceImpl struct {
	db     *gorm.DB
	engine *ScoringEngine
}

func NewScoringService(db *gorm.DB) services.ScoringService {
	return &scoringServiceImpl{
		db:     db,
		engine: NewScoringEngine(),
	}
}

// measureCatalog is one measure's scoring input joined with its catalog
// identity, so reports can carry codes and names.
type measureCatalog struct {
	Measure    models.Measure
	Submeasure map[uuid.UUID]models.Submeasure
	Input      models.MeasureScoreInput
}

func (s *scoringServiceImpl) RecomputeAll(ctx context.Context, assessment *models.Assessment) (*models.ComplianceScore, error) {
	catalog, err := s.loadCatalog(ctx, assessment)
	if err != nil {
		return nil, err
	}

	inputs := make([]models.MeasureScoreInput, len(catalog))
	for i := range catalog {
		inputs[i] = catalog[i].Input
	}

	result := s.engine.ScoreAssessment(assessment.SecurityLevel, inputs)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range result.Submeasures {
			if err := upsertSubmeasureScore(tx, assessment.ID, &result.Submeasures[i]); err != nil {
				return err
			}
		}
		for i := range result.Measures {
			if err := upsertMeasureScore(tx, assessment.ID, &result.Measures[i]); err != nil {
				return err
			}
		}
		return upsertComplianceScore(tx, assessment.ID, &result.Overall)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist scores: %w", err)
	}

	overall := result.Overall
	overall.AssessmentID = assessment.ID
	return &overall, nil
}

// RecomputeForAnswer recomputes only what one answer write can change: the
// affected submeasure, its parent measure (sibling submeasure rows are read
// from cache), and the overall summary over all cached measure rows.
func (s *scoringServiceImpl) RecomputeForAnswer(ctx context.Context, assessment *models.Assessment, submeasureID uuid.UUID) (*models.SubmeasureScore, *models.ComplianceScore, error) {
	var submeasure models.Submeasure
	if err := s.db.WithContext(ctx).First(&submeasure, "id = ?", submeasureID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, fmt.Errorf("submeasure %s: %w", submeasureID, models.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to load submeasure: %w", err)
	}

	measure, err := s.loadMeasureCatalog(ctx, assessment, submeasure.MeasureID)
	if err != nil {
		return nil, nil, err
	}

	th := models.ThresholdsFor(assessment.SecurityLevel)

	// Fresh score for the written submeasure; cached rows for its siblings.
	var affected models.SubmeasureScore
	subScores := make([]models.SubmeasureScore, 0, len(measure.Input.Submeasures))
	for _, subInput := range measure.Input.Submeasures {
		if subInput.SubmeasureID == submeasureID {
			affected = s.engine.ScoreSubmeasure(subInput, th)
			subScores = append(subScores, affected)
			continue
		}
		cached, err := s.cachedSubmeasureScore(ctx, assessment.ID, subInput.SubmeasureID)
		if err != nil {
			return nil, nil, err
		}
		if cached == nil {
			fresh := s.engine.ScoreSubmeasure(subInput, th)
			subScores = append(subScores, fresh)
			continue
		}
		subScores = append(subScores, *cached)
	}

	measureScore := s.engine.ScoreMeasure(measure.Input, subScores)

	allMeasures, err := s.mergedMeasureScores(ctx, assessment, measureScore)
	if err != nil {
		return nil, nil, err
	}
	overall := s.engine.scoreOverall(assessment.SecurityLevel, th, allMeasures)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertSubmeasureScore(tx, assessment.ID, &affected); err != nil {
			return err
		}
		if err := upsertMeasureScore(tx, assessment.ID, &measureScore); err != nil {
			return err
		}
		return upsertComplianceScore(tx, assessment.ID, &overall)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to persist scores: %w", err)
	}

	affected.AssessmentID = assessment.ID
	overall.AssessmentID = assessment.ID
	return &affected, &overall, nil
}

func (s *scoringServiceImpl) GetComplianceReport(ctx context.Context, assessment *models.Assessment) (*models.ComplianceReport, error) {
	catalog, err := s.loadCatalog(ctx, assessment)
	if err != nil {
		return nil, err
	}

	var overall models.ComplianceScore
	err = s.db.WithContext(ctx).First(&overall, "assessment_id = ?", assessment.ID).Error
	if err == gorm.ErrRecordNotFound {
		// No answer has been written yet; compute from scratch so the
		// report is never empty.
		fresh, err := s.RecomputeAll(ctx, assessment)
		if err != nil {
			return nil, err
		}
		overall = *fresh
	} else if err != nil {
		return nil, fmt.Errorf("failed to load compliance score: %w", err)
	}

	var measureRows []models.MeasureScore
	if err := s.db.WithContext(ctx).Find(&measureRows, "assessment_id = ?", assessment.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to load measure scores: %w", err)
	}
	var subRows []models.SubmeasureScore
	if err := s.db.WithContext(ctx).Find(&subRows, "assessment_id = ?", assessment.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to load submeasure scores: %w", err)
	}

	measureByID := make(map[uuid.UUID]models.MeasureScore, len(measureRows))
	for _, m := range measureRows {
		measureByID[m.MeasureID] = m
	}
	subByID := make(map[uuid.UUID]models.SubmeasureScore, len(subRows))
	for _, sub := range subRows {
		subByID[sub.SubmeasureID] = sub
	}

	report := &models.ComplianceReport{
		Overall:  overall,
		Measures: make([]models.MeasureComplianceView, 0, len(catalog)),
	}
	for _, mc := range catalog {
		view := models.MeasureComplianceView{
			MeasureID:   mc.Measure.ID,
			Code:        mc.Measure.Code,
			Name:        mc.Measure.Name,
			Score:       measureByID[mc.Measure.ID],
			Submeasures: make([]models.SubmeasureComplianceView, 0, len(mc.Input.Submeasures)),
		}
		for _, subInput := range mc.Input.Submeasures {
			sub := mc.Submeasure[subInput.SubmeasureID]
			view.Submeasures = append(view.Submeasures, models.SubmeasureComplianceView{
				SubmeasureID: sub.ID,
				Code:         sub.Code,
				Name:         sub.Name,
				Score:        subByID[sub.ID],
			})
		}
		report.Measures = append(report.Measures, view)
	}
	return report, nil
}

// loadCatalog builds the scoring inputs for every measure of the pinned
// questionnaire version, in catalog order.
func (s *scoringServiceImpl) loadCatalog(ctx context.Context, assessment *models.Assessment) ([]measureCatalog, error) {
	var measures []models.Measure
	err := s.db.WithContext(ctx).
		Where("questionnaire_version_id = ?", assessment.QuestionnaireVersionID).
		Order("order_index ASC, code ASC").
		Find(&measures).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load measures: %w", err)
	}

	catalog := make([]measureCatalog, 0, len(measures))
	for i := range measures {
		mc, err := s.buildMeasureCatalog(ctx, assessment, measures[i])
		if err != nil {
			return nil, err
		}
		catalog = append(catalog, *mc)
	}
	return catalog, nil
}

func (s *scoringServiceImpl) loadMeasureCatalog(ctx context.Context, assessment *models.Assessment, measureID uuid.UUID) (*measureCatalog, error) {
	var measure models.Measure
	if err := s.db.WithContext(ctx).First(&measure, "id = ?", measureID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("measure %s: %w", measureID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load measure: %w", err)
	}
	return s.buildMeasureCatalog(ctx, assessment, measure)
}

func (s *scoringServiceImpl) buildMeasureCatalog(ctx context.Context, assessment *models.Assessment, measure models.Measure) (*measureCatalog, error) {
	var submeasures []models.Submeasure
	err := s.db.WithContext(ctx).
		Where("measure_id = ?", measure.ID).
		Order("order_index ASC, code ASC").
		Find(&submeasures).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load submeasures: %w", err)
	}

	subIDs := make([]uuid.UUID, len(submeasures))
	subByID := make(map[uuid.UUID]models.Submeasure, len(submeasures))
	for i, sub := range submeasures {
		subIDs[i] = sub.ID
		subByID[sub.ID] = sub
	}

	mc := &measureCatalog{
		Measure:    measure,
		Submeasure: subByID,
		Input:      models.MeasureScoreInput{MeasureID: measure.ID},
	}
	if len(subIDs) == 0 {
		return mc, nil
	}

	var requirements []models.ControlRequirement
	err = s.db.WithContext(ctx).
		Where("submeasure_id IN ? AND security_level = ?", subIDs, assessment.SecurityLevel).
		Find(&requirements).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load control requirements: %w", err)
	}

	var mappings []models.ControlSubmeasureMapping
	err = s.db.WithContext(ctx).
		Where("submeasure_id IN ?", subIDs).
		Find(&mappings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load control mappings: %w", err)
	}
	orderIndex := make(map[uuid.UUID]map[uuid.UUID]int, len(subIDs))
	for _, m := range mappings {
		if orderIndex[m.SubmeasureID] == nil {
			orderIndex[m.SubmeasureID] = make(map[uuid.UUID]int)
		}
		orderIndex[m.SubmeasureID][m.ControlID] = m.OrderIndex
	}

	controlIDs := make([]uuid.UUID, 0, len(requirements))
	seen := make(map[uuid.UUID]struct{}, len(requirements))
	for _, r := range requirements {
		if _, ok := seen[r.ControlID]; !ok {
			seen[r.ControlID] = struct{}{}
			controlIDs = append(controlIDs, r.ControlID)
		}
	}
	controls := make(map[uuid.UUID]models.Control, len(controlIDs))
	if len(controlIDs) > 0 {
		var rows []models.Control
		if err := s.db.WithContext(ctx).Where("id IN ?", controlIDs).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load controls: %w", err)
		}
		for _, c := range rows {
			controls[c.ID] = c
		}
	}

	var answers []models.AssessmentAnswer
	err = s.db.WithContext(ctx).
		Where("assessment_id = ? AND submeasure_id IN ?", assessment.ID, subIDs).
		Find(&answers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load answers: %w", err)
	}
	answerByKey := make(map[[2]uuid.UUID]models.AssessmentAnswer, len(answers))
	for _, a := range answers {
		answerByKey[[2]uuid.UUID{a.ControlID, a.SubmeasureID}] = a
	}

	reqsBySub := make(map[uuid.UUID][]models.ControlRequirement, len(subIDs))
	for _, r := range requirements {
		reqsBySub[r.SubmeasureID] = append(reqsBySub[r.SubmeasureID], r)
	}

	for _, sub := range submeasures {
		subInput := models.SubmeasureScoreInput{SubmeasureID: sub.ID}
		reqs := reqsBySub[sub.ID]
		// Catalog display order, code as the deterministic tiebreaker.
		sort.SliceStable(reqs, func(i, j int) bool {
			oi := orderIndex[sub.ID][reqs[i].ControlID]
			oj := orderIndex[sub.ID][reqs[j].ControlID]
			if oi != oj {
				return oi < oj
			}
			return controls[reqs[i].ControlID].Code < controls[reqs[j].ControlID].Code
		})
		for _, req := range reqs {
			input := models.ControlScoreInput{
				ControlID:    req.ControlID,
				ControlCode:  controls[req.ControlID].Code,
				IsApplicable: req.IsApplicable,
				IsMandatory:  req.IsMandatory,
				MinimumScore: req.MinimumScore,
			}
			if answer, ok := answerByKey[[2]uuid.UUID{req.ControlID, sub.ID}]; ok {
				input.Documentation = answer.DocumentationScore
				input.Implementation = answer.ImplementationScore
			}
			subInput.Controls = append(subInput.Controls, input)
		}
		mc.Input.Submeasures = append(mc.Input.Submeasures, subInput)
	}
	return mc, nil
}

func (s *scoringServiceImpl) cachedSubmeasureScore(ctx context.Context, assessmentID, submeasureID uuid.UUID) (*models.SubmeasureScore, error) {
	var row models.SubmeasureScore
	err := s.db.WithContext(ctx).
		First(&row, "assessment_id = ? AND submeasure_id = ?", assessmentID, submeasureID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cached submeasure score: %w", err)
	}
	return &row, nil
}

// mergedMeasureScores returns every measure score of the assessment with
// the freshly recomputed one substituted in. Measures that never got a row
// (no answers anywhere yet) are represented by empty scores so the overall
// percentage still divides by the full measure count.
func (s *scoringServiceImpl) mergedMeasureScores(ctx context.Context, assessment *models.Assessment, fresh models.MeasureScore) ([]models.MeasureScore, error) {
	var measures []models.Measure
	err := s.db.WithContext(ctx).
		Where("questionnaire_version_id = ?", assessment.QuestionnaireVersionID).
		Order("order_index ASC, code ASC").
		Find(&measures).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load measures: %w", err)
	}

	var rows []models.MeasureScore
	if err := s.db.WithContext(ctx).Find(&rows, "assessment_id = ?", assessment.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to load measure scores: %w", err)
	}
	byMeasure := make(map[uuid.UUID]models.MeasureScore, len(rows))
	for _, row := range rows {
		byMeasure[row.MeasureID] = row
	}
	byMeasure[fresh.MeasureID] = fresh

	merged := make([]models.MeasureScore, 0, len(measures))
	for _, m := range measures {
		if row, ok := byMeasure[m.ID]; ok {
			merged = append(merged, row)
			continue
		}
		merged = append(merged, models.MeasureScore{MeasureID: m.ID})
	}
	return merged, nil
}

// Upserts update in place on the unique score keys so exactly one current
// row exists per (assessment, submeasure) / (assessment, measure) /
// assessment.

func upsertSubmeasureScore(tx *gorm.DB, assessmentID uuid.UUID, score *models.SubmeasureScore) error {
	score.ID = uuid.New()
	score.AssessmentID = assessmentID
	score.ComputedAt = time.Now().UTC()
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "assessment_id"}, {Name: "submeasure_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"passes_individual", "passes_average", "passes_overall",
			"documentation_avg", "implementation_avg", "overall_score",
			"total_controls", "answered_controls", "failed_controls",
			"computed_at",
		}),
	}).Create(score).Error
	if err != nil {
		return fmt.Errorf("failed to upsert submeasure score: %w", err)
	}
	return nil
}

func upsertMeasureScore(tx *gorm.DB, assessmentID uuid.UUID, score *models.MeasureScore) error {
	score.ID = uuid.New()
	score.AssessmentID = assessmentID
	score.ComputedAt = time.Now().UTC()
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "assessment_id"}, {Name: "measure_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"passes_compliance",
			"documentation_avg", "implementation_avg", "overall_score",
			"total_submeasures", "scored_submeasures", "passed_submeasures",
			"total_controls", "answered_controls", "mandatory_controls",
			"computed_at",
		}),
	}).Create(score).Error
	if err != nil {
		return fmt.Errorf("failed to upsert measure score: %w", err)
	}
	return nil
}

func upsertComplianceScore(tx *gorm.DB, assessmentID uuid.UUID, score *models.ComplianceScore) error {
	score.ID = uuid.New()
	score.AssessmentID = assessmentID
	score.ComputedAt = time.Now().UTC()
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "assessment_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"security_level",
			"overall_score", "compliance_percentage", "passes_compliance",
			"maturity_score", "meets_maturity_trend",
			"total_measures", "passed_measures",
			"computed_at",
		}),
	}).Create(score).Error
	if err != nil {
		return fmt.Errorf("failed to upsert compliance score: %w", err)
	}
	return nil
}
