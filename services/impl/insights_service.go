package impl

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

const (
	insightsTemperature = 0.3
	insightsMaxTokens   = 768
)

// insightsServiceImpl maintains the cached AI analysis of an assessment.
// Gap and roadmap structure is computed deterministically from scores; only
// the narrative summary comes from the generator, and a generator outage
// degrades to a deterministic summary instead of failing the request.
type insightsServiceImpl struct {
	db        *gorm.DB
	scoring   services.ScoringService
	generator services.GenerationClient
}

func NewInsightsService(db *gorm.DB, scoring services.ScoringService, generator services.GenerationClient) services.InsightsService {
	return &insightsServiceImpl{
		db:        db,
		scoring:   scoring,
		generator: generator,
	}
}

func (s *insightsServiceImpl) GetInsights(ctx context.Context, assessment *models.Assessment, language string) (*models.AssessmentInsights, error) {
	var cached models.AssessmentInsights
	err := s.db.WithContext(ctx).First(&cached, "assessment_id = ?", assessment.ID).Error
	if err == nil && !cached.IsStale {
		return &cached, nil
	}
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to load insights: %w", err)
	}

	return s.recompute(ctx, assessment, language)
}

func (s *insightsServiceImpl) MarkStale(ctx context.Context, assessmentID uuid.UUID) error {
	err := s.db.WithContext(ctx).
		Model(&models.AssessmentInsights{}).
		Where("assessment_id = ?", assessmentID).
		Update("is_stale", true).Error
	if err != nil {
		return fmt.Errorf("failed to mark insights stale: %w", err)
	}
	return nil
}

func (s *insightsServiceImpl) recompute(ctx context.Context, assessment *models.Assessment, language string) (*models.AssessmentInsights, error) {
	report, err := s.scoring.GetComplianceReport(ctx, assessment)
	if err != nil {
		return nil, err
	}

	gaps, err := LoadComplianceGaps(ctx, s.db, assessment)
	if err != nil {
		return nil, err
	}

	roadmap := BuildRoadmap(gaps)
	measureRecs := buildMeasureRecommendations(report, language)
	summary := s.narrativeSummary(ctx, assessment, report, gaps, language)

	gapsJSON, err := models.ConvertToJSON(gaps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gaps: %w", err)
	}
	roadmapJSON, err := models.ConvertToJSON(roadmap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode roadmap: %w", err)
	}
	recsJSON, err := models.ConvertToJSON(measureRecs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recommendations: %w", err)
	}

	insights := models.AssessmentInsights{
		ID:                     uuid.New(),
		AssessmentID:           assessment.ID,
		Gaps:                   gapsJSON,
		Roadmap:                roadmapJSON,
		Summary:                summary,
		MeasureRecommendations: recsJSON,
		IsStale:                false,
		GeneratedAt:            time.Now().UTC(),
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "assessment_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"gaps", "roadmap", "summary", "measure_recommendations",
			"is_stale", "generated_at",
		}),
	}).Create(&insights).Error
	if err != nil {
		return nil, fmt.Errorf("failed to persist insights: %w", err)
	}
	return &insights, nil
}

// LoadComplianceGaps lists every answered control violating its floor: the
// level's individual threshold or the requirement's own minimum score.
func LoadComplianceGaps(ctx context.Context, db *gorm.DB, assessment *models.Assessment) ([]models.ComplianceGap, error) {
	th := models.ThresholdsFor(assessment.SecurityLevel)

	const query = `
		SELECT
			c.code AS control_code,
			c.name AS control_name,
			s.code AS submeasure_code,
			m.code AS measure_code,
			a.average_score,
			cr.minimum_score,
			cr.is_mandatory
		FROM compliance.assessment_answers a
		JOIN compliance.control_requirements cr
			ON cr.control_id = a.control_id
			AND cr.submeasure_id = a.submeasure_id
			AND cr.security_level = ?
			AND cr.is_applicable = true
		JOIN compliance.controls c ON c.id = a.control_id
		JOIN compliance.submeasures s ON s.id = a.submeasure_id
		JOIN compliance.measures m ON m.id = s.measure_id
		WHERE a.assessment_id = ?
		  AND a.average_score IS NOT NULL
		  AND (a.average_score < ? OR (cr.minimum_score IS NOT NULL AND a.average_score < cr.minimum_score))
		ORDER BY m.code, s.code, c.code`

	var rows []struct {
		ControlCode    string
		ControlName    string
		SubmeasureCode string
		MeasureCode    string
		AverageScore   *float64
		MinimumScore   *float64
		IsMandatory    bool
	}
	err := db.WithContext(ctx).Raw(query, assessment.SecurityLevel, assessment.ID, th.Individual).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load compliance gaps: %w", err)
	}

	gaps := make([]models.ComplianceGap, 0, len(rows))
	for _, row := range rows {
		required := th.Individual
		if row.MinimumScore != nil && *row.MinimumScore > required {
			required = *row.MinimumScore
		}
		gap := models.ComplianceGap{
			ControlCode:    row.ControlCode,
			ControlName:    row.ControlName,
			SubmeasureCode: row.SubmeasureCode,
			MeasureCode:    row.MeasureCode,
			CurrentScore:   row.AverageScore,
			RequiredScore:  required,
			IsMandatory:    row.IsMandatory,
			Severity:       gapSeverity(row.AverageScore, required, row.IsMandatory),
		}
		gaps = append(gaps, gap)
	}
	return gaps, nil
}

func gapSeverity(current *float64, required float64, mandatory bool) string {
	deficit := required
	if current != nil {
		deficit = required - *current
	}
	switch {
	case mandatory || deficit >= 1.5:
		return "high"
	case deficit >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

// BuildRoadmap phases the gaps by severity: mandatory and large deficits
// first.
func BuildRoadmap(gaps []models.ComplianceGap) models.RemediationRoadmap {
	bySeverity := map[string][]string{}
	seen := map[string]map[string]struct{}{}
	for _, gap := range gaps {
		if seen[gap.Severity] == nil {
			seen[gap.Severity] = map[string]struct{}{}
		}
		if _, dup := seen[gap.Severity][gap.ControlCode]; dup {
			continue
		}
		seen[gap.Severity][gap.ControlCode] = struct{}{}
		bySeverity[gap.Severity] = append(bySeverity[gap.Severity], gap.ControlCode)
	}

	roadmap := models.RemediationRoadmap{Phases: []models.RoadmapPhase{}}
	phases := []struct {
		severity string
		name     string
	}{
		{"high", "Kritični nedostaci"},
		{"medium", "Značajni nedostaci"},
		{"low", "Manja poboljšanja"},
	}
	for i, phase := range phases {
		controls := bySeverity[phase.severity]
		if len(controls) == 0 {
			continue
		}
		roadmap.Phases = append(roadmap.Phases, models.RoadmapPhase{
			Name:     phase.name,
			Priority: i + 1,
			Controls: controls,
		})
	}
	return roadmap
}

func buildMeasureRecommendations(report *models.ComplianceReport, language string) []models.MeasureRecommendation {
	recs := make([]models.MeasureRecommendation, 0, len(report.Measures))
	for _, m := range report.Measures {
		rec := models.MeasureRecommendation{
			MeasureCode: m.Code,
			MeasureName: m.Name,
			Passed:      m.Score.PassesCompliance,
		}
		failing := m.Score.ScoredSubmeasures - m.Score.PassedSubmeasures
		if language == "en" {
			if rec.Passed {
				rec.Text = fmt.Sprintf("Measure %s currently passes; maintain the implemented controls.", m.Code)
			} else {
				rec.Text = fmt.Sprintf("Measure %s is failing in %d submeasure(s); prioritize its listed gaps.", m.Code, failing)
			}
		} else {
			if rec.Passed {
				rec.Text = fmt.Sprintf("Mjera %s trenutno zadovoljava; održavajte implementirane kontrole.", m.Code)
			} else {
				rec.Text = fmt.Sprintf("Mjera %s ne zadovoljava u %d podmjera; prioritetno otklonite navedene nedostatke.", m.Code, failing)
			}
		}
		recs = append(recs, rec)
	}
	return recs
}

// narrativeSummary asks the generator for a short narrative; on failure it
// falls back to a deterministic summary so insights never block on the
// model.
func (s *insightsServiceImpl) narrativeSummary(ctx context.Context, assessment *models.Assessment, report *models.ComplianceReport, gaps []models.ComplianceGap, language string) string {
	fallback := deterministicSummary(report, len(gaps), language)
	if s.generator == nil {
		return fallback
	}

	var prompt strings.Builder
	prompt.WriteString("COMPLIANCE STATE:\n")
	fmt.Fprintf(&prompt, "Security level: %s\n", assessment.SecurityLevel)
	fmt.Fprintf(&prompt, "Passed measures: %d of %d (%.2f%%)\n",
		report.Overall.PassedMeasures, report.Overall.TotalMeasures, report.Overall.CompliancePercentage)
	fmt.Fprintf(&prompt, "Maturity score: %d (trend met: %t)\n",
		report.Overall.MaturityScore, report.Overall.MeetsMaturityTrend)
	fmt.Fprintf(&prompt, "Open gaps: %d\n", len(gaps))
	for i, gap := range gaps {
		if i >= 15 {
			fmt.Fprintf(&prompt, "... and %d more\n", len(gaps)-i)
			break
		}
		current := "unanswered"
		if gap.CurrentScore != nil {
			current = fmt.Sprintf("%.2f", *gap.CurrentScore)
		}
		fmt.Fprintf(&prompt, "- %s (%s): score %s, required %.1f, severity %s\n",
			gap.ControlCode, gap.MeasureCode, current, gap.RequiredScore, gap.Severity)
	}
	if language == "en" {
		prompt.WriteString("\nWrite a concise executive summary (max 5 sentences) of this compliance state in English.")
	} else {
		prompt.WriteString("\nNapišite sažet izvršni sažetak (najviše 5 rečenica) ovog stanja usklađenosti na hrvatskom jeziku.")
	}

	summary, err := s.generator.Generate(ctx, prompt.String(), services.GenerateOptions{
		Temperature: insightsTemperature,
		MaxTokens:   insightsMaxTokens,
		Language:    language,
	})
	if err != nil {
		log.Printf("[INSIGHTS] narrative generation failed, using deterministic summary: %v", err)
		return fallback
	}
	return strings.TrimSpace(summary)
}

func deterministicSummary(report *models.ComplianceReport, gapCount int, language string) string {
	if language == "en" {
		return fmt.Sprintf("%d of %d measures pass (%.2f%%); %d control gap(s) remain open.",
			report.Overall.PassedMeasures, report.Overall.TotalMeasures,
			report.Overall.CompliancePercentage, gapCount)
	}
	return fmt.Sprintf("Zadovoljeno je %d od %d mjera (%.2f%%); otvoreno je %d nedostataka na kontrolama.",
		report.Overall.PassedMeasures, report.Overall.TotalMeasures,
		report.Overall.CompliancePercentage, gapCount)
}
