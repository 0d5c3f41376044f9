package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// LevelThresholds are the pass thresholds for one security level: Pi is the
// per-control individual floor, T the submeasure average floor, MaturityMin
// the minimum count of passed submeasures for the maturity trend.
type LevelThresholds struct {
	Individual  float64 `json:"individual"`
	Average     float64 `json:"average"`
	MaturityMin int     `json:"maturity_min"`
}

var levelThresholds = map[SecurityLevel]LevelThresholds{
	SecurityLevelOsnovna:  {Individual: 2.0, Average: 2.5, MaturityMin: 109},
	SecurityLevelSrednja:  {Individual: 2.5, Average: 3.0, MaturityMin: 58},
	SecurityLevelNapredna: {Individual: 3.0, Average: 3.5, MaturityMin: 15},
}

// ThresholdsFor returns the thresholds for a security level. Unknown levels
// fall back to osnovna, the least strict.
func ThresholdsFor(level SecurityLevel) LevelThresholds {
	if t, ok := levelThresholds[level]; ok {
		return t
	}
	return levelThresholds[SecurityLevelOsnovna]
}

// SubmeasureScore is the cached compliance result for one submeasure within
// an assessment. One current row per (assessment, submeasure), updated in
// place on recomputation.
type SubmeasureScore struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	AssessmentID uuid.UUID `json:"assessment_id" gorm:"type:uuid;not null;uniqueIndex:idx_submeasure_score_key"`
	SubmeasureID uuid.UUID `json:"submeasure_id" gorm:"type:uuid;not null;uniqueIndex:idx_submeasure_score_key"`

	PassesIndividual bool `json:"passes_individual" gorm:"not null;default:false"`
	PassesAverage    bool `json:"passes_average" gorm:"not null;default:false"`
	PassesOverall    bool `json:"passes_overall" gorm:"not null;default:false"`

	DocumentationAvg  *float64 `json:"documentation_avg,omitempty" gorm:"type:decimal(4,2)"`
	ImplementationAvg *float64 `json:"implementation_avg,omitempty" gorm:"type:decimal(4,2)"`
	OverallScore      *float64 `json:"overall_score,omitempty" gorm:"type:decimal(4,2)"`

	TotalControls    int `json:"total_controls" gorm:"not null;default:0"`
	AnsweredControls int `json:"answered_controls" gorm:"not null;default:0"`

	// Codes of answered controls violating the individual threshold.
	FailedControls datatypes.JSON `json:"failed_controls" gorm:"type:jsonb;default:'[]'"`

	ComputedAt time.Time `json:"computed_at" gorm:"not null;default:now()"`
}

func (SubmeasureScore) TableName() string {
	return "compliance.submeasure_scores"
}

// MeasureScore is the cached compliance result for one measure. Control
// counts are DISTINCT across the measure's submeasures.
type MeasureScore struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	AssessmentID uuid.UUID `json:"assessment_id" gorm:"type:uuid;not null;uniqueIndex:idx_measure_score_key"`
	MeasureID    uuid.UUID `json:"measure_id" gorm:"type:uuid;not null;uniqueIndex:idx_measure_score_key"`

	PassesCompliance bool `json:"passes_compliance" gorm:"not null;default:false"`

	DocumentationAvg  *float64 `json:"documentation_avg,omitempty" gorm:"type:decimal(4,2)"`
	ImplementationAvg *float64 `json:"implementation_avg,omitempty" gorm:"type:decimal(4,2)"`
	OverallScore      *float64 `json:"overall_score,omitempty" gorm:"type:decimal(4,2)"`

	TotalSubmeasures  int `json:"total_submeasures" gorm:"not null;default:0"`
	ScoredSubmeasures int `json:"scored_submeasures" gorm:"not null;default:0"`
	PassedSubmeasures int `json:"passed_submeasures" gorm:"not null;default:0"`

	TotalControls     int `json:"total_controls" gorm:"not null;default:0"`
	AnsweredControls  int `json:"answered_controls" gorm:"not null;default:0"`
	MandatoryControls int `json:"mandatory_controls" gorm:"not null;default:0"`

	ComputedAt time.Time `json:"computed_at" gorm:"not null;default:now()"`
}

func (MeasureScore) TableName() string {
	return "compliance.measure_scores"
}

// ComplianceScore is the assessment-level summary. One row per assessment.
type ComplianceScore struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	AssessmentID uuid.UUID `json:"assessment_id" gorm:"type:uuid;not null;uniqueIndex"`

	SecurityLevel SecurityLevel `json:"security_level" gorm:"type:varchar(20);not null"`

	OverallScore         *float64 `json:"overall_score,omitempty" gorm:"type:decimal(4,2)"`
	CompliancePercentage float64  `json:"compliance_percentage" gorm:"type:decimal(5,2);not null;default:0"`
	PassesCompliance     bool     `json:"passes_compliance" gorm:"not null;default:false"`

	MaturityScore      int  `json:"maturity_score" gorm:"not null;default:0"`
	MeetsMaturityTrend bool `json:"meets_maturity_trend" gorm:"not null;default:false"`

	TotalMeasures  int `json:"total_measures" gorm:"not null;default:0"`
	PassedMeasures int `json:"passed_measures" gorm:"not null;default:0"`

	ComputedAt time.Time `json:"computed_at" gorm:"not null;default:now()"`
}

func (ComplianceScore) TableName() string {
	return "compliance.compliance_scores"
}

// ComplianceReport is the nested overall -> measures -> submeasures view
// returned by the compliance endpoint.
type ComplianceReport struct {
	Overall  ComplianceScore         `json:"overall"`
	Measures []MeasureComplianceView `json:"measures"`
}

type MeasureComplianceView struct {
	MeasureID   uuid.UUID                  `json:"measure_id"`
	Code        string                     `json:"code"`
	Name        string                     `json:"name"`
	Score       MeasureScore               `json:"score"`
	Submeasures []SubmeasureComplianceView `json:"submeasures"`
}

type SubmeasureComplianceView struct {
	SubmeasureID uuid.UUID       `json:"submeasure_id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Score        SubmeasureScore `json:"score"`
}

// ControlScoreInput is one (control, submeasure) requirement at the
// assessment's level joined with its answer, the scoring engine's unit of
// work. Nil scores mean unanswered.
type ControlScoreInput struct {
	ControlID      uuid.UUID `json:"control_id"`
	ControlCode    string    `json:"control_code"`
	IsApplicable   bool      `json:"is_applicable"`
	IsMandatory    bool      `json:"is_mandatory"`
	MinimumScore   *float64  `json:"minimum_score,omitempty"`
	Documentation  *int      `json:"documentation,omitempty"`
	Implementation *int      `json:"implementation,omitempty"`
}

func (c ControlScoreInput) Answered() bool {
	return c.Documentation != nil && c.Implementation != nil
}

type SubmeasureScoreInput struct {
	SubmeasureID uuid.UUID           `json:"submeasure_id"`
	Controls     []ControlScoreInput `json:"controls"`
}

type MeasureScoreInput struct {
	MeasureID   uuid.UUID              `json:"measure_id"`
	Submeasures []SubmeasureScoreInput `json:"submeasures"`
}
