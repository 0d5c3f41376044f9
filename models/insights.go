package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AssessmentInsights is the cached AI-derived analysis of an assessment:
// structured gaps and roadmap computed from scores, plus a generated
// narrative. Any answer write marks it stale; it is recomputed on demand.
type AssessmentInsights struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	AssessmentID uuid.UUID `json:"assessment_id" gorm:"type:uuid;not null;uniqueIndex"`

	Gaps                   datatypes.JSON `json:"gaps" gorm:"type:jsonb;default:'[]'"`
	Roadmap                datatypes.JSON `json:"roadmap" gorm:"type:jsonb;default:'{}'"`
	Summary                string         `json:"summary"`
	MeasureRecommendations datatypes.JSON `json:"measure_recommendations" gorm:"type:jsonb;default:'[]'"`

	IsStale     bool      `json:"is_stale" gorm:"not null;default:true"`
	GeneratedAt time.Time `json:"generated_at" gorm:"not null;default:now()"`
}

func (AssessmentInsights) TableName() string {
	return "compliance.assessment_insights"
}

// ComplianceGap is one entry of the gaps list: a control failing its
// threshold in some submeasure context.
type ComplianceGap struct {
	ControlCode    string   `json:"control_code"`
	ControlName    string   `json:"control_name"`
	SubmeasureCode string   `json:"submeasure_code"`
	MeasureCode    string   `json:"measure_code"`
	CurrentScore   *float64 `json:"current_score,omitempty"`
	RequiredScore  float64  `json:"required_score"`
	IsMandatory    bool     `json:"is_mandatory"`
	Severity       string   `json:"severity"`
}

// RemediationRoadmap phases gaps by severity for planning.
type RemediationRoadmap struct {
	Phases []RoadmapPhase `json:"phases"`
}

type RoadmapPhase struct {
	Name     string   `json:"name"`
	Priority int      `json:"priority"`
	Controls []string `json:"controls"`
}

// MeasureRecommendation is a short per-measure improvement note.
type MeasureRecommendation struct {
	MeasureCode string `json:"measure_code"`
	MeasureName string `json:"measure_name"`
	Passed      bool   `json:"passed"`
	Text        string `json:"text"`
}

// AIRecommendation is a persisted generated recommendation for one
// (assessment, control) pair. At most one active row per pair; a
// regeneration inserts a successor and flips the predecessor inactive via
// superseded_by_id. The supersede chain is a DAG by construction: an update
// that would make a recommendation its own ancestor is rejected.
type AIRecommendation struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	AssessmentID uuid.UUID `json:"assessment_id" gorm:"type:uuid;not null;index:idx_recommendation_pair"`
	ControlID    uuid.UUID `json:"control_id" gorm:"type:uuid;not null;index:idx_recommendation_pair"`

	Content  string `json:"content" gorm:"not null"`
	Model    string `json:"model" gorm:"type:varchar(100)"`
	Language string `json:"language" gorm:"type:varchar(5);default:'hr'"`

	IsActive       bool       `json:"is_active" gorm:"not null;default:true"`
	SupersededByID *uuid.UUID `json:"superseded_by_id,omitempty" gorm:"type:uuid"`

	GeneratedAt time.Time `json:"generated_at" gorm:"not null;default:now()"`
}

func (AIRecommendation) TableName() string {
	return "compliance.ai_recommendations"
}
