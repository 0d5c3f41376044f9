package models

import (
	"time"

	"github.com/google/uuid"
)

// SecurityLevel is the ZKS security level an assessment is conducted at.
// Thresholds and control applicability depend on it.
type SecurityLevel string

const (
	SecurityLevelOsnovna  SecurityLevel = "osnovna"
	SecurityLevelSrednja  SecurityLevel = "srednja"
	SecurityLevelNapredna SecurityLevel = "napredna"
)

// ValidSecurityLevel reports whether s names a known security level.
func ValidSecurityLevel(s SecurityLevel) bool {
	switch s {
	case SecurityLevelOsnovna, SecurityLevelSrednja, SecurityLevelNapredna:
		return true
	}
	return false
}

// QuestionnaireVersion is an immutable snapshot of the measure/submeasure/
// control catalog. Exactly one version is active at a time; assessments pin
// the version that was active when they were created.
type QuestionnaireVersion struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Version     int       `json:"version" gorm:"not null;uniqueIndex"`
	ContentHash string    `json:"content_hash" gorm:"type:varchar(64);not null;uniqueIndex"`
	IsActive    bool      `json:"is_active" gorm:"not null;default:false;index"`
	SourceFile  string    `json:"source_file"`
	Description string    `json:"description"`
	ImportedBy  string    `json:"imported_by" gorm:"type:varchar(255)"`
	ImportedAt  time.Time `json:"imported_at" gorm:"not null;default:now()"`
}

func (QuestionnaireVersion) TableName() string {
	return "compliance.questionnaire_versions"
}

// Measure is the top grouping level of the catalog.
type Measure struct {
	ID                     uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	QuestionnaireVersionID uuid.UUID `json:"questionnaire_version_id" gorm:"type:uuid;not null;uniqueIndex:idx_measure_version_code"`
	Code                   string    `json:"code" gorm:"type:varchar(50);not null;uniqueIndex:idx_measure_version_code"`
	Name                   string    `json:"name" gorm:"not null"`
	Description            string    `json:"description"`
	OrderIndex             int       `json:"order_index" gorm:"not null;default:0"`

	Submeasures []Submeasure `json:"submeasures,omitempty" gorm:"foreignKey:MeasureID"`
}

func (Measure) TableName() string {
	return "compliance.measures"
}

// Submeasure groups controls below a measure. Codes are unique within the
// parent measure.
type Submeasure struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	MeasureID   uuid.UUID `json:"measure_id" gorm:"type:uuid;not null;uniqueIndex:idx_submeasure_measure_code"`
	Code        string    `json:"code" gorm:"type:varchar(50);not null;uniqueIndex:idx_submeasure_measure_code"`
	Name        string    `json:"name" gorm:"not null"`
	Description string    `json:"description"`
	OrderIndex  int       `json:"order_index" gorm:"not null;default:0"`
}

func (Submeasure) TableName() string {
	return "compliance.submeasures"
}

// Control is an atomic framework requirement, globally unique by code
// (e.g. POL-001). A control participates in submeasures only through
// ControlSubmeasureMapping.
type Control struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Code        string    `json:"code" gorm:"type:varchar(20);not null;uniqueIndex"`
	Name        string    `json:"name" gorm:"not null"`
	Description string    `json:"description"`
}

func (Control) TableName() string {
	return "compliance.controls"
}

// ControlSubmeasureMapping is the M:N edge between controls and submeasures.
// It is the only path from a control to its submeasure context; answers are
// rejected when no mapping exists.
type ControlSubmeasureMapping struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ControlID    uuid.UUID `json:"control_id" gorm:"type:uuid;not null;uniqueIndex:idx_control_submeasure"`
	SubmeasureID uuid.UUID `json:"submeasure_id" gorm:"type:uuid;not null;uniqueIndex:idx_control_submeasure"`
	OrderIndex   int       `json:"order_index" gorm:"not null;default:0"`
}

func (ControlSubmeasureMapping) TableName() string {
	return "compliance.control_submeasure_mappings"
}

// ControlRequirement is the applicability record for a
// (control, submeasure, security level) triple. Absence of a record means
// the control is not applicable at that level in that submeasure context.
type ControlRequirement struct {
	ID            uuid.UUID     `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ControlID     uuid.UUID     `json:"control_id" gorm:"type:uuid;not null;uniqueIndex:idx_requirement_triple"`
	SubmeasureID  uuid.UUID     `json:"submeasure_id" gorm:"type:uuid;not null;uniqueIndex:idx_requirement_triple"`
	SecurityLevel SecurityLevel `json:"security_level" gorm:"type:varchar(20);not null;uniqueIndex:idx_requirement_triple"`
	IsMandatory   bool          `json:"is_mandatory" gorm:"not null;default:false"`
	IsApplicable  bool          `json:"is_applicable" gorm:"not null;default:true"`

	// Per-control floor; nil means no floor beyond the level threshold.
	// Allowed values: 2.0, 2.5, 3.0, 3.5, 4.0, 5.0.
	MinimumScore *float64 `json:"minimum_score,omitempty" gorm:"type:decimal(3,1)"`
}

func (ControlRequirement) TableName() string {
	return "compliance.control_requirements"
}

// QuestionnaireCatalog is the parsed content of one import workbook before
// persistence. Its canonical serialization feeds the content hash.
type QuestionnaireCatalog struct {
	Measures []CatalogMeasure `json:"measures"`
}

type CatalogMeasure struct {
	Code        string              `json:"code"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Submeasures []CatalogSubmeasure `json:"submeasures"`
}

type CatalogSubmeasure struct {
	Code        string           `json:"code"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Controls    []CatalogControl `json:"controls"`
}

type CatalogControl struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Per-level obligation flags keyed by security level; a missing level
	// means not applicable at that level.
	Requirements map[SecurityLevel]CatalogRequirement `json:"requirements"`
}

type CatalogRequirement struct {
	Mandatory    bool     `json:"mandatory"`
	MinimumScore *float64 `json:"minimum_score,omitempty"`
}

// ImportResult reports what an import run did.
type ImportResult struct {
	VersionID   *uuid.UUID `json:"version_id,omitempty"`
	Version     int        `json:"version"`
	ContentHash string     `json:"content_hash"`
	Created     bool       `json:"created"`
	NoOp        bool       `json:"no_op"`
	Measures    int        `json:"measures"`
	Submeasures int        `json:"submeasures"`
	Controls    int        `json:"controls"`
}

// ActiveQuestionnaire is the process-wide read-mostly snapshot of the active
// version. Request paths capture it once at entry so a concurrent reimport
// cannot flip the catalog mid-request.
type ActiveQuestionnaire struct {
	Version  QuestionnaireVersion `json:"version"`
	Measures []Measure            `json:"measures"`
}
