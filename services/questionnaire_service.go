package services

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/zks-assess/models"
)

// QuestionnaireService owns the versioned control catalog: workbook import,
// version activation, and the process-wide active snapshot.
type QuestionnaireService interface {
	// ImportWorkbook parses the canonical spreadsheet and persists it as the
	// new active version. Reimporting identical content is a no-op; force
	// reactivates the matching version instead.
	ImportWorkbook(ctx context.Context, r io.Reader, sourceFile string, force bool, importedBy string) (*models.ImportResult, error)

	// Active returns the current catalog snapshot. Request paths capture it
	// once at entry so a concurrent reimport cannot flip the catalog
	// mid-request.
	Active() (*models.ActiveQuestionnaire, error)

	// Refresh reloads the active snapshot from the database.
	Refresh(ctx context.Context) error

	// CatalogForVersion loads the measure tree of one version in catalog
	// order, submeasures included.
	CatalogForVersion(ctx context.Context, versionID uuid.UUID) ([]models.Measure, error)

	// MappingsForVersion returns the control-submeasure edges of one
	// version, joined through the version's submeasures.
	MappingsForVersion(ctx context.Context, versionID uuid.UUID) ([]models.ControlSubmeasureMapping, error)

	// RequirementsForLevel returns the applicability records of one version
	// at one security level.
	RequirementsForLevel(ctx context.Context, versionID uuid.UUID, level models.SecurityLevel) ([]models.ControlRequirement, error)

	// ControlsByID resolves catalog controls for display and scoring.
	ControlsByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Control, error)
}
