package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

// controlSheet is the canonical worksheet carrying the flattened catalog:
// one row per (measure, submeasure, control) with per-level obligation
// columns.
const controlSheet = "Kontrole"

// Obligation cell values: O marks a mandatory control, P an applicable
// voluntary one; empty or a dash means not applicable at that level.
const (
	obligationMandatory = "O"
	obligationVoluntary = "P"
)

type questionnaireServiceImpl struct {
	db    *gorm.DB
	audit services.AuditService

	// Process-wide read-mostly snapshot; replaced wholesale on import so
	// in-flight requests keep the catalog they started with.
	active atomic.Pointer[models.ActiveQuestionnaire]
}

func NewQuestionnaireService(db *gorm.DB, audit services.AuditService) services.QuestionnaireService {
	return &questionnaireServiceImpl{
		db:    db,
		audit: audit,
	}
}

func (s *questionnaireServiceImpl) Active() (*models.ActiveQuestionnaire, error) {
	snapshot := s.active.Load()
	if snapshot == nil {
		return nil, fmt.Errorf("active questionnaire version: %w", models.ErrNotFound)
	}
	return snapshot, nil
}

func (s *questionnaireServiceImpl) Refresh(ctx context.Context) error {
	var version models.QuestionnaireVersion
	err := s.db.WithContext(ctx).First(&version, "is_active = true").Error
	if err == gorm.ErrRecordNotFound {
		// Nothing imported yet; keep the snapshot empty.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load active version: %w", err)
	}

	measures, err := s.CatalogForVersion(ctx, version.ID)
	if err != nil {
		return err
	}

	s.active.Store(&models.ActiveQuestionnaire{
		Version:  version,
		Measures: measures,
	})
	return nil
}

func (s *questionnaireServiceImpl) ImportWorkbook(ctx context.Context, r io.Reader, sourceFile string, force bool, importedBy string) (*models.ImportResult, error) {
	catalog, err := ParseWorkbook(r)
	if err != nil {
		return nil, err
	}

	hash := CatalogHash(catalog)

	var existing models.QuestionnaireVersion
	err = s.db.WithContext(ctx).First(&existing, "content_hash = ?", hash).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to check content hash: %w", err)
	}
	if err == nil {
		// Identical content. Without force this import is a no-op; with
		// force the matching version is (re)activated.
		result := &models.ImportResult{
			VersionID:   &existing.ID,
			Version:     existing.Version,
			ContentHash: hash,
			NoOp:        !force,
		}
		countCatalog(catalog, result)
		if !force {
			return result, nil
		}
		if err := s.activate(ctx, existing.ID); err != nil {
			return nil, err
		}
		if err := s.Refresh(ctx); err != nil {
			return nil, err
		}
		return result, nil
	}

	version, err := s.persistCatalog(ctx, catalog, hash, sourceFile, importedBy)
	if err != nil {
		return nil, err
	}

	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}

	result := &models.ImportResult{
		VersionID:   &version.ID,
		Version:     version.Version,
		ContentHash: hash,
		Created:     true,
	}
	countCatalog(catalog, result)

	if s.audit != nil {
		entry := models.AuditEntry{
			UserID:     importedBy,
			Action:     models.AuditActionImported,
			EntityType: "questionnaire_version",
			EntityID:   &version.ID,
			NewValues:  result,
		}
		if err := s.audit.Record(ctx, entry); err != nil {
			log.Printf("[QUESTIONNAIRE] audit write failed: %v", err)
		}
	}
	return result, nil
}

func (s *questionnaireServiceImpl) CatalogForVersion(ctx context.Context, versionID uuid.UUID) ([]models.Measure, error) {
	var measures []models.Measure
	err := s.db.WithContext(ctx).
		Preload("Submeasures", func(db *gorm.DB) *gorm.DB {
			return db.Order("order_index ASC, code ASC")
		}).
		Where("questionnaire_version_id = ?", versionID).
		Order("order_index ASC, code ASC").
		Find(&measures).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return measures, nil
}

func (s *questionnaireServiceImpl) MappingsForVersion(ctx context.Context, versionID uuid.UUID) ([]models.ControlSubmeasureMapping, error) {
	const query = `
		SELECT csm.*
		FROM compliance.control_submeasure_mappings csm
		JOIN compliance.submeasures s ON s.id = csm.submeasure_id
		JOIN compliance.measures m ON m.id = s.measure_id
		WHERE m.questionnaire_version_id = ?
		ORDER BY csm.order_index ASC`

	var mappings []models.ControlSubmeasureMapping
	if err := s.db.WithContext(ctx).Raw(query, versionID).Scan(&mappings).Error; err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}
	return mappings, nil
}

func (s *questionnaireServiceImpl) RequirementsForLevel(ctx context.Context, versionID uuid.UUID, level models.SecurityLevel) ([]models.ControlRequirement, error) {
	const query = `
		SELECT cr.*
		FROM compliance.control_requirements cr
		JOIN compliance.submeasures s ON s.id = cr.submeasure_id
		JOIN compliance.measures m ON m.id = s.measure_id
		WHERE m.questionnaire_version_id = ? AND cr.security_level = ?`

	var requirements []models.ControlRequirement
	if err := s.db.WithContext(ctx).Raw(query, versionID, level).Scan(&requirements).Error; err != nil {
		return nil, fmt.Errorf("failed to load requirements: %w", err)
	}
	return requirements, nil
}

func (s *questionnaireServiceImpl) ControlsByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Control, error) {
	out := make(map[uuid.UUID]models.Control, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var controls []models.Control
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&controls).Error; err != nil {
		return nil, fmt.Errorf("failed to load controls: %w", err)
	}
	for _, c := range controls {
		out[c.ID] = c
	}
	return out, nil
}

// persistCatalog writes one import as a new version in a single
// transaction: version row, measures and submeasures in workbook order,
// find-or-create controls by global code, mappings and per-level
// requirements. The new version ends active; every other version is
// deactivated.
func (s *questionnaireServiceImpl) persistCatalog(ctx context.Context, catalog *models.QuestionnaireCatalog, hash, sourceFile, importedBy string) (*models.QuestionnaireVersion, error) {
	var version models.QuestionnaireVersion

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		if err := tx.Model(&models.QuestionnaireVersion{}).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return fmt.Errorf("failed to determine version number: %w", err)
		}

		version = models.QuestionnaireVersion{
			ID:          uuid.New(),
			Version:     maxVersion + 1,
			ContentHash: hash,
			IsActive:    true,
			SourceFile:  sourceFile,
			ImportedBy:  importedBy,
			ImportedAt:  time.Now().UTC(),
		}
		if err := tx.Model(&models.QuestionnaireVersion{}).
			Where("is_active = true").
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("failed to deactivate previous version: %w", err)
		}
		if err := tx.Create(&version).Error; err != nil {
			return fmt.Errorf("failed to create version: %w", err)
		}

		for mi, cm := range catalog.Measures {
			measure := models.Measure{
				ID:                     uuid.New(),
				QuestionnaireVersionID: version.ID,
				Code:                   cm.Code,
				Name:                   cm.Name,
				Description:            cm.Description,
				OrderIndex:             mi,
			}
			if err := tx.Omit("Submeasures").Create(&measure).Error; err != nil {
				return fmt.Errorf("failed to create measure %s: %w", cm.Code, err)
			}

			for si, cs := range cm.Submeasures {
				submeasure := models.Submeasure{
					ID:          uuid.New(),
					MeasureID:   measure.ID,
					Code:        cs.Code,
					Name:        cs.Name,
					Description: cs.Description,
					OrderIndex:  si,
				}
				if err := tx.Create(&submeasure).Error; err != nil {
					return fmt.Errorf("failed to create submeasure %s: %w", cs.Code, err)
				}

				for ci, cc := range cs.Controls {
					controlID, err := findOrCreateControl(tx, cc)
					if err != nil {
						return err
					}

					mapping := models.ControlSubmeasureMapping{
						ID:           uuid.New(),
						ControlID:    controlID,
						SubmeasureID: submeasure.ID,
						OrderIndex:   ci,
					}
					if err := tx.Create(&mapping).Error; err != nil {
						return fmt.Errorf("failed to map control %s: %w", cc.Code, err)
					}

					for level, req := range cc.Requirements {
						requirement := models.ControlRequirement{
							ID:            uuid.New(),
							ControlID:     controlID,
							SubmeasureID:  submeasure.ID,
							SecurityLevel: level,
							IsMandatory:   req.Mandatory,
							IsApplicable:  true,
							MinimumScore:  req.MinimumScore,
						}
						if err := tx.Create(&requirement).Error; err != nil {
							return fmt.Errorf("failed to create requirement for %s at %s: %w", cc.Code, level, err)
						}
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// findOrCreateControl resolves a control by its globally unique code,
// creating it on first sight and refreshing name and description otherwise.
func findOrCreateControl(tx *gorm.DB, cc models.CatalogControl) (uuid.UUID, error) {
	control := models.Control{
		ID:          uuid.New(),
		Code:        cc.Code,
		Name:        cc.Name,
		Description: cc.Description,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description"}),
	}).Create(&control).Error
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert control %s: %w", cc.Code, err)
	}

	var stored models.Control
	if err := tx.First(&stored, "code = ?", cc.Code).Error; err != nil {
		return uuid.Nil, fmt.Errorf("failed to load control %s: %w", cc.Code, err)
	}
	return stored.ID, nil
}

func (s *questionnaireServiceImpl) activate(ctx context.Context, versionID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.QuestionnaireVersion{}).
			Where("is_active = true AND id <> ?", versionID).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("failed to deactivate versions: %w", err)
		}
		if err := tx.Model(&models.QuestionnaireVersion{}).
			Where("id = ?", versionID).
			Update("is_active", true).Error; err != nil {
			return fmt.Errorf("failed to activate version: %w", err)
		}
		return nil
	})
}

// ParseWorkbook reads the canonical catalog spreadsheet. The Kontrole sheet
// is flattened: every row names its measure and submeasure, repeated across
// the rows they span, with O/P obligation cells per security level and
// optional per-level minimum scores.
func ParseWorkbook(r io.Reader) (*models.QuestionnaireCatalog, error) {
	workbook, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer workbook.Close()

	rows, err := workbook.GetRows(controlSheet)
	if err != nil {
		return nil, fmt.Errorf("worksheet %q not found: %w", controlSheet, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("worksheet %q has no data rows", controlSheet)
	}

	columns, err := mapColumns(rows[0])
	if err != nil {
		return nil, err
	}

	catalog := &models.QuestionnaireCatalog{}
	measureIdx := make(map[string]int)
	subIdx := make(map[string]map[string]int)

	for i, row := range rows[1:] {
		measureCode := cell(row, columns.measureCode)
		subCode := cell(row, columns.submeasureCode)
		controlCode := strings.ToUpper(cell(row, columns.controlCode))
		if measureCode == "" || subCode == "" || controlCode == "" {
			continue
		}
		if !controlIDPattern.MatchString(controlCode) {
			return nil, fmt.Errorf("row %d: control code %q is not a valid control id", i+2, controlCode)
		}

		mi, ok := measureIdx[measureCode]
		if !ok {
			mi = len(catalog.Measures)
			measureIdx[measureCode] = mi
			subIdx[measureCode] = make(map[string]int)
			catalog.Measures = append(catalog.Measures, models.CatalogMeasure{
				Code: measureCode,
				Name: cell(row, columns.measureName),
			})
		}
		measure := &catalog.Measures[mi]

		si, ok := subIdx[measureCode][subCode]
		if !ok {
			si = len(measure.Submeasures)
			subIdx[measureCode][subCode] = si
			measure.Submeasures = append(measure.Submeasures, models.CatalogSubmeasure{
				Code: subCode,
				Name: cell(row, columns.submeasureName),
			})
		}
		submeasure := &measure.Submeasures[si]

		control := models.CatalogControl{
			Code:         controlCode,
			Name:         cell(row, columns.controlName),
			Description:  cell(row, columns.description),
			Requirements: map[models.SecurityLevel]models.CatalogRequirement{},
		}

		levels := []struct {
			level      models.SecurityLevel
			obligation int
			minimum    int
		}{
			{models.SecurityLevelOsnovna, columns.osnovna, columns.minOsnovna},
			{models.SecurityLevelSrednja, columns.srednja, columns.minSrednja},
			{models.SecurityLevelNapredna, columns.napredna, columns.minNapredna},
		}
		for _, l := range levels {
			obligation := strings.ToUpper(cell(row, l.obligation))
			if obligation != obligationMandatory && obligation != obligationVoluntary {
				continue
			}
			req := models.CatalogRequirement{Mandatory: obligation == obligationMandatory}
			if min := cell(row, l.minimum); min != "" {
				value, err := strconv.ParseFloat(strings.ReplaceAll(min, ",", "."), 64)
				if err != nil {
					return nil, fmt.Errorf("row %d: invalid minimum score %q", i+2, min)
				}
				req.MinimumScore = &value
			}
			control.Requirements[l.level] = req
		}

		submeasure.Controls = append(submeasure.Controls, control)
	}

	if len(catalog.Measures) == 0 {
		return nil, fmt.Errorf("worksheet %q contains no catalog rows", controlSheet)
	}
	return catalog, nil
}

// CatalogHash is the sha256 of the catalog's canonical JSON serialization.
// Two imports of the same content always hash identically because the
// parser preserves workbook order and the struct field order is fixed.
func CatalogHash(catalog *models.QuestionnaireCatalog) string {
	data, _ := json.Marshal(catalog)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type workbookColumns struct {
	measureCode    int
	measureName    int
	submeasureCode int
	submeasureName int
	controlCode    int
	controlName    int
	description    int
	osnovna        int
	srednja        int
	napredna       int
	minOsnovna     int
	minSrednja     int
	minNapredna    int
}

// mapColumns locates columns by their Croatian header names; the English
// aliases exist for translated workbooks.
func mapColumns(header []string) (*workbookColumns, error) {
	index := func(names ...string) int {
		for i, h := range header {
			normalized := strings.ToLower(strings.TrimSpace(h))
			for _, name := range names {
				if normalized == name {
					return i
				}
			}
		}
		return -1
	}

	columns := &workbookColumns{
		measureCode:    index("mjera", "measure"),
		measureName:    index("naziv mjere", "measure name"),
		submeasureCode: index("podmjera", "submeasure"),
		submeasureName: index("naziv podmjere", "submeasure name"),
		controlCode:    index("kontrola", "control"),
		controlName:    index("naziv kontrole", "control name"),
		description:    index("opis", "description"),
		osnovna:        index("osnovna"),
		srednja:        index("srednja"),
		napredna:       index("napredna"),
		minOsnovna:     index("min. osnovna", "min osnovna"),
		minSrednja:     index("min. srednja", "min srednja"),
		minNapredna:    index("min. napredna", "min napredna"),
	}

	missing := []string{}
	if columns.measureCode < 0 {
		missing = append(missing, "Mjera")
	}
	if columns.submeasureCode < 0 {
		missing = append(missing, "Podmjera")
	}
	if columns.controlCode < 0 {
		missing = append(missing, "Kontrola")
	}
	if columns.osnovna < 0 || columns.srednja < 0 || columns.napredna < 0 {
		missing = append(missing, "Osnovna/Srednja/Napredna")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("workbook missing required columns: %s", strings.Join(missing, ", "))
	}
	return columns, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func countCatalog(catalog *models.QuestionnaireCatalog, result *models.ImportResult) {
	result.Measures = len(catalog.Measures)
	controls := make(map[string]struct{})
	for _, m := range catalog.Measures {
		result.Submeasures += len(m.Submeasures)
		for _, sub := range m.Submeasures {
			for _, c := range sub.Controls {
				controls[c.Code] = struct{}{}
			}
		}
	}
	result.Controls = len(controls)
}
