package impl

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

const (
	recommendationTemperature = 0.4
	recommendationMaxTokens   = 512

	// supersedeChainLimit bounds the ancestor walk; a longer chain means
	// corrupted links.
	supersedeChainLimit = 256
)

// recommendationServiceImpl generates per-control remediation
// recommendations. Exactly one row per (assessment, control) is active; a
// regeneration inserts a successor and links the predecessor to it.
type recommendationServiceImpl struct {
	db        *gorm.DB
	generator services.GenerationClient
	search    services.SearchService
}

func NewRecommendationService(db *gorm.DB, generator services.GenerationClient, search services.SearchService) services.RecommendationService {
	return &recommendationServiceImpl{
		db:        db,
		generator: generator,
		search:    search,
	}
}

func (s *recommendationServiceImpl) GenerateForControl(ctx context.Context, assessment *models.Assessment, controlID uuid.UUID, language string) (*models.AIRecommendation, error) {
	var control models.Control
	err := s.db.WithContext(ctx).First(&control, "id = ?", controlID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("control %s: %w", controlID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load control: %w", err)
	}

	var answers []models.AssessmentAnswer
	err = s.db.WithContext(ctx).
		Where("assessment_id = ? AND control_id = ?", assessment.ID, controlID).
		Find(&answers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load answers: %w", err)
	}

	content, err := s.generate(ctx, assessment, control, answers, language)
	if err != nil {
		return nil, err
	}

	recommendation := models.AIRecommendation{
		ID:           uuid.New(),
		AssessmentID: assessment.ID,
		ControlID:    controlID,
		Content:      content,
		Model:        s.generator.ModelName(),
		Language:     language,
		IsActive:     true,
		GeneratedAt:  time.Now().UTC(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var predecessor models.AIRecommendation
		err := tx.First(&predecessor, "assessment_id = ? AND control_id = ? AND is_active = true", assessment.ID, controlID).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return fmt.Errorf("failed to load active recommendation: %w", err)
		}

		if err := tx.Create(&recommendation).Error; err != nil {
			return fmt.Errorf("failed to create recommendation: %w", err)
		}

		if predecessor.ID == uuid.Nil {
			return nil
		}
		if err := checkSupersedeCycle(tx, recommendation.ID, predecessor.ID); err != nil {
			return err
		}
		return tx.Model(&models.AIRecommendation{}).
			Where("id = ?", predecessor.ID).
			Updates(map[string]interface{}{
				"is_active":        false,
				"superseded_by_id": recommendation.ID,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &recommendation, nil
}

// GenerateBatch produces recommendations for every gap control that has
// none active yet. Individual failures are logged and skipped so one model
// hiccup does not void the batch.
func (s *recommendationServiceImpl) GenerateBatch(ctx context.Context, assessment *models.Assessment, language string) (int, error) {
	gaps, err := LoadComplianceGaps(ctx, s.db, assessment)
	if err != nil {
		return 0, err
	}

	generated := 0
	seen := map[string]struct{}{}
	for _, gap := range gaps {
		if _, dup := seen[gap.ControlCode]; dup {
			continue
		}
		seen[gap.ControlCode] = struct{}{}

		var control models.Control
		if err := s.db.WithContext(ctx).First(&control, "code = ?", gap.ControlCode).Error; err != nil {
			log.Printf("[RECOMMEND] control %s not found: %v", gap.ControlCode, err)
			continue
		}

		var active int64
		err := s.db.WithContext(ctx).
			Model(&models.AIRecommendation{}).
			Where("assessment_id = ? AND control_id = ? AND is_active = true", assessment.ID, control.ID).
			Count(&active).Error
		if err != nil {
			return generated, fmt.Errorf("failed to check active recommendations: %w", err)
		}
		if active > 0 {
			continue
		}

		if _, err := s.GenerateForControl(ctx, assessment, control.ID, language); err != nil {
			log.Printf("[RECOMMEND] generation for %s failed: %v", gap.ControlCode, err)
			continue
		}
		generated++
	}
	return generated, nil
}

func (s *recommendationServiceImpl) ListActive(ctx context.Context, assessmentID uuid.UUID) ([]models.AIRecommendation, error) {
	var recommendations []models.AIRecommendation
	err := s.db.WithContext(ctx).
		Where("assessment_id = ? AND is_active = true", assessmentID).
		Order("generated_at DESC").
		Find(&recommendations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	return recommendations, nil
}

// generate builds a grounded prompt for one control, pulling framework
// context through retrieval when available.
func (s *recommendationServiceImpl) generate(ctx context.Context, assessment *models.Assessment, control models.Control, answers []models.AssessmentAnswer, language string) (string, error) {
	var prompt strings.Builder

	fmt.Fprintf(&prompt, "CONTROL %s: %s\n", control.Code, control.Name)
	if control.Description != "" {
		fmt.Fprintf(&prompt, "%s\n", control.Description)
	}
	fmt.Fprintf(&prompt, "Security level: %s\n", assessment.SecurityLevel)

	for _, answer := range answers {
		doc, impl := "-", "-"
		if answer.DocumentationScore != nil {
			doc = fmt.Sprintf("%d", *answer.DocumentationScore)
		}
		if answer.ImplementationScore != nil {
			impl = fmt.Sprintf("%d", *answer.ImplementationScore)
		}
		fmt.Fprintf(&prompt, "Current scores: documentation %s, implementation %s\n", doc, impl)
		if answer.Comment != "" {
			fmt.Fprintf(&prompt, "Assessor comment: %s\n", answer.Comment)
		}
	}

	if s.search != nil {
		results, err := s.search.Search(ctx, models.SearchRequest{
			Query:     control.Code + " " + control.Name,
			K:         3,
			ControlID: control.Code,
			OrgID:     assessment.OrganizationID,
		})
		if err != nil {
			log.Printf("[RECOMMEND] context retrieval failed for %s: %v", control.Code, err)
		} else {
			for _, chunk := range results.Results {
				fmt.Fprintf(&prompt, "\nFramework context (%s, p. %d):\n%s\n", chunk.DocTitle, chunk.PageAnchor, chunk.Content)
			}
		}
	}

	if language == "en" {
		prompt.WriteString("\nWrite a practical remediation recommendation (max 4 sentences) for raising this control's scores. English.")
	} else {
		prompt.WriteString("\nNapišite praktičnu preporuku (najviše 4 rečenice) za podizanje ocjena ove kontrole. Hrvatski jezik.")
	}

	content, err := s.generator.Generate(ctx, prompt.String(), services.GenerateOptions{
		Temperature: recommendationTemperature,
		MaxTokens:   recommendationMaxTokens,
		Language:    language,
	})
	if err != nil {
		return "", fmt.Errorf("recommendation generation failed: %w", err)
	}
	return strings.TrimSpace(content), nil
}

// checkSupersedeCycle rejects a link that would make successorID an
// ancestor of predecessorID. The chain is followed through
// superseded_by_id; a repeat visit means the stored chain is already
// corrupt and is reported the same way.
func checkSupersedeCycle(tx *gorm.DB, successorID, predecessorID uuid.UUID) error {
	if successorID == predecessorID {
		return models.ErrRecommendationCycle
	}

	visited := map[uuid.UUID]struct{}{predecessorID: {}}
	current := successorID
	for range [supersedeChainLimit]struct{}{} {
		var row models.AIRecommendation
		err := tx.Select("id", "superseded_by_id").First(&row, "id = ?", current).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to walk supersede chain: %w", err)
		}
		if row.SupersededByID == nil {
			return nil
		}
		next := *row.SupersededByID
		if _, seen := visited[next]; seen {
			return models.ErrRecommendationCycle
		}
		visited[next] = struct{}{}
		current = next
	}
	return models.ErrRecommendationCycle
}
