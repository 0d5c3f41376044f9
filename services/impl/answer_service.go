package impl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

// defaultMaxSources caps how many retrieved chunks feed the generator when
// the caller does not ask for a specific number.
const defaultMaxSources = 5

const (
	answerTemperature = 0.2
	answerMaxTokens   = 1024
)

type answerServiceImpl struct {
	search    services.SearchService
	generator services.GenerationClient
	validator *CitationValidator
}

func NewAnswerService(search services.SearchService, generator services.GenerationClient) services.AnswerService {
	return &answerServiceImpl{
		search:    search,
		generator: generator,
		validator: NewCitationValidator(),
	}
}

func (s *answerServiceImpl) AnswerWithCitations(ctx context.Context, req models.AnswerRequest) (*models.AnswerResponse, error) {
	start := time.Now()

	searchResp, err := s.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(searchResp.Results) == 0 {
		return noSourcesResponse(req.Language, searchResp, start), nil
	}

	prompt := buildAnswerPrompt(req.Query, req.Language, searchResp.Results)
	text, err := s.generator.Generate(ctx, prompt, services.GenerateOptions{
		Temperature: answerTemperature,
		MaxTokens:   answerMaxTokens,
		Language:    req.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("answer generation failed: %w", err)
	}

	report := s.validator.Validate(text, searchResp.Results)
	return &models.AnswerResponse{
		Response:         report.Text,
		Citations:        report.Citations,
		SourceChunks:     searchResp.Results,
		ValidationStatus: report.Status,
		TierAnalysis:     searchResp.TierAnalysis,
		TookMs:           time.Since(start).Milliseconds(),
	}, nil
}

func (s *answerServiceImpl) StreamAnswer(ctx context.Context, req models.AnswerRequest) (<-chan models.StreamEvent, error) {
	start := time.Now()

	searchResp, err := s.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(searchResp.Results) == 0 {
		events := make(chan models.StreamEvent, 4)
		go func() {
			defer close(events)
			resp := noSourcesResponse(req.Language, searchResp, start)
			emitStreamEvent(ctx, events, models.StreamEvent{Type: models.StreamEventContent, Content: resp.Response})
			emitStreamEvent(ctx, events, models.StreamEvent{Type: models.StreamEventMetadata, Metadata: resp})
			emitStreamEvent(ctx, events, models.StreamEvent{Type: models.StreamEventDone})
		}()
		return events, nil
	}

	prompt := buildAnswerPrompt(req.Query, req.Language, searchResp.Results)
	deltas, err := s.generator.GenerateStream(ctx, prompt, services.GenerateOptions{
		Temperature: answerTemperature,
		MaxTokens:   answerMaxTokens,
		Language:    req.Language,
	})
	if err != nil {
		return nil, err
	}

	events := make(chan models.StreamEvent, 16)
	go func() {
		defer close(events)

		var full strings.Builder
		for delta := range deltas {
			if delta.Err != nil {
				emitStreamEvent(ctx, events, models.StreamEvent{Type: models.StreamEventError, Error: delta.Err.Error()})
				return
			}
			if delta.Done {
				break
			}
			full.WriteString(delta.Content)
			if !emitStreamEvent(ctx, events, models.StreamEvent{Type: models.StreamEventContent, Content: delta.Content}) {
				return
			}
		}

		// Validation runs on the full text, so the metadata event carries
		// the corrected response even when streamed deltas cited stale
		// pages.
		report := s.validator.Validate(full.String(), searchResp.Results)
		resp := &models.AnswerResponse{
			Response:         report.Text,
			Citations:        report.Citations,
			SourceChunks:     searchResp.Results,
			ValidationStatus: report.Status,
			TierAnalysis:     searchResp.TierAnalysis,
			TookMs:           time.Since(start).Milliseconds(),
		}
		if !emitStreamEvent(ctx, events, models.StreamEvent{Type: models.StreamEventMetadata, Metadata: resp}) {
			return
		}
		emitStreamEvent(ctx, events, models.StreamEvent{Type: models.StreamEventDone})
	}()

	return events, nil
}

func (s *answerServiceImpl) retrieve(ctx context.Context, req models.AnswerRequest) (*models.SearchResponse, error) {
	k := req.MaxSources
	if k <= 0 {
		k = defaultMaxSources
	}
	return s.search.Search(ctx, models.SearchRequest{
		Query:     req.Query,
		K:         k,
		ControlID: req.ControlID,
		OrgID:     req.OrgID,
	})
}

// noSourcesResponse is the fixed refusal returned when retrieval finds
// nothing. The generator is never called without grounding material.
func noSourcesResponse(language string, searchResp *models.SearchResponse, start time.Time) *models.AnswerResponse {
	return &models.AnswerResponse{
		Response:         noSourcesMessage(language),
		Citations:        []models.Citation{},
		SourceChunks:     []models.FusedChunk{},
		ValidationStatus: models.CitationStatusNoSources,
		TierAnalysis:     searchResp.TierAnalysis,
		TookMs:           time.Since(start).Milliseconds(),
	}
}

func noSourcesMessage(language string) string {
	if language == "en" {
		return "No relevant sources were found in the available documentation, so this question cannot be answered with citations."
	}
	return "U dostupnoj dokumentaciji nisu pronađeni relevantni izvori, pa na ovo pitanje nije moguće odgovoriti s citatima."
}

// buildAnswerPrompt lays out the retrieved sources and the citation
// contract. Citations reference titles and page anchors because those are
// what the validator can check against the sources.
func buildAnswerPrompt(query, language string, sources []models.FusedChunk) string {
	var builder strings.Builder

	builder.WriteString("CONTEXT SOURCES:\n\n")
	for i, src := range sources {
		builder.WriteString(fmt.Sprintf("--- Source %d: %s (%s, page %d) ---\n", i+1, src.DocTitle, src.DocType, src.PageAnchor))
		if len(src.ControlIDs) > 0 {
			builder.WriteString(fmt.Sprintf("Controls: %s\n", strings.Join(src.ControlIDs, ", ")))
		}
		builder.WriteString(src.Content)
		builder.WriteString("\n\n")
	}

	builder.WriteString("QUESTION:\n")
	builder.WriteString(query)
	builder.WriteString("\n\nINSTRUCTIONS:\n")
	builder.WriteString("1. Answer using only the sources above.\n")
	if language == "hr" {
		builder.WriteString("2. Cite every claim as [Izvor: <naslov dokumenta>, str. <stranica>] using the titles and pages shown above.\n")
	} else {
		builder.WriteString("2. Cite every claim as [Source: <document title>, p. <page>] using the titles and pages shown above.\n")
	}
	builder.WriteString("3. If the sources do not cover the question, say so instead of guessing.\n")
	builder.WriteString("4. Never cite a document that is not listed above.\n")

	return builder.String()
}

// emitStreamEvent stamps and delivers one event, giving up when the caller
// is gone.
func emitStreamEvent(ctx context.Context, out chan<- models.StreamEvent, ev models.StreamEvent) bool {
	ev.Timestamp = time.Now().UnixMilli()
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// AnswerStore persists assessment answers. Writes are upserts on the
// (assessment_id, control_id, submeasure_id) key, so concurrent updates to
// the same answer merge instead of surfacing a conflict.
type AnswerStore struct {
	db *gorm.DB
}

func NewAnswerStore(db *gorm.DB) *AnswerStore {
	return &AnswerStore{db: db}
}

// mergedAverageExpr recomputes average_score from the merged dimensions
// inside the conflict update, so the stored average can never drift from
// the stored scores. EXCLUDED carries the incoming values; NULL there means
// the request did not touch that dimension.
const mergedAverageExpr = `CASE
WHEN COALESCE(EXCLUDED.documentation_score, assessment_answers.documentation_score) IS NOT NULL
 AND COALESCE(EXCLUDED.implementation_score, assessment_answers.implementation_score) IS NOT NULL
THEN ROUND((COALESCE(EXCLUDED.documentation_score, assessment_answers.documentation_score)
          + COALESCE(EXCLUDED.implementation_score, assessment_answers.implementation_score))::numeric / 2, 2)
ELSE NULL
END`

// MappingExists reports whether the (control, submeasure) pair is a known
// catalog edge. Answers without a mapping are rejected.
func (s *AnswerStore) MappingExists(ctx context.Context, controlID, submeasureID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.ControlSubmeasureMapping{}).
		Where("control_id = ? AND submeasure_id = ?", controlID, submeasureID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check control mapping: %w", err)
	}
	return count > 0, nil
}

// Upsert writes one answer. Fields absent from the request keep their
// stored values; attribution always reflects the latest writer.
func (s *AnswerStore) Upsert(ctx context.Context, assessmentID uuid.UUID, req models.UpdateAnswerRequest, actor services.Actor) (*models.AssessmentAnswer, error) {
	ok, err := s.MappingExists(ctx, req.ControlID, req.SubmeasureID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("control %s in submeasure %s: %w", req.ControlID, req.SubmeasureID, models.ErrInvalidContext)
	}

	answer := models.AssessmentAnswer{
		ID:                  uuid.New(),
		AssessmentID:        assessmentID,
		ControlID:           req.ControlID,
		SubmeasureID:        req.SubmeasureID,
		DocumentationScore:  req.DocumentationScore,
		ImplementationScore: req.ImplementationScore,
		EvidenceFiles:       datatypes.JSON([]byte("[]")),
		AnsweredBy:          actor.UserID,
		IPAddress:           actor.IPAddress,
		UserAgent:           actor.UserAgent,
	}
	if req.Comment != nil {
		answer.Comment = *req.Comment
	}
	if req.EvidenceFiles != nil {
		evidence, err := models.ConvertToJSON(req.EvidenceFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to encode evidence files: %w", err)
		}
		answer.EvidenceFiles = evidence
	}
	if answer.HasScores() {
		avg := ControlScore(*req.DocumentationScore, *req.ImplementationScore)
		answer.AverageScore = &avg
	}

	set := clause.AssignmentColumns(mergedColumns(req))
	set = append(set,
		clause.Assignment{Column: clause.Column{Name: "answered_by"}, Value: actor.UserID},
		clause.Assignment{Column: clause.Column{Name: "ip_address"}, Value: actor.IPAddress},
		clause.Assignment{Column: clause.Column{Name: "user_agent"}, Value: actor.UserAgent},
		clause.Assignment{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("now()")},
		clause.Assignment{Column: clause.Column{Name: "average_score"}, Value: gorm.Expr(mergedAverageExpr)},
	)

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "assessment_id"}, {Name: "control_id"}, {Name: "submeasure_id"}},
		DoUpdates: set,
	}).Create(&answer).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert answer: %w", err)
	}

	// On conflict the struct still holds the insert values, not the merged
	// row, so read the row back.
	var merged models.AssessmentAnswer
	err = s.db.WithContext(ctx).
		Where("assessment_id = ? AND control_id = ? AND submeasure_id = ?", assessmentID, req.ControlID, req.SubmeasureID).
		First(&merged).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load merged answer: %w", err)
	}
	return &merged, nil
}

// mergedColumns lists the conflict-update columns the request actually
// carries. Omitted fields keep their stored values.
func mergedColumns(req models.UpdateAnswerRequest) []string {
	var cols []string
	if req.DocumentationScore != nil {
		cols = append(cols, "documentation_score")
	}
	if req.ImplementationScore != nil {
		cols = append(cols, "implementation_score")
	}
	if req.Comment != nil {
		cols = append(cols, "comment")
	}
	if req.EvidenceFiles != nil {
		cols = append(cols, "evidence_files")
	}
	return cols
}

// ListByAssessment returns every answer of the assessment, oldest first.
func (s *AnswerStore) ListByAssessment(ctx context.Context, assessmentID uuid.UUID) ([]models.AssessmentAnswer, error) {
	var answers []models.AssessmentAnswer
	err := s.db.WithContext(ctx).
		Where("assessment_id = ?", assessmentID).
		Order("created_at ASC").
		Find(&answers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list answers: %w", err)
	}
	return answers, nil
}

// ListBySubmeasure returns the assessment's answers inside one submeasure
// context.
func (s *AnswerStore) ListBySubmeasure(ctx context.Context, assessmentID, submeasureID uuid.UUID) ([]models.AssessmentAnswer, error) {
	var answers []models.AssessmentAnswer
	err := s.db.WithContext(ctx).
		Where("assessment_id = ? AND submeasure_id = ?", assessmentID, submeasureID).
		Order("created_at ASC").
		Find(&answers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list submeasure answers: %w", err)
	}
	return answers, nil
}
