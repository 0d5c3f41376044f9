package impl

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zks-assess/models"
)

func TestValidateAnswerScores(t *testing.T) {
	req := models.UpdateAnswerRequest{
		ControlID:    uuid.New(),
		SubmeasureID: uuid.New(),
	}
	assert.NoError(t, validateAnswerScores(req))

	req.DocumentationScore = intPtr(1)
	req.ImplementationScore = intPtr(5)
	assert.NoError(t, validateAnswerScores(req))

	req.DocumentationScore = intPtr(0)
	require.Error(t, validateAnswerScores(req))

	req.DocumentationScore = intPtr(3)
	req.ImplementationScore = intPtr(6)
	require.Error(t, validateAnswerScores(req))
}

func TestAutoTransition_FirstAnswerStartsProgress(t *testing.T) {
	progress := &models.ProgressSnapshot{TotalControls: 10, AnsweredControls: 1}

	next, ok := autoTransition(models.AssessmentStatusDraft, progress, nil)
	require.True(t, ok)
	assert.Equal(t, models.AssessmentStatusInProgress, next)

	// No answers yet: draft stays draft.
	_, ok = autoTransition(models.AssessmentStatusDraft, &models.ProgressSnapshot{TotalControls: 10}, nil)
	assert.False(t, ok)
}

func TestAutoTransition_CompletionRequiresMandatoryAndCompliance(t *testing.T) {
	done := &models.ProgressSnapshot{
		TotalControls:     10,
		AnsweredControls:  10,
		MandatoryControls: 4,
		MandatoryAnswered: 4,
	}
	passing := &models.ComplianceScore{PassesCompliance: true}
	failing := &models.ComplianceScore{PassesCompliance: false}

	next, ok := autoTransition(models.AssessmentStatusInProgress, done, passing)
	require.True(t, ok)
	assert.Equal(t, models.AssessmentStatusCompleted, next)

	// Non-compliant assessments never auto-complete.
	_, ok = autoTransition(models.AssessmentStatusInProgress, done, failing)
	assert.False(t, ok)
	_, ok = autoTransition(models.AssessmentStatusInProgress, done, nil)
	assert.False(t, ok)

	// A pending mandatory control blocks completion even when compliant.
	pending := *done
	pending.MandatoryAnswered = 3
	_, ok = autoTransition(models.AssessmentStatusInProgress, &pending, passing)
	assert.False(t, ok)
}

func TestAutoTransition_OnlyFromDraftAndInProgress(t *testing.T) {
	progress := &models.ProgressSnapshot{
		TotalControls:     5,
		AnsweredControls:  5,
		MandatoryControls: 2,
		MandatoryAnswered: 2,
	}
	passing := &models.ComplianceScore{PassesCompliance: true}

	for _, status := range []models.AssessmentStatus{
		models.AssessmentStatusReview,
		models.AssessmentStatusCompleted,
		models.AssessmentStatusAbandoned,
		models.AssessmentStatusArchived,
	} {
		_, ok := autoTransition(status, progress, passing)
		assert.False(t, ok, "no auto transition from %s", status)
	}
}

func TestCanTransition_StateMachine(t *testing.T) {
	assert.True(t, models.CanTransition(models.AssessmentStatusDraft, models.AssessmentStatusInProgress))
	assert.True(t, models.CanTransition(models.AssessmentStatusInProgress, models.AssessmentStatusReview))
	assert.True(t, models.CanTransition(models.AssessmentStatusReview, models.AssessmentStatusInProgress))
	assert.True(t, models.CanTransition(models.AssessmentStatusCompleted, models.AssessmentStatusArchived))
	assert.True(t, models.CanTransition(models.AssessmentStatusAbandoned, models.AssessmentStatusDraft))

	assert.False(t, models.CanTransition(models.AssessmentStatusDraft, models.AssessmentStatusCompleted))
	assert.False(t, models.CanTransition(models.AssessmentStatusArchived, models.AssessmentStatusDraft))
	assert.False(t, models.CanTransition(models.AssessmentStatusCompleted, models.AssessmentStatusInProgress))
}
