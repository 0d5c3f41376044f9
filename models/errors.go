package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the service layer. Handlers translate these into
// HTTP statuses; services wrap them with context via fmt.Errorf and %w.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidContext      = errors.New("no control-submeasure mapping for this context")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrModelUnavailable    = errors.New("model service unavailable")
	ErrUnsupportedFormat   = errors.New("unsupported document format")
	ErrCorruptDocument     = errors.New("corrupt document")
	ErrExtractionFailed    = errors.New("text extraction failed")
	ErrNoSources           = errors.New("no source chunks retrieved")
	ErrVersionConflict     = errors.New("questionnaire version conflict")
	ErrRecommendationCycle = errors.New("recommendation supersede chain would form a cycle")
)

// SubmitValidationError blocks an assessment submission. Warnings ride
// along but never block on their own.
type SubmitValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *SubmitValidationError) Error() string {
	return fmt.Sprintf("submission blocked: %d error(s)", len(e.Errors))
}

// TransitionError carries the offending pair for 409 responses.
type TransitionError struct {
	From AssessmentStatus
	To   AssessmentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
