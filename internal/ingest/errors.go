package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/david/opportunity-validator/internal/dedup"
	"github.com/david/opportunity-validator/internal/scoring"
)

var (
	ErrMissingFunctions = errors.New("no core functions resolved")
	ErrMalformedRecord  = errors.New("malformed opportunity record")
)

// Stage names where in the pipeline a record failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageIdentify Stage = "identify"
	StageDedup    Stage = "dedup"
)

// RecordError is a failure scoped to one record. It is reported and the
// batch moves on.
type RecordError struct {
	Index int
	ID    string
	Stage Stage
	Err   error
}

func (e *RecordError) Error() string {
	id := e.ID
	if id == "" {
		id = fmt.Sprintf("#%d", e.Index)
	}
	return fmt.Sprintf("record %s failed at %s: %v", id, e.Stage, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Reason classifies the underlying error into a short stable code.
func (e *RecordError) Reason() string {
	switch {
	case errors.Is(e.Err, ErrMissingFunctions):
		return "missing_functions"
	case errors.Is(e.Err, ErrMalformedRecord):
		return "malformed_record"
	case errors.Is(e.Err, dedup.ErrInvalidIdentifier):
		return "invalid_identifier"
	case errors.Is(e.Err, dedup.ErrEmptyConcept):
		return "empty_concept"
	case errors.Is(e.Err, scoring.ErrMissingDimension):
		return "missing_dimension"
	case errors.Is(e.Err, scoring.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(e.Err, scoring.ErrConfiguration):
		return "configuration"
	default:
		return "error"
	}
}

// isRecordLevel reports whether err should fail only the record rather than
// the batch.
func isRecordLevel(err error) bool {
	return errors.Is(err, dedup.ErrInvalidIdentifier) || errors.Is(err, dedup.ErrEmptyConcept)
}

// ErrorSink receives record-level failures for reporting.
type ErrorSink interface {
	Report(ctx context.Context, runID string, rerr RecordError) error
}

// LogSink writes record failures to the standard logger.
type LogSink struct{}

func (LogSink) Report(_ context.Context, runID string, rerr RecordError) error {
	if runID != "" {
		log.Printf("[pipeline] run %s: %v", runID, &rerr)
		return nil
	}
	log.Printf("[pipeline] %v", &rerr)
	return nil
}

// ValidationErrorWriter persists record failures. internal/db and
// internal/localstore implement it.
type ValidationErrorWriter interface {
	RecordValidationError(ctx context.Context, runID, opportunityID, stage, reason, message string) error
}

// StoreSink logs each failure and persists it through Writer.
type StoreSink struct {
	Writer ValidationErrorWriter
}

func (s StoreSink) Report(ctx context.Context, runID string, rerr RecordError) error {
	_ = LogSink{}.Report(ctx, runID, rerr)
	if s.Writer == nil {
		return nil
	}
	if err := s.Writer.RecordValidationError(ctx, runID, rerr.ID, string(rerr.Stage), rerr.Reason(), rerr.Err.Error()); err != nil {
		return fmt.Errorf("persist validation error for %s: %w", rerr.ID, err)
	}
	return nil
}
