package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/david/opportunity-validator/internal/models"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

func (s *Store) CreateValidationRun(ctx context.Context, source string) (string, error) {
	var runID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO validation_runs (source, status)
		VALUES ($1, $2)
		RETURNING run_id::text
	`, nilIfEmpty(source), RunStatusRunning).Scan(&runID)
	if err != nil {
		return "", fmt.Errorf("create validation run: %w", err)
	}
	return runID, nil
}

func (s *Store) CompleteValidationRun(ctx context.Context, run models.ValidationRun) error {
	status := run.Status
	if status == "" {
		status = RunStatusCompleted
	}
	completedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	details, err := json.Marshal(map[string]interface{}{
		"total":        run.Total,
		"approved":     run.Approved,
		"disqualified": run.Disqualified,
		"errored":      run.Errored,
		"unique":       run.Unique,
		"duplicate":    run.Duplicate,
	})
	if err != nil {
		return fmt.Errorf("encode run details: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE validation_runs
		SET status = $2,
		    total = $3,
		    approved = $4,
		    disqualified = $5,
		    errored = $6,
		    unique_count = $7,
		    duplicate_count = $8,
		    details = $9::jsonb,
		    completed_at = $10
		WHERE run_id = $1
	`, run.RunID, status, run.Total, run.Approved, run.Disqualified, run.Errored,
		run.Unique, run.Duplicate, string(details), completedAt)
	if err != nil {
		return fmt.Errorf("complete validation run %s: %w", run.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete validation run %s: %w", run.RunID, ErrNotFound)
	}
	return nil
}

func (s *Store) ListValidationRuns(ctx context.Context, limit int) ([]models.ValidationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id::text, status, total, approved, disqualified, errored,
		       unique_count, duplicate_count, started_at, completed_at
		FROM validation_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list validation runs: %w", err)
	}
	defer rows.Close()

	runs := []models.ValidationRun{}
	for rows.Next() {
		var r models.ValidationRun
		if err := rows.Scan(&r.RunID, &r.Status, &r.Total, &r.Approved, &r.Disqualified, &r.Errored,
			&r.Unique, &r.Duplicate, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan validation run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecordValidationError persists one record-level failure for a run. An
// empty runID is stored as NULL so dry runs can still log through here.
func (s *Store) RecordValidationError(ctx context.Context, runID, opportunityID, stage, reason, message string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO validation_errors (run_id, opportunity_id, stage, reason, message)
		VALUES ($1::uuid, $2, $3, $4, $5)
	`, nilIfEmpty(runID), nilIfEmpty(opportunityID), stage, reason, nilIfEmpty(message))
	if err != nil {
		return fmt.Errorf("record validation error: %w", err)
	}
	return nil
}

type ValidationErrorRow struct {
	OpportunityID string    `json:"opportunity_id,omitempty"`
	Stage         string    `json:"stage"`
	Reason        string    `json:"reason"`
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Store) ListValidationErrors(ctx context.Context, runID string) ([]ValidationErrorRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(opportunity_id, ''), stage, reason, COALESCE(message, ''), created_at
		FROM validation_errors
		WHERE run_id = $1::uuid
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list validation errors: %w", err)
	}
	defer rows.Close()

	out := []ValidationErrorRow{}
	for rows.Next() {
		var r ValidationErrorRow
		if err := rows.Scan(&r.OpportunityID, &r.Stage, &r.Reason, &r.Message, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan validation error: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
