// Package localstore persists opportunities, concepts and runs in a single
// SQLite file for operators who run the validator without Postgres.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/david/opportunity-validator/internal/dedup"
	"github.com/david/opportunity-validator/internal/models"
)

var ErrNotFound = errors.New("not found")

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const timeLayout = time.RFC3339Nano

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the parent directory if needed, opens the database in WAL
// mode and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("localstore: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("localstore: open database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("localstore: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: migration: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS business_concepts (
			id                     TEXT PRIMARY KEY,
			fingerprint            TEXT NOT NULL UNIQUE,
			primary_opportunity_id TEXT NOT NULL,
			submission_count       INTEGER NOT NULL DEFAULT 1 CHECK (submission_count >= 1),
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS opportunities (
			id                     TEXT PRIMARY KEY,
			concept_description    TEXT NOT NULL DEFAULT '',
			core_functions         TEXT NOT NULL DEFAULT '[]',
			function_count         INTEGER NOT NULL DEFAULT 0,
			dimension_scores       TEXT NOT NULL DEFAULT '{}',
			is_disqualified        INTEGER NOT NULL DEFAULT 0,
			violation_reason       TEXT,
			total_score            REAL NOT NULL DEFAULT 0 CHECK (total_score >= 0 AND total_score <= 100),
			audit                  TEXT,
			constraint_version     TEXT,
			validated_at           TEXT,
			fingerprint            TEXT,
			dedup_status           TEXT CHECK (dedup_status IN ('unique', 'duplicate')),
			concept_id             TEXT REFERENCES business_concepts(id),
			primary_opportunity_id TEXT,
			source_run_id          TEXT,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL,
			CHECK (NOT is_disqualified OR total_score = 0)
		);

		CREATE INDEX IF NOT EXISTS idx_opportunities_fingerprint ON opportunities (fingerprint);

		CREATE TABLE IF NOT EXISTS validation_runs (
			run_id          TEXT PRIMARY KEY,
			source          TEXT,
			status          TEXT NOT NULL DEFAULT 'running',
			total           INTEGER NOT NULL DEFAULT 0,
			approved        INTEGER NOT NULL DEFAULT 0,
			disqualified    INTEGER NOT NULL DEFAULT 0,
			errored         INTEGER NOT NULL DEFAULT 0,
			unique_count    INTEGER NOT NULL DEFAULT 0,
			duplicate_count INTEGER NOT NULL DEFAULT 0,
			started_at      TEXT NOT NULL,
			completed_at    TEXT
		);

		CREATE TABLE IF NOT EXISTS validation_errors (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id         TEXT,
			opportunity_id TEXT,
			stage          TEXT NOT NULL,
			reason         TEXT NOT NULL,
			message        TEXT,
			created_at     TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

// canonicalID stores UUIDs in their lower-case hyphenated form so lookups
// match regardless of how the caller spelled the id.
func canonicalID(id string) string {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	return id
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Store) UpsertOpportunity(ctx context.Context, opp models.Opportunity) error {
	functions := opp.CoreFunctions
	if functions == nil {
		functions = []string{}
	}
	fnJSON, err := json.Marshal(functions)
	if err != nil {
		return fmt.Errorf("encode core_functions: %w", err)
	}
	scoresJSON, err := json.Marshal(opp.DimensionScores)
	if err != nil {
		return fmt.Errorf("encode dimension_scores: %w", err)
	}
	var audit sql.NullString
	if opp.Audit != nil {
		raw, err := json.Marshal(opp.Audit)
		if err != nil {
			return fmt.Errorf("encode audit: %w", err)
		}
		audit = nullString(string(raw))
	}
	var validatedAt, sourceRunID sql.NullString
	if opp.ValidatedAt != nil {
		validatedAt = nullString(opp.ValidatedAt.UTC().Format(timeLayout))
	}
	if opp.SourceRunID != nil {
		sourceRunID = nullString(*opp.SourceRunID)
	}
	now := s.stamp()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO opportunities (
			id, concept_description, core_functions, function_count, dimension_scores,
			is_disqualified, violation_reason, total_score, audit, constraint_version,
			validated_at, fingerprint, source_run_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			concept_description = excluded.concept_description,
			core_functions = excluded.core_functions,
			function_count = excluded.function_count,
			dimension_scores = excluded.dimension_scores,
			is_disqualified = excluded.is_disqualified,
			violation_reason = excluded.violation_reason,
			total_score = excluded.total_score,
			audit = COALESCE(opportunities.audit, excluded.audit),
			constraint_version = excluded.constraint_version,
			validated_at = excluded.validated_at,
			fingerprint = COALESCE(excluded.fingerprint, opportunities.fingerprint),
			source_run_id = COALESCE(excluded.source_run_id, opportunities.source_run_id),
			updated_at = excluded.updated_at
	`,
		canonicalID(opp.ID), opp.ConceptDescription, string(fnJSON), len(functions), string(scoresJSON),
		opp.IsDisqualified, nullString(opp.ViolationReason), opp.TotalScore, audit, nullString(opp.ConstraintVersion),
		validatedAt, nullString(opp.Fingerprint), sourceRunID, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

const opportunityCols = `id, concept_description, core_functions, function_count, dimension_scores,
	is_disqualified, violation_reason, total_score, audit, constraint_version, validated_at,
	fingerprint, dedup_status, concept_id, primary_opportunity_id, source_run_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOpportunity(row rowScanner) (models.Opportunity, error) {
	var o models.Opportunity
	var fnJSON, scoresJSON, createdAt, updatedAt string
	var reason, audit, version, validatedAt, fingerprint, status, conceptID, primaryID, sourceRunID sql.NullString

	if err := row.Scan(&o.ID, &o.ConceptDescription, &fnJSON, &o.FunctionCount, &scoresJSON,
		&o.IsDisqualified, &reason, &o.TotalScore, &audit, &version, &validatedAt,
		&fingerprint, &status, &conceptID, &primaryID, &sourceRunID, &createdAt, &updatedAt); err != nil {
		return o, err
	}

	if err := json.Unmarshal([]byte(fnJSON), &o.CoreFunctions); err != nil {
		return o, fmt.Errorf("decode core_functions for %s: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(scoresJSON), &o.DimensionScores); err != nil {
		return o, fmt.Errorf("decode dimension_scores for %s: %w", o.ID, err)
	}
	if audit.Valid {
		var a models.DisqualificationAudit
		if err := json.Unmarshal([]byte(audit.String), &a); err != nil {
			return o, fmt.Errorf("decode audit for %s: %w", o.ID, err)
		}
		o.Audit = &a
	}
	if validatedAt.Valid {
		if t, err := time.Parse(timeLayout, validatedAt.String); err == nil {
			o.ValidatedAt = &t
		}
	}
	if conceptID.Valid {
		if id, err := uuid.Parse(conceptID.String); err == nil {
			o.ConceptID = &id
		}
	}
	if sourceRunID.Valid {
		v := sourceRunID.String
		o.SourceRunID = &v
	}
	o.ViolationReason = reason.String
	o.ConstraintVersion = version.String
	o.Fingerprint = fingerprint.String
	o.DedupStatus = models.DedupStatus(status.String)
	o.PrimaryOpportunityID = primaryID.String
	o.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	o.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	if o.CoreFunctions == nil {
		o.CoreFunctions = []string{}
	}
	if o.DimensionScores == nil {
		o.DimensionScores = models.DimensionScores{}
	}
	return o, nil
}

func (s *Store) GetOpportunity(ctx context.Context, id string) (*models.Opportunity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+opportunityCols+` FROM opportunities WHERE id = ?`, canonicalID(id))
	o, err := scanOpportunity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity %s: %w", id, err)
	}
	return &o, nil
}

// ListOpportunities returns stored records ordered by total score, highest first.
func (s *Store) ListOpportunities(ctx context.Context, limit int) ([]models.Opportunity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opportunityCols+` FROM opportunities
		ORDER BY total_score DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list opportunities: %w", err)
	}
	defer rows.Close()

	out := []models.Opportunity{}
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- dedup.ConceptStore ---

func scanConcept(row rowScanner) (*models.BusinessConcept, error) {
	var c models.BusinessConcept
	var id, createdAt, updatedAt string
	if err := row.Scan(&id, &c.Fingerprint, &c.PrimaryOpportunityID, &c.SubmissionCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("concept id %q: %w", id, err)
	}
	c.ID = parsed
	c.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	c.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &c, nil
}

func (s *Store) FindConceptByFingerprint(ctx context.Context, fingerprint string) (*models.BusinessConcept, error) {
	c, err := scanConcept(s.db.QueryRowContext(ctx, `
		SELECT id, fingerprint, primary_opportunity_id, submission_count, created_at, updated_at
		FROM business_concepts WHERE fingerprint = ?
	`, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find concept: %w", err)
	}
	return c, nil
}

func (s *Store) CreateConcept(ctx context.Context, fingerprint, primaryOpportunityID string) (*models.BusinessConcept, error) {
	now := s.now().UTC()
	c := &models.BusinessConcept{
		ID:                   uuid.New(),
		Fingerprint:          fingerprint,
		PrimaryOpportunityID: canonicalID(primaryOpportunityID),
		SubmissionCount:      1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO business_concepts (id, fingerprint, primary_opportunity_id, submission_count, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING
	`, c.ID.String(), fingerprint, c.PrimaryOpportunityID, now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("create concept: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("create concept: %w", err)
	} else if n == 0 {
		return nil, dedup.ErrConceptExists
	}
	return c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) IncrementSubmissionCount(ctx context.Context, conceptID uuid.UUID) error {
	return s.incrementSubmissionCount(ctx, s.db, conceptID)
}

func (s *Store) incrementSubmissionCount(ctx context.Context, q execer, conceptID uuid.UUID) error {
	res, err := q.ExecContext(ctx, `
		UPDATE business_concepts
		SET submission_count = submission_count + 1, updated_at = ?
		WHERE id = ?
	`, s.stamp(), conceptID.String())
	if err != nil {
		return fmt.Errorf("increment submission count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("increment submission count: concept %s: %w: %w", conceptID, dedup.ErrConceptNotFound, ErrNotFound)
	}
	return nil
}

func (s *Store) MarkOpportunity(ctx context.Context, opportunityID string, outcome models.DedupStatus, conceptID uuid.UUID, primaryOpportunityID, fingerprint string) (bool, error) {
	return s.markOpportunity(ctx, s.db, opportunityID, outcome, conceptID, primaryOpportunityID, fingerprint)
}

func (s *Store) markOpportunity(ctx context.Context, q execer, opportunityID string, outcome models.DedupStatus, conceptID uuid.UUID, primaryOpportunityID, fingerprint string) (bool, error) {
	cid := conceptID.String()
	pid := canonicalID(primaryOpportunityID)
	res, err := q.ExecContext(ctx, `
		UPDATE opportunities
		SET dedup_status = ?, concept_id = ?, primary_opportunity_id = ?, fingerprint = ?, updated_at = ?
		WHERE id = ?
		  AND (dedup_status IS NOT ? OR concept_id IS NOT ? OR primary_opportunity_id IS NOT ? OR fingerprint IS NOT ?)
	`, string(outcome), cid, pid, fingerprint, s.stamp(), canonicalID(opportunityID),
		string(outcome), cid, pid, fingerprint)
	if err != nil {
		return false, fmt.Errorf("mark opportunity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark opportunity: %w", err)
	}
	return n > 0, nil
}

// ApplyResolution marks the opportunity and, when a duplicate marking
// changed, bumps the concept's submission_count in the same transaction.
func (s *Store) ApplyResolution(ctx context.Context, opportunityID string, outcome models.DedupStatus, conceptID uuid.UUID, primaryOpportunityID, fingerprint string) (changed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin resolution: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	changed, err = s.markOpportunity(ctx, tx, opportunityID, outcome, conceptID, primaryOpportunityID, fingerprint)
	if err != nil {
		return false, err
	}
	if changed && outcome == models.DedupDuplicate {
		if err = s.incrementSubmissionCount(ctx, tx, conceptID); err != nil {
			return false, err
		}
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit resolution: %w", err)
	}
	return changed, nil
}

// --- runs and errors ---

func (s *Store) CreateValidationRun(ctx context.Context, source string) (string, error) {
	runID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validation_runs (run_id, source, status, started_at) VALUES (?, ?, 'running', ?)
	`, runID, nullString(source), s.stamp())
	if err != nil {
		return "", fmt.Errorf("create validation run: %w", err)
	}
	return runID, nil
}

func (s *Store) CompleteValidationRun(ctx context.Context, run models.ValidationRun) error {
	status := run.Status
	if status == "" {
		status = "completed"
	}
	completedAt := s.now().UTC()
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE validation_runs
		SET status = ?, total = ?, approved = ?, disqualified = ?, errored = ?,
		    unique_count = ?, duplicate_count = ?, completed_at = ?
		WHERE run_id = ?
	`, status, run.Total, run.Approved, run.Disqualified, run.Errored,
		run.Unique, run.Duplicate, completedAt.Format(timeLayout), run.RunID)
	if err != nil {
		return fmt.Errorf("complete validation run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) ListValidationRuns(ctx context.Context, limit int) ([]models.ValidationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, status, total, approved, disqualified, errored, unique_count, duplicate_count, started_at, completed_at
		FROM validation_runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list validation runs: %w", err)
	}
	defer rows.Close()

	runs := []models.ValidationRun{}
	for rows.Next() {
		var r models.ValidationRun
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&r.RunID, &r.Status, &r.Total, &r.Approved, &r.Disqualified, &r.Errored,
			&r.Unique, &r.Duplicate, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan validation run: %w", err)
		}
		r.StartedAt, _ = time.Parse(timeLayout, startedAt)
		if completedAt.Valid {
			if t, err := time.Parse(timeLayout, completedAt.String); err == nil {
				r.CompletedAt = &t
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) RecordValidationError(ctx context.Context, runID, opportunityID, stage, reason, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validation_errors (run_id, opportunity_id, stage, reason, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, nullString(runID), nullString(opportunityID), stage, reason, nullString(message), s.stamp())
	if err != nil {
		return fmt.Errorf("record validation error: %w", err)
	}
	return nil
}

// CountValidationErrors returns how many record errors a run logged.
func (s *Store) CountValidationErrors(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM validation_errors WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

// IntegrityViolations counts rows breaking the stored-record consistency rules,
// keyed by check name.
func (s *Store) IntegrityViolations(ctx context.Context) (map[string]int, error) {
	checks := map[string]string{
		"function_count_matches_list": `SELECT COUNT(*) FROM opportunities WHERE function_count <> json_array_length(core_functions)`,
		"disqualified_zeroed":         `SELECT COUNT(*) FROM opportunities WHERE is_disqualified AND (total_score <> 0 OR COALESCE(json_extract(dimension_scores, '$.simplicity'), 0) <> 0)`,
		"over_limit_disqualified":     `SELECT COUNT(*) FROM opportunities WHERE function_count > 3 AND NOT is_disqualified`,
		"submission_count_mismatch":   `SELECT COUNT(*) FROM business_concepts c WHERE c.submission_count < (SELECT COUNT(*) FROM opportunities o WHERE o.concept_id = c.id)`,
	}
	out := make(map[string]int, len(checks))
	for name, q := range checks {
		var n int
		if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, fmt.Errorf("integrity check %s: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}
