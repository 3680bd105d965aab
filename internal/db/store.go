package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/opportunity-validator/internal/dedup"
	"github.com/david/opportunity-validator/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for tools that run ad hoc queries.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

type ListParams struct {
	Outcome     string // "approved", "disqualified" or "all" (default)
	DedupStatus string // "unique", "duplicate" or empty for any
	Fingerprint string
	MinScore    float64
	SortBy      string // "score" (default), "newest"
	Limit       int
	Offset      int
}

type ListResult struct {
	Opportunities []models.Opportunity `json:"opportunities"`
	Total         int                  `json:"total"`
	Limit         int                  `json:"limit"`
	Offset        int                  `json:"offset"`
}

// selectCols is the column list every opportunity query scans.
const selectCols = `id::text, concept_description, core_functions, function_count, dimension_scores,
	is_disqualified, violation_reason, total_score, audit, constraint_version, validated_at,
	fingerprint, dedup_status, concept_id, primary_opportunity_id::text, source_run_id,
	created_at, updated_at`

func scanOpportunity(scan func(dest ...interface{}) error) (models.Opportunity, error) {
	var o models.Opportunity
	var violationReason, constraintVersion, fingerprint, dedupStatus, primaryID *string
	var scoresRaw, auditRaw []byte

	err := scan(
		&o.ID, &o.ConceptDescription, &o.CoreFunctions, &o.FunctionCount, &scoresRaw,
		&o.IsDisqualified, &violationReason, &o.TotalScore, &auditRaw, &constraintVersion, &o.ValidatedAt,
		&fingerprint, &dedupStatus, &o.ConceptID, &primaryID, &o.SourceRunID,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}

	if violationReason != nil {
		o.ViolationReason = *violationReason
	}
	if constraintVersion != nil {
		o.ConstraintVersion = *constraintVersion
	}
	if fingerprint != nil {
		o.Fingerprint = *fingerprint
	}
	if dedupStatus != nil {
		o.DedupStatus = models.DedupStatus(*dedupStatus)
	}
	if primaryID != nil {
		o.PrimaryOpportunityID = *primaryID
	}
	if len(scoresRaw) > 0 {
		if err := json.Unmarshal(scoresRaw, &o.DimensionScores); err != nil {
			return o, fmt.Errorf("decode dimension_scores for %s: %w", o.ID, err)
		}
	}
	if len(auditRaw) > 0 {
		var audit models.DisqualificationAudit
		if err := json.Unmarshal(auditRaw, &audit); err != nil {
			return o, fmt.Errorf("decode audit for %s: %w", o.ID, err)
		}
		o.Audit = &audit
	}
	if o.CoreFunctions == nil {
		o.CoreFunctions = []string{}
	}
	if o.DimensionScores == nil {
		o.DimensionScores = models.DimensionScores{}
	}

	return o, nil
}

// nilIfEmpty returns nil for empty strings so NULL is stored in DB.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrNil(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(payload), nil
}

// UpsertOpportunity writes the validated state of opp. The dedup marking is
// owned by MarkOpportunity and an existing audit is never replaced.
func (s *Store) UpsertOpportunity(ctx context.Context, opp models.Opportunity) error {
	scores, err := json.Marshal(opp.DimensionScores)
	if err != nil {
		return fmt.Errorf("encode dimension_scores: %w", err)
	}
	var audit interface{}
	if opp.Audit != nil {
		if audit, err = jsonOrNil(opp.Audit); err != nil {
			return fmt.Errorf("encode audit: %w", err)
		}
	}
	functions := opp.CoreFunctions
	if functions == nil {
		functions = []string{}
	}
	var sourceRunID interface{}
	if opp.SourceRunID != nil {
		sourceRunID = nilIfEmpty(*opp.SourceRunID)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO opportunities (
			id, concept_description, core_functions, function_count, dimension_scores,
			is_disqualified, violation_reason, total_score, audit, constraint_version,
			validated_at, fingerprint, source_run_id
		) VALUES (
			$1, $2, $3, $4, $5::jsonb,
			$6, $7, $8, $9::jsonb, $10,
			$11, $12, $13
		)
		ON CONFLICT (id) DO UPDATE SET
			updated_at = NOW(),
			concept_description = EXCLUDED.concept_description,
			core_functions = EXCLUDED.core_functions,
			function_count = EXCLUDED.function_count,
			dimension_scores = EXCLUDED.dimension_scores,
			is_disqualified = EXCLUDED.is_disqualified,
			violation_reason = EXCLUDED.violation_reason,
			total_score = EXCLUDED.total_score,
			audit = COALESCE(opportunities.audit, EXCLUDED.audit),
			constraint_version = EXCLUDED.constraint_version,
			validated_at = EXCLUDED.validated_at,
			fingerprint = COALESCE(NULLIF(EXCLUDED.fingerprint, ''), opportunities.fingerprint),
			source_run_id = COALESCE(EXCLUDED.source_run_id, opportunities.source_run_id)
	`,
		opp.ID,                            // $1
		opp.ConceptDescription,            // $2
		functions,                         // $3
		len(functions),                    // $4
		string(scores),                    // $5
		opp.IsDisqualified,                // $6
		nilIfEmpty(opp.ViolationReason),   // $7
		opp.TotalScore,                    // $8
		audit,                             // $9
		nilIfEmpty(opp.ConstraintVersion), // $10
		opp.ValidatedAt,                   // $11
		nilIfEmpty(opp.Fingerprint),       // $12
		sourceRunID,                       // $13
	)
	if err != nil {
		return fmt.Errorf("upsert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// UpdateValidation rewrites the validation columns of an existing record and
// reports whether any of them changed.
func (s *Store) UpdateValidation(ctx context.Context, opp models.Opportunity) (bool, error) {
	scores, err := json.Marshal(opp.DimensionScores)
	if err != nil {
		return false, fmt.Errorf("encode dimension_scores: %w", err)
	}
	var audit interface{}
	if opp.Audit != nil {
		if audit, err = jsonOrNil(opp.Audit); err != nil {
			return false, fmt.Errorf("encode audit: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE opportunities
		SET core_functions = $2,
		    function_count = $3,
		    dimension_scores = $4::jsonb,
		    is_disqualified = $5,
		    violation_reason = $6,
		    total_score = $7,
		    audit = COALESCE(audit, $8::jsonb),
		    constraint_version = $9,
		    updated_at = NOW()
		WHERE id = $1
		  AND (
		      core_functions IS DISTINCT FROM $2
		      OR function_count IS DISTINCT FROM $3
		      OR dimension_scores IS DISTINCT FROM $4::jsonb
		      OR is_disqualified IS DISTINCT FROM $5
		      OR violation_reason IS DISTINCT FROM $6
		      OR total_score IS DISTINCT FROM $7
		      OR (audit IS NULL AND $8::jsonb IS NOT NULL)
		      OR constraint_version IS DISTINCT FROM $9
		  )
	`, opp.ID, opp.CoreFunctions, len(opp.CoreFunctions), string(scores), opp.IsDisqualified,
		nilIfEmpty(opp.ViolationReason), opp.TotalScore, audit, nilIfEmpty(opp.ConstraintVersion))
	if err != nil {
		return false, fmt.Errorf("update validation %s: %w", opp.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetOpportunity(ctx context.Context, id string) (*models.Opportunity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", dedup.ErrInvalidIdentifier, id)
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM opportunities WHERE id = $1`, selectCols), id)

	o, err := scanOpportunity(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity %s: %w", id, err)
	}
	return &o, nil
}

func (s *Store) ListOpportunities(ctx context.Context, params ListParams) (*ListResult, error) {
	where := "WHERE 1=1"
	var args []interface{}
	argIdx := 1

	switch params.Outcome {
	case "approved":
		where += " AND is_disqualified = false"
	case "disqualified":
		where += " AND is_disqualified = true"
	}
	if params.DedupStatus != "" {
		where += fmt.Sprintf(" AND dedup_status = $%d", argIdx)
		args = append(args, params.DedupStatus)
		argIdx++
	}
	if params.Fingerprint != "" {
		where += fmt.Sprintf(" AND fingerprint = $%d", argIdx)
		args = append(args, params.Fingerprint)
		argIdx++
	}
	if params.MinScore > 0 {
		where += fmt.Sprintf(" AND total_score >= $%d", argIdx)
		args = append(args, params.MinScore)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM opportunities "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	selectSQL := fmt.Sprintf("SELECT %s FROM opportunities %s", selectCols, where)
	switch params.SortBy {
	case "newest":
		selectSQL += " ORDER BY created_at DESC, id"
	default:
		selectSQL += " ORDER BY total_score DESC, validated_at DESC NULLS LAST, id"
	}

	if params.Limit <= 0 {
		params.Limit = 50
	}
	selectSQL += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, params.Limit, params.Offset)

	rows, err := s.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	opps := []models.Opportunity{}
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		opps = append(opps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return &ListResult{
		Opportunities: opps,
		Total:         total,
		Limit:         params.Limit,
		Offset:        params.Offset,
	}, nil
}

// EachOpportunity pages through every stored opportunity in id order and
// calls fn for each. Iteration stops at the first error.
func (s *Store) EachOpportunity(ctx context.Context, batchSize int, fn func(models.Opportunity) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	lastID := ""

	for {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM opportunities
			WHERE ($1 = '' OR id::text > $1)
			ORDER BY id::text
			LIMIT $2
		`, selectCols), lastID, batchSize)
		if err != nil {
			return fmt.Errorf("page opportunities: %w", err)
		}

		var page []models.Opportunity
		for rows.Next() {
			o, err := scanOpportunity(rows.Scan)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan opportunity: %w", err)
			}
			page = append(page, o)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("page opportunities: %w", err)
		}
		if len(page) == 0 {
			return nil
		}

		for _, o := range page {
			if err := fn(o); err != nil {
				return err
			}
			lastID = o.ID
		}
	}
}

// --- business concepts ---

const conceptCols = `id, fingerprint, primary_opportunity_id::text, submission_count, created_at, updated_at`

func scanConcept(row pgx.Row) (*models.BusinessConcept, error) {
	var c models.BusinessConcept
	if err := row.Scan(&c.ID, &c.Fingerprint, &c.PrimaryOpportunityID, &c.SubmissionCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) FindConceptByFingerprint(ctx context.Context, fingerprint string) (*models.BusinessConcept, error) {
	c, err := scanConcept(s.pool.QueryRow(ctx,
		`SELECT `+conceptCols+` FROM business_concepts WHERE fingerprint = $1`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find concept: %w", err)
	}
	return c, nil
}

// CreateConcept inserts a new concept. The unique fingerprint constraint
// makes this the atomic half of find-or-create: a conflicting insert returns
// no row and dedup.ErrConceptExists.
func (s *Store) CreateConcept(ctx context.Context, fingerprint, primaryOpportunityID string) (*models.BusinessConcept, error) {
	c, err := scanConcept(s.pool.QueryRow(ctx, `
		INSERT INTO business_concepts (fingerprint, primary_opportunity_id)
		VALUES ($1, $2)
		ON CONFLICT (fingerprint) DO NOTHING
		RETURNING `+conceptCols,
		fingerprint, primaryOpportunityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dedup.ErrConceptExists
	}
	if err != nil {
		return nil, fmt.Errorf("create concept: %w", err)
	}
	return c, nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (s *Store) IncrementSubmissionCount(ctx context.Context, conceptID uuid.UUID) error {
	return incrementSubmissionCount(ctx, s.pool, conceptID)
}

func incrementSubmissionCount(ctx context.Context, q execer, conceptID uuid.UUID) error {
	tag, err := q.Exec(ctx, `
		UPDATE business_concepts
		SET submission_count = submission_count + 1, updated_at = NOW()
		WHERE id = $1
	`, conceptID)
	if err != nil {
		return fmt.Errorf("increment submission count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("increment submission count: concept %s: %w: %w", conceptID, dedup.ErrConceptNotFound, ErrNotFound)
	}
	return nil
}

// MarkOpportunity writes the dedup marking and reports whether the row
// changed. An unchanged marking is what makes re-resolution idempotent.
func (s *Store) MarkOpportunity(ctx context.Context, opportunityID string, outcome models.DedupStatus, conceptID uuid.UUID, primaryOpportunityID, fingerprint string) (bool, error) {
	return markOpportunity(ctx, s.pool, opportunityID, outcome, conceptID, primaryOpportunityID, fingerprint)
}

func markOpportunity(ctx context.Context, q execer, opportunityID string, outcome models.DedupStatus, conceptID uuid.UUID, primaryOpportunityID, fingerprint string) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE opportunities
		SET dedup_status = $2,
		    concept_id = $3,
		    primary_opportunity_id = $4::uuid,
		    fingerprint = $5,
		    updated_at = NOW()
		WHERE id = $1
		  AND (
		      dedup_status IS DISTINCT FROM $2
		      OR concept_id IS DISTINCT FROM $3
		      OR primary_opportunity_id IS DISTINCT FROM $4::uuid
		      OR fingerprint IS DISTINCT FROM $5
		  )
	`, opportunityID, string(outcome), conceptID, primaryOpportunityID, fingerprint)
	if err != nil {
		return false, fmt.Errorf("mark opportunity: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyResolution marks the opportunity and, when a duplicate marking
// changed, bumps the concept's submission_count in the same transaction.
func (s *Store) ApplyResolution(ctx context.Context, opportunityID string, outcome models.DedupStatus, conceptID uuid.UUID, primaryOpportunityID, fingerprint string) (changed bool, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin resolution: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	changed, err = markOpportunity(ctx, tx, opportunityID, outcome, conceptID, primaryOpportunityID, fingerprint)
	if err != nil {
		return false, err
	}
	if changed && outcome == models.DedupDuplicate {
		if err = incrementSubmissionCount(ctx, tx, conceptID); err != nil {
			return false, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit resolution: %w", err)
	}
	return changed, nil
}

// ListConcepts returns concepts ordered by submission count.
func (s *Store) ListConcepts(ctx context.Context, limit, offset int) ([]models.BusinessConcept, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+conceptCols+` FROM business_concepts
		ORDER BY submission_count DESC, created_at
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list concepts: %w", err)
	}
	defer rows.Close()

	out := []models.BusinessConcept{}
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, fmt.Errorf("scan concept: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total, approved, disqualified, duplicates, audited int
	var avgScore *float64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE NOT is_disqualified),
		       COUNT(*) FILTER (WHERE is_disqualified),
		       COUNT(*) FILTER (WHERE dedup_status = 'duplicate'),
		       COUNT(*) FILTER (WHERE audit IS NOT NULL),
		       AVG(total_score) FILTER (WHERE NOT is_disqualified)
		FROM opportunities
	`).Scan(&total, &approved, &disqualified, &duplicates, &audited, &avgScore)
	if err != nil {
		return nil, fmt.Errorf("opportunity stats: %w", err)
	}
	stats["total"] = total
	stats["approved"] = approved
	stats["disqualified"] = disqualified
	stats["duplicates"] = duplicates
	stats["audited"] = audited
	if avgScore != nil {
		stats["avg_approved_score"] = *avgScore
	}

	var concepts int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM business_concepts").Scan(&concepts); err != nil {
		return nil, fmt.Errorf("concept stats: %w", err)
	}
	stats["concepts"] = concepts

	functionCounts := map[string]int{}
	rows, err := s.pool.Query(ctx, "SELECT function_count, COUNT(*) FROM opportunities GROUP BY function_count ORDER BY function_count")
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var n, count int
			if scanErr := rows.Scan(&n, &count); scanErr == nil {
				functionCounts[fmt.Sprint(n)] = count
			}
		}
	}
	stats["function_count_histogram"] = functionCounts

	return stats, nil
}
