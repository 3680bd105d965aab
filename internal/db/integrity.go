package db

import (
	"context"
	"fmt"
)

// IntegrityCheck is one named consistency probe and the rows that violate it.
type IntegrityCheck struct {
	Name       string `json:"name"`
	Violations int    `json:"violations"`
}

type IntegrityReport struct {
	Checks []IntegrityCheck `json:"checks"`
}

func (r IntegrityReport) OK() bool {
	for _, c := range r.Checks {
		if c.Violations > 0 {
			return false
		}
	}
	return true
}

var integrityQueries = []struct {
	name  string
	query string
}{
	{
		name: "function_count_matches_list",
		query: `SELECT COUNT(*) FROM opportunities
			WHERE function_count <> cardinality(core_functions)`,
	},
	{
		name: "disqualified_zeroed",
		query: `SELECT COUNT(*) FROM opportunities
			WHERE is_disqualified AND (total_score <> 0
				OR COALESCE((dimension_scores->>'simplicity')::float8, 0) <> 0)`,
	},
	{
		name: "over_limit_disqualified",
		query: `SELECT COUNT(*) FROM opportunities
			WHERE function_count > 3 AND NOT is_disqualified`,
	},
	{
		name: "duplicate_fingerprints",
		query: `SELECT COUNT(*) FROM (
				SELECT fingerprint FROM business_concepts GROUP BY fingerprint HAVING COUNT(*) > 1
			) d`,
	},
	{
		name: "duplicate_without_concept",
		query: `SELECT COUNT(*) FROM opportunities
			WHERE dedup_status IS NOT NULL AND concept_id IS NULL`,
	},
	{
		name: "submission_count_mismatch",
		query: `SELECT COUNT(*) FROM business_concepts c
			WHERE c.submission_count < (
				SELECT COUNT(*) FROM opportunities o WHERE o.concept_id = c.id
			)`,
	},
}

// Integrity runs every consistency probe. A probe that fails to execute
// aborts the report.
func (s *Store) Integrity(ctx context.Context) (IntegrityReport, error) {
	var report IntegrityReport
	for _, q := range integrityQueries {
		var n int
		if err := s.pool.QueryRow(ctx, q.query).Scan(&n); err != nil {
			return report, fmt.Errorf("integrity check %s: %w", q.name, err)
		}
		report.Checks = append(report.Checks, IntegrityCheck{Name: q.name, Violations: n})
	}
	return report, nil
}
