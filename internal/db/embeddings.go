package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/david/opportunity-validator/internal/models"
)

// EmbeddingDims matches the vector column width and the nomic-embed-text model.
const EmbeddingDims = 768

// SimilarConcept is a concept whose fingerprint differs but whose embedding is
// close. Review aid only; it never changes dedup outcomes.
type SimilarConcept struct {
	models.BusinessConcept
	Distance float64 `json:"distance"`
}

func (s *Store) SetConceptEmbedding(ctx context.Context, conceptID uuid.UUID, embedding []float32) error {
	if len(embedding) != EmbeddingDims {
		return fmt.Errorf("embedding has %d dims, expected %d", len(embedding), EmbeddingDims)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE business_concepts SET embedding = $2, updated_at = NOW() WHERE id = $1
	`, conceptID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("set concept embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SimilarConcepts returns the nearest concepts to the one with the given
// fingerprint by cosine distance, excluding itself.
func (s *Store) SimilarConcepts(ctx context.Context, fingerprint string, limit int) ([]SimilarConcept, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.fingerprint, c.primary_opportunity_id::text, c.submission_count,
		       c.created_at, c.updated_at, c.embedding <=> ref.embedding AS distance
		FROM business_concepts c, business_concepts ref
		WHERE ref.fingerprint = $1
		  AND ref.embedding IS NOT NULL
		  AND c.embedding IS NOT NULL
		  AND c.id <> ref.id
		ORDER BY distance
		LIMIT $2
	`, fingerprint, limit)
	if err != nil {
		return nil, fmt.Errorf("similar concepts: %w", err)
	}
	defer rows.Close()

	out := []SimilarConcept{}
	for rows.Next() {
		var sc SimilarConcept
		if err := rows.Scan(&sc.ID, &sc.Fingerprint, &sc.PrimaryOpportunityID, &sc.SubmissionCount,
			&sc.CreatedAt, &sc.UpdatedAt, &sc.Distance); err != nil {
			return nil, fmt.Errorf("scan similar concept: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
