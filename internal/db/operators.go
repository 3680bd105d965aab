package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/david/opportunity-validator/internal/models"
)

var ErrOperatorExists = errors.New("operator already exists")

func (s *Store) CreateOperator(ctx context.Context, email, passwordHash, role string) (*models.Operator, error) {
	if role == "" {
		role = "operator"
	}
	var op models.Operator
	err := s.pool.QueryRow(ctx, `
		INSERT INTO operators (email, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING id, email, password_hash, role, created_at
	`, strings.ToLower(strings.TrimSpace(email)), passwordHash, role).Scan(
		&op.ID, &op.Email, &op.PasswordHash, &op.Role, &op.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, ErrOperatorExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert operator: %w", err)
	}
	return &op, nil
}

func (s *Store) GetOperatorByEmail(ctx context.Context, email string) (*models.Operator, error) {
	var op models.Operator
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, role, created_at FROM operators WHERE email = $1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(
		&op.ID, &op.Email, &op.PasswordHash, &op.Role, &op.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operator: %w", err)
	}
	return &op, nil
}
