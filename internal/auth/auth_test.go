package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/opportunity-validator/internal/db"
	"github.com/david/opportunity-validator/internal/models"
)

type memOperators struct {
	mu  sync.Mutex
	ops map[string]models.Operator
}

func (m *memOperators) CreateOperator(_ context.Context, email, hash, role string) (*models.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ops == nil {
		m.ops = map[string]models.Operator{}
	}
	if _, ok := m.ops[email]; ok {
		return nil, db.ErrOperatorExists
	}
	op := models.Operator{ID: uuid.New(), Email: email, PasswordHash: hash, Role: role}
	m.ops[email] = op
	return &op, nil
}

func (m *memOperators) GetOperatorByEmail(_ context.Context, email string) (*models.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[email]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &op, nil
}

func newService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(&memOperators{}, "test-secret")
	require.NoError(t, err)
	return svc
}

func TestLogin_RoundTrip(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	op, err := svc.CreateOperator(ctx, "ops@example.com", "correct horse", "admin")
	require.NoError(t, err)
	assert.Empty(t, op.PasswordHash)

	_, err = svc.CreateOperator(ctx, "ops@example.com", "another pass", "admin")
	assert.ErrorIs(t, err, ErrOperatorExists)

	resp, err := svc.Login(ctx, LoginRequest{Email: "ops@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	assert.Empty(t, resp.Operator.PasswordHash)

	id, err := svc.parseToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, op.ID, id)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.CreateOperator(ctx, "ops@example.com", "correct horse", "")
	require.NoError(t, err)

	_, err = svc.Login(ctx, LoginRequest{Email: "ops@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCreds)
	_, err = svc.Login(ctx, LoginRequest{Email: "nobody@example.com", Password: "x"})
	assert.ErrorIs(t, err, ErrInvalidCreds)
}

func TestCreateOperator_ShortPassword(t *testing.T) {
	_, err := newService(t).CreateOperator(context.Background(), "a@b.c", "short", "")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.CreateOperator(ctx, "ops@example.com", "correct horse", "")
	require.NoError(t, err)
	resp, err := svc.Login(ctx, LoginRequest{Email: "ops@example.com", Password: "correct horse"})
	require.NoError(t, err)

	e := echo.New()
	handler := svc.Middleware("s3cret")(func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{name: "no credentials", want: http.StatusUnauthorized},
		{name: "bearer", header: map[string]string{"Authorization": "Bearer " + resp.Token}, want: http.StatusNoContent},
		{name: "bad bearer", header: map[string]string{"Authorization": "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "malformed header", header: map[string]string{"Authorization": resp.Token}, want: http.StatusUnauthorized},
		{name: "admin secret", header: map[string]string{"X-Admin-Secret": "s3cret"}, want: http.StatusNoContent},
		{name: "wrong admin secret", header: map[string]string{"X-Admin-Secret": "guess"}, want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			err := handler(e.NewContext(req, rec))
			if he, ok := err.(*echo.HTTPError); ok {
				assert.Equal(t, tt.want, he.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
