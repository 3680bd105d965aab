package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/david/opportunity-validator/internal/db"
	"github.com/david/opportunity-validator/internal/models"
)

var (
	ErrOperatorExists = errors.New("operator already exists")
	ErrInvalidCreds   = errors.New("invalid credentials")
)

const tokenTTL = 24 * time.Hour

type OperatorStore interface {
	CreateOperator(ctx context.Context, email, passwordHash, role string) (*models.Operator, error)
	GetOperatorByEmail(ctx context.Context, email string) (*models.Operator, error)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token    string          `json:"token"`
	Operator models.Operator `json:"operator"`
}

type Service struct {
	store  OperatorStore
	secret []byte
	now    func() time.Time
}

// NewService signs tokens with secret. An empty secret is replaced by a
// random one that lives as long as the process.
func NewService(store OperatorStore, secret string) (*Service, error) {
	key := []byte(strings.TrimSpace(secret))
	if len(key) == 0 {
		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate JWT fallback secret: %w", err)
		}
		key = []byte(base64.RawURLEncoding.EncodeToString(buf))
		log.Print("JWT_SECRET is not set; using ephemeral in-memory fallback secret")
	}
	return &Service{store: store, secret: key, now: time.Now}, nil
}

func (s *Service) CreateOperator(ctx context.Context, email, password, role string) (*models.Operator, error) {
	email = strings.TrimSpace(email)
	if email == "" || len(password) < 8 {
		return nil, errors.New("email and a password of at least 8 characters are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing failed: %w", err)
	}

	op, err := s.store.CreateOperator(ctx, email, string(hash), role)
	if errors.Is(err, db.ErrOperatorExists) {
		return nil, ErrOperatorExists
	}
	if err != nil {
		return nil, err
	}
	op.PasswordHash = ""
	return op, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	op, err := s.store.GetOperatorByEmail(ctx, req.Email)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrInvalidCreds
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCreds
	}

	token, err := s.generateToken(op.ID, op.Role)
	if err != nil {
		return nil, err
	}

	// Clear hash before returning
	op.PasswordHash = ""
	return &AuthResponse{Token: token, Operator: *op}, nil
}

func (s *Service) generateToken(operatorID uuid.UUID, role string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  operatorID.String(),
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) parseToken(tokenString string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, errors.New("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, errors.New("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return uuid.Nil, errors.New("invalid token subject")
	}
	return uuid.Parse(sub)
}
