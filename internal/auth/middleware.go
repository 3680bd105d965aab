package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const OperatorIDKey contextKey = "operator_id"

// Middleware admits requests carrying either a valid bearer token or, when
// adminSecret is set, a matching X-Admin-Secret header.
func (s *Service) Middleware(adminSecret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if adminSecret != "" {
				provided := c.Request().Header.Get("X-Admin-Secret")
				if provided != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(adminSecret)) == 1 {
					return next(c)
				}
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing Authorization header")
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid Authorization header format")
			}

			operatorID, err := s.parseToken(parts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			c.Set(string(OperatorIDKey), operatorID)
			return next(c)
		}
	}
}

// OperatorIDFromContext returns the operator set by Middleware. Requests
// admitted by the admin secret carry none.
func OperatorIDFromContext(c echo.Context) (uuid.UUID, error) {
	id, ok := c.Get(string(OperatorIDKey)).(uuid.UUID)
	if !ok {
		return uuid.Nil, errors.New("operator ID not found in context")
	}
	return id, nil
}
