// Package auth guards the import API with bearer-token authentication.
// Tokens are HMAC-signed JWTs sharing a secret with the issuing system;
// when no secret is configured the API runs open, which is the expected
// mode for local development and one-shot CLI imports.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	// UserIDKey carries the authenticated subject on the request context.
	UserIDKey contextKey = "user_id"
	// UserRolesKey carries the subject's roles on the request context.
	UserRolesKey contextKey = "user_roles"
)

// Claims is the token payload accepted by the import API.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// Config controls token validation.
type Config struct {
	// Secret is the HMAC signing key. Empty disables authentication.
	Secret []byte
	// Issuer, when set, must match the token's iss claim.
	Issuer string
}

// Middleware returns echo middleware that validates a bearer JWT on every
// request. Requests without a valid token are rejected with 401.
func Middleware(cfg Config) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.Secret, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, UserRolesKey, claims.Roles)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get("Authorization")
	if header == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}

	return parts[1], nil
}

// UserIDFromContext returns the authenticated subject, or "" when the
// request was not authenticated.
func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

// RolesFromContext returns the authenticated subject's roles.
func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
