// Package auth resolves the authenticated principal of a request from a
// Supabase access token (HS256 JWT) in the Authorization header or the
// session cookie.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trenches-waitlist/internal/config"
	apperrors "github.com/trenches-waitlist/internal/errors"
)

// Principal is the external auth identity behind a request
type Principal struct {
	ID    string
	Email string
}

// Authenticator returns the current authenticated principal
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// supabaseClaims is the subset of the access token the service reads
type supabaseClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// JWTAuthenticator verifies HS256 access tokens signed with the project secret
type JWTAuthenticator struct {
	secret     []byte
	audience   string
	cookieName string
	now        func() time.Time
}

// NewJWTAuthenticator creates an authenticator from configuration
func NewJWTAuthenticator(cfg config.AuthConfig, now func() time.Time) (*JWTAuthenticator, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("SUPABASE_JWT_SECRET is required")
	}
	if now == nil {
		now = time.Now
	}
	return &JWTAuthenticator{
		secret:     []byte(cfg.JWTSecret),
		audience:   cfg.Audience,
		cookieName: cfg.CookieName,
		now:        now,
	}, nil
}

// Authenticate implements Authenticator
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	token := bearerToken(r)
	if token == "" && a.cookieName != "" {
		if c, err := r.Cookie(a.cookieName); err == nil {
			token = strings.TrimSpace(c.Value)
		}
	}
	if token == "" {
		return nil, apperrors.NewUnauthorizedError("missing access token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	var claims supabaseClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, mapJWTError(err)
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return nil, apperrors.NewUnauthorizedError("access token has no subject")
	}

	return &Principal{ID: claims.Subject, Email: claims.Email}, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// mapJWTError translates jwt library errors to unauthorized errors
func mapJWTError(err error) error {
	var out *apperrors.CategorizedError
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		out = apperrors.NewUnauthorizedError("access token is expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		out = apperrors.NewUnauthorizedError("access token signature is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		out = apperrors.NewUnauthorizedError("access token audience mismatch")
	default:
		out = apperrors.NewUnauthorizedError("access token is invalid")
	}
	out.Cause = err
	return out
}

type principalKey struct{}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
