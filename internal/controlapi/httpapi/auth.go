package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken and ErrTokenExpired keep a parse/signature failure
// distinct from an expired but otherwise well-formed token.
var (
	ErrInvalidToken = errors.New("httpapi: invalid token")
	ErrTokenExpired = errors.New("httpapi: token expired")
)

// Claims identifies the parent UI session holding the token.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthService issues and verifies the bearer tokens the parent UI
// presents to every Control API HTTP call, HS256-signed over a shared
// secret.
type AuthService struct {
	secret []byte
	expiry time.Duration
}

// NewAuthService builds an AuthService with the given shared secret and
// token lifetime.
func NewAuthService(secret string, expiry time.Duration) *AuthService {
	return &AuthService{secret: []byte(secret), expiry: expiry}
}

// GenerateToken issues a bearer token for subject (the parent account id
// or UI session id).
func (s *AuthService) GenerateToken(subject string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "guardloop-controlapi",
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyToken parses and validates tokenString, rejecting anything not
// signed with HMAC (an algorithm pin that stops alg-confusion attacks).
func (s *AuthService) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type contextKey string

const subjectContextKey contextKey = "controlapi_subject"

// RequireAuth rejects any request without a valid "Authorization: Bearer
// <token>" header, stashing the verified subject in the request context.
func (s *AuthService) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			SendError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.VerifyToken(strings.TrimPrefix(header, prefix))
		if err != nil {
			SendError(w, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), subjectContextKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
