// Package auth verifies inbound requests via a static API key or a bearer
// JWT, grounded on the project's prior GoTrue-flavored JWT validator but
// without any dependency on a hosted auth backend.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
)

// Mode controls how strictly a route requires credentials.
type Mode int

const (
	// Required rejects the request with 401 if no valid credential is found.
	Required Mode = iota
	// Optional attaches claims when present but never rejects the request.
	Optional
	// Public never inspects credentials.
	Public
)

const (
	canonicalAPIKeyHeader = "X-DRAGONFLY-API-KEY"
	legacyAPIKeyHeader    = "X-API-Key"
)

// TokenClaims holds the subset of JWT claims the service cares about.
type TokenClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Role  string `json:"role"`
	Aud   string `json:"aud"`
	Exp   int64  `json:"exp"`
	Iat   int64  `json:"iat"`
}

// IsExpired reports whether the token's exp claim is in the past.
func (c *TokenClaims) IsExpired() bool {
	return time.Now().Unix() > c.Exp
}

// Verifier checks API keys and bearer JWTs.
type Verifier struct {
	apiKey    string
	jwtSecret []byte
	audience  string
}

// NewVerifier builds a Verifier. An empty apiKey disables API-key auth;
// an empty jwtSecret disables bearer-token auth.
func NewVerifier(apiKey, jwtSecret, audience string) *Verifier {
	return &Verifier{
		apiKey:    strings.TrimSpace(apiKey),
		jwtSecret: []byte(strings.TrimSpace(jwtSecret)),
		audience:  strings.TrimSpace(audience),
	}
}

// CheckAPIKey compares candidate against the configured key in constant
// time, so response-time side channels can't be used to brute force it.
func (v *Verifier) CheckAPIKey(candidate string) bool {
	if v.apiKey == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v.apiKey), []byte(candidate)) == 1
}

// ValidateToken parses and verifies an HS256 bearer token, checking the
// configured audience when one is set.
func (v *Verifier) ValidateToken(tokenString string) (*TokenClaims, error) {
	if len(v.jwtSecret) == 0 {
		return nil, fmt.Errorf("%w: jwt verification not configured", ErrUnauthorized)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	if v.audience != "" {
		if aud, ok := mapClaims["aud"].(string); ok && !strings.EqualFold(aud, v.audience) {
			return nil, fmt.Errorf("%w: invalid audience", ErrInvalidToken)
		}
	}

	claims := parseMapClaims(mapClaims)
	if claims.IsExpired() {
		return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return claims, nil
}

func parseMapClaims(m jwt.MapClaims) *TokenClaims {
	c := &TokenClaims{}
	if sub, ok := m["sub"].(string); ok {
		c.Sub = sub
	}
	if email, ok := m["email"].(string); ok {
		c.Email = email
	}
	if role, ok := m["role"].(string); ok {
		c.Role = role
	}
	if aud, ok := m["aud"].(string); ok {
		c.Aud = aud
	}
	if exp, ok := m["exp"].(float64); ok {
		c.Exp = int64(exp)
	}
	if iat, ok := m["iat"].(float64); ok {
		c.Iat = int64(iat)
	}
	return c
}

// ExtractCredential pulls an API key (canonical header, then legacy) or a
// bearer token from the request, in that order of precedence.
func ExtractCredential(r *http.Request) (apiKey, bearer string) {
	if k := r.Header.Get(canonicalAPIKeyHeader); k != "" {
		return k, ""
	}
	if k := r.Header.Get(legacyAPIKeyHeader); k != "" {
		return k, ""
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return "", strings.TrimSpace(authz[len("Bearer "):])
	}
	return "", ""
}
