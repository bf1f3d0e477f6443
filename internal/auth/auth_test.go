package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAPIKeyConstantTime(t *testing.T) {
	v := NewVerifier("s3cr3t", "", "")
	assert.True(t, v.CheckAPIKey("s3cr3t"))
	assert.False(t, v.CheckAPIKey("wrong"))
	assert.False(t, v.CheckAPIKey(""))
}

func TestCheckAPIKeyDisabledWhenUnconfigured(t *testing.T) {
	v := NewVerifier("", "", "")
	assert.False(t, v.CheckAPIKey("anything"))
}

func TestValidateTokenRoundTrip(t *testing.T) {
	secret := "jwt-secret"
	claims := jwt.MapClaims{
		"sub": "user-1",
		"aud": "authenticated",
		"role": "authenticated",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)

	v := NewVerifier("", secret, "authenticated")
	parsed, err := v.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", parsed.Sub)
	assert.False(t, parsed.IsExpired())
}

func TestValidateTokenRejectsWrongAudience(t *testing.T) {
	secret := "jwt-secret"
	claims := jwt.MapClaims{
		"sub": "user-1",
		"aud": "service_role",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)

	v := NewVerifier("", secret, "authenticated")
	_, err = v.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	secret := "jwt-secret"
	claims := jwt.MapClaims{
		"sub": "user-1",
		"aud": "authenticated",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)

	v := NewVerifier("", secret, "authenticated")
	_, err = v.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExtractCredentialPrefersCanonicalHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-DRAGONFLY-API-KEY", "canon")
	r.Header.Set("X-API-Key", "legacy")
	apiKey, bearer := ExtractCredential(r)
	assert.Equal(t, "canon", apiKey)
	assert.Empty(t, bearer)
}

func TestExtractCredentialFallsBackToBearer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	apiKey, bearer := ExtractCredential(r)
	assert.Empty(t, apiKey)
	assert.Equal(t, "abc.def.ghi", bearer)
}
