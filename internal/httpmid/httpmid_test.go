package httpmid

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mccabetrow/dragonfly-api/internal/logging"
	"github.com/mccabetrow/dragonfly-api/internal/metrics"
	"github.com/mccabetrow/dragonfly-api/internal/tracectx"
)

func TestTraceEchoesIncomingHeader(t *testing.T) {
	handler := Trace(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "incoming-id", tracectx.FromContext(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(tracectx.HeaderName, "incoming-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "incoming-id", rec.Header().Get(tracectx.HeaderName))
}

func TestTraceGeneratesWhenAbsent(t *testing.T) {
	handler := Trace(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get(tracectx.HeaderName))
}

func TestDegradeGuardConvertsPanicToDegradedOnUICritical(t *testing.T) {
	reg := metrics.New("test")
	log := logging.NewFromEnv("test")
	handler := DegradeGuard(log, reg, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded":true`)
}

func TestDegradeGuardReturns500ForNonUICritical(t *testing.T) {
	reg := metrics.New("test2")
	log := logging.NewFromEnv("test")
	handler := DegradeGuard(log, reg, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORSAllowsWildcardSubdomain(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{".example.com"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSRejectsUnlistedOrigin(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{".example.com"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
