package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookClientNotConfiguredIsNoop(t *testing.T) {
	c := NewWebhookClient("")
	assert.False(t, c.IsConfigured())
	assert.NoError(t, c.SendMessage(context.Background(), "hello", "bot"))
}

func TestWebhookClientSendsJSONPayload(t *testing.T) {
	var gotContent, gotUsername string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotContent = body["content"]
		gotUsername = body["username"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewWebhookClient(srv.URL)
	require.True(t, c.IsConfigured())
	require.NoError(t, c.SendMessage(context.Background(), "batch failed", "dragonfly-intake"))

	assert.Equal(t, "batch failed", gotContent)
	assert.Equal(t, "dragonfly-intake", gotUsername)
}

func TestWebhookClientReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewWebhookClient(srv.URL)
	assert.Error(t, c.SendMessage(context.Background(), "x", "y"))
}

func TestGuardianAlerterFormatsMessage(t *testing.T) {
	var gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotContent = body["content"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	alerter := GuardianAlerter{Client: NewWebhookClient(srv.URL)}
	require.NoError(t, alerter.Alert(context.Background(), "batch-9", "cases.csv", "stale > 5 minutes"))
	assert.Contains(t, gotContent, "batch-9")
	assert.Contains(t, gotContent, "cases.csv")
}
