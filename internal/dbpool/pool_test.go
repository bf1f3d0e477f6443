package dbpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeAppNameStripsDisallowedCharacters(t *testing.T) {
	assert.Equal(t, "dragonfly_api_worker", SanitizeAppName("dragonfly api.worker"))
	assert.Equal(t, "abc_123", SanitizeAppName("abc-123"))
	assert.Equal(t, "noop", SanitizeAppName("noop"))
}

func TestFatalAuthExitError(t *testing.T) {
	err := &FatalAuthExit{Class: "auth_failure"}
	assert.Contains(t, err.Error(), "auth_failure")
}
