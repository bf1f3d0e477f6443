package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnvPriority(t *testing.T) {
	t.Setenv("DRAGONFLY_ENV", "from-process-env")
	assert.Equal(t, "explicit", resolveEnv("explicit", "flag"))
	assert.Equal(t, "flag", resolveEnv("", "flag"))
	assert.Equal(t, "from-process-env", resolveEnv("", ""))

	os.Unsetenv("DRAGONFLY_ENV")
	assert.Equal(t, "dev", resolveEnv("", ""))
}

func TestGuardCrossEnvironmentRejectsDevHost(t *testing.T) {
	cfg := &Config{ActiveEnv: "prod", DatabaseURL: "postgres://u:p@localhost:5432/db"}
	err := cfg.guardCrossEnvironment()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCrossEnvironmentCredentials)
}

func TestGuardCrossEnvironmentAllowsProdHostInProd(t *testing.T) {
	cfg := &Config{ActiveEnv: "prod", DatabaseURL: "postgres://u:p@db.prod.example.com:5432/db"}
	assert.NoError(t, cfg.guardCrossEnvironment())
}

func TestGuardCrossEnvironmentSkippedInDev(t *testing.T) {
	cfg := &Config{ActiveEnv: "dev", DatabaseURL: "postgres://u:p@localhost:5432/db"}
	assert.NoError(t, cfg.guardCrossEnvironment())
}

func TestHasDatabaseURL(t *testing.T) {
	assert.False(t, (&Config{}).HasDatabaseURL())
	assert.True(t, (&Config{DatabaseURL: "postgres://x"}).HasDatabaseURL())
}

func TestAddrDefaults(t *testing.T) {
	assert.Equal(t, "0.0.0.0:8080", (&Config{}).Addr())
	assert.Equal(t, "127.0.0.1:9090", (&Config{Host: "127.0.0.1", Port: 9090}).Addr())
}

func TestCORSOriginListEmptyDeniesAll(t *testing.T) {
	assert.Nil(t, (&Config{}).CORSOriginList())
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"},
		(&Config{CORSOrigins: "https://a.example.com, https://b.example.com"}).CORSOriginList())
}

func TestLoadTunablesDefaultsWhenFileMissing(t *testing.T) {
	tunables, err := loadTunables("/tmp/dragonfly-tunables-does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, defaultTunables(), tunables)
}

func TestLoadTunablesOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/dragonfly.yaml"
	require.NoError(t, os.WriteFile(path, []byte("guardian_stale_minutes: 15\n"), 0o644))

	tunables, err := loadTunables(path)
	require.NoError(t, err)
	assert.Equal(t, 15, tunables.GuardianStaleMinutes)
	assert.Equal(t, defaultTunables().IngestAbortThreshold, tunables.IngestAbortThreshold)
}

func TestLoadTunablesRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/dragonfly.yaml"
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	_, err := loadTunables(path)
	assert.Error(t, err)
}
