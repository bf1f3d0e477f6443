package dataservice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestBuildDirectQueryEqFilter(t *testing.T) {
	query, args, err := buildDirectQuery("public", "v_intake_monitor", map[string]string{"status": "eq.failed"}, 10)
	require.NoError(t, err)
	assert.Contains(t, query, "WHERE status = $1")
	assert.Contains(t, query, "LIMIT 10")
	assert.Equal(t, []any{"failed"}, args)
}

func TestBuildDirectQueryIsNull(t *testing.T) {
	query, _, err := buildDirectQuery("ops", "ingest_batches", map[string]string{"worker_id": "is.NULL"}, 0)
	require.NoError(t, err)
	assert.Contains(t, query, "worker_id IS NULL")
}

func TestBuildDirectQueryRejectsUnknownOperator(t *testing.T) {
	_, _, err := buildDirectQuery("public", "v", map[string]string{"col": "bogus.1"}, 0)
	assert.Error(t, err)
}

func TestCacheReloadStateRateLimits(t *testing.T) {
	c := newCacheReloadState()
	assert.True(t, c.ShouldReload())
	assert.False(t, c.ShouldReload())
	assert.Equal(t, 1, c.ReloadCount())
}

func TestIsPGRSTCacheError(t *testing.T) {
	assert.True(t, isPGRSTCacheError([]byte(`{"code":"PGRST002","message":"schema cache"}`)))
	assert.False(t, isPGRSTCacheError([]byte(`{"code":"23505"}`)))
}

func TestViewNamePatternAllowsSchemaQualified(t *testing.T) {
	assert.True(t, viewNamePattern.MatchString("ops.v_intake_monitor"))
	assert.True(t, viewNamePattern.MatchString("v_system_health"))
	assert.False(t, viewNamePattern.MatchString("ops.v_x; DROP TABLE x"))
}

func TestCacheReloadStateAllowsAfterInterval(t *testing.T) {
	c := &CacheReloadState{limiter: rate.NewLimiter(rate.Every(20*time.Millisecond), 1)}
	require.True(t, c.ShouldReload())
	require.False(t, c.ShouldReload())
	assert.Eventually(t, c.ShouldReload, time.Second, 5*time.Millisecond)
}
