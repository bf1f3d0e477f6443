package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mccabetrow/dragonfly-api/internal/logging"
)

func TestAddJobRejectsInvalidSpec(t *testing.T) {
	s := New(logging.NewFromEnv("test"))
	err := s.AddJob("not a cron spec", "bad-job", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestAddJobRunsOnSchedule(t *testing.T) {
	s := New(logging.NewFromEnv("test"))
	var runs int32
	require.NoError(t, s.AddJob("@every 1s", "fast-job", func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))

	s.Start()
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestAddJobFailureDoesNotStopScheduler(t *testing.T) {
	s := New(logging.NewFromEnv("test"))
	var runs int32
	require.NoError(t, s.AddJob("@every 1s", "failing-job", func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("boom")
	}))

	s.Start()
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, 3*time.Second, 10*time.Millisecond)
}
