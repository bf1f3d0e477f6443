package supervisor

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mccabetrow/dragonfly-api/internal/dbstate"
	"github.com/mccabetrow/dragonfly-api/internal/logging"
)

func TestSupervisorRetriesUntilReady(t *testing.T) {
	state := dbstate.New(dbstate.RoleWorker)
	state.MarkFailed(assertErr("boom"), dbstate.ClassNetwork, 10*time.Millisecond)

	var attempts int32
	var gotConn int32

	connect := func(ctx context.Context) (*sql.DB, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			state.MarkFailed(assertErr("still down"), dbstate.ClassNetwork, 10*time.Millisecond)
			return nil, assertErr("still down")
		}
		state.MarkConnected(time.Millisecond)
		return &sql.DB{}, nil
	}

	sup := New(state, connect, func(db *sql.DB) {
		atomic.AddInt32(&gotConn, 1)
	}, logging.NewFromEnv("test"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sup.Start(ctx)

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if state.Ready() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sup.Stop()

	assert.True(t, state.Ready())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
	assert.Equal(t, int32(1), atomic.LoadInt32(&gotConn))
}

func TestCanRetryNowWithoutScheduledRetry(t *testing.T) {
	state := dbstate.New(dbstate.RoleAPI)
	sup := &Supervisor{state: state}
	assert.True(t, sup.canRetryNow())
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertErr(msg string) error { return testErr(msg) }
