// Package supervisor runs the background reconnection loop that keeps
// retrying the database pool while the process stays up, independent of
// whatever triggered the original failure (boot-time or mid-flight).
package supervisor

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/mccabetrow/dragonfly-api/internal/dbstate"
	"github.com/mccabetrow/dragonfly-api/internal/logging"
)

// RetrySafetyMargin is the minimum remaining wait below which the
// supervisor attempts a reconnect immediately rather than sleeping again.
const RetrySafetyMargin = 5 * time.Second

const (
	idlePollInterval   = 60 * time.Second
	maxSleepPerTick    = 60 * time.Second
	longWaitLogBound   = 120 * time.Second
	postAttemptCooldown = 1 * time.Second
)

// ConnectFunc attempts one pool initialization and returns the opened
// pool, or the error the attempt produced. Installing the pool (e.g. by
// swapping a *sql.DB behind a holder) is left to the Supervisor's onConn
// callback. It is responsible for calling
// state.MarkConnected/MarkFailed itself, mirroring dbpool.Open's contract.
type ConnectFunc func(ctx context.Context) (*sql.DB, error)

// Supervisor periodically retries ConnectFunc while state reports
// not-ready, honoring the backoff window dbpool/dbstate computed, and
// goes idle (polling once a minute) once the pool reports ready.
type Supervisor struct {
	state   *dbstate.State
	connect ConnectFunc
	onConn  func(*sql.DB)
	log     *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New builds a Supervisor. onConn is invoked with the freshly opened pool
// whenever a background reconnect succeeds, so the caller can swap it into
// whatever holder the rest of the process reads from.
func New(state *dbstate.State, connect ConnectFunc, onConn func(*sql.DB), log *logging.Logger) *Supervisor {
	return &Supervisor{state: state, connect: connect, onConn: onConn, log: log}
}

// Start launches the supervisor loop in a goroutine. Calling Start twice
// without an intervening Stop is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.state.SetSupervisorRunning(true)

	go func() {
		defer close(s.done)
		s.run(runCtx)
	}()
}

// Stop cancels the loop and waits for it to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.state.SetSupervisorRunning(false)
}

func (s *Supervisor) run(ctx context.Context) {
	var loggedWait bool

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.state.Ready() {
			loggedWait = false
			if !sleepCtx(ctx, idlePollInterval) {
				return
			}
			continue
		}

		if !s.canRetryNow() {
			retryIn, ok := s.state.NextRetryIn()
			wait := maxSleepPerTick
			if ok && retryIn < wait {
				wait = retryIn
			}
			if ok && retryIn > longWaitLogBound && !loggedWait {
				s.log.WithFields(map[string]any{"retry_in_seconds": int(retryIn.Seconds())}).
					Info("db supervisor waiting for backoff window to elapse")
				loggedWait = true
			}
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		db, err := s.connect(ctx)
		loggedWait = false
		if err != nil {
			s.log.WithError(err).Warn("db supervisor reconnect attempt failed")
		} else if db != nil && s.onConn != nil {
			s.onConn(db)
		}

		if !sleepCtx(ctx, postAttemptCooldown) {
			return
		}
	}
}

// canRetryNow reports whether the backoff window has elapsed, with a small
// safety margin so the supervisor never busy-loops on a window that is
// about to close but hasn't quite.
func (s *Supervisor) canRetryNow() bool {
	retryIn, hasRetry := s.state.NextRetryIn()
	if !hasRetry {
		return true
	}
	return retryIn <= RetrySafetyMargin
}

// sleepCtx sleeps for d or until ctx is cancelled, returning false in the
// latter case so callers can exit their loop immediately.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
