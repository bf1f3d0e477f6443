// Package dbpool owns connection-pool initialization: bounded, jittered
// retries on boot, application-name sanitization, and the lightweight
// readiness probe used by health/readiness handlers.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/mccabetrow/dragonfly-api/internal/dbstate"
	"github.com/mccabetrow/dragonfly-api/internal/dsn"
	"github.com/mccabetrow/dragonfly-api/internal/resilience"
)

const (
	maxOpenConns   = 10
	minIdleConns   = 2
	maxInitAttempts = 6
	initWallBudget  = 60 * time.Second
)

var appNameDisallowed = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// SanitizeAppName replaces each run of characters other than alphanumerics
// and underscore with a single underscore. Spaces,
// dots, and shell-significant characters have previously broken pooler
// argument parsing.
func SanitizeAppName(name string) string {
	return appNameDisallowed.ReplaceAllString(name, "_")
}

// FatalAuthExit is returned by Open when a WORKER process must exit on a
// fatal auth/lockout classification. Callers should os.Exit(78).
type FatalAuthExit struct {
	Class ErrorClass
	Err   error
}

type ErrorClass = dbstate.ErrorClass

func (e *FatalAuthExit) Error() string {
	return fmt.Sprintf("fatal %s on worker process: %v", e.Class, e.Err)
}

// Open attempts to connect up to 6 times within a 60s wall budget, applying
// an exponential backoff policy between attempts. On success it calls
// state.MarkConnected; on exhaustion it calls state.MarkFailed with the
// final error's class. A fatal auth/lockout class on a WORKER process
// returns a *FatalAuthExit instead of retrying further.
func Open(ctx context.Context, rawDSN string, appName string, state *dbstate.State) (*sql.DB, error) {
	deadline := time.Now().Add(initWallBudget)

	var lastErr error
	var lastClass dbstate.ErrorClass
	made := 0

attempts:
	for attempt := 0; attempt < maxInitAttempts; attempt++ {
		if time.Now().After(deadline) {
			break
		}

		state.IncrementInitAttempts()
		made++
		start := time.Now()

		db, err := connectOnce(ctx, rawDSN, appName)
		if err == nil {
			state.MarkConnected(time.Since(start))
			return db, nil
		}

		class := dbstate.ClassifyError(err)
		lastErr = err
		lastClass = class

		if (class == dbstate.ClassLockout || class == dbstate.ClassAuthFailure) && state.ProcessRole() == dbstate.RoleWorker {
			return nil, &FatalAuthExit{Class: class, Err: err}
		}

		// Lockout/auth_failure windows (15m+) exceed the 60s init budget by
		// design — a single attempt is made and the supervisor takes over
		// rather than blocking boot for the full window.
		if class == dbstate.ClassLockout || class == dbstate.ClassAuthFailure {
			break
		}

		delay := dbstate.Backoff(class, attempt)
		if time.Now().Add(delay).After(deadline) {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			break attempts
		}
	}

	delay := dbstate.Backoff(lastClass, maxInitAttempts)
	state.MarkFailed(lastErr, lastClass, delay)
	return nil, fmt.Errorf("connect to postgres after %d attempts: %w", made, lastErr)
}

func connectOnce(ctx context.Context, rawDSN string, appName string) (*sql.DB, error) {
	trimmed := strings.TrimSpace(rawDSN)
	if trimmed == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	sanitized, err := dsn.Sanitize(&trimmed)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("sanitize dsn: %w", err))
	}

	connStr, err := withEnforcedOptions(trimmed, sanitized, appName)
	if err != nil {
		return nil, resilience.Permanent(err)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(minIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

func withEnforcedOptions(rawDSN string, sanitized dsn.Sanitized, appName string) (string, error) {
	sep := "?"
	if strings.Contains(rawDSN, "?") {
		sep = "&"
	}
	out := rawDSN
	if sanitized.SSLMode == "" || sanitized.SSLMode == "disable" || sanitized.SSLMode == "allow" || sanitized.SSLMode == "prefer" {
		out += sep + "sslmode=require"
		sep = "&"
	}
	if clean := SanitizeAppName(appName); clean != "" {
		out += sep + "application_name=" + clean
	}
	return out, nil
}

// CheckReady runs SELECT 1 against db with the given timeout (2s default
// when timeout <= 0), returning (ok, status message). It records nothing
// in dbstate: neither healthy/unhealthy bookkeeping nor ready semantics
// change here — ready remains the pool initializer's job.
func CheckReady(ctx context.Context, db *sql.DB, timeout time.Duration) (bool, string) {
	if db == nil {
		return false, "pool not initialized"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var one int
	if err := db.QueryRowContext(probeCtx, "SELECT 1").Scan(&one); err != nil {
		return false, "db probe failed"
	}
	return true, "ok"
}
