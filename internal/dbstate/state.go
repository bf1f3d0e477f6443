// Package dbstate tracks process-wide database readiness: whether the
// pool is usable, the last failure's class, and the backoff window the
// supervisor must honor before reconnecting.
package dbstate

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// ProcessRole distinguishes an API process (never exits on DB failure)
// from a worker process (may exit to avoid lockout amplification).
type ProcessRole string

const (
	RoleAPI    ProcessRole = "api"
	RoleWorker ProcessRole = "worker"
)

// DetectProcessRole resolves the role from PROCESS_ROLE, the legacy
// WORKER_MODE flag, or entrypoint-name heuristics, defaulting to API
// (the safest choice — it never crash-loops).
func DetectProcessRole() ProcessRole {
	role := strings.ToLower(strings.TrimSpace(os.Getenv("PROCESS_ROLE")))
	switch role {
	case "api":
		return RoleAPI
	case "worker":
		return RoleWorker
	}

	if v := strings.ToLower(strings.TrimSpace(os.Getenv("WORKER_MODE"))); v == "1" || v == "true" || v == "yes" {
		return RoleWorker
	}

	script := ""
	if len(os.Args) > 0 {
		script = strings.ToLower(os.Args[0])
	}
	for _, pattern := range []string{"worker", "celery", "rq", "ingest", "watcher", "scheduler", "sentinel", "orchestrator"} {
		if strings.Contains(script, pattern) {
			return RoleWorker
		}
	}
	return RoleAPI
}

// ErrorClass is a closed enumeration of low-level database error categories.
type ErrorClass string

const (
	ClassLockout     ErrorClass = "lockout"
	ClassAuthFailure ErrorClass = "auth_failure"
	ClassNetwork     ErrorClass = "network"
	ClassNoConfig    ErrorClass = "no_config"
	ClassOther       ErrorClass = "other"
)

// State is the process-wide DB readiness singleton. All fields are
// guarded by mu; use the exported methods, never touch fields directly.
type State struct {
	mu sync.RWMutex

	ready       bool
	healthy     bool
	initialized bool

	lastError      string
	lastErrorClass ErrorClass
	lastAttemptTS  time.Time
	nextRetryTS    time.Time
	hasNextRetry   bool

	initAttempts        int
	consecutiveFailures int

	processRole       ProcessRole
	supervisorRunning bool
}

// New creates a State with the given process role.
func New(role ProcessRole) *State {
	return &State{processRole: role}
}

// MarkConnected records a successful connection attempt.
func (s *State) MarkConnected(initDuration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
	s.healthy = true
	s.initialized = true
	s.lastError = ""
	s.lastErrorClass = ""
	s.consecutiveFailures = 0
	s.lastAttemptTS = time.Now()
	s.hasNextRetry = false
	_ = initDuration
}

// MarkFailed records a failed connection attempt, scheduling the next
// retry at now + nextRetryDelay.
func (s *State) MarkFailed(err error, class ErrorClass, nextRetryDelay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	s.healthy = false
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	s.lastError = msg
	s.lastErrorClass = class
	s.consecutiveFailures++
	s.lastAttemptTS = time.Now()
	s.nextRetryTS = time.Now().Add(nextRetryDelay)
	s.hasNextRetry = true
}

// MarkNoConfig records that no DSN was configured at all; no retry is
// scheduled since there is nothing to retry against.
func (s *State) MarkNoConfig() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	s.healthy = false
	s.initialized = false
	s.lastError = "database URL not configured"
	s.lastErrorClass = ClassNoConfig
	s.hasNextRetry = false
}

// IncrementInitAttempts bumps the attempt counter; called by the
// supervisor/pool initializer before each connection attempt.
func (s *State) IncrementInitAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initAttempts++
	return s.initAttempts
}

// SetSupervisorRunning records whether the background supervisor is active.
func (s *State) SetSupervisorRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supervisorRunning = running
}

// Ready reports current readiness.
func (s *State) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// ProcessRole returns the process's resolved role.
func (s *State) ProcessRole() ProcessRole {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processRole
}

// NextRetryIn returns the remaining time until the next retry attempt is
// permitted, and whether a retry is scheduled at all.
func (s *State) NextRetryIn() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasNextRetry {
		return 0, false
	}
	remaining := time.Until(s.nextRetryTS)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// OperatorStatus formats the single-line log message operators grep for.
func (s *State) OperatorStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ready {
		return "[DB] READY=true"
	}
	reason := string(s.lastErrorClass)
	if reason == "" {
		reason = "unknown"
	}
	if s.hasNextRetry {
		remaining := time.Until(s.nextRetryTS)
		if remaining < 0 {
			remaining = 0
		}
		return fmt.Sprintf("[DB] READY=false reason=%s next_retry_in=%ds", reason, int(remaining.Seconds()))
	}
	return fmt.Sprintf("[DB] READY=false reason=%s", reason)
}

// ReadinessMetadata returns a JSON-serializable snapshot for /readyz and
// the metrics endpoint.
func (s *State) ReadinessMetadata() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nextRetrySeconds any
	if s.hasNextRetry {
		remaining := time.Until(s.nextRetryTS)
		if remaining < 0 {
			remaining = 0
		}
		nextRetrySeconds = int(remaining.Seconds())
	}

	var lastErrorClass any
	if s.lastErrorClass != "" {
		lastErrorClass = string(s.lastErrorClass)
	}

	return map[string]any{
		"ready":                  s.ready,
		"healthy":                s.healthy,
		"initialized":            s.initialized,
		"last_error":             nilIfEmpty(s.lastError),
		"last_error_class":       lastErrorClass,
		"consecutive_failures":   s.consecutiveFailures,
		"next_retry_in_seconds":  nextRetrySeconds,
		"init_attempts":          s.initAttempts,
		"process_role":           string(s.processRole),
		"supervisor_running":     s.supervisorRunning,
	}
}

// ShouldExitOnAuthFailure reports whether this process role exits on an
// auth/lockout failure class (workers do, the API never does).
func (s *State) ShouldExitOnAuthFailure() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processRole == RoleWorker
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
