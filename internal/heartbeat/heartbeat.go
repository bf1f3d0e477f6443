// Package heartbeat emits periodic worker liveness signals, each
// independently rate-limited: to logs, and to the registry table via a
// stored procedure so the worker role needs no direct table grant.
package heartbeat

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mccabetrow/dragonfly-api/internal/logging"
)

const (
	defaultLogInterval = 60 * time.Second
	defaultDBInterval  = 30 * time.Second
)

// Status enumerates a worker's lifecycle state as reported in heartbeats.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
)

// Heartbeat tracks one worker's liveness and emits rate-limited signals.
type Heartbeat struct {
	workerID   string
	workerType string
	hostname   string
	db         *sql.DB
	log        *logging.Logger

	logLimiter *rate.Limiter
	dbLimiter  *rate.Limiter

	mu            sync.Mutex
	status        Status
	startedAt     time.Time
	jobsProcessed int
	errorsCount   int
	lastError     string
}

// New builds a Heartbeat for workerType, generating a uuid-suffixed
// worker id (e.g. "ingest_processor-3f2a91c4").
func New(workerType string, db *sql.DB, log *logging.Logger) *Heartbeat {
	hostname, _ := os.Hostname()
	return &Heartbeat{
		workerID:   workerType + "-" + uuid.NewString()[:8],
		workerType: workerType,
		hostname:   hostname,
		db:         db,
		log:        log,
		logLimiter: rate.NewLimiter(rate.Every(defaultLogInterval), 1),
		dbLimiter:  rate.NewLimiter(rate.Every(defaultDBInterval), 1),
		status:     StatusStarting,
		startedAt:  time.Now(),
	}
}

func (h *Heartbeat) WorkerID() string { return h.workerID }

// SetDB rebinds the pool a reconnect handed over, so DB-backed beats
// resume after a worker that booted with no database comes back online.
func (h *Heartbeat) SetDB(db *sql.DB) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.db = db
}

// RecordJobProcessed bumps the jobs-processed counter surfaced in logs.
func (h *Heartbeat) RecordJobProcessed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobsProcessed++
}

// RecordError bumps the error counter and stashes a truncated message.
func (h *Heartbeat) RecordError(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorsCount++
	if len(msg) > 200 {
		msg = msg[:200]
	}
	h.lastError = msg
}

// Beat emits a log heartbeat and/or DB heartbeat if their respective
// intervals have elapsed since the last emission, or always when force
// is true (used on startup/shutdown).
func (h *Heartbeat) Beat(ctx context.Context, force bool) {
	allowLog := h.logLimiter.Allow()
	allowDB := h.dbLimiter.Allow()
	doLog := force || allowLog
	doDB := force || allowDB

	h.mu.Lock()
	if h.status == StatusStarting {
		h.status = StatusRunning
	}
	snapshot := h.snapshotLocked()
	h.mu.Unlock()

	if doLog {
		h.emitLog(snapshot)
	}
	if doDB {
		h.emitDB(ctx, snapshot)
	}
}

type beatSnapshot struct {
	status        Status
	uptime        time.Duration
	jobsProcessed int
	errorsCount   int
	lastError     string
}

func (h *Heartbeat) snapshotLocked() beatSnapshot {
	return beatSnapshot{
		status:        h.status,
		uptime:        time.Since(h.startedAt),
		jobsProcessed: h.jobsProcessed,
		errorsCount:   h.errorsCount,
		lastError:     h.lastError,
	}
}

func (h *Heartbeat) emitLog(s beatSnapshot) {
	fields := map[string]any{
		"worker_id":      h.workerID,
		"worker_type":    h.workerType,
		"status":         s.status,
		"uptime_minutes": int(s.uptime.Minutes()),
		"jobs_processed": s.jobsProcessed,
		"errors_count":   s.errorsCount,
		"hostname":       h.hostname,
	}
	if s.lastError != "" {
		fields["last_error"] = s.lastError
	}
	h.log.WithFields(fields).Info("worker heartbeat")
}

// emitDB calls the ops.record_heartbeat(...) stored procedure; the worker
// role has execute grant on the function but no direct table grant, a
// security-definer pattern that keeps the registry table's schema opaque
// to workers. Failure here never aborts the worker.
func (h *Heartbeat) emitDB(ctx context.Context, s beatSnapshot) {
	h.mu.Lock()
	db := h.db
	h.mu.Unlock()
	if db == nil {
		return
	}
	_, err := db.ExecContext(ctx, `SELECT ops.record_heartbeat($1, $2, $3, $4)`,
		h.workerID, h.workerType, h.hostname, string(s.status))
	if err != nil {
		h.log.WithError(err).Warn("db heartbeat write failed")
	}
}

// Startup emits an immediate forced heartbeat and logs a startup event.
func (h *Heartbeat) Startup(ctx context.Context) {
	h.Beat(ctx, true)
	h.log.WithFields(map[string]any{
		"worker_id": h.workerID, "worker_type": h.workerType, "hostname": h.hostname,
	}).Info("worker started")
}

// Shutdown marks the worker stopped, emits a final DB heartbeat, and logs.
func (h *Heartbeat) Shutdown(ctx context.Context, reason string) {
	h.mu.Lock()
	h.status = StatusStopped
	snapshot := h.snapshotLocked()
	h.mu.Unlock()

	h.emitDB(ctx, snapshot)
	h.log.WithFields(map[string]any{
		"worker_id": h.workerID, "worker_type": h.workerType, "reason": strings.TrimSpace(reason),
		"uptime_seconds": int(snapshot.uptime.Seconds()), "jobs_processed": snapshot.jobsProcessed,
	}).Info("worker stopped")
}
