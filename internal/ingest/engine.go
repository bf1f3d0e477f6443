package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mccabetrow/dragonfly-api/internal/judgments"
	"github.com/mccabetrow/dragonfly-api/internal/logging"
)

const (
	chunkSize             = 500
	defaultAbortThreshold = 100
)

// Options configures one IngestFile call.
type Options struct {
	Source   Source
	Filename string
	Creator  string
	WorkerID string
	BatchID  string // caller-provided, optional
	Reader   io.ReadSeeker
}

// BatchResult is returned to the HTTP handler immediately after the batch
// row is created; it reflects that moment and is not updated as the
// background processing goes on.
type BatchResult struct {
	BatchID   string
	Status    Status
	Duplicate bool
}

// RowLogWriter persists row log entries; implemented against *sql.DB in
// production, faked in tests.
type RowLogWriter interface {
	WriteRowLog(ctx context.Context, entry RowLogEntry) error
}

// NotificationFunc fires a best-effort downstream notification on a
// successful insert; its error is logged and never fails the row.
type NotificationFunc func(ctx context.Context, caseNumber string) error

// Engine drives the chunked ingestion pipeline.
type Engine struct {
	db             *sql.DB
	store          *judgments.Store
	rowLog         RowLogWriter
	notify         NotificationFunc
	log            *logging.Logger
	abortThreshold int
}

func NewEngine(db *sql.DB, store *judgments.Store, rowLog RowLogWriter, notify NotificationFunc, log *logging.Logger) *Engine {
	return &Engine{db: db, store: store, rowLog: rowLog, notify: notify, log: log, abortThreshold: defaultAbortThreshold}
}

// WithAbortThreshold overrides the default 100-consecutive-error runaway
// abort threshold.
func (e *Engine) WithAbortThreshold(n int) *Engine {
	if n > 0 {
		e.abortThreshold = n
	}
	return e
}

// IngestFile executes the full batch lifecycle: content-hash idempotency
// check, batch row creation, chunked parse, per-row processing, and final
// aggregate update. A row's upsert and its row-log write are separate
// statements; no transaction spans them.
func (e *Engine) IngestFile(ctx context.Context, opts Options) (BatchResult, error) {
	hash, err := contentHash(opts.Reader)
	if err != nil {
		return BatchResult{}, fmt.Errorf("hash content: %w", err)
	}

	if existing, ok, err := e.findExistingBatch(ctx, opts.Filename, hash); err != nil {
		return BatchResult{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if ok {
		return BatchResult{BatchID: existing, Status: StatusCompleted, Duplicate: true}, nil
	}

	batchID := opts.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	if err := e.createBatch(ctx, batchID, opts, hash); err != nil {
		return BatchResult{}, fmt.Errorf("create batch: %w", err)
	}

	go e.processBatch(context.WithoutCancel(ctx), batchID, opts)

	return BatchResult{BatchID: batchID, Status: StatusProcessing}, nil
}

func contentHash(r io.ReadSeeker) (string, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (e *Engine) findExistingBatch(ctx context.Context, filename, hash string) (string, bool, error) {
	var id string
	err := e.db.QueryRowContext(ctx, `
		SELECT id FROM ops.ingest_batches
		WHERE filename = $1 AND content_hash = $2 AND status != 'failed'
		ORDER BY created_at DESC LIMIT 1
	`, filename, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (e *Engine) createBatch(ctx context.Context, batchID string, opts Options, hash string) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO ops.ingest_batches (
			id, source, filename, content_hash, status, creator, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 'pending', $5, NOW(), NOW())
	`, batchID, opts.Source, opts.Filename, hash, opts.Creator)
	return err
}

// processBatch runs the chunked parse + per-row transactional work. It is
// launched in its own goroutine by IngestFile so the HTTP handler can
// return immediately with {batch_id, status: "processing"}.
func (e *Engine) processBatch(ctx context.Context, batchID string, opts Options) {
	started := time.Now()
	if err := e.markProcessing(ctx, batchID, opts.WorkerID); err != nil {
		e.log.WithError(err).Error("mark batch processing failed")
		return
	}

	reader := csv.NewReader(opts.Reader)
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		e.failBatch(ctx, batchID, fmt.Sprintf("read header: %v", err))
		return
	}
	canonicalIdx, _ := buildHeaderMap(headers)

	var rowIndex int
	var rowRaw, rowValid, rowInvalid int
	stats := Stats{}
	consecutiveErrors := 0
	aborted := false

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			stats.Errors++
			consecutiveErrors++
			if consecutiveErrors >= e.abortThreshold {
				aborted = true
				break
			}
			continue
		}

		rowRaw++
		outcome, code := e.processRow(ctx, batchID, rowIndex, canonicalIdx, record)
		switch outcome {
		case RowSuccess:
			rowValid++
			consecutiveErrors = 0
		case RowDuplicate:
			rowValid++
			stats.Duplicates++
			consecutiveErrors = 0
		case RowSkipped:
			stats.Skipped++
			consecutiveErrors = 0
		case RowError:
			rowInvalid++
			stats.Errors++
			consecutiveErrors++
			_ = code
			if consecutiveErrors >= e.abortThreshold {
				aborted = true
			}
		}
		rowIndex++

		if aborted {
			break
		}
		if rowIndex%chunkSize == 0 {
			e.log.WithFields(map[string]any{"batch_id": batchID, "rows": rowIndex}).Debug("ingest chunk boundary")
		}
	}

	if aborted {
		e.finalizeBatch(ctx, batchID, StatusFailed, rowRaw, rowValid, rowInvalid, stats, started)
		return
	}
	e.finalizeBatch(ctx, batchID, StatusCompleted, rowRaw, rowValid, rowInvalid, stats, started)
}

func (e *Engine) markProcessing(ctx context.Context, batchID, workerID string) error {
	_, err := e.db.ExecContext(ctx, `
		UPDATE ops.ingest_batches
		SET status = 'processing', started_at = NOW(), worker_id = $2, updated_at = NOW()
		WHERE id = $1
	`, batchID, workerID)
	return err
}

// processRow validates, parses, upserts, classifies, and fires the
// notify hook only on a fresh insert, never on an update.
func (e *Engine) processRow(ctx context.Context, batchID string, rowIndex int, idx map[string]int, record []string) (RowStatus, ErrorCode) {
	start := time.Now()

	get := func(field string) string {
		i, ok := idx[field]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	caseNumber := strings.TrimSpace(get("case_number"))
	if caseNumber == "" {
		e.logRow(ctx, batchID, rowIndex, RowError, nil, ptr(string(ErrValidation)), ptr("case_number is required"), time.Since(start))
		return RowError, ErrValidation
	}

	var amount sql.NullFloat64
	if raw := get("judgment_amount"); raw != "" {
		v, ok := parseAmount(raw)
		if !ok {
			e.logRow(ctx, batchID, rowIndex, RowError, nil, ptr(string(ErrValidation)), ptr("judgment_amount is not numeric"), time.Since(start))
			return RowError, ErrValidation
		}
		amount = sql.NullFloat64{Float64: v, Valid: true}
	}

	var entryDate sql.NullTime
	if raw := get("judgment_date"); raw != "" {
		if t, ok := parseJudgmentDate(raw); ok {
			entryDate = sql.NullTime{Time: t, Valid: true}
		}
	}

	j := judgments.Judgment{
		CaseNumber:     caseNumber,
		PlaintiffName:  nullableString(get("plaintiff_name")),
		DefendantName:  nullableString(get("defendant_name")),
		JudgmentAmount: amount,
		EntryDate:      entryDate,
		Court:          nullableString(get("court")),
		County:         nullableString(get("county")),
	}

	outcome, err := e.store.Upsert(ctx, j)
	if err != nil {
		if isUniqueViolation(err) {
			e.logRow(ctx, batchID, rowIndex, RowDuplicate, nil, nil, nil, time.Since(start))
			return RowDuplicate, ""
		}
		detail := truncateDetail(err.Error())
		e.logRow(ctx, batchID, rowIndex, RowError, nil, ptr(string(ErrDatabase)), ptr(detail), time.Since(start))
		return RowError, ErrDatabase
	}

	e.logRow(ctx, batchID, rowIndex, RowSuccess, ptr(caseNumber), nil, nil, time.Since(start))

	if outcome == judgments.Inserted && e.notify != nil {
		if err := e.notify(ctx, caseNumber); err != nil {
			e.log.WithError(err).Warn("downstream notification failed, row unaffected")
		}
	}
	return RowSuccess, ""
}

func (e *Engine) logRow(ctx context.Context, batchID string, rowIndex int, status RowStatus, entityID, code, details *string, dur time.Duration) {
	if e.rowLog == nil {
		return
	}
	if err := e.rowLog.WriteRowLog(ctx, RowLogEntry{
		BatchID: batchID, RowIndex: rowIndex, Status: status,
		EntityID: entityID, ErrorCode: code, ErrorDetails: details,
		ProcessingTime: dur,
	}); err != nil {
		e.log.WithError(err).Error("write row log failed")
	}
}

func (e *Engine) failBatch(ctx context.Context, batchID, reason string) {
	_, err := e.db.ExecContext(ctx, `
		UPDATE ops.ingest_batches
		SET status = 'failed', error_summary = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, batchID, truncateDetail(reason))
	if err != nil {
		e.log.WithError(err).Error("fail batch update failed")
	}
}

func (e *Engine) finalizeBatch(ctx context.Context, batchID string, status Status, raw, valid, invalid int, stats Stats, started time.Time) {
	_, err := e.db.ExecContext(ctx, `
		UPDATE ops.ingest_batches
		SET status = $2, row_count_raw = $3, row_count_valid = $4, row_count_invalid = $5,
			stats = $6, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, batchID, status, raw, valid, invalid, statsJSON(stats))
	if err != nil {
		e.log.WithError(err).Error("finalize batch update failed")
	}
	e.log.WithFields(map[string]any{
		"batch_id": batchID, "status": status, "row_count_raw": raw,
		"row_count_valid": valid, "row_count_invalid": invalid,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("batch finalized")
}

func statsJSON(s Stats) string {
	return fmt.Sprintf(`{"duplicates":%d,"skipped":%d,"errors":%d}`, s.Duplicates, s.Skipped, s.Errors)
}

func nullableString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func ptr(s string) *string { return &s }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate key")
}
