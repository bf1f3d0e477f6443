package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Query serves the read-model side of intake: batch listing, batch detail,
// per-row error logs, and the aggregate state summary the dashboard polls.
type Query struct {
	db *sql.DB
}

func NewQuery(db *sql.DB) *Query {
	return &Query{db: db}
}

// BatchPage is one page of batch listing results.
type BatchPage struct {
	Batches  []Batch
	Total    int
	Page     int
	PageSize int
}

// ListBatches returns batches ordered newest-first, optionally filtered by
// status, paginated with a 1-indexed page number.
func (q *Query) ListBatches(ctx context.Context, status string, page, pageSize int) (BatchPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	args := []any{}
	where := ""
	if status != "" {
		where = "WHERE status = $1"
		args = append(args, status)
	}

	var total int
	countQuery := fmt.Sprintf("SELECT count(*) FROM ops.ingest_batches %s", where)
	if err := q.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return BatchPage{}, fmt.Errorf("count batches: %w", err)
	}

	args = append(args, pageSize, offset)
	listQuery := fmt.Sprintf(`
		SELECT id, source, filename, content_hash, status, row_count_raw, row_count_valid,
		       row_count_invalid, created_at, started_at, completed_at, worker_id, creator, stats
		FROM ops.ingest_batches %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := q.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return BatchPage{}, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	batches, err := scanBatches(rows)
	if err != nil {
		return BatchPage{}, err
	}

	return BatchPage{Batches: batches, Total: total, Page: page, PageSize: pageSize}, nil
}

// GetBatch fetches one batch by id; returns sql.ErrNoRows if not found.
func (q *Query) GetBatch(ctx context.Context, id string) (Batch, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, source, filename, content_hash, status, row_count_raw, row_count_valid,
		       row_count_invalid, created_at, started_at, completed_at, worker_id, creator, stats
		FROM ops.ingest_batches WHERE id = $1
	`, id)
	return scanBatch(row)
}

// RowError is one failed/duplicate row surfaced in the batch error log.
type RowError struct {
	RowIndex     int
	Status       RowStatus
	EntityID     *string
	ErrorCode    *string
	ErrorDetails *string
}

// ErrorPage is one page of a batch's error log.
type ErrorPage struct {
	Errors   []RowError
	Total    int
	Page     int
	PageSize int
}

// ListBatchErrors returns the non-success row log entries for a batch.
func (q *Query) ListBatchErrors(ctx context.Context, batchID string, page, pageSize int) (ErrorPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	var total int
	if err := q.db.QueryRowContext(ctx, `
		SELECT count(*) FROM ops.intake_logs WHERE batch_id = $1 AND status != 'success'
	`, batchID).Scan(&total); err != nil {
		return ErrorPage{}, fmt.Errorf("count batch errors: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT row_index, status, entity_id, error_code, error_details
		FROM ops.intake_logs
		WHERE batch_id = $1 AND status != 'success'
		ORDER BY row_index ASC NULLS FIRST
		LIMIT $2 OFFSET $3
	`, batchID, pageSize, offset)
	if err != nil {
		return ErrorPage{}, fmt.Errorf("list batch errors: %w", err)
	}
	defer rows.Close()

	var errs []RowError
	for rows.Next() {
		var e RowError
		var rowIndex sql.NullInt64
		if err := rows.Scan(&rowIndex, &e.Status, &e.EntityID, &e.ErrorCode, &e.ErrorDetails); err != nil {
			return ErrorPage{}, fmt.Errorf("scan batch error: %w", err)
		}
		if rowIndex.Valid {
			e.RowIndex = int(rowIndex.Int64)
		} else {
			e.RowIndex = -1
		}
		errs = append(errs, e)
	}
	return ErrorPage{Errors: errs, Total: total, Page: page, PageSize: pageSize}, rows.Err()
}

// StateSummary is the /api/v1/intake/state aggregate.
type StateSummary struct {
	CountsByStatus map[string]int
	QueueDepth     int
	LastBatchAt    *string
}

// State computes the batch-count breakdown, queue depth (pending +
// processing), and the most recent batch's created_at timestamp.
func (q *Query) State(ctx context.Context) (StateSummary, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, count(*) FROM ops.ingest_batches GROUP BY status
	`)
	if err != nil {
		return StateSummary{}, fmt.Errorf("count by status: %w", err)
	}
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return StateSummary{}, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return StateSummary{}, err
	}

	var lastBatchAt sql.NullString
	if err := q.db.QueryRowContext(ctx, `
		SELECT to_char(max(created_at), 'YYYY-MM-DD"T"HH24:MI:SS"Z"') FROM ops.ingest_batches
	`).Scan(&lastBatchAt); err != nil && err != sql.ErrNoRows {
		return StateSummary{}, fmt.Errorf("last batch timestamp: %w", err)
	}

	summary := StateSummary{
		CountsByStatus: counts,
		QueueDepth:     counts["pending"] + counts["processing"],
	}
	if lastBatchAt.Valid {
		summary.LastBatchAt = &lastBatchAt.String
	}
	return summary, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (Batch, error) {
	var b Batch
	var statsRaw []byte
	if err := row.Scan(
		&b.ID, &b.Source, &b.Filename, &b.ContentHash, &b.Status,
		&b.RowCountRaw, &b.RowCountValid, &b.RowCountInvalid,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt, &b.WorkerID, &b.Creator, &statsRaw,
	); err != nil {
		return Batch{}, err
	}
	if len(statsRaw) > 0 {
		_ = json.Unmarshal(statsRaw, &b.Stats)
	}
	return b, nil
}

func scanBatches(rows *sql.Rows) ([]Batch, error) {
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
