package ingest

import (
	"context"
	"database/sql"
)

// SQLRowLog writes row log entries directly to ops.intake_logs.
type SQLRowLog struct {
	db *sql.DB
}

func NewSQLRowLog(db *sql.DB) *SQLRowLog {
	return &SQLRowLog{db: db}
}

func (w *SQLRowLog) WriteRowLog(ctx context.Context, entry RowLogEntry) error {
	var rowIndex sql.NullInt64
	if entry.RowIndex >= 0 {
		rowIndex = sql.NullInt64{Int64: int64(entry.RowIndex), Valid: true}
	}

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO ops.intake_logs (
			batch_id, row_index, status, entity_id, error_code, error_details,
			processing_time_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (batch_id, row_index) DO UPDATE SET
			status              = EXCLUDED.status,
			entity_id           = EXCLUDED.entity_id,
			error_code          = EXCLUDED.error_code,
			error_details       = EXCLUDED.error_details,
			processing_time_ms  = EXCLUDED.processing_time_ms,
			created_at          = NOW()
	`, entry.BatchID, rowIndex, entry.Status, entry.EntityID, entry.ErrorCode, entry.ErrorDetails,
		entry.ProcessingTime.Milliseconds())
	return err
}
