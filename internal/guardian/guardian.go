// Package guardian implements the self-healing sweep that promotes
// intake batches stuck in "processing" to "failed", grounded on the
// intake guardian service: stale-minutes threshold, one row-log entry
// per promoted batch, and a best-effort alert that never aborts the scan.
package guardian

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mccabetrow/dragonfly-api/internal/logging"
)

// Alerter delivers a best-effort notification for a promoted batch; its
// failure is logged and never fails the guardian run.
type Alerter interface {
	Alert(ctx context.Context, batchID, filename, reason string) error
}

// NoopAlerter is used when no alert sink is configured.
type NoopAlerter struct{}

func (NoopAlerter) Alert(context.Context, string, string, string) error { return nil }

// Report is the result of one guardian sweep.
type Report struct {
	Checked     int
	MarkedFailed int
	Errors      []string
}

// Guardian periodically promotes stale processing batches to failed.
type Guardian struct {
	db           *sql.DB
	alerter      Alerter
	log          *logging.Logger
	staleMinutes int
}

const defaultStaleMinutes = 5

func New(db *sql.DB, alerter Alerter, log *logging.Logger) *Guardian {
	if alerter == nil {
		alerter = NoopAlerter{}
	}
	return &Guardian{db: db, alerter: alerter, log: log, staleMinutes: defaultStaleMinutes}
}

// WithStaleMinutes overrides the default 5-minute stuck threshold.
func (g *Guardian) WithStaleMinutes(n int) *Guardian {
	g.staleMinutes = n
	return g
}

type stuckBatch struct {
	id       string
	filename string
}

// Run selects batches stuck in processing past the stale window, and for
// each: marks it failed, writes a row-index-null log entry, and fires a
// best-effort alert. Per-batch errors are captured in Report.Errors and
// never abort the scan.
func (g *Guardian) Run(ctx context.Context) (Report, error) {
	var report Report

	g.log.WithFields(map[string]any{"stale_minutes": g.staleMinutes}).Info("intake guardian sweep starting")

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, filename FROM ops.ingest_batches
		WHERE status = 'processing'
		  AND updated_at < NOW() - ($1 || ' minutes')::interval
		ORDER BY updated_at ASC
	`, g.staleMinutes)
	if err != nil {
		return report, fmt.Errorf("query stuck batches: %w", err)
	}

	var stuck []stuckBatch
	for rows.Next() {
		var b stuckBatch
		if err := rows.Scan(&b.id, &b.filename); err != nil {
			rows.Close()
			return report, fmt.Errorf("scan stuck batch: %w", err)
		}
		stuck = append(stuck, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, err
	}

	report.Checked = len(stuck)
	if len(stuck) == 0 {
		g.log.Debug("intake guardian: no stuck batches found")
		return report, nil
	}

	g.log.WithFields(map[string]any{"count": len(stuck)}).Warn("intake guardian found stuck batches")

	for _, b := range stuck {
		reason := fmt.Sprintf("Guardian detected timeout (> %d minutes)", g.staleMinutes)
		if err := g.markFailed(ctx, b.id, reason); err != nil {
			msg := fmt.Sprintf("failed to recover batch %s: %v", b.id, err)
			g.log.WithError(err).Error(msg)
			report.Errors = append(report.Errors, msg)
			continue
		}
		report.MarkedFailed++

		if err := g.alerter.Alert(ctx, b.id, b.filename, reason); err != nil {
			g.log.WithError(err).Warn("guardian alert delivery failed, batch already marked failed")
		}
	}

	g.log.WithFields(map[string]any{
		"checked": report.Checked, "marked_failed": report.MarkedFailed, "errors": len(report.Errors),
	}).Info("intake guardian sweep completed")

	return report, nil
}

func (g *Guardian) markFailed(ctx context.Context, batchID, reason string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE ops.ingest_batches
		SET status = 'failed', error_summary = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, batchID, reason); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ops.intake_logs (batch_id, row_index, status, judgment_id, error_details)
		VALUES ($1, NULL, 'error', NULL, $2)
	`, batchID, reason); err != nil {
		return err
	}

	return tx.Commit()
}
