// Package schemaguard implements the lightweight schema-drift tripwire
// the scheduler runs ahead of readiness checks: confirming the views the
// data service depends on actually exist, without the full
// snapshot-diff-and-repair machinery of the original drift detector.
package schemaguard

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mccabetrow/dragonfly-api/internal/logging"
)

// RequiredViews are the views the readiness probe and dashboard depend
// on; missing any of these means a degraded or failed readiness check
// long before a request ever reaches the data service.
var RequiredViews = []string{
	"ops.v_system_health",
	"ops.v_intake_monitor",
}

// Report is the result of one existence check.
type Report struct {
	Missing []string
}

// OK reports whether every required view was found.
func (r Report) OK() bool { return len(r.Missing) == 0 }

// Guard checks RequiredViews against information_schema.views.
type Guard struct {
	db  *sql.DB
	log *logging.Logger
}

func New(db *sql.DB, log *logging.Logger) *Guard {
	return &Guard{db: db, log: log}
}

// CheckViewsExist queries information_schema.views once and diffs against
// RequiredViews, logging one warning that lists every missing view (never
// an error — a missing view surfaces via the readiness probe, not a crash).
func (g *Guard) CheckViewsExist(ctx context.Context) (Report, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT table_schema || '.' || table_name
		FROM information_schema.views
		WHERE table_schema IN ('public', 'ops', 'enforcement', 'analytics')
	`)
	if err != nil {
		return Report{}, fmt.Errorf("query information_schema.views: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return Report{}, fmt.Errorf("scan view name: %w", err)
		}
		present[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return Report{}, err
	}

	var report Report
	for _, v := range RequiredViews {
		if !present[strings.ToLower(v)] {
			report.Missing = append(report.Missing, v)
		}
	}

	if !report.OK() {
		g.log.WithFields(map[string]any{"missing_views": report.Missing}).
			Warn("schema guard: required view(s) missing")
	}

	return report, nil
}
