// Package judgments implements the COALESCE-merge upsert for the business
// entity that CSV ingestion produces: one row per civil judgment, keyed by
// a natural case number.
package judgments

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// Judgment is the canonical business entity produced by ingestion.
type Judgment struct {
	CaseNumber     string
	PlaintiffName  sql.NullString
	DefendantName  sql.NullString
	JudgmentAmount sql.NullFloat64
	EntryDate      sql.NullTime
	Court          sql.NullString
	County         sql.NullString
	Status         sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertOutcome tells the caller whether the row was newly inserted
// (downstream best-effort notifications fire only on insert, per the
// ingestion engine's row contract) or merged into an existing row.
type UpsertOutcome string

const (
	Inserted UpsertOutcome = "inserted"
	Updated  UpsertOutcome = "updated"
)

// Store issues COALESCE-merge upserts against public.judgments.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts a new judgment or merges non-null incoming fields into an
// existing row sharing the same case number, matching the row-processing
// contract's merge semantics exactly: an incoming NULL never clobbers an
// existing value.
func (s *Store) Upsert(ctx context.Context, j Judgment) (UpsertOutcome, error) {
	caseNumber := strings.TrimSpace(j.CaseNumber)
	if caseNumber == "" {
		return "", sql.ErrNoRows
	}

	var outcome string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO public.judgments (
			case_number, plaintiff_name, defendant_name, judgment_amount,
			entry_date, court, county, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (case_number) DO UPDATE SET
			plaintiff_name  = COALESCE(EXCLUDED.plaintiff_name, public.judgments.plaintiff_name),
			defendant_name  = COALESCE(EXCLUDED.defendant_name, public.judgments.defendant_name),
			judgment_amount = COALESCE(EXCLUDED.judgment_amount, public.judgments.judgment_amount),
			entry_date      = COALESCE(EXCLUDED.entry_date, public.judgments.entry_date),
			court           = COALESCE(EXCLUDED.court, public.judgments.court),
			county          = COALESCE(EXCLUDED.county, public.judgments.county),
			status          = COALESCE(EXCLUDED.status, public.judgments.status),
			updated_at      = NOW()
		RETURNING (CASE WHEN xmax = 0 THEN 'inserted' ELSE 'updated' END)
	`,
		caseNumber, j.PlaintiffName, j.DefendantName, j.JudgmentAmount,
		j.EntryDate, j.Court, j.County, j.Status,
	).Scan(&outcome)
	if err != nil {
		return "", err
	}
	return UpsertOutcome(outcome), nil
}
