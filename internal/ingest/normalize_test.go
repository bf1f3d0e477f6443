package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHeaderReplacesSeparators(t *testing.T) {
	assert.Equal(t, "case_number", normalizeHeader("Case Number"))
	assert.Equal(t, "case_number", normalizeHeader("case#"))
	assert.Equal(t, "docket_number", normalizeHeader("Docket-Number"))
}

func TestBuildHeaderMapResolvesAliases(t *testing.T) {
	idx, raw := buildHeaderMap([]string{"Case#", "Creditor", "Amount Awarded", "Unknown Col"})
	assert.Equal(t, 0, idx["case_number"])
	assert.Equal(t, 1, idx["plaintiff_name"])
	assert.Equal(t, 2, idx["judgment_amount"])
	assert.Contains(t, raw, 3)
}

func TestParseAmountHandlesCurrencyAndParens(t *testing.T) {
	v, ok := parseAmount("$1,234.50")
	assert.True(t, ok)
	assert.InDelta(t, 1234.50, v, 0.001)

	v, ok = parseAmount("(500.00)")
	assert.True(t, ok)
	assert.InDelta(t, -500.00, v, 0.001)

	_, ok = parseAmount("not-a-number")
	assert.False(t, ok)
}

func TestParseJudgmentDateTriesLayoutsInOrder(t *testing.T) {
	d, ok := parseJudgmentDate("2024-03-05")
	assert.True(t, ok)
	assert.Equal(t, 2024, d.Year())

	d, ok = parseJudgmentDate("03/05/2024")
	assert.True(t, ok)
	assert.Equal(t, time.March, d.Month())

	_, ok = parseJudgmentDate("not a date")
	assert.False(t, ok)
}
