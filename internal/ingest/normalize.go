package ingest

import (
	"strconv"
	"strings"
	"time"
)

var canonicalAliases = map[string][]string{
	"case_number":     {"case#", "caseno", "index_number", "docket_number", "matter_id"},
	"plaintiff_name":  {"plaintiff", "creditor", "creditor_name", "title", "petitioner"},
	"defendant_name":  {"defendant", "debtor", "debtor_name", "respondent"},
	"judgment_amount": {"amount_awarded", "amount", "total_amount", "principal", "principal_amount"},
	"judgment_date":   {"entry_date", "filing_date", "date_filed", "date_entered", "decision_date"},
	"court":           {"court_name", "court_type", "venue"},
	"county":          {"county_name", "jurisdiction"},
}

var aliasToCanonical = buildAliasIndex()

func buildAliasIndex() map[string]string {
	idx := make(map[string]string)
	for canonical, aliases := range canonicalAliases {
		idx[canonical] = canonical
		for _, a := range aliases {
			idx[normalizeHeader(a)] = canonical
		}
	}
	return idx
}

var headerNormalizer = strings.NewReplacer(
	" ", "_",
	"-", "_",
	"#", "_",
)

// normalizeHeader lowercases, trims, and replaces spaces/dashes/# with
// underscore before alias lookup.
func normalizeHeader(raw string) string {
	h := strings.ToLower(strings.TrimSpace(raw))
	h = headerNormalizer.Replace(h)
	return h
}

// buildHeaderMap maps each raw CSV column to a canonical field name when
// recognized, or leaves it absent (callers retain it in a raw map).
func buildHeaderMap(headers []string) (canonicalIndex map[string]int, raw map[int]string) {
	canonicalIndex = make(map[string]int)
	raw = make(map[int]string)
	for i, h := range headers {
		norm := normalizeHeader(h)
		if canonical, ok := aliasToCanonical[norm]; ok {
			canonicalIndex[canonical] = i
		} else {
			raw[i] = h
		}
	}
	return canonicalIndex, raw
}

// parseAmount strips $ and commas, treats parenthesized values as
// negative, and fails on anything non-numeric.
func parseAmount(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		v = -v
	}
	return v, true
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"01-02-2006",
	"02/01/2006",
	"2006/01/02",
	"01/02/06",
}

// parseJudgmentDate tries each layout in order; an unparseable value
// yields (zero, false) which callers treat as null, not an error.
func parseJudgmentDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
