// Package dataservice implements the unified REST-over-SQL failover
// layer: attempt the PostgREST view first, heal a stale schema cache on
// detected cache errors, and fall back to a semaphore-capped direct SQL
// query translating the same PostgREST filter micro-language.
package dataservice

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mccabetrow/dragonfly-api/internal/logging"
	"github.com/mccabetrow/dragonfly-api/internal/resilience"
)

const (
	maxConcurrentFallbackQueries = 5
	cacheReloadMinInterval       = 30 * time.Second
	restTimeout                  = 30 * time.Second
	restConnectTimeout           = 10 * time.Second
	healConnectTimeout           = 5 * time.Second
)

var pgrstCacheErrorCodes = map[string]bool{
	"PGRST002": true,
	"PGRST116": true,
}

var retriableStatusCodes = map[int]bool{
	502: true, 503: true, 504: true,
}

var viewNamePattern = regexp.MustCompile(`^([A-Za-z0-9_]+\.)?[A-Za-z0-9_]+$`)

// Source records which leg served a FetchView call.
type Source string

const (
	SourceREST      Source = "rest"
	SourceDirectDB  Source = "direct_db"
)

// FetchMetadata carries per-call failover diagnostics.
type FetchMetadata struct {
	Source               Source
	LatencyMS            int64
	Timestamp            time.Time
	CacheReloadTriggered bool
	RESTError            string
}

// Result is what FetchView returns: rows as generic maps (mirroring a
// PostgREST JSON array response) plus metadata about how it was served.
type Result struct {
	Rows     []map[string]any
	Metadata FetchMetadata
}

// CacheReloadState rate-limits the heal NOTIFY to at most once per
// min interval, matching the Python implementation's CacheReloadState.
type CacheReloadState struct {
	limiter     *rate.Limiter
	reloadCount int64
}

func newCacheReloadState() *CacheReloadState {
	return &CacheReloadState{limiter: rate.NewLimiter(rate.Every(cacheReloadMinInterval), 1)}
}

// ShouldReload reports whether enough time has elapsed since the last
// reload to fire another one, and if so records the attempt immediately
// (so concurrent callers don't double-fire).
func (c *CacheReloadState) ShouldReload() bool {
	if !c.limiter.Allow() {
		return false
	}
	atomic.AddInt64(&c.reloadCount, 1)
	return true
}

// ReloadCount returns how many heal NOTIFYs have fired so far.
func (c *CacheReloadState) ReloadCount() int {
	return int(atomic.LoadInt64(&c.reloadCount))
}

// Service implements FetchView's REST→heal→direct-SQL failover.
type Service struct {
	db         *sql.DB
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	log        *logging.Logger

	supabaseURL string
	supabaseKey string

	reload   *CacheReloadState
	fallback chan struct{} // capacity-5 semaphore
}

// New builds a Service. supabaseURL/supabaseKey configure the REST leg;
// an empty supabaseURL disables the REST attempt entirely (direct SQL
// becomes primary), which is valid in a dev environment with no
// PostgREST deployment.
func New(db *sql.DB, supabaseURL, supabaseKey string, log *logging.Logger) *Service {
	dialer := &net.Dialer{Timeout: restConnectTimeout}
	return &Service{
		db: db,
		httpClient: &http.Client{
			Timeout: restTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
		breaker:     resilience.NewCircuitBreaker(resilience.DefaultServiceCBConfig("postgrest")),
		log:         log,
		supabaseURL: strings.TrimRight(supabaseURL, "/"),
		supabaseKey: supabaseKey,
		reload:      newCacheReloadState(),
		fallback:    make(chan struct{}, maxConcurrentFallbackQueries),
	}
}

// FetchView attempts the REST endpoint for viewName, falling back to a
// direct SQL query on any REST-leg failure (cache error, other error
// status, transport or decode failure). Only a PostgREST cache error also
// triggers the rate-limited heal NOTIFY.
func (s *Service) FetchView(ctx context.Context, viewName string, filters map[string]string, limit int) (Result, error) {
	start := time.Now()
	if !viewNamePattern.MatchString(viewName) {
		return Result{}, fmt.Errorf("invalid view name: %q", viewName)
	}

	if s.supabaseURL != "" {
		rows, cacheErr, restErr := s.fetchViaREST(ctx, viewName, filters, limit)
		if restErr == nil {
			return Result{Rows: rows, Metadata: FetchMetadata{Source: SourceREST, LatencyMS: time.Since(start).Milliseconds(), Timestamp: time.Now().UTC()}}, nil
		}

		reloadTriggered := false
		if cacheErr {
			reloadTriggered = s.reload.ShouldReload()
			if reloadTriggered {
				go s.doCacheReload(context.WithoutCancel(ctx))
			}
		}

		rows, fallbackErr := s.fetchViaDirectDB(ctx, viewName, filters, limit)
		if fallbackErr != nil {
			return Result{}, fmt.Errorf("rest failed (%v) and direct-sql fallback failed (%v)", restErr, fallbackErr)
		}
		return Result{
			Rows: rows,
			Metadata: FetchMetadata{
				Source: SourceDirectDB, LatencyMS: time.Since(start).Milliseconds(),
				Timestamp: time.Now().UTC(), CacheReloadTriggered: reloadTriggered, RESTError: restErr.Error(),
			},
		}, nil
	}

	rows, err := s.fetchViaDirectDB(ctx, viewName, filters, limit)
	if err != nil {
		return Result{}, err
	}
	return Result{Rows: rows, Metadata: FetchMetadata{Source: SourceDirectDB, LatencyMS: time.Since(start).Milliseconds(), Timestamp: time.Now().UTC()}}, nil
}

func (s *Service) fetchViaREST(ctx context.Context, viewName string, filters map[string]string, limit int) (rows []map[string]any, cacheErr bool, err error) {
	endpoint := strings.ReplaceAll(viewName, ".", "/")
	u := fmt.Sprintf("%s/rest/v1/%s", s.supabaseURL, endpoint)

	query := make([]string, 0, len(filters)+1)
	for k, v := range filters {
		query = append(query, k+"="+v)
	}
	if limit > 0 {
		query = append(query, "limit="+strconv.Itoa(limit))
	}
	if len(query) > 0 {
		u += "?" + strings.Join(query, "&")
	}

	body, err := s.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("apikey", s.supabaseKey)
		req.Header.Set("Authorization", "Bearer "+s.supabaseKey)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		payload, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode != http.StatusOK {
			if retriableStatusCodes[resp.StatusCode] || isPGRSTCacheError(payload) {
				return payload, &restStatusError{status: resp.StatusCode, body: payload}
			}
			return nil, &restStatusError{status: resp.StatusCode, body: payload}
		}
		return payload, nil
	})
	if err != nil {
		var statusErr *restStatusError
		if asRestStatusError(err, &statusErr) {
			return nil, isPGRSTCacheError(statusErr.body) || retriableStatusCodes[statusErr.status], statusErr
		}
		return nil, false, err
	}

	var decoded []map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, false, fmt.Errorf("decode rest response: %w", err)
	}
	return decoded, false, nil
}

type restStatusError struct {
	status int
	body   []byte
}

func (e *restStatusError) Error() string {
	return fmt.Sprintf("rest status %d: %s", e.status, truncate(string(e.body), 200))
}

func asRestStatusError(err error, target **restStatusError) bool {
	if e, ok := err.(*restStatusError); ok {
		*target = e
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func isPGRSTCacheError(body []byte) bool {
	var envelope struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	return pgrstCacheErrorCodes[envelope.Code]
}

// doCacheReload issues the heal NOTIFY on its own goroutine so a slow or
// failed heal never blocks the caller's already-degraded response.
func (s *Service) doCacheReload(ctx context.Context) {
	time.Sleep(500 * time.Millisecond)

	healCtx, cancel := context.WithTimeout(ctx, healConnectTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(healCtx, `SELECT pg_notify('pgrst', 'reload schema')`); err != nil {
		s.log.WithError(err).Warn("data service: pgrst cache reload NOTIFY failed")
		return
	}
	s.log.Info("data service: pgrst cache reload NOTIFY sent")
}

// fetchViaDirectDB runs the equivalent SELECT under the fallback
// semaphore, blocking the 6th concurrent caller until a permit frees up.
func (s *Service) fetchViaDirectDB(ctx context.Context, viewName string, filters map[string]string, limit int) ([]map[string]any, error) {
	select {
	case s.fallback <- struct{}{}:
		defer func() { <-s.fallback }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	schema, view := "public", viewName
	if parts := strings.SplitN(viewName, ".", 2); len(parts) == 2 {
		schema, view = parts[0], parts[1]
	}

	query, args, err := buildDirectQuery(schema, view, filters, limit)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("direct sql query: %w", err)
	}
	defer rows.Close()

	return scanRowsToMaps(rows)
}

var filterOps = map[string]string{
	"eq":   "=",
	"gt":   ">",
	"gte":  ">=",
	"lt":   "<",
	"lte":  "<=",
	"neq":  "!=",
	"like": "LIKE",
	"ilike": "ILIKE",
}

// buildDirectQuery translates the PostgREST filter micro-language
// (col=op.value) into a parameterized SELECT. "is" supports NULL/TRUE/FALSE
// literals only, matching PostgREST's own restriction on that operator.
func buildDirectQuery(schema, view string, filters map[string]string, limit int) (string, []any, error) {
	var sb bytes.Buffer
	sb.WriteString(fmt.Sprintf("SELECT * FROM %s.%s", schema, view))

	var args []any
	var clauses []string
	for col, expr := range filters {
		op, value, found := strings.Cut(expr, ".")
		if !found {
			return "", nil, fmt.Errorf("malformed filter for %q: %q", col, expr)
		}

		if op == "is" {
			switch strings.ToUpper(value) {
			case "NULL":
				clauses = append(clauses, fmt.Sprintf("%s IS NULL", col))
			case "TRUE":
				clauses = append(clauses, fmt.Sprintf("%s IS TRUE", col))
			case "FALSE":
				clauses = append(clauses, fmt.Sprintf("%s IS FALSE", col))
			default:
				return "", nil, fmt.Errorf("unsupported is-filter value: %q", value)
			}
			continue
		}

		sqlOp, ok := filterOps[op]
		if !ok {
			return "", nil, fmt.Errorf("unsupported filter operator: %q", op)
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", col, sqlOp, len(args)))
	}

	if len(clauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}
	if limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}
	return sb.String(), args, nil
}

func scanRowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
