package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/mccabetrow/dragonfly-api/internal/auth"
	"github.com/mccabetrow/dragonfly-api/internal/buildinfo"
	"github.com/mccabetrow/dragonfly-api/internal/dataservice"
	"github.com/mccabetrow/dragonfly-api/internal/dbpool"
	"github.com/mccabetrow/dragonfly-api/internal/envelope"
	"github.com/mccabetrow/dragonfly-api/internal/ingest"
	"github.com/mccabetrow/dragonfly-api/internal/redaction"
	"github.com/mccabetrow/dragonfly-api/internal/tracectx"
)

// handleRoot never returns 503: it is the load balancer's cheapest
// possible liveness probe, answerable even with no database at all.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service_name": "dragonfly-api",
		"env":          s.cfg.Environment,
		"sha_short":    buildinfo.ShortSHA(),
		"version":      buildinfo.Version,
	})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service_name":   "dragonfly-api",
		"hostname":       s.hostname,
		"pid":            os.Getpid(),
		"listening_port": s.cfg.Port,
		"database_ready": s.state.Ready(),
		"dsn_identity":   dsnIdentity(s.cfg.DatabaseURL),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	envelope.WriteOK(w, traceID, map[string]any{
		"status":      "ok",
		"environment": s.cfg.Environment,
		"timestamp":   time.Now().UTC(),
	})
}

// handleReady runs the readiness checks (DB probe, required-view tripwire)
// and returns 503 with a redacted failure reason on any failure, never
// leaking a raw DSN or driver error into the response body.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	db, _, _, _, _, schemaG := s.snapshot()

	if db == nil {
		envelope.WriteError(w, http.StatusServiceUnavailable, traceID, "not_ready", "database not initialized")
		return
	}

	ctx, cancel := ctxWithTimeout(r, readyCheckTimeout())
	defer cancel()

	if ok, reason := dbpool.CheckReady(ctx, db, readyCheckTimeout()); !ok {
		envelope.WriteError(w, http.StatusServiceUnavailable, traceID, "not_ready", redaction.String(reason))
		return
	}

	if schemaG != nil {
		if report, err := schemaG.CheckViewsExist(ctx); err == nil && !report.OK() {
			envelope.WriteError(w, http.StatusServiceUnavailable, traceID, "schema_drift",
				fmt.Sprintf("missing required view(s): %s", strings.Join(report.Missing, ", ")))
			return
		}
	}

	envelope.WriteOK(w, traceID, map[string]any{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"git_sha":     buildinfo.ShortSHA(),
		"environment": s.cfg.Environment,
		"service":     "dragonfly-api",
		"version":     buildinfo.Version,
		"timestamp":   time.Now().UTC(),
	})
}

// handleMetrics answers the dashboard's JSON metrics call — not the
// Prometheus text exposition format a scraper would want — merging the
// request/error/guardian counters with DB pool readiness and intake queue
// depth, degrading to empty sections rather than failing when the
// database is unreachable.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	_, _, query, _, _, _ := s.snapshot()

	snapshot := s.metrics.Snapshot()
	snapshot["pool"] = s.state.ReadinessMetadata()

	if query != nil {
		if state, err := query.State(r.Context()); err == nil {
			snapshot["intake_queue_depth"] = state.QueueDepth
			snapshot["intake_counts_by_status"] = state.CountsByStatus
		} else {
			s.log.WithError(err).Warn("metrics: intake state query failed")
			snapshot["intake_queue_depth"] = 0
			snapshot["intake_counts_by_status"] = map[string]int{}
		}
	} else {
		snapshot["intake_queue_depth"] = 0
		snapshot["intake_counts_by_status"] = map[string]int{}
	}

	envelope.WriteOK(w, traceID, snapshot)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	_, _, query, _, _, _ := s.snapshot()
	if query == nil {
		envelope.WriteDegraded(w, traceID, map[string]any{"batches": []any{}, "total": 0}, nil)
		return
	}

	page, pageSize := parsePagination(r)
	status := r.URL.Query().Get("status")

	result, err := query.ListBatches(r.Context(), status, page, pageSize)
	if err != nil {
		s.log.WithError(err).Error("list batches failed")
		envelope.WriteDegraded(w, traceID, map[string]any{"batches": []any{}, "total": 0}, err)
		return
	}

	envelope.WriteOK(w, traceID, map[string]any{
		"batches":   result.Batches,
		"total":     result.Total,
		"page":      result.Page,
		"page_size": result.PageSize,
	})
}

func (s *Server) handleIntakeState(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	_, _, query, _, _, _ := s.snapshot()
	if query == nil {
		envelope.WriteDegraded(w, traceID, map[string]any{}, nil)
		return
	}

	state, err := query.State(r.Context())
	if err != nil {
		s.log.WithError(err).Error("intake state query failed")
		envelope.WriteDegraded(w, traceID, map[string]any{}, err)
		return
	}

	envelope.WriteOK(w, traceID, map[string]any{
		"counts_by_status": state.CountsByStatus,
		"queue_depth":      state.QueueDepth,
		"last_batch_at":    state.LastBatchAt,
	})
}

const maxUploadBytes = 50 << 20 // 50MiB

// handleUpload accepts a multipart CSV under the "file" field and a
// "source" query parameter, launching ingestion asynchronously and
// returning the batch id immediately — matching the ingestion engine's
// fire-and-continue contract.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	_, engine, _, _, _, _ := s.snapshot()
	if engine == nil {
		envelope.WriteError(w, http.StatusInternalServerError, traceID, "not_ready", "ingestion engine not initialized")
		return
	}

	source := ingest.Source(r.URL.Query().Get("source"))
	if source == "" {
		source = ingest.SourceCSVUpload
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		envelope.WriteError(w, http.StatusBadRequest, traceID, "invalid_upload", "file too large or malformed multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		envelope.WriteError(w, http.StatusBadRequest, traceID, "invalid_upload", "missing \"file\" field")
		return
	}
	defer file.Close()

	spooled, err := spoolToTemp(file)
	if err != nil {
		envelope.WriteError(w, http.StatusInternalServerError, traceID, "upload_failed", "could not stage upload")
		return
	}
	defer spooled.cleanup()

	creator := s.requestCreator(r)
	result, err := engine.IngestFile(r.Context(), ingest.Options{
		Source:   source,
		Filename: header.Filename,
		Creator:  creator,
		Reader:   spooled.file,
	})
	if err != nil {
		s.log.WithError(err).Error("ingest file failed")
		envelope.WriteError(w, http.StatusInternalServerError, traceID, "ingest_failed", "failed to start ingestion")
		return
	}

	envelope.WriteOK(w, traceID, map[string]any{
		"batch_id": result.BatchID,
		"status":   result.Status,
		"message":  "batch accepted for processing",
	})
}

func (s *Server) handleBatchDetail(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	_, _, query, _, _, _ := s.snapshot()
	if query == nil {
		envelope.WriteError(w, http.StatusServiceUnavailable, traceID, "not_ready", "database not initialized")
		return
	}

	id := mux.Vars(r)["id"]
	batch, err := query.GetBatch(r.Context(), id)
	if err != nil {
		envelope.WriteError(w, http.StatusNotFound, traceID, "not_found", "batch not found")
		return
	}

	envelope.WriteOK(w, traceID, batch)
}

func (s *Server) handleBatchErrors(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	_, _, query, _, _, _ := s.snapshot()
	if query == nil {
		envelope.WriteDegraded(w, traceID, map[string]any{"errors": []any{}, "total": 0}, nil)
		return
	}

	id := mux.Vars(r)["id"]
	page, pageSize := parsePagination(r)

	result, err := query.ListBatchErrors(r.Context(), id, page, pageSize)
	if err != nil {
		s.log.WithError(err).Error("list batch errors failed")
		envelope.WriteDegraded(w, traceID, map[string]any{"errors": []any{}, "total": 0}, err)
		return
	}

	envelope.WriteOK(w, traceID, map[string]any{
		"errors":    result.Errors,
		"total":     result.Total,
		"page":      result.Page,
		"page_size": result.PageSize,
	})
}

// handleViewFetch exposes the failover data service directly: any
// operations dashboard built against the schema-qualified view surface
// (e.g. ops.v_system_health, ops.v_intake_monitor) reads through here
// rather than the intake-specific read model in internal/ingest.Query.
func (s *Server) handleViewFetch(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	_, _, _, _, dataSvc, _ := s.snapshot()
	if dataSvc == nil {
		envelope.WriteError(w, http.StatusServiceUnavailable, traceID, "not_ready", "data service not initialized")
		return
	}

	vars := mux.Vars(r)
	viewName := vars["schema"] + "." + vars["view"]

	filters := map[string]string{}
	limit := 0
	for k, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		if k == "limit" {
			continue
		}
		filters[k] = values[0]
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := fmt.Sscanf(v, "%d", &limit); err != nil || n != 1 {
			limit = 0
		}
	}

	result, err := dataSvc.FetchView(r.Context(), viewName, filters, limit)
	if err != nil {
		s.log.WithError(err).Error("view fetch failed")
		envelope.WriteError(w, http.StatusBadGateway, traceID, "view_fetch_failed", "failed to fetch view")
		return
	}

	if result.Metadata.Source == dataservice.SourceDirectDB {
		envelope.WriteDegraded(w, traceID, map[string]any{"rows": result.Rows, "meta": result.Metadata}, nil)
		return
	}
	envelope.WriteOK(w, traceID, map[string]any{"rows": result.Rows, "meta": result.Metadata})
}

func (s *Server) handleGuardianRun(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	_, _, _, guard, _, _ := s.snapshot()
	if guard == nil {
		envelope.WriteError(w, http.StatusServiceUnavailable, traceID, "not_ready", "database not initialized")
		return
	}

	report, err := guard.Run(r.Context())
	if err != nil {
		s.log.WithError(err).Error("guardian run failed")
		envelope.WriteError(w, http.StatusInternalServerError, traceID, "guardian_failed", "guardian sweep failed")
		return
	}

	s.metrics.GuardianRunsTotal.Inc()
	s.metrics.GuardianMarkedTotal.Add(float64(report.MarkedFailed))
	s.metrics.RecordGuardianRun(report.MarkedFailed)

	envelope.WriteOK(w, traceID, map[string]any{
		"status":        "ok",
		"checked":       report.Checked,
		"marked_failed": report.MarkedFailed,
		"errors":        report.Errors,
	})
}

// registerBusinessPlaceholders wires thin stand-ins for every downstream
// domain the intake pipeline feeds (cases, offers, finance, packets, FOIL,
// portfolio, analytics): an empty success envelope for list/read routes,
// a 501 envelope for anything resembling a write, so clients built against
// the full API surface degrade gracefully instead of 404ing.
func (s *Server) registerBusinessPlaceholders(api *mux.Router) {
	domains := []string{"cases", "offers", "finance", "packets", "foil", "portfolio", "analytics"}
	for _, domain := range domains {
		prefix := "/" + domain
		api.HandleFunc(prefix, s.placeholderList).Methods(http.MethodGet)
		api.HandleFunc(prefix+"/{id}", s.placeholderList).Methods(http.MethodGet)
		api.HandleFunc(prefix, s.placeholderUnimplemented).Methods(http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete)
		api.HandleFunc(prefix+"/{id}", s.placeholderUnimplemented).Methods(http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete)
	}
}

func (s *Server) placeholderList(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	envelope.WriteOK(w, traceID, map[string]any{})
}

func (s *Server) placeholderUnimplemented(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	envelope.WriteError(w, http.StatusNotImplemented, traceID, "not_implemented", "this operation is out of scope for dragonfly-api")
}

// requestCreator derives a non-secret attribution label for an upload: the
// bearer token's subject claim when present, otherwise a fixed label for
// API-key auth rather than the raw key itself, which must never land in a
// database column.
func (s *Server) requestCreator(r *http.Request) string {
	apiKey, bearer := auth.ExtractCredential(r)
	if bearer != "" {
		if claims, err := s.verify.ValidateToken(bearer); err == nil && claims.Sub != "" {
			return claims.Sub
		}
	}
	if apiKey != "" {
		return "api_key"
	}
	return "anonymous"
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	traceID := tracectx.FromContext(r.Context())
	envelope.WriteError(w, http.StatusUnauthorized, traceID, "unauthorized", "missing or invalid credentials")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func dsnIdentity(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "unconfigured"
	}
	return redaction.String(dsn)
}

type spooledUpload struct {
	file *os.File
}

func (s *spooledUpload) cleanup() {
	name := s.file.Name()
	s.file.Close()
	os.Remove(name)
}

// spoolToTemp copies an uploaded multipart file to a temp file so the
// ingestion engine gets an io.ReadSeeker (content hashing seeks back to
// the start after hashing) without buffering the whole upload in memory.
func spoolToTemp(part multipart.File) (*spooledUpload, error) {
	tmp, err := os.CreateTemp("", "dragonfly-upload-*.csv")
	if err != nil {
		return nil, err
	}
	if _, err := copyAndSeek(tmp, part); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return &spooledUpload{file: tmp}, nil
}

func copyAndSeek(dst *os.File, src multipart.File) (int64, error) {
	n, err := io.Copy(dst, src)
	if err != nil {
		return n, err
	}
	_, err = dst.Seek(0, 0)
	return n, err
}
