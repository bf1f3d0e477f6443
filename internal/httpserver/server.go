// Package httpserver wires the route table, middleware chain, and
// request handlers onto a gorilla/mux router: readiness and identity
// probes, the intake CRUD surface, the guardian trigger, and the JSON
// metrics snapshot endpoint, plus thin placeholders for every business domain the
// intake pipeline feeds but does not itself implement.
package httpserver

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/mccabetrow/dragonfly-api/internal/auth"
	"github.com/mccabetrow/dragonfly-api/internal/buildinfo"
	"github.com/mccabetrow/dragonfly-api/internal/config"
	"github.com/mccabetrow/dragonfly-api/internal/dataservice"
	"github.com/mccabetrow/dragonfly-api/internal/dbstate"
	"github.com/mccabetrow/dragonfly-api/internal/guardian"
	"github.com/mccabetrow/dragonfly-api/internal/httpmid"
	"github.com/mccabetrow/dragonfly-api/internal/ingest"
	"github.com/mccabetrow/dragonfly-api/internal/judgments"
	"github.com/mccabetrow/dragonfly-api/internal/logging"
	"github.com/mccabetrow/dragonfly-api/internal/metrics"
	"github.com/mccabetrow/dragonfly-api/internal/notify"
	"github.com/mccabetrow/dragonfly-api/internal/schemaguard"
)

// Server owns every DB-backed component the route table dispatches to.
// Rebind swaps them all atomically when the supervisor hands over a fresh
// pool, so handlers never read through a closed *sql.DB.
type Server struct {
	cfg      *config.Config
	log      *logging.Logger
	metrics  *metrics.Registry
	state    *dbstate.State
	verify   *auth.Verifier
	hostname string

	mu      sync.RWMutex
	db      *sql.DB
	engine  *ingest.Engine
	query   *ingest.Query
	guard   *guardian.Guardian
	dataSvc *dataservice.Service
	schemaG *schemaguard.Guard
}

// New builds a Server with no DB bound; call Rebind once a pool is
// available (immediately on boot if ready, or later from the supervisor).
func New(cfg *config.Config, log *logging.Logger, reg *metrics.Registry, state *dbstate.State) *Server {
	hostname, _ := os.Hostname()
	return &Server{
		cfg:      cfg,
		log:      log,
		metrics:  reg,
		state:    state,
		verify:   auth.NewVerifier(cfg.APIKey, cfg.JWTSecret, "authenticated"),
		hostname: hostname,
	}
}

// Rebind (re)constructs every DB-backed component against db. Safe to call
// repeatedly — the supervisor calls it on every successful reconnect.
func (s *Server) Rebind(db *sql.DB) {
	store := judgments.NewStore(db)
	rowLog := ingest.NewSQLRowLog(db)
	webhook := notify.NewWebhookClient(os.Getenv("DRAGONFLY_ALERT_WEBHOOK_URL"))
	alerter := notify.GuardianAlerter{Client: webhook}

	s.mu.Lock()
	defer s.mu.Unlock()
	notifyCase := func(ctx context.Context, caseNumber string) error {
		if !webhook.IsConfigured() {
			return nil
		}
		return webhook.SendMessage(ctx, "new judgment ingested: "+caseNumber, "dragonfly-intake")
	}

	s.db = db
	s.engine = ingest.NewEngine(db, store, rowLog, notifyCase, s.log).WithAbortThreshold(s.cfg.Tunables.IngestAbortThreshold)
	s.query = ingest.NewQuery(db)
	s.guard = guardian.New(db, alerter, s.log).WithStaleMinutes(s.cfg.Tunables.GuardianStaleMinutes)
	s.dataSvc = dataservice.New(db, s.cfg.SupabaseURL, s.cfg.SupabaseServiceRoleKey, s.log)
	s.schemaG = schemaguard.New(db, s.log)
}

func (s *Server) snapshot() (db *sql.DB, engine *ingest.Engine, query *ingest.Query, guard *guardian.Guardian, dataSvc *dataservice.Service, schemaG *schemaguard.Guard) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db, s.engine, s.query, s.guard, s.dataSvc, s.schemaG
}

// Guardian exposes the current guardian instance so the scheduler can
// drive its sweep on a cron cadence; nil until Rebind has run once.
func (s *Server) Guardian() *guardian.Guardian {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guard
}

// SchemaGuard exposes the current schema tripwire for the scheduler.
func (s *Server) SchemaGuard() *schemaguard.Guard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemaG
}

// Metrics exposes the registry so main() can wire scheduler job outcomes
// into guardian counters without reaching into Server internals.
func (s *Server) Metrics() *metrics.Registry { return s.metrics }

// Router assembles the full mux.Router with the middleware chain applied
// in the order the degrade guard needs to see panics from everything
// beneath it, including route handlers themselves.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/whoami", s.handleWhoami).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/api/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics", s.handleMetrics).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/intake/batches", s.withAuth(s.handleListBatches)).Methods(http.MethodGet)
	api.HandleFunc("/intake/state", s.withAuth(s.handleIntakeState)).Methods(http.MethodGet)
	api.HandleFunc("/intake/upload", s.withAuth(s.handleUpload)).Methods(http.MethodPost)
	api.HandleFunc("/intake/batches/{id}", s.withAuth(s.handleBatchDetail)).Methods(http.MethodGet)
	api.HandleFunc("/intake/batches/{id}/errors", s.withAuth(s.handleBatchErrors)).Methods(http.MethodGet)
	api.HandleFunc("/ops/guardian/run", s.withAuth(s.handleGuardianRun)).Methods(http.MethodPost)
	api.HandleFunc("/views/{schema}/{view}", s.withAuth(s.handleViewFetch)).Methods(http.MethodGet)

	s.registerBusinessPlaceholders(api)

	var handler http.Handler = r
	handler = httpmid.DegradeGuard(s.log, s.metrics, true)(handler)
	handler = httpmid.CORS(httpmid.CORSConfig{AllowedOrigins: s.cfg.CORSOriginList()})(handler)
	handler = httpmid.Metrics(s.metrics)(handler)
	handler = httpmid.Trace(handler)
	handler = s.identityHeaders(handler)
	return handler
}

// identityHeaders stamps every response with the environment and short
// SHA so operators can tell which deploy answered a given request without
// consulting logs.
func (s *Server) identityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Dragonfly-Env", s.cfg.Environment)
		w.Header().Set("X-Dragonfly-SHA-Short", buildinfo.ShortSHA())
		next.ServeHTTP(w, r)
	})
}

// withAuth enforces the configured API key or bearer token on routes that
// need it; an unconfigured verifier (no API key, no JWT secret) lets every
// request through, matching local/dev bring-up.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey, bearer := auth.ExtractCredential(r)
		if apiKey != "" {
			if !s.verify.CheckAPIKey(apiKey) {
				writeUnauthorized(w, r)
				return
			}
			next(w, r)
			return
		}
		if bearer != "" {
			if _, err := s.verify.ValidateToken(bearer); err != nil {
				writeUnauthorized(w, r)
				return
			}
			next(w, r)
			return
		}
		if s.cfg.APIKey == "" && s.cfg.JWTSecret == "" {
			next(w, r)
			return
		}
		writeUnauthorized(w, r)
	}
}

func readyCheckTimeout() time.Duration { return 3 * time.Second }

func parsePagination(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	return page, pageSize
}

func ctxWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
