// Package httpmid holds the HTTP middleware chain: trace-id propagation,
// request metrics, CORS, and panic recovery with the degrade-guard
// envelope, composed in that order (outermost first) by internal/httpserver.
package httpmid

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mccabetrow/dragonfly-api/internal/envelope"
	"github.com/mccabetrow/dragonfly-api/internal/logging"
	"github.com/mccabetrow/dragonfly-api/internal/metrics"
	"github.com/mccabetrow/dragonfly-api/internal/tracectx"
)

// Trace assigns (or echoes) a trace id per request, attaches it to the
// request context, and mirrors it onto the response header.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := tracectx.FromRequestOrNew(r.Header.Get(tracectx.HeaderName))
		w.Header().Set(tracectx.HeaderName, id)
		ctx := tracectx.WithTraceID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Metrics records request count/duration against reg, labeled with the
// X-Matched-Route request header when the request carries one, else with
// the raw URL path. Nothing in this repository sets that header, so path
// parameters are not collapsed into a route template.
func Metrics(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			reg.RecordRequest(r.Method, routeLabel(r), strconv.Itoa(rec.status), time.Since(start))
		})
	}
}

func routeLabel(r *http.Request) string {
	if tmpl := r.Header.Get("X-Matched-Route"); tmpl != "" {
		return tmpl
	}
	return r.URL.Path
}

// UICritical marks routes whose failures must degrade to a 200 envelope
// rather than surface as an HTTP error status, per the degrade-guard policy.
type UICritical bool

// DegradeGuard recovers panics: for UI-critical routes a panic becomes a
// 200 degraded envelope instead of an error status so dashboard widgets
// never hard-fail, otherwise a 500 error envelope. A failure the handler
// reports by writing its own response passes through unchanged.
func DegradeGuard(log *logging.Logger, reg *metrics.Registry, uiCritical bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					traceID := tracectx.FromContext(r.Context())
					log.WithContext(r.Context()).WithFields(map[string]any{
						"panic": rec,
						"path":  r.URL.Path,
					}).Error("recovered from panic")
					reg.RecordError("panic")

					if uiCritical {
						envelope.WriteDegraded(w, traceID, struct{}{}, nil)
						return
					}
					envelope.WriteError(w, http.StatusInternalServerError, traceID, "internal_error", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORSConfig configures the wildcard-subdomain CORS matcher.
type CORSConfig struct {
	AllowedOrigins   []string
	PreviewRegex     string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// CORS implements an allow-list with ".example.com"-style subdomain
// wildcards (or "*" for any origin). cfg.PreviewRegex is not consulted:
// an origin outside the allow-list is never admitted by pattern.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowAll := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	maxAge := cfg.MaxAgeSeconds
	if maxAge == 0 {
		maxAge = 3600
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || originAllowed(origin, cfg.AllowedOrigins)) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Trace-ID, X-DRAGONFLY-API-KEY")
				w.Header().Set("Access-Control-Expose-Headers", "X-Trace-ID")
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
				if cfg.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		return false
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == origin {
			return true
		}
		if strings.HasPrefix(a, ".") {
			suffix := strings.TrimPrefix(a, ".")
			if suffix != "" && strings.HasSuffix(host, suffix) {
				idx := len(host) - len(suffix)
				if idx > 0 && host[idx-1] == '.' {
					return true
				}
			}
		}
	}
	return false
}
