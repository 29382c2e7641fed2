package dashboard

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/basket/fleetboard/internal/shared"
)

// newTraceMiddleware assigns a trace ID to every request (reusing an
// inbound X-Trace-Id if the caller supplied one), attaches it to the
// request context via shared.WithTraceID so downstream handlers can
// thread it into bus.Event.TraceID and log attrs, and echoes it back on
// the response. Grounded on the teacher's gateway.go per-request
// shared.NewTraceID()/WithTraceID idiom.
func newTraceMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-Id")
			if traceID == "" {
				traceID = shared.NewTraceID()
			}
			w.Header().Set("X-Trace-Id", traceID)
			r = r.WithContext(shared.WithTraceID(r.Context(), traceID))
			logger.Info("dashboard request", "method", r.Method, "path", r.URL.Path, "trace_id", traceID)
			next.ServeHTTP(w, r)
		})
	}
}

// newCORSMiddleware builds a CORS middleware that reflects the Origin
// header back only when it matches one of origins, grounded on the
// teacher's gateway.NewCORSMiddleware. Wildcard "*" is never treated
// as a default — it must be listed explicitly, matching spec §6.1.
func newCORSMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestSizeLimitMiddleware bounds request bodies, grounded on the
// teacher's gateway.RequestSizeLimitMiddleware.
func requestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// authSkipPaths lists the paths never gated by the team token, per
// spec §6.2. "/ws" and "/static/" are prefix-matched.
var authSkipPaths = map[string]bool{
	"/":             true,
	"/metrics":      true,
	"/settings":     true,
	"/api/health":   true,
	"/docs":         true,
	"/redoc":        true,
	"/openapi.json": true,
}

var authSkipPrefixes = []string{"/ws", "/static/"}

func isSkipPath(path string) bool {
	if authSkipPaths[path] {
		return true
	}
	for _, prefix := range authSkipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// newTeamAuthMiddleware requires Authorization: Bearer <token> on
// every request whose path is not in authSkipPaths, where token must
// equal one of the configured team tokens. An empty tokens list
// disables this mechanism entirely (all endpoints reachable), matching
// spec §6.2's "when disabled (default), all endpoints are reachable".
// Comparison is constant-time to avoid a timing oracle, grounded on the
// teacher's gateway.AuthMiddleware.lookupKey.
func newTeamAuthMiddleware(tokens []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(tokens) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || isSkipPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			token := bearerToken(r)
			if token == "" || !anyTokenMatches(token, tokens) {
				writeError(w, http.StatusUnauthorized, "missing or invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func anyTokenMatches(candidate string, tokens []string) bool {
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(t)) == 1 {
			return true
		}
	}
	return false
}

// requireAdminToken gates a single destructive handler (e.g.
// /api/server/restart) behind AUTH_ENABLED + the configured admin
// token, independent of the team-token mechanism above.
func requireAdminToken(enabled bool, adminToken string, next http.HandlerFunc) http.HandlerFunc {
	if !enabled {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid admin token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
