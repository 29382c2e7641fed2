// Package dashboard exposes the task board, agent fleet, webhook, and
// schedule state over a REST + WebSocket HTTP API. Routing follows the
// teacher's gateway.Server shape (a Config struct wiring the shared
// subsystems, CORS/size-limit/auth middleware chained in front of a
// multiplexer) re-expressed as plain REST handlers instead of the
// teacher's JSON-RPC-over-WebSocket protocol, since the board/agents/
// webhooks/schedules surface maps naturally onto resource-oriented
// routes (spec §6.1).
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/basket/fleetboard/internal/autoscaler"
	"github.com/basket/fleetboard/internal/board"
	"github.com/basket/fleetboard/internal/bus"
	"github.com/basket/fleetboard/internal/instances"
	"github.com/basket/fleetboard/internal/schedule"
	"github.com/basket/fleetboard/internal/webhook"
)

// Config wires every subsystem the dashboard fronts.
type Config struct {
	Board     *board.Board
	Instances *instances.Manager
	Bus       *bus.Bus
	Webhooks  *webhook.Manager
	Schedules *schedule.Scheduler
	Scaler    *autoscaler.Scaler
	Logger    *slog.Logger

	CORSOrigins    []string
	TeamTokens     []string
	AuthEnabled    bool
	AdminToken     string
	MaxRequestBody int64

	// Restart, when set, is invoked by POST /api/server/restart after
	// the admin token check passes. Nil means the endpoint reports
	// unavailable rather than panicking.
	Restart func()
}

// Server is the dashboard's HTTP handler.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	handler http.Handler
}

// New builds a Server with every route registered and the CORS/size-
// limit/team-auth middleware chain applied.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var h http.Handler = mux
	h = newTeamAuthMiddleware(cfg.TeamTokens)(h)
	h = requestSizeLimitMiddleware(cfg.MaxRequestBody)(h)
	h = newCORSMiddleware(cfg.CORSOrigins)(h)
	h = newTraceMiddleware(logger)(h)
	s.handler = h
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
