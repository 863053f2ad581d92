package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"warden/internal/middleware"
)

// RouterConfig holds the configuration needed for setting up routes
type RouterConfig struct {
	Handlers *Handler
	Logger   zerolog.Logger
}

// SetupRouter creates and configures the HTTP router with all routes and middleware
func SetupRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// Operational endpoints
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Admission check, called by game servers on player connect
	mux.HandleFunc("GET /api/check", h.HandleCheck)
	mux.HandleFunc("GET /api/denials", h.HandleDenials)

	// Ban queries and admin actions
	mux.HandleFunc("GET /api/bans/active", h.HandleActiveBans)
	mux.HandleFunc("GET /api/bans/player/{steamid}", h.HandleBansByPlayer)
	mux.HandleFunc("GET /api/bans/{id}", h.HandleBanByID)
	mux.HandleFunc("POST /api/bans", h.HandleBanCreate)
	mux.HandleFunc("DELETE /api/bans/{id}", h.HandleBanDelete)
	mux.HandleFunc("GET /api/accounts", h.HandleAccountsByIP)
	mux.HandleFunc("POST /api/cache/reload", h.HandleCacheReload)

	// Session lifecycle, driven by the game server
	mux.HandleFunc("GET /api/sessions", h.HandleSessionsList)
	mux.HandleFunc("POST /api/sessions", h.HandleSessionConnect)
	mux.HandleFunc("DELETE /api/sessions/{slot}", h.HandleSessionDisconnect)
	mux.HandleFunc("POST /api/sessions/reset", h.HandleSessionsReset)

	// Communication penalties
	mux.HandleFunc("GET /api/penalties/{slot}", h.HandlePenaltiesGet)
	mux.HandleFunc("POST /api/penalties", h.HandlePenaltyCreate)
	mux.HandleFunc("DELETE /api/penalties/{slot}", h.HandlePenaltyDelete)
	mux.HandleFunc("DELETE /api/mutes/{id}", h.HandleMuteDelete)

	// Warnings
	mux.HandleFunc("POST /api/warns", h.HandleWarnCreate)

	// Apply logging middleware (outermost - wraps everything)
	var handler http.Handler = mux
	handler = middleware.LoggingMiddleware(cfg.Logger)(handler)

	return handler
}
