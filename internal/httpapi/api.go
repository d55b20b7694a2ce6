// Package httpapi is the HTTP transport over the auth domain. Handlers stay
// thin: decode, delegate, map errors. Access rules are declared per route
// and enforced before the handler runs.
package httpapi

import (
	"database/sql"
	"net/http"
	"time"

	"sentra.dev/internal/access"
	"sentra.dev/internal/audit"
	"sentra.dev/internal/auth"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/role"
)

// Deps carries the collaborators the API composes.
type Deps struct {
	DB      *sql.DB
	Auth    *auth.Orchestrator
	Roles   *role.Registry
	Audit   audit.Store
	Access  *access.Evaluator
	Version string

	// Per-IP request throttle for the whole surface.
	RatePerSecond int
	RateBurst     int
}

// API is the HTTP layer.
type API struct {
	mux           *http.ServeMux
	db            *sql.DB
	auth          *auth.Orchestrator
	roles         *role.Registry
	records       audit.Store
	access        *access.Evaluator
	version       string
	ratePerSecond int
	rateBurst     int
}

func New(deps Deps) *API {
	a := &API{
		mux:           http.NewServeMux(),
		db:            deps.DB,
		auth:          deps.Auth,
		roles:         deps.Roles,
		records:       deps.Audit,
		access:        deps.Access,
		version:       deps.Version,
		ratePerSecond: deps.RatePerSecond,
		rateBurst:     deps.RateBurst,
	}
	if a.ratePerSecond <= 0 {
		a.ratePerSecond = 50
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 100
	}

	a.mux.HandleFunc("/healthz", a.healthz)
	a.mux.HandleFunc("/readyz", a.readyz)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/register", a.guard(access.Public(), a.handleRegister))
	a.mux.HandleFunc("/v1/auth/login", a.guard(access.Public(), a.handleLogin))
	a.mux.HandleFunc("/v1/auth/refresh", a.guard(access.Public(), a.handleRefresh))
	a.mux.HandleFunc("/v1/auth/logout", a.guard(access.Authenticated(), a.handleLogout))
	a.mux.HandleFunc("/v1/auth/password", a.guard(access.Authenticated(), a.handleChangePassword))
	a.mux.HandleFunc("/v1/auth/password/reset", a.guard(access.Public(), a.handleResetPassword))
	a.mux.HandleFunc("/v1/auth/code", a.guard(access.Public(), a.handleSendCode))

	a.mux.HandleFunc("/v1/sessions", a.guard(access.Authenticated(), a.handleSessions))

	admin := access.RequireRoles("ADMIN")
	a.mux.HandleFunc("/v1/roles", a.guard(admin, a.handleRoles))
	a.mux.HandleFunc("/v1/roles/", a.guard(admin, a.handleRoleResource))
	a.mux.HandleFunc("/v1/users/", a.guard(admin, a.handleUserRoles))
	a.mux.HandleFunc("/v1/audit", a.guard(admin, a.handleAuditQuery))
	a.mux.HandleFunc("/v1/audit/stats", a.guard(admin, a.handleAuditStats))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := obs.Instrument(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return h
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sentra-api",
		"version": a.version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if a.db != nil {
		if err := a.db.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
