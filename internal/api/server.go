// Package api exposes the custody engine as an authenticated JSON API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/custody/internal/core/access"
	"github.com/vietddude/custody/internal/core/approval"
	"github.com/vietddude/custody/internal/core/audit"
	"github.com/vietddude/custody/internal/core/coldstorage"
	"github.com/vietddude/custody/internal/core/reversal"
	"github.com/vietddude/custody/internal/core/wallet"
	"github.com/vietddude/custody/internal/health"
	"github.com/vietddude/custody/internal/infra/auth"
)

// SessionVerifier resolves a bearer token to its claims.
type SessionVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// StepUpGate confirms second factors and reports open windows.
type StepUpGate interface {
	Confirm(ctx context.Context, adminID, code string) error
	Fresh(ctx context.Context, adminID string) (bool, error)
	Window() time.Duration
}

// HealthReporter aggregates dependency health.
type HealthReporter interface {
	CheckHealth(ctx context.Context) health.Report
}

// Deps are the services behind the API.
type Deps struct {
	Workflow    *approval.Manager
	Wallets     *wallet.Service
	Vaults      *coldstorage.Service
	Reversals   *reversal.Manager
	Trail       *audit.Trail
	Authz       access.Authorizer
	Sessions    SessionVerifier
	StepUp      StepUpGate
	Health      HealthReporter
	CORSOrigins []string
}

type handler struct {
	Deps
}

// NewRouter builds the HTTP routes.
func NewRouter(d Deps) http.Handler {
	h := &handler{Deps: d}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.healthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Post("/auth/mfa", h.confirmMFA)

		r.Get("/approvals/pending", h.pendingApprovals)
		r.Get("/transactions/{id}", h.getTransaction)
		r.Get("/transactions/{id}/reversals", h.listReversals)
		r.Get("/wallets", h.listWallets)
		r.Get("/wallets/{id}", h.getWallet)
		r.Get("/vaults", h.listVaults)
		r.Get("/vaults/{id}", h.getVault)
		r.Get("/vaults/{id}/balance-checks/latest", h.latestBalanceCheck)
		r.Get("/audit", h.auditTrail)
		r.Get("/overrides", h.overrideReport)

		r.Group(func(r chi.Router) {
			r.Use(h.requireMFA)

			r.Post("/transactions", h.initiateTransaction)
			r.Post("/transactions/{id}/approvals", h.submitApproval)
			r.Post("/transactions/{id}/execute", h.executeTransaction)
			r.Post("/transactions/{id}/cancel", h.cancelTransaction)
			r.Post("/transactions/{id}/reversal", h.initiateReversal)
			r.Post("/transactions/{id}/override", h.emergencyOverride)

			r.Post("/wallets", h.createWallet)
			r.Put("/wallets/{id}/limits", h.updateLimits)
			r.Post("/wallets/{id}/deactivate", h.deactivateWallet)

			r.Post("/vaults", h.createVault)
			r.Post("/vaults/{id}/transfers", h.initiateVaultTransfer)
			r.Post("/vaults/{id}/balance-checks", h.balanceCheck)
			r.Post("/vaults/{id}/deactivate", h.deactivateVault)
		})
	})
	return r
}

// Server serves the API over HTTP.
type Server struct {
	server *http.Server
}

// NewServer creates the API server.
func NewServer(handler http.Handler, port int, readTimeout, writeTimeout time.Duration) *Server {
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      writeTimeout,
		},
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
