// Copyright 2025 Certen Protocol
//
// Server wires the gateway contract (C9) around the pure runtime
// components: canonicalizer, CID, signer, policy, pipeline engine, VM, and
// receipt chain.

package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ubl-network/ubl-gate/pkg/casstore"
	"github.com/ubl-network/ubl-gate/pkg/config"
	"github.com/ubl-network/ubl-gate/pkg/gateway"
	"github.com/ubl-network/ubl-gate/pkg/pipeline"
	"github.com/ubl-network/ubl-gate/pkg/sign"
)

// Server holds every dependency the HTTP handlers need and owns route
// registration.
type Server struct {
	Cfg       *config.Config
	Blobs     *casstore.Store
	Tips      *casstore.TipStore
	Keys      *sign.KeyRingStore
	Idemp     *gateway.IdempotencyStore
	Limiter   *gateway.RateLimiter
	Tokens    *gateway.TokenStore
	Locks     *gateway.TenantLocks
	Manifests map[string]*pipeline.Manifest // keyed by app id; "" is the default
	Logger    *slog.Logger
	Metrics   *Metrics

	mux *http.ServeMux
}

// New builds a Server and registers every route. Call Handler() to get the
// net/http.Handler to serve.
func New(s *Server) *Server {
	s.mux = http.NewServeMux()
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /a/{app}/t/{tenant}/v1/execute", s.withMiddleware(s.handleExecute))
	s.mux.HandleFunc("POST /a/{app}/t/{tenant}/v1/execute/rb", s.withMiddleware(s.handleExecuteRB))
	s.mux.HandleFunc("GET /a/{app}/t/{tenant}/v1/receipt/{cid}", s.withMiddleware(s.handleGetReceipt))
	s.mux.HandleFunc("GET /a/{app}/t/{tenant}/v1/transition/{cid}", s.withMiddleware(s.handleGetTransition))
	s.mux.HandleFunc("GET /a/{app}/t/{tenant}/v1/tip", s.withMiddleware(s.handleGetTip))
	s.mux.HandleFunc("GET /a/{app}/t/{tenant}/v1/audit", s.withMiddleware(s.handleAudit))
	s.mux.HandleFunc("GET /a/{app}/t/{tenant}/v1/audit/proof/{cid}", s.withMiddleware(s.handleAuditProof))
	s.mux.HandleFunc("POST /a/{app}/t/{tenant}/v1/ingest", s.withMiddleware(s.handleIngest))
	s.mux.HandleFunc("POST /a/{app}/t/{tenant}/v1/certify", s.withMiddleware(s.handleCertify))
	s.mux.HandleFunc("GET /a/{app}/t/{tenant}/v1/receipts", s.withMiddleware(s.handleListReceipts))
	s.mux.HandleFunc("POST /a/{app}/t/{tenant}/v1/resolve", s.withMiddleware(s.handleResolve))

	// Legacy unscoped routes operate against gateway.DefaultScope.
	s.mux.HandleFunc("POST /v1/execute", s.withMiddleware(s.handleExecute))
	s.mux.HandleFunc("POST /v1/execute/rb", s.withMiddleware(s.handleExecuteRB))
	s.mux.HandleFunc("GET /v1/receipt/{cid}", s.withMiddleware(s.handleGetReceipt))
	s.mux.HandleFunc("GET /v1/transition/{cid}", s.withMiddleware(s.handleGetTransition))
	s.mux.HandleFunc("GET /v1/tip", s.withMiddleware(s.handleGetTip))
	s.mux.HandleFunc("GET /v1/audit", s.withMiddleware(s.handleAudit))
	s.mux.HandleFunc("GET /v1/audit/proof/{cid}", s.withMiddleware(s.handleAuditProof))
	s.mux.HandleFunc("POST /v1/ingest", s.withMiddleware(s.handleIngest))
	s.mux.HandleFunc("POST /v1/certify", s.withMiddleware(s.handleCertify))
	s.mux.HandleFunc("GET /v1/receipts", s.withMiddleware(s.handleListReceipts))
	s.mux.HandleFunc("POST /v1/resolve", s.withMiddleware(s.handleResolve))

	// Content-addressed blobs are global, not tenant-scoped: a cid
	// resolves to the same bytes regardless of which tenant ingested it.
	s.mux.HandleFunc("GET /cid/{cid}", s.withMiddleware(s.handleGetByCID))

	s.mux.HandleFunc("GET /.well-known/did.json", s.handleDID)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func scopeFromRequest(r *http.Request) gateway.Scope {
	return gateway.NewScope(r.PathValue("app"), r.PathValue("tenant"))
}
