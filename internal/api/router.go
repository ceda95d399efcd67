// Package api wires the HTTP transport (spec §6 External Interfaces)
// using gorilla/mux, adapted from dplaned/cmd/dplaned's router-plus-
// middleware-chain shape and dplaned/internal/handlers's response
// helpers, generalized from the daemon's many resource handlers down to
// seqd's generate/admin/health/metrics surface.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"seqd/internal/config"
	"seqd/internal/failover"
	"seqd/internal/issuance"
	"seqd/internal/metrics"
	"seqd/internal/stepchange"
	"seqd/internal/store"
)

// Server holds everything the HTTP handlers need.
type Server struct {
	cfg        *config.Config
	st         store.Store
	engine     *issuance.Engine
	controller *failover.Controller
	protocol   *stepchange.Protocol

	auditLogPath string
	auditKey     []byte
}

func NewServer(cfg *config.Config, st store.Store, engine *issuance.Engine, controller *failover.Controller, protocol *stepchange.Protocol) *Server {
	return &Server{cfg: cfg, st: st, engine: engine, controller: controller, protocol: protocol}
}

// SetAuditChain binds the audit log path and HMAC key so
// VerifyAuditChainHandler can re-derive the same hashes the logger wrote
// with. Optional: if never called, the verify endpoint reports an error
// rather than panicking.
func (s *Server) SetAuditChain(logPath string, key []byte) {
	s.auditLogPath = logPath
	s.auditKey = key
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	r.HandleFunc("/v1/generate", s.GenerateHandler).Methods("POST")

	r.HandleFunc("/v1/admin/status", s.StatusHandler).Methods("GET")
	r.HandleFunc("/v1/admin/step-size", s.GetStepSizeHandler).Methods("GET")
	r.HandleFunc("/v1/admin/step-size", s.ChangeStepSizeHandler).Methods("POST")
	r.HandleFunc("/v1/admin/recover-timeouts", s.RecoverTimeoutsHandler).Methods("POST")
	r.HandleFunc("/v1/admin/resolve-conflicts", s.ResolveConflictsHandler).Methods("POST")
	r.HandleFunc("/v1/admin/expire", s.ExpireHandler).Methods("POST")
	r.HandleFunc("/v1/admin/audit/verify-chain", s.VerifyAuditChainHandler).Methods("GET")

	return r
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]interface{}{
		"status":  "ok",
		"node_id": s.cfg.NodeID,
		"role":    s.cfg.Role,
	})
}
