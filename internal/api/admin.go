package api

import (
	"encoding/json"
	"net/http"
	"time"

	"seqd/internal/audit"
	"seqd/internal/stepchange"
)

// StatusHandler serves GET /v1/admin/status (spec §6 "Server status").
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status := s.controller.Status()

	peerCounts, err := s.controller.PeerCounts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "peer counts failed", err)
		return
	}
	loadBalance, err := s.controller.LoadBalanceInfo(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load balance info failed", err)
		return
	}

	respondOK(w, map[string]interface{}{
		"node_id":                s.cfg.NodeID,
		"role":                   status.Role,
		"buffer_count":           s.engine.BufferCount(),
		"in_failover_mode":       status.InFailoverMode,
		"proxy_buffer_count":     status.ProxyBufferCount,
		"peer_up":                status.PeerUp,
		"peer_counts":            peerCounts,
		"refresh_status_summary": s.engine.RefreshStatusSummary(),
		"load_balance_info":      loadBalance,
	})
}

// GetStepSizeHandler serves GET /v1/admin/step-size?business_type=...
// (spec §6 "Get current step sizes").
func (s *Server) GetStepSizeHandler(w http.ResponseWriter, r *http.Request) {
	business := r.URL.Query().Get("business_type")
	var timeKey *string
	if v := r.URL.Query().Get("time_key"); v != "" {
		timeKey = &v
	}

	segs, err := s.st.ListSegments(r.Context(), business, timeKey)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list segments failed", err)
		return
	}
	respondOK(w, map[string]interface{}{"segments": segs})
}

type stepSizeRequest struct {
	BusinessType string  `json:"business_type"`
	TimeKey      *string `json:"time_key"`
	NewStepSize  int32   `json:"new_step_size"`
	Preview      bool    `json:"preview"`
	Global       bool    `json:"global"`
}

// ChangeStepSizeHandler serves POST /v1/admin/step-size (spec §6
// "Change step size").
func (s *Server) ChangeStepSizeHandler(w http.ResponseWriter, r *http.Request) {
	var req stepSizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	start := time.Now()
	var report interface{}
	var err error
	if req.Global {
		report, err = s.protocol.GlobalChange(r.Context(), req.NewStepSize, req.Preview)
	} else {
		report, err = s.protocol.Change(r.Context(), req.BusinessType, req.TimeKey, req.NewStepSize, req.Preview)
	}
	audit.Record("step_size_change", "", req.BusinessType, err == nil, time.Since(start), err,
		map[string]interface{}{"new_step_size": req.NewStepSize, "preview": req.Preview, "global": req.Global})
	if err != nil {
		respondError(w, http.StatusBadRequest, "step size change failed", err)
		return
	}
	respondOK(w, report)
}

// RecoverTimeoutsHandler serves POST /v1/admin/recover-timeouts (spec
// §6 "Recover timeout refresh").
func (s *Server) RecoverTimeoutsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reset := s.engine.RecoverStuckRefreshes()
	audit.Record("recover_timeouts", "", "", true, time.Since(start), nil,
		map[string]interface{}{"reset_count": len(reset)})
	respondOK(w, map[string]interface{}{"reset": reset, "reset_count": len(reset)})
}

// ResolveConflictsHandler serves POST /v1/admin/resolve-conflicts (spec
// §6 "Resolve conflicts after recovery").
func (s *Server) ResolveConflictsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	checked, conflicted, err := stepchange.ResolveConflicts(r.Context(), s.st)
	audit.Record("resolve_conflicts", "", "", err == nil, time.Since(start), err,
		map[string]interface{}{"checked": checked, "conflicted": len(conflicted)})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "resolve conflicts failed", err)
		return
	}
	respondOK(w, map[string]interface{}{"checked": checked, "conflicted": conflicted})
}

type expireRequest struct {
	Cutoff string `json:"cutoff"`
}

// ExpireHandler serves POST /v1/admin/expire (spec §6 "Delete expired
// segments by time_key < cutoff").
func (s *Server) ExpireHandler(w http.ResponseWriter, r *http.Request) {
	var req expireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	start := time.Now()
	deleted, err := s.st.DeleteWhereTimeKeyLessThan(r.Context(), req.Cutoff)
	audit.Record("expire", "", "", err == nil, time.Since(start), err,
		map[string]interface{}{"cutoff": req.Cutoff, "deleted": deleted})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "expire failed", err)
		return
	}
	respondOK(w, map[string]interface{}{"deleted": deleted})
}

// VerifyAuditChainHandler serves GET /v1/admin/audit/verify-chain,
// adapted from dplaned's VerifyAuditChain handler: recomputes the HMAC
// chain over the audit log and reports the first row where it breaks, if
// any.
func (s *Server) VerifyAuditChainHandler(w http.ResponseWriter, r *http.Request) {
	if s.auditLogPath == "" {
		respondError(w, http.StatusServiceUnavailable, "audit chain not configured on this node", nil)
		return
	}
	report, err := audit.VerifyChain(s.auditLogPath, s.auditKey)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "verify chain failed", err)
		return
	}
	respondOK(w, report)
}
