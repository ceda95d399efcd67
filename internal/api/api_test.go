package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"seqd/internal/audit"
	"seqd/internal/config"
	"seqd/internal/failover"
	"seqd/internal/issuance"
	"seqd/internal/store"
	"seqd/internal/stepchange"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Role = config.RoleOdd
	require.NoError(t, cfg.Validate())

	ctrl := failover.New(cfg, st, nil)
	eng := issuance.New(cfg, st, ctrl)
	ctrl.SetProxyInstaller(eng)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(ctrl.Stop)

	proto := stepchange.New(st, eng)
	return NewServer(cfg, st, eng, ctrl, proto)
}

func TestGenerateHandler_ReturnsIDs(t *testing.T) {
	s := newTestServer(t)
	// The peer role is absent and no segment exists yet, so the role comes
	// from hashing business+time_key: "order"+"20260101" hashes to Odd.
	body, _ := json.Marshal(generateRequest{BusinessType: "order", TimeKey: "20260101", Count: 10})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.GenerateHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp generateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.IDs, 10)
	require.Equal(t, int64(1), resp.IDs[0])
}

func TestGenerateHandler_RejectsEmptyBusiness(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(generateRequest{BusinessType: "", Count: 1})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.GenerateHandler(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerateHandler_IncludesRoutingHint(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(generateRequest{
		BusinessType:   "order",
		Count:          1,
		IncludeRouting: true,
		ShardDBCount:   8,
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.GenerateHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp generateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Routing)
	require.Equal(t, int64(8), resp.Routing.ShardDBCount)
	require.Less(t, resp.Routing.DBIndex, int64(8))
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.HealthHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestChangeStepSizeHandler_PreviewDoesNotMutate(t *testing.T) {
	s := newTestServer(t)

	// Seed a segment by issuing one ID first.
	genBody, _ := json.Marshal(generateRequest{BusinessType: "order", Count: 1})
	genReq := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewReader(genBody))
	genW := httptest.NewRecorder()
	s.GenerateHandler(genW, genReq)
	require.Equal(t, http.StatusOK, genW.Code)

	body, _ := json.Marshal(stepSizeRequest{BusinessType: "order", NewStepSize: 2000, Preview: true})
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/step-size", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ChangeStepSizeHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var report stepchange.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.Equal(t, 1, report.Changed)

	segs, err := s.st.ListSegments(context.Background(), "order", nil)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.Equal(t, int32(1000), segs[0].StepSize)
}

func TestVerifyAuditChainHandler_ReportsUnconfiguredWhenNoAuditChainBound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/audit/verify-chain", nil)
	w := httptest.NewRecorder()
	s.VerifyAuditChainHandler(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestVerifyAuditChainHandler_ReportsIntactChain(t *testing.T) {
	s := newTestServer(t)
	path := filepath.Join(t.TempDir(), "audit.log")
	key := make([]byte, 32)
	l, err := audit.NewLogger(path, key)
	require.NoError(t, err)
	require.NoError(t, l.Log(audit.Entry{Operation: "expire", Success: true}))
	require.NoError(t, l.Log(audit.Entry{Operation: "resolve_conflicts", Success: true}))
	require.NoError(t, l.Close())

	s.SetAuditChain(path, key)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/audit/verify-chain", nil)
	w := httptest.NewRecorder()
	s.VerifyAuditChainHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var report audit.VerifyReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.True(t, report.Valid)
	require.Equal(t, 2, report.CheckedRows)
}

func TestRecoverTimeoutsHandler_EmptyWhenNothingStuck(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/recover-timeouts", nil)
	w := httptest.NewRecorder()
	s.RecoverTimeoutsHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, float64(0), resp["reset_count"])
}
