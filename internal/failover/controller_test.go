package failover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"seqd/internal/config"
	"seqd/internal/store"
)

// fakeProxyInstaller records InstallProxy/Invalidate calls without touching
// a real issuance engine, isolating the controller's take-over/abandon
// bookkeeping from buffer semantics.
type fakeProxyInstaller struct {
	installed   []string
	invalidated []string
}

func (f *fakeProxyInstaller) InstallProxy(_ context.Context, business, timeKey string, role store.Role, _ int32) error {
	f.installed = append(f.installed, business+"/"+timeKey+"/"+string(role))
	return nil
}

func (f *fakeProxyInstaller) Invalidate(business, timeKey string, role store.Role) {
	f.invalidated = append(f.invalidated, business+"/"+timeKey+"/"+string(role))
}

func newTestController(t *testing.T, role store.Role) (*Controller, store.Store, *fakeProxyInstaller) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Role = config.Role(role)
	require.NoError(t, cfg.Validate())

	inst := &fakeProxyInstaller{}
	ctrl := New(cfg, st, inst)
	return ctrl, st, inst
}

func TestSelectRole_ForcedRoleBypassesEverything(t *testing.T) {
	ctrl, _, _ := newTestController(t, store.RoleOdd)
	even := store.RoleEven

	role, err := ctrl.SelectRole(context.Background(), "order", "20260101", &even)
	require.NoError(t, err)
	require.Equal(t, store.RoleEven, role)
}

func TestSelectRole_ProxyModeHashesWhenNoSegmentsExist(t *testing.T) {
	ctrl, _, _ := newTestController(t, store.RoleOdd)
	// Peer (Even) has never registered, so PeerOnline is false: proxy mode.
	role, err := ctrl.SelectRole(context.Background(), "order", "20260101", nil)
	require.NoError(t, err)
	require.True(t, role == store.RoleEven || role == store.RoleOdd)
}

func TestSelectRole_BalancedModePrefersAbsentSegment(t *testing.T) {
	ctrl, st, _ := newTestController(t, store.RoleOdd)
	ctx := context.Background()

	require.NoError(t, st.RegisterNode(ctx, "peer-node", store.RoleEven))
	require.NoError(t, st.Heartbeat(ctx, "peer-node"))

	require.NoError(t, st.CreateSegment(ctx, "order", "20260101", store.RoleOdd, 1000, 1000))

	role, err := ctrl.SelectRole(ctx, "order", "20260101", nil)
	require.NoError(t, err)
	require.Equal(t, store.RoleEven, role, "peer's absent segment should be preferred over this node's existing one")
}

func TestSelectRole_BalancedModePicksLowerUtilisationRatio(t *testing.T) {
	ctrl, st, _ := newTestController(t, store.RoleOdd)
	ctx := context.Background()

	require.NoError(t, st.RegisterNode(ctx, "peer-node", store.RoleEven))
	require.NoError(t, st.Heartbeat(ctx, "peer-node"))

	require.NoError(t, st.CreateSegment(ctx, "order", "20260101", store.RoleOdd, 100, 1000))
	require.NoError(t, st.CreateSegment(ctx, "order", "20260101", store.RoleEven, 2000, 1000))

	role, err := ctrl.SelectRole(ctx, "order", "20260101", nil)
	require.NoError(t, err)
	require.Equal(t, store.RoleOdd, role, "odd's ratio 0.1 is lower than even's ratio 2.0")
}

func TestHandleFailover_TakesOverWhenPeerGoesOffline(t *testing.T) {
	ctrl, st, inst := newTestController(t, store.RoleOdd)
	ctx := context.Background()

	require.NoError(t, st.CreateSegment(ctx, "order", "20260101", store.RoleEven, 2000, 1000))

	ctrl.handleFailover(ctx)

	require.Len(t, inst.installed, 1)
	require.Contains(t, inst.installed[0], "order/20260101/even")
	status := ctrl.Status()
	require.True(t, status.InFailoverMode)
	require.Equal(t, 1, status.ProxyBufferCount)
}

func TestHandleFailover_AbandonsWhenPeerReturns(t *testing.T) {
	ctrl, st, inst := newTestController(t, store.RoleOdd)
	ctx := context.Background()

	require.NoError(t, st.CreateSegment(ctx, "order", "20260101", store.RoleEven, 2000, 1000))
	ctrl.handleFailover(ctx)
	require.True(t, ctrl.Status().InFailoverMode)

	require.NoError(t, st.RegisterNode(ctx, "peer-node", store.RoleEven))
	require.NoError(t, st.Heartbeat(ctx, "peer-node"))

	ctrl.handleFailover(ctx)

	require.False(t, ctrl.Status().InFailoverMode)
	require.NotEmpty(t, inst.invalidated)
}

func TestStatus_ReportsRoleAndPeerState(t *testing.T) {
	ctrl, _, _ := newTestController(t, store.RoleEven)
	status := ctrl.Status()
	require.Equal(t, store.RoleEven, status.Role)
	require.False(t, status.InFailoverMode)
}

func TestStartStop_RegistersNodeAndStopsCleanly(t *testing.T) {
	ctrl, st, _ := newTestController(t, store.RoleOdd)
	cfg := ctrl.cfg

	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Stop()

	node, err := st.GetNode(context.Background(), cfg.NodeID)
	require.NoError(t, err)
	require.NotNil(t, node)
	require.Equal(t, store.RoleOdd, node.Role)
}

func TestSetProxyInstaller_BindsEngineAfterConstruction(t *testing.T) {
	ctrl, _, _ := newTestController(t, store.RoleOdd)
	inst2 := &fakeProxyInstaller{}
	ctrl.SetProxyInstaller(inst2)
	require.Same(t, inst2, ctrl.eng)
}

func TestSplitKey_RoundTripsBusinessAndTimeKey(t *testing.T) {
	business, timeKey := splitKey("order\x0020260101")
	require.Equal(t, "order", business)
	require.Equal(t, "20260101", timeKey)
}

func TestLoadBalanceInfo_ReflectsSumMaxValuePerRole(t *testing.T) {
	ctrl, st, _ := newTestController(t, store.RoleEven)
	ctx := context.Background()

	require.NoError(t, st.CreateSegment(ctx, "order", "20260101", store.RoleEven, 1000, 1000))
	require.NoError(t, st.CreateSegment(ctx, "order", "20260101", store.RoleOdd, 2001, 1000))

	info, err := ctrl.LoadBalanceInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1000), info.EvenSumMaxValue)
	require.Equal(t, int64(2001), info.OddSumMaxValue)
}

func TestPeerCounts_ReflectsRegisteredNodesByRole(t *testing.T) {
	ctrl, st, _ := newTestController(t, store.RoleEven)
	ctx := context.Background()

	require.NoError(t, st.RegisterNode(ctx, "even-node", store.RoleEven))
	require.NoError(t, st.RegisterNode(ctx, "odd-node", store.RoleOdd))

	counts, err := ctrl.PeerCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, store.NodeCounts{Online: 1}, counts[store.RoleEven])
	require.Equal(t, store.NodeCounts{Online: 1}, counts[store.RoleOdd])
}

func TestWasPeerUp_DefaultsTrueUntilFirstScan(t *testing.T) {
	ctrl, _, _ := newTestController(t, store.RoleOdd)
	require.True(t, ctrl.wasPeerUp)
	_ = time.Now()
}
