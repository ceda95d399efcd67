package issuance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"seqd/internal/config"
	"seqd/internal/store"
)

// fixedRoleChecker is a PeerChecker stub that always resolves to a fixed
// role, letting engine tests exercise Generate without a failover
// controller.
type fixedRoleChecker struct {
	role store.Role
}

func (f fixedRoleChecker) SelectRole(_ context.Context, _, _ string, forced *store.Role) (store.Role, error) {
	if forced != nil {
		return *forced, nil
	}
	return f.role, nil
}

func newTestEngine(t *testing.T, role store.Role) (*Engine, store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Role = config.Role(role)
	require.NoError(t, cfg.Validate())

	eng := New(cfg, st, fixedRoleChecker{role: role})
	return eng, st
}

func TestGenerate_FreshOddBusinessStartsAtOne(t *testing.T) {
	eng, _ := newTestEngine(t, store.RoleOdd)

	res, err := eng.Generate(context.Background(), Request{Business: "order", TimeKey: "20260101", Count: 5})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, res.IDs)
	require.Equal(t, store.RoleOdd, res.Role)
}

func TestGenerate_FreshEvenBusinessStartsAtStepPlusOne(t *testing.T) {
	eng, _ := newTestEngine(t, store.RoleEven)

	res, err := eng.Generate(context.Background(), Request{Business: "order", TimeKey: "20260101", Count: 3})
	require.NoError(t, err)
	require.Equal(t, []int64{1001, 1002, 1003}, res.IDs)
}

func TestGenerate_RejectsEmptyBusiness(t *testing.T) {
	eng, _ := newTestEngine(t, store.RoleOdd)
	_, err := eng.Generate(context.Background(), Request{Business: "", Count: 1})
	require.Error(t, err)
}

func TestGenerate_RejectsNonPositiveCount(t *testing.T) {
	eng, _ := newTestEngine(t, store.RoleOdd)
	_, err := eng.Generate(context.Background(), Request{Business: "order", Count: 0})
	require.Error(t, err)
}

func TestGenerate_RefillsAcrossBufferExhaustion(t *testing.T) {
	eng, _ := newTestEngine(t, store.RoleOdd)
	step := int32(10)

	res, err := eng.Generate(context.Background(), Request{Business: "order", TimeKey: "20260101", Count: 10, CustomStep: &step})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.IDs[0])
	require.Equal(t, int64(10), res.IDs[9])

	// Next call exhausts the [1,10] interval immediately, forcing a
	// refill that (per the global-max allocator rule) must skip Even's
	// interval and land on [21,30].
	res2, err := eng.Generate(context.Background(), Request{Business: "order", TimeKey: "20260101", Count: 1, CustomStep: &step})
	require.NoError(t, err)
	require.Equal(t, int64(21), res2.IDs[0])
}

func TestGenerate_IDsAreMonotonicWithinABusiness(t *testing.T) {
	eng, _ := newTestEngine(t, store.RoleOdd)

	var all []int64
	for i := 0; i < 5; i++ {
		res, err := eng.Generate(context.Background(), Request{Business: "order", TimeKey: "20260101", Count: 3})
		require.NoError(t, err)
		all = append(all, res.IDs...)
	}
	for i := 1; i < len(all); i++ {
		require.Greater(t, all[i], all[i-1])
	}
}

func TestGenerate_ForcedRoleOverridesPeerChecker(t *testing.T) {
	eng, _ := newTestEngine(t, store.RoleOdd)
	even := store.RoleEven

	res, err := eng.Generate(context.Background(), Request{Business: "order", TimeKey: "20260101", Count: 1, ForcedRole: &even})
	require.NoError(t, err)
	require.Equal(t, store.RoleEven, res.Role)
	require.Equal(t, int64(1001), res.IDs[0])
}

func TestGenerate_DistinctTimeKeysGetIndependentBuffers(t *testing.T) {
	eng, _ := newTestEngine(t, store.RoleOdd)

	res1, err := eng.Generate(context.Background(), Request{Business: "order", TimeKey: "20260101", Count: 1})
	require.NoError(t, err)
	res2, err := eng.Generate(context.Background(), Request{Business: "order", TimeKey: "20260102", Count: 1})
	require.NoError(t, err)

	require.Equal(t, int64(1), res1.IDs[0])
	require.Equal(t, int64(1), res2.IDs[0])
}

func TestBufferCount_ReflectsCachedEntries(t *testing.T) {
	eng, _ := newTestEngine(t, store.RoleOdd)
	require.Equal(t, 0, eng.BufferCount())

	_, err := eng.Generate(context.Background(), Request{Business: "order", TimeKey: "20260101", Count: 1})
	require.NoError(t, err)
	require.Equal(t, 1, eng.BufferCount())

	_, err = eng.Generate(context.Background(), Request{Business: "payment", TimeKey: "20260101", Count: 1})
	require.NoError(t, err)
	require.Equal(t, 2, eng.BufferCount())
}

func TestInvalidate_ForcesFreshSegmentReadOnNextGenerate(t *testing.T) {
	eng, st := newTestEngine(t, store.RoleOdd)

	_, err := eng.Generate(context.Background(), Request{Business: "order", TimeKey: "20260101", Count: 1})
	require.NoError(t, err)

	_, err = st.SetMaxValue(context.Background(), "order", "20260101", store.RoleOdd, 5000)
	require.NoError(t, err)

	eng.Invalidate("order", "20260101", store.RoleOdd)

	res, err := eng.Generate(context.Background(), Request{Business: "order", TimeKey: "20260101", Count: 1})
	require.NoError(t, err)
	require.Equal(t, int64(4001), res.IDs[0])
}

func TestRecoverStuckRefreshes_EmptyWhenNothingStuck(t *testing.T) {
	eng, _ := newTestEngine(t, store.RoleOdd)
	_, err := eng.Generate(context.Background(), Request{Business: "order", TimeKey: "20260101", Count: 1})
	require.NoError(t, err)

	reset := eng.RecoverStuckRefreshes()
	require.Empty(t, reset)
}

func TestRefill_RequireExhaustedSkipsWhenAnotherCallerAlreadyRefilled(t *testing.T) {
	eng, st := newTestEngine(t, store.RoleOdd)
	ctx := context.Background()
	step := int32(10)

	_, err := eng.Generate(ctx, Request{Business: "order", TimeKey: "20260101", Count: 10, CustomStep: &step})
	require.NoError(t, err)

	mapKey := Key{"order", "20260101"}.String() + "\x00" + string(store.RoleOdd)
	ent := eng.buffers[mapKey]
	require.True(t, ent.buf.IsExhausted())

	// Simulate a peer goroutine winning the refill race while this caller
	// waited on refillMu: the buffer now holds a fresh interval again.
	ent.buf.Install(21, 30)

	segBefore, err := st.GetSegment(ctx, "order", "20260101", store.RoleOdd)
	require.NoError(t, err)

	// requireExhausted=true must notice the buffer is no longer exhausted
	// and return without touching the store at all.
	require.NoError(t, eng.refill(ctx, "order", "20260101", ent, step, true))

	segAfter, err := st.GetSegment(ctx, "order", "20260101", store.RoleOdd)
	require.NoError(t, err)
	require.Equal(t, segBefore.MaxValue, segAfter.MaxValue)

	start, end := ent.buf.Bounds()
	require.Equal(t, int64(21), start)
	require.Equal(t, int64(30), end)
}

func TestRefill_PrefetchPassesThroughEvenWhenNotYetExhausted(t *testing.T) {
	eng, st := newTestEngine(t, store.RoleOdd)
	ctx := context.Background()
	step := int32(10)

	_, err := eng.Generate(ctx, Request{Business: "order", TimeKey: "20260101", Count: 1, CustomStep: &step})
	require.NoError(t, err)

	mapKey := Key{"order", "20260101"}.String() + "\x00" + string(store.RoleOdd)
	ent := eng.buffers[mapKey]
	require.False(t, ent.buf.IsExhausted())

	// Prefetch (requireExhausted=false) must run the refill protocol even
	// though the buffer has plenty of headroom left.
	require.NoError(t, eng.refill(ctx, "order", "20260101", ent, step, false))

	seg, err := st.GetSegment(ctx, "order", "20260101", store.RoleOdd)
	require.NoError(t, err)
	require.Greater(t, seg.MaxValue, int64(10))
}

func TestRefreshStatusSummary_CountsInFlightRefreshWithoutMutating(t *testing.T) {
	eng, _ := newTestEngine(t, store.RoleOdd)
	ctx := context.Background()

	_, err := eng.Generate(ctx, Request{Business: "order", TimeKey: "20260101", Count: 1})
	require.NoError(t, err)

	mapKey := Key{"order", "20260101"}.String() + "\x00" + string(store.RoleOdd)
	ent := eng.buffers[mapKey]
	require.True(t, ent.buf.TryMarkRefresh(eng.cfg.RefreshTimeout))

	summary := eng.RefreshStatusSummary()
	require.Equal(t, 1, summary.Refreshing)
	require.Equal(t, 0, summary.Stuck)

	// RefreshStatusSummary must not itself clear the flag; a fresh call
	// immediately after still reports the same in-flight refresh.
	require.Equal(t, summary, eng.RefreshStatusSummary())

	reset := eng.RecoverStuckRefreshes()
	require.Empty(t, reset)
}
