// Package failover implements C2 (node registration/heartbeat) and C6
// (the failover controller: role selection per request — spec §4.6,
// balanced vs proxy mode — plus the periodic take-over/abandon loop),
// adapted from the same heartbeat-loop shape as dplaned/internal/ha's
// Manager (ticker + goroutine + stopCh), generalized from Active/Standby
// promotion to the Even/Odd dual-role protocol.
//
// C2 and C6 share this package because, unlike the teacher's Manager —
// which keeps its own in-memory node map and polls separate peer
// daemons over HTTP — this system's peers cooperate through one shared
// store: the nodes table already is the authoritative registry, so the
// only process-local state C2 needs is a heartbeat ticker, and C6 runs
// its failover scan on a ticker of the same shape. A standalone
// registry package would only forward store calls and duplicate that
// ticker loop next to this one.
package failover

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"seqd/internal/config"
	"seqd/internal/log"
	"seqd/internal/metrics"
	"seqd/internal/store"
)

// ProxyInstaller is the subset of the issuance engine the controller
// needs to create/drop proxy buffers and invalidate cached ones.
type ProxyInstaller interface {
	InstallProxy(ctx context.Context, business, timeKey string, role store.Role, step int32) error
	Invalidate(business, timeKey string, role store.Role)
}

// Controller owns the per-(business,time) state machine described in
// spec §4.6 (Own / Proxy / Gone) and answers role-selection queries for
// the issuance engine.
type Controller struct {
	cfg *config.Config
	st  store.Store
	eng ProxyInstaller

	mu        sync.Mutex
	proxyKeys map[string]struct{} // set of "business\x00timeKey" this node proxies for peer's role
	wasPeerUp bool

	stopCh chan struct{}
}

// New creates a failover controller for the local node's own role.
func New(cfg *config.Config, st store.Store, eng ProxyInstaller) *Controller {
	return &Controller{
		cfg:       cfg,
		st:        st,
		eng:       eng,
		proxyKeys: make(map[string]struct{}),
		wasPeerUp: true, // assume peer present until the first scan proves otherwise
		stopCh:    make(chan struct{}),
	}
}

// Start registers this node and begins the periodic failover scan.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.st.RegisterNode(ctx, c.cfg.NodeID, store.Role(c.cfg.Role)); err != nil {
		return err
	}
	go c.heartbeatLoop()
	go c.failoverLoop()
	return nil
}

func (c *Controller) Stop() { close(c.stopCh) }

// SetProxyInstaller binds the issuance engine after both are
// constructed, resolving the two-way dependency between the engine
// (which needs a PeerChecker) and the controller (which needs a
// ProxyInstaller) without a dummy placeholder instance of either.
func (c *Controller) SetProxyInstaller(eng ProxyInstaller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eng = eng
}

func (c *Controller) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.st.Heartbeat(ctx, c.cfg.NodeID); err != nil {
				log.WithComponent("failover").Warn().Err(err).Msg("heartbeat failed")
			}
			cancel()
		}
	}
}

func (c *Controller) failoverLoop() {
	ticker := time.NewTicker(c.cfg.FailoverScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.handleFailover(ctx)
			cancel()
		}
	}
}

// handleFailover is the periodic loop body (spec §4.6): take over on
// peer loss, abandon on peer return.
func (c *Controller) handleFailover(ctx context.Context) {
	l := log.WithComponent("failover")

	if _, err := c.st.SweepStale(ctx, c.cfg.HeartbeatInterval*3); err != nil {
		l.Warn().Err(err).Msg("sweep_stale failed")
	}

	peerRole := store.Role(c.cfg.Role).Opposite()
	peerUp, err := c.st.PeerOnline(ctx, peerRole)
	if err != nil {
		l.Warn().Err(err).Msg("peer_online check failed")
		return
	}
	if peerUp {
		metrics.PeerUp.Set(1)
	} else {
		metrics.PeerUp.Set(0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !peerUp && c.wasPeerUp {
		c.takeOver(ctx, peerRole)
	} else if peerUp && len(c.proxyKeys) > 0 {
		c.abandon()
	}
	c.wasPeerUp = peerUp
}

// takeOver creates proxy buffers for every segment owned by the peer's
// role. In the engine's cache they are keyed by (business, time,
// peer_role), with no separate proxy marker; the controller records the
// (business, time) pairs it proxies in proxyKeys.
func (c *Controller) takeOver(ctx context.Context, peerRole store.Role) {
	l := log.WithComponent("failover")

	segs, err := c.st.ListByRole(ctx, peerRole)
	if err != nil {
		l.Error().Err(err).Msg("take_over: list_roles failed")
		return
	}
	for _, seg := range segs {
		if err := c.eng.InstallProxy(ctx, seg.BusinessType, seg.TimeKey, peerRole, seg.StepSize); err != nil {
			l.Warn().Err(err).Str("business", seg.BusinessType).Msg("take_over: proxy install failed")
			continue
		}
		c.proxyKeys[seg.BusinessType+"\x00"+seg.TimeKey] = struct{}{}
	}
	metrics.ProxyBuffersActive.Set(float64(len(c.proxyKeys)))
	metrics.FailoverEventsTotal.WithLabelValues("take_over").Inc()
	l.Info().Int("count", len(segs)).Msg("took over peer segments")
}

// abandon discards proxy buffers (wasted IDs accepted) and invalidates
// this node's own buffers so the next request re-anchors to the fresh
// global maximum — the correctness move on peer return (spec §4.6).
func (c *Controller) abandon() {
	l := log.WithComponent("failover")
	ownRole := store.Role(c.cfg.Role)
	peerRole := ownRole.Opposite()

	for key := range c.proxyKeys {
		business, timeKey := splitKey(key)
		c.eng.Invalidate(business, timeKey, peerRole)
		c.eng.Invalidate(business, timeKey, ownRole)
	}
	l.Info().Int("count", len(c.proxyKeys)).Msg("abandoned proxy buffers on peer return")
	metrics.ProxyBuffersActive.Set(0)
	metrics.FailoverEventsTotal.WithLabelValues("abandon").Inc()
	c.proxyKeys = make(map[string]struct{})
}

func splitKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

// SelectRole implements issuance.PeerChecker (spec §4.6).
func (c *Controller) SelectRole(ctx context.Context, business, timeKey string, forcedRole *store.Role) (store.Role, error) {
	if forcedRole != nil {
		return *forcedRole, nil
	}

	ownRole := store.Role(c.cfg.Role)
	peerRole := ownRole.Opposite()

	peerUp, err := c.st.PeerOnline(ctx, peerRole)
	if err != nil {
		return "", err
	}

	if peerUp {
		return c.leastLoaded(ctx, business, timeKey, ownRole, peerRole)
	}

	// Proxy mode: this node alone must issue for both roles. Prefer the
	// least-loaded if data already exists; otherwise spread evenly by
	// hashing the key so load doesn't pile onto one role by default.
	evenSeg, _ := c.st.GetSegment(ctx, business, timeKey, store.RoleEven)
	oddSeg, _ := c.st.GetSegment(ctx, business, timeKey, store.RoleOdd)
	if evenSeg == nil && oddSeg == nil {
		return hashRole(business, timeKey), nil
	}
	return c.leastLoaded(ctx, business, timeKey, ownRole, peerRole)
}

// leastLoaded picks the role whose segment has the lower
// max_value/step_size ratio; an absent segment is preferred outright; if
// both absent, the cluster-wide sum_max_value is the tiebreak, else this
// node's own role (spec §4.6 step 3).
func (c *Controller) leastLoaded(ctx context.Context, business, timeKey string, ownRole, peerRole store.Role) (store.Role, error) {
	ownSeg, err := c.st.GetSegment(ctx, business, timeKey, ownRole)
	if err != nil {
		return "", err
	}
	peerSeg, err := c.st.GetSegment(ctx, business, timeKey, peerRole)
	if err != nil {
		return "", err
	}

	if ownSeg == nil && peerSeg == nil {
		ownSum, err := c.st.SumMaxValue(ctx, ownRole)
		if err != nil {
			return "", err
		}
		peerSum, err := c.st.SumMaxValue(ctx, peerRole)
		if err != nil {
			return "", err
		}
		if ownSum <= peerSum {
			return ownRole, nil
		}
		return peerRole, nil
	}
	if ownSeg == nil {
		return ownRole, nil
	}
	if peerSeg == nil {
		return peerRole, nil
	}

	ownRatio := float64(ownSeg.MaxValue) / float64(ownSeg.StepSize)
	peerRatio := float64(peerSeg.MaxValue) / float64(peerSeg.StepSize)
	if ownRatio <= peerRatio {
		return ownRole, nil
	}
	return peerRole, nil
}

// Status is a snapshot of the controller's failover state, used by the
// admin "server status" operation (spec §6).
type Status struct {
	Role             store.Role
	PeerUp           bool
	ProxyBufferCount int
	InFailoverMode   bool
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Role:             store.Role(c.cfg.Role),
		PeerUp:           c.wasPeerUp,
		ProxyBufferCount: len(c.proxyKeys),
		InFailoverMode:   len(c.proxyKeys) > 0,
	}
}

// LoadBalanceInfo is the cluster-wide load signal behind leastLoaded's
// absent-segment tiebreak, surfaced read-only for the admin "server
// status" operation (spec §6 "load_balance_info").
type LoadBalanceInfo struct {
	EvenSumMaxValue int64 `json:"even_sum_max_value"`
	OddSumMaxValue  int64 `json:"odd_sum_max_value"`
}

// LoadBalanceInfo reports the same per-role sum_max_value totals
// leastLoaded consults when no segment yet exists for a key.
func (c *Controller) LoadBalanceInfo(ctx context.Context) (LoadBalanceInfo, error) {
	evenSum, err := c.st.SumMaxValue(ctx, store.RoleEven)
	if err != nil {
		return LoadBalanceInfo{}, err
	}
	oddSum, err := c.st.SumMaxValue(ctx, store.RoleOdd)
	if err != nil {
		return LoadBalanceInfo{}, err
	}
	return LoadBalanceInfo{EvenSumMaxValue: evenSum, OddSumMaxValue: oddSum}, nil
}

// PeerCounts reports registered node counts by role and online/offline
// status, for the admin "server status" operation (spec §6 "peer_counts").
func (c *Controller) PeerCounts(ctx context.Context) (map[store.Role]store.NodeCounts, error) {
	return c.st.CountNodesByRole(ctx)
}

func hashRole(business, timeKey string) store.Role {
	h := fnv.New32a()
	h.Write([]byte(business + timeKey))
	if h.Sum32()%2 == 0 {
		return store.RoleEven
	}
	return store.RoleOdd
}
