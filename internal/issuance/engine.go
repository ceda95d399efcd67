// Package issuance implements the C5 issuance engine: role selection,
// buffer lookup, async prefetch, and synchronous refill on exhaustion —
// the end-to-end path spec §4.5 describes.
package issuance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"seqd/internal/allocator"
	"seqd/internal/buffer"
	"seqd/internal/config"
	"seqd/internal/log"
	"seqd/internal/metrics"
	"seqd/internal/store"
)

// PeerChecker answers whether the opposite role currently has an online
// node, and resolves role selection for a request (spec §4.6). The
// Engine depends on this interface, not on internal/failover directly,
// so the failover controller can own all online/offline bookkeeping.
type PeerChecker interface {
	SelectRole(ctx context.Context, business, timeKey string, forcedRole *store.Role) (store.Role, error)
}

// Key identifies one buffer: a (business_type, time_key) pair.
type Key struct {
	Business string
	TimeKey  string
}

func (k Key) String() string { return k.Business + "\x00" + k.TimeKey }

// Request is one call to Generate.
type Request struct {
	Business      string
	TimeKey       string // if empty, Generate substitutes today's date (yyyymmdd)
	Count         int
	ForcedRole    *store.Role
	CustomStep    *int32
}

// Result is the response to a successful Generate call.
type Result struct {
	IDs      []int64
	Role     store.Role
	NodeID   string
}

// Engine owns the concurrent buffer map and drives refills.
type Engine struct {
	cfg   *config.Config
	st    store.Store
	peers PeerChecker

	mu      sync.RWMutex
	buffers map[string]*entry

	log zerolog.Logger
}

// entry pairs a buffer with the per-key mutex that serializes its
// refills (spec §4.5.1) and a separate create-lock is modeled by the
// engine-level mu above (taken only while materialising a missing entry).
type entry struct {
	buf      *buffer.Buffer
	refillMu sync.Mutex
}

// New creates an issuance engine. peers resolves role selection per request.
func New(cfg *config.Config, st store.Store, peers PeerChecker) *Engine {
	return &Engine{
		cfg:     cfg,
		st:      st,
		peers:   peers,
		buffers: make(map[string]*entry),
		log:     log.WithComponent("issuance"),
	}
}

// Generate is the C5 end-to-end operation (spec §4.5).
func (e *Engine) Generate(ctx context.Context, req Request) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GenerateDuration, req.Business)

	if req.Business == "" {
		return nil, fmt.Errorf("issuance: business_type must not be empty")
	}
	count := req.Count
	if count < 1 {
		return nil, fmt.Errorf("issuance: count must be >= 1, got %d", count)
	}
	timeKey := req.TimeKey
	if timeKey == "" {
		timeKey = time.Now().Format("20060102")
	}

	role, err := e.peers.SelectRole(ctx, req.Business, timeKey, req.ForcedRole)
	if err != nil {
		return nil, fmt.Errorf("issuance: role selection: %w", err)
	}

	step := e.cfg.DefaultStepSize
	if req.CustomStep != nil {
		step = *req.CustomStep
	}

	ent, err := e.getOrCreate(ctx, req.Business, timeKey, role, step)
	if err != nil {
		return nil, fmt.Errorf("issuance: buffer init: %w", err)
	}

	ids := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		id := ent.buf.Take()

		if id != buffer.Exhausted {
			metrics.BufferUtilisation.WithLabelValues(req.Business, string(ent.buf.Role())).Set(ent.buf.Utilisation())
			if ent.buf.Utilisation() > e.cfg.RefreshThreshold && ent.buf.TryMarkRefresh(e.cfg.RefreshTimeout) {
				go e.prefetch(req.Business, timeKey, ent, step)
			}
			ids = append(ids, id)
			continue
		}

		if err := e.refill(ctx, req.Business, timeKey, ent, step, true); err != nil {
			return nil, fmt.Errorf("issuance: refill on exhaustion: %w", err)
		}
		id = ent.buf.Take()
		if id == buffer.Exhausted {
			return nil, fmt.Errorf("issuance: buffer exhausted immediately after refill")
		}
		ids = append(ids, id)
	}

	metrics.IDsIssuedTotal.WithLabelValues(req.Business, string(ent.buf.Role())).Add(float64(len(ids)))
	return &Result{IDs: ids, Role: ent.buf.Role(), NodeID: e.cfg.NodeID}, nil
}

// getOrCreate returns the buffer entry for (business,timeKey,role),
// materialising it on first use under the engine-wide map lock e.mu (spec
// §4.5 step 3). That lock is held across the store reads and the insert,
// so creation of any key waits for a creation of any other key to finish;
// there is no per-key creation lock. It is distinct from the per-entry
// refillMu: it only guards the map insertion, not subsequent refills.
func (e *Engine) getOrCreate(ctx context.Context, business, timeKey string, role store.Role, step int32) (*entry, error) {
	mapKey := Key{business, timeKey}.String() + "\x00" + string(role)

	e.mu.RLock()
	ent, ok := e.buffers[mapKey]
	e.mu.RUnlock()
	if ok {
		return ent, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.buffers[mapKey]; ok {
		return ent, nil
	}

	seg, err := e.st.GetSegment(ctx, business, timeKey, role)
	if err != nil {
		return nil, err
	}

	var start, end int64
	if seg == nil {
		initialMax := allocator.InitialMax(role, step)
		if err := e.st.CreateSegment(ctx, business, timeKey, role, initialMax, step); err != nil {
			return nil, err
		}
		s, parityOK := allocator.IntervalStart(initialMax, step, role)
		if !parityOK {
			return nil, fmt.Errorf("issuance: corrupt segment for %s/%s/%s: parity mismatch", business, timeKey, role)
		}
		start, end = s, initialMax
	} else {
		s, parityOK := allocator.IntervalStart(seg.MaxValue, seg.StepSize, role)
		if !parityOK {
			return nil, fmt.Errorf("issuance: corrupt segment for %s/%s/%s: parity mismatch", business, timeKey, role)
		}
		start, end = s, seg.MaxValue
	}

	ent = &entry{buf: buffer.New(start, end, role)}
	e.buffers[mapKey] = ent
	return ent, nil
}

// Invalidate drops the cached buffer for (business,timeKey,role), forcing
// the next Generate to re-read the segment from the store. Used by the
// failover controller's abandon step (spec §4.6) and by step-size
// changes (spec §4.7).
func (e *Engine) Invalidate(business, timeKey string, role store.Role) {
	mapKey := Key{business, timeKey}.String() + "\x00" + string(role)
	e.mu.Lock()
	delete(e.buffers, mapKey)
	e.mu.Unlock()
}

// InstallProxy makes sure a buffer for (business,timeKey,role) is cached,
// used by the failover controller when taking over a peer's role. It uses
// the same cache key as any other buffer for that role; an already cached
// buffer is kept, not replaced.
func (e *Engine) InstallProxy(ctx context.Context, business, timeKey string, role store.Role, step int32) error {
	_, err := e.getOrCreate(ctx, business, timeKey, role, step)
	return err
}

// prefetch runs the refill protocol asynchronously from the request
// path, bounded by PrefetchDeadline. It never cancels from outside —
// only the deadline or the refresh-flag timeout recovers a dead prefetch
// (spec §4.5.2). It is triggered by the utilisation threshold, ahead of
// actual exhaustion, so unlike the synchronous path it must not bail out
// just because the buffer isn't exhausted yet.
func (e *Engine) prefetch(business, timeKey string, ent *entry, step int32) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PrefetchDeadline)
	defer cancel()

	if err := e.refill(ctx, business, timeKey, ent, step, false); err != nil {
		e.log.Warn().Err(err).Str("business", business).Str("time_key", timeKey).Msg("prefetch failed")
		ent.buf.ClearRefresh()
	}
}

// refill is the C4-driven refill protocol (spec §4.5.1): acquire the
// per-key mutex, double-check exhaustion, read the current segment pair,
// compute the next interval, write it back, read-back to confirm, then
// install it into the buffer. requireExhausted is set by the
// synchronous refill-on-exhaustion caller (spec §4.5 step 4c): a peer
// thread may have already refilled this buffer while this caller waited
// on refillMu, and re-checking here avoids burning a second interval for
// nothing. The async prefetch caller (§4.5.2) passes false, since it
// runs ahead of exhaustion by design.
func (e *Engine) refill(ctx context.Context, business, timeKey string, ent *entry, step int32, requireExhausted bool) (err error) {
	ent.refillMu.Lock()
	defer ent.refillMu.Unlock()

	if requireExhausted && !ent.buf.IsExhausted() {
		return nil
	}

	timer := metrics.NewTimer()
	roleLabel := string(ent.buf.Role())
	defer func() {
		timer.ObserveDurationVec(metrics.RefillDuration, roleLabel)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.RefillsTotal.WithLabelValues(roleLabel, outcome).Inc()
	}()

	role := ent.buf.Role()

	evenSeg, err := e.st.GetSegment(ctx, business, timeKey, store.RoleEven)
	if err != nil {
		ent.buf.ClearRefresh()
		return err
	}
	oddSeg, err := e.st.GetSegment(ctx, business, timeKey, store.RoleOdd)
	if err != nil {
		ent.buf.ClearRefresh()
		return err
	}

	var evenMax, oddMax *int64
	if evenSeg != nil {
		evenMax = &evenSeg.MaxValue
	}
	if oddSeg != nil {
		oddMax = &oddSeg.MaxValue
	}

	next := allocator.NextInterval(evenMax, oddMax, step, role)

	var affected int64
	var storeErr error
	if ownStep(role, evenSeg, oddSeg) != step {
		affected, storeErr = e.st.SetMaxValueAndStep(ctx, business, timeKey, role, next.End, step)
	} else {
		affected, storeErr = e.st.SetMaxValue(ctx, business, timeKey, role, next.End)
	}
	if storeErr != nil {
		ent.buf.ClearRefresh()
		return storeErr
	}
	if affected == 0 {
		ent.buf.ClearRefresh()
		return fmt.Errorf("issuance: segment race: 0 rows affected for %s/%s/%s", business, timeKey, role)
	}

	confirmed, err := e.st.GetSegment(ctx, business, timeKey, role)
	if err != nil {
		ent.buf.ClearRefresh()
		return err
	}
	if confirmed == nil || confirmed.MaxValue != next.End {
		ent.buf.ClearRefresh()
		return fmt.Errorf("issuance: refill read-back mismatch for %s/%s/%s", business, timeKey, role)
	}

	ent.buf.Install(next.Start, next.End)
	return nil
}

// BufferCount reports how many (business,time,role) buffers are
// currently cached, for the admin "server status" operation (spec §6).
func (e *Engine) BufferCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.buffers)
}

// RecoverStuckRefreshes sweeps every cached buffer for a refresh flag
// held past the configured refresh_timeout_ms with no progress and
// force-clears it, letting the next request retry the refill. Used by
// the admin "recover timeout refresh" operation (spec §6) to proactively
// reset buffers no request has touched since the prefetch that stalled.
func (e *Engine) RecoverStuckRefreshes() []Key {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var reset []Key
	for mapKey, ent := range e.buffers {
		if stuck, _ := ent.buf.StuckSince(e.cfg.RefreshTimeout); stuck {
			ent.buf.ClearRefresh()
			metrics.StuckRefreshesRecoveredTotal.Inc()
			business, timeKey := splitMapKey(mapKey)
			reset = append(reset, Key{Business: business, TimeKey: timeKey})
		}
	}
	return reset
}

// RefreshStatusSummary is the admin-facing snapshot of in-flight and
// stuck refreshes across every cached buffer.
type RefreshStatusSummary struct {
	Refreshing int `json:"refreshing"`
	Stuck      int `json:"stuck"`
}

// RefreshStatusSummary reports, without mutating any buffer, how many
// cached buffers are mid-refresh and how many of those have been stuck
// past the configured timeout — the non-mutating counterpart to
// RecoverStuckRefreshes, used by the admin "server status" operation
// (spec §6 "refresh_status_summary").
func (e *Engine) RefreshStatusSummary() RefreshStatusSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var summary RefreshStatusSummary
	for _, ent := range e.buffers {
		if stuck, _ := ent.buf.StuckSince(e.cfg.RefreshTimeout); stuck {
			summary.Stuck++
			summary.Refreshing++
			continue
		}
		if _, since := ent.buf.StuckSince(0); since > 0 {
			summary.Refreshing++
		}
	}
	return summary
}

func splitMapKey(k string) (business, timeKey string) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			parts = append(parts, k[start:i])
			start = i + 1
		}
	}
	parts = append(parts, k[start:])
	if len(parts) >= 2 {
		return parts[0], parts[1]
	}
	return k, ""
}

func ownStep(role store.Role, evenSeg, oddSeg *store.Segment) int32 {
	if role == store.RoleEven && evenSeg != nil {
		return evenSeg.StepSize
	}
	if role == store.RoleOdd && oddSeg != nil {
		return oddSeg.StepSize
	}
	return 0 // no existing row for this role: SetMaxValueAndStep in refill affects 0 rows, surfaced as a race
}

