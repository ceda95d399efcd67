// Package buffer implements the C3 segment buffer: a per-(business,time)
// in-memory interval with an atomic cursor, a CAS-mediated refresh flag,
// and timeout-based stuck-refresh recovery (spec §4.3).
package buffer

import (
	"sync/atomic"
	"time"

	"seqd/internal/store"
)

// Exhausted is returned by Take when the buffer's interval has no IDs left.
const Exhausted int64 = -1

// RefreshTimeout is the package's default stuck-refresh window (§4.3).
// TryMarkRefresh and StuckSince take the window as a parameter and do not
// read this constant.
const RefreshTimeout = 10 * time.Second

// Buffer is one node's in-memory hold on a claimed interval. All fields
// are mutated only through the methods below: cursor is atomic, the rest
// are accessed under atomic/volatile-equivalent primitives (plain
// int64/int32 loaded and stored via sync/atomic, since Go has no
// `volatile` keyword).
type Buffer struct {
	start int64
	end   int64
	cursor int64 // atomic

	role store.Role // may differ from the node's own role for proxy buffers

	needRefresh         int32 // atomic bool: 0 or 1
	lastRefreshAttemptAt int64 // atomic, unix nanos
}

// New creates a buffer already holding [start,end] for role.
func New(start, end int64, role store.Role) *Buffer {
	return &Buffer{
		start:  start,
		end:    end,
		cursor: start,
		role:   role,
	}
}

func (b *Buffer) Role() store.Role { return b.role }

func (b *Buffer) Bounds() (start, end int64) {
	return atomic.LoadInt64(&b.start), atomic.LoadInt64(&b.end)
}

// Take atomically increments cursor and returns the pre-increment value
// as an ID if it falls within [start,end]; otherwise Exhausted. The
// cursor is never rewound on exhaustion — callers refill then retry.
func (b *Buffer) Take() int64 {
	id := atomic.AddInt64(&b.cursor, 1) - 1
	end := atomic.LoadInt64(&b.end)
	if id <= end {
		return id
	}
	return Exhausted
}

// Utilisation returns (cursor-start)/(end-start+1), clipped to [0,1].
func (b *Buffer) Utilisation() float64 {
	start := atomic.LoadInt64(&b.start)
	end := atomic.LoadInt64(&b.end)
	cursor := atomic.LoadInt64(&b.cursor)

	width := end - start + 1
	if width <= 0 {
		return 1
	}
	used := float64(cursor-start) / float64(width)
	if used < 0 {
		return 0
	}
	if used > 1 {
		return 1
	}
	return used
}

// IsExhausted reports whether the buffer's interval has been fully consumed.
func (b *Buffer) IsExhausted() bool {
	return atomic.LoadInt64(&b.cursor) > atomic.LoadInt64(&b.end)
}

// TryMarkRefresh CASes need_refresh false->true. On CAS failure, if the
// flag has been held longer than timeout with no progress, this
// force-resets it and retries once — tolerating a refresh task killed by
// a network failure mid-flight (§4.3, §7 "Stuck refresh"). Callers pass
// the operator-configured refresh_timeout_ms (spec §6) rather than a
// hard-coded window, so the knob actually takes effect.
func (b *Buffer) TryMarkRefresh(timeout time.Duration) bool {
	if atomic.CompareAndSwapInt32(&b.needRefresh, 0, 1) {
		atomic.StoreInt64(&b.lastRefreshAttemptAt, time.Now().UnixNano())
		return true
	}

	last := atomic.LoadInt64(&b.lastRefreshAttemptAt)
	if last != 0 && time.Since(time.Unix(0, last)) > timeout {
		atomic.StoreInt32(&b.needRefresh, 0)
		if atomic.CompareAndSwapInt32(&b.needRefresh, 0, 1) {
			atomic.StoreInt64(&b.lastRefreshAttemptAt, time.Now().UnixNano())
			return true
		}
	}
	return false
}

// StuckSince reports whether the refresh flag has been held longer than
// timeout and, if so, how long. Used by an operator-triggered sweep
// (admin "recover timeout refresh") to find and reset buffers a request
// hasn't touched since the prefetch that killed them.
func (b *Buffer) StuckSince(timeout time.Duration) (stuck bool, since time.Duration) {
	if atomic.LoadInt32(&b.needRefresh) == 0 {
		return false, 0
	}
	last := atomic.LoadInt64(&b.lastRefreshAttemptAt)
	if last == 0 {
		return false, 0
	}
	elapsed := time.Since(time.Unix(0, last))
	return elapsed > timeout, elapsed
}

// ClearRefresh resets the refresh flag after a failed refill, letting a
// subsequent request retry.
func (b *Buffer) ClearRefresh() {
	atomic.StoreInt32(&b.needRefresh, 0)
	atomic.StoreInt64(&b.lastRefreshAttemptAt, 0)
}

// Install replaces [start,end], resets cursor to the new start, and
// clears the refresh state — the atomic "refill completed" transition.
func (b *Buffer) Install(newStart, newEnd int64) {
	atomic.StoreInt64(&b.start, newStart)
	atomic.StoreInt64(&b.end, newEnd)
	atomic.StoreInt64(&b.cursor, newStart)
	atomic.StoreInt32(&b.needRefresh, 0)
	atomic.StoreInt64(&b.lastRefreshAttemptAt, 0)
}
