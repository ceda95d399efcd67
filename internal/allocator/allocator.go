// Package allocator implements the C4 interval allocator: pure, I/O-free
// functions mapping (role, global progress) to the next role-owned
// interval, per spec §4.4. No function here touches the store or the
// buffer map — callers (internal/issuance, internal/stepchange) own that.
package allocator

import (
	"seqd/internal/store"
)

// Interval is an inclusive [Start, End] range of step_size width.
type Interval struct {
	Start int64
	End   int64
}

// intervalIndex returns k such that maxValue == (k+1)*step, i.e. the
// interval index of the interval ending at maxValue.
func intervalIndex(maxValue int64, step int32) int64 {
	return (maxValue - 1) / int64(step)
}

// isOwnedBy reports whether interval k belongs to role, per the parity
// rule: Odd owns even k, Even owns odd k.
func isOwnedBy(k int64, role store.Role) bool {
	even := k%2 == 0
	if role == store.RoleOdd {
		return even
	}
	return !even
}

// InitialMax returns the max_value of the first interval role ever
// claims at step size step: k=0 (max=step) for Odd, k=1 (max=2*step) for
// Even.
func InitialMax(role store.Role, step int32) int64 {
	if role == store.RoleOdd {
		return int64(step)
	}
	return 2 * int64(step)
}

// IntervalStart returns the inclusive start of the interval ending at
// maxValue under the given step, along with whether its parity matches
// role. A false match means the stored segment is corrupt (§4.4, §7
// "Corrupt segment"): callers must log and refuse to issue rather than
// guess.
func IntervalStart(maxValue int64, step int32, role store.Role) (start int64, parityOK bool) {
	k := intervalIndex(maxValue, step)
	return k*int64(step) + 1, isOwnedBy(k, role)
}

// NextInterval computes the next interval role may claim, given the
// current (possibly absent) segments for both roles at this
// (business,time) and the step size to allocate at. It always anchors to
// the global maximum ever claimed by either role, never to role's own
// segment alone — this is what guarantees refills never land inside a
// peer's current or past interval (spec §4.4, and the Open Question in
// §9 resolved in favor of "global in all paths").
func NextInterval(evenMax, oddMax *int64, step int32, role store.Role) Interval {
	var globalMax int64
	switch {
	case evenMax != nil && oddMax != nil:
		globalMax = max64(*evenMax, *oddMax)
	case evenMax != nil:
		globalMax = *evenMax
	case oddMax != nil:
		globalMax = *oddMax
	default:
		globalMax = int64(step)
	}

	globalK := intervalIndex(globalMax, step)
	candidateK := globalK + 1
	if !isOwnedBy(candidateK, role) {
		candidateK++
	}

	return Interval{
		Start: candidateK*int64(step) + 1,
		End:   (candidateK + 1) * int64(step),
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
