package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"seqd/internal/store"
)

func TestInitialMax(t *testing.T) {
	assert.Equal(t, int64(1000), InitialMax(store.RoleOdd, 1000))
	assert.Equal(t, int64(2000), InitialMax(store.RoleEven, 1000))
}

func TestIntervalStart_MatchesRoleParity(t *testing.T) {
	start, ok := IntervalStart(1000, 1000, store.RoleOdd)
	assert.True(t, ok)
	assert.Equal(t, int64(1), start)

	start, ok = IntervalStart(2000, 1000, store.RoleEven)
	assert.True(t, ok)
	assert.Equal(t, int64(1001), start)
}

func TestIntervalStart_DetectsParityMismatch(t *testing.T) {
	_, ok := IntervalStart(1000, 1000, store.RoleEven)
	assert.False(t, ok)

	_, ok = IntervalStart(2000, 1000, store.RoleOdd)
	assert.False(t, ok)
}

// S1: fresh store, role=Odd, step=1000 → first interval [1,1000].
// Initial segment creation goes through InitialMax+IntervalStart (the
// engine's getOrCreate path for a brand-new segment), not NextInterval
// — NextInterval is the refill path, which always has at least this
// role's own prior segment to anchor from.
func TestInitialMax_S1_FreshOdd(t *testing.T) {
	initialMax := InitialMax(store.RoleOdd, 1000)
	start, ok := IntervalStart(initialMax, 1000, store.RoleOdd)
	assert.True(t, ok)
	assert.Equal(t, Interval{Start: 1, End: 1000}, Interval{Start: start, End: initialMax})
}

// S2: Odd at max_value=1000 (its own interval spent), Even absent →
// Odd's next interval must skip [1001,2000] (Even's) and land at
// [2001,3000].
func TestNextInterval_S2_OddSkipsPeerInterval(t *testing.T) {
	oddMax := int64(1000)
	next := NextInterval(nil, &oddMax, 1000, store.RoleOdd)
	assert.Equal(t, Interval{Start: 2001, End: 3000}, next)
}

// S3: role=Even, fresh, step=1000 → first interval [1001,2000].
func TestInitialMax_S3_FreshEven(t *testing.T) {
	initialMax := InitialMax(store.RoleEven, 1000)
	start, ok := IntervalStart(initialMax, 1000, store.RoleEven)
	assert.True(t, ok)
	assert.Equal(t, Interval{Start: 1001, End: 2000}, Interval{Start: start, End: initialMax})
}

// S4 (resolved per the formal §4.4 ownership rule: Odd owns even k,
// so [4001,5000] with k=4 belongs to Odd — not [5001,6000] as the
// spec's own S4 prose claims).
// Odd at max_value=3000, Even at max_value=2000: Odd's next interval
// is [4001,5000].
func TestNextInterval_S4_OddRefillAnchorsToGlobalMax(t *testing.T) {
	oddMax := int64(3000)
	evenMax := int64(2000)
	next := NextInterval(&evenMax, &oddMax, 1000, store.RoleOdd)
	assert.Equal(t, Interval{Start: 4001, End: 5000}, next)
}

// S4 continued: Even, starting fresh in the same state (Odd=3000,
// Even absent), must also anchor to the global max (3000) rather than
// its own absent segment, landing at [3001,4000].
func TestNextInterval_S4_EvenAnchorsToGlobalMaxNotOwnAbsence(t *testing.T) {
	oddMax := int64(3000)
	next := NextInterval(nil, &oddMax, 1000, store.RoleEven)
	assert.Equal(t, Interval{Start: 3001, End: 4000}, next)
}

func TestNextInterval_NeverOverlapsEitherRolesPriorMax(t *testing.T) {
	evenMax := int64(6000)
	oddMax := int64(5000)
	for _, role := range []store.Role{store.RoleEven, store.RoleOdd} {
		next := NextInterval(&evenMax, &oddMax, 1000, role)
		assert.Greater(t, next.Start, evenMax)
		assert.Greater(t, next.Start, oddMax)
	}
}
