// Package stepchange implements the C7 step-size change protocol: a
// consistency-preserving global change with preview, atomic update, and
// cache purge (spec §4.7).
package stepchange

import (
	"context"
	"fmt"

	"seqd/internal/log"
	"seqd/internal/store"
)

// Invalidator is the subset of the issuance engine needed to drop cached
// buffers after a step change takes effect.
type Invalidator interface {
	Invalidate(business, timeKey string, role store.Role)
}

// Diff describes what happened (or would happen) to one segment.
type Diff struct {
	Business string
	TimeKey  string
	Role     store.Role
	OldStep  int32
	NewStep  int32
	Changed  bool
}

// Report is the aggregate result of a change_step call.
type Report struct {
	Diffs   []Diff
	Changed int
	Skipped int
}

// Protocol runs change_step against a store and the engine's buffer cache.
type Protocol struct {
	st  store.Store
	eng Invalidator
}

func New(st store.Store, eng Invalidator) *Protocol {
	return &Protocol{st: st, eng: eng}
}

// Change lists affected segments (optionally scoped to one time_key),
// diffs each against newStep, and — unless preview is set — atomically
// updates the changed ones and invalidates their cached buffers so the
// next request on each node refills at the new step (spec §4.7). The
// protocol is idempotent: repeating it with the same newStep produces an
// all-skipped report.
func (p *Protocol) Change(ctx context.Context, business string, timeKey *string, newStep int32, preview bool) (*Report, error) {
	if newStep <= 0 {
		return nil, fmt.Errorf("stepchange: new_step must be positive, got %d", newStep)
	}

	segs, err := p.st.ListSegments(ctx, business, timeKey)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, seg := range segs {
		d := Diff{
			Business: seg.BusinessType,
			TimeKey:  seg.TimeKey,
			Role:     seg.Role,
			OldStep:  seg.StepSize,
			NewStep:  newStep,
			Changed:  seg.StepSize != newStep,
		}
		if !d.Changed {
			report.Skipped++
			report.Diffs = append(report.Diffs, d)
			continue
		}
		report.Changed++

		if !preview {
			if _, err := p.st.SetMaxValueAndStep(ctx, seg.BusinessType, seg.TimeKey, seg.Role, seg.MaxValue, newStep); err != nil {
				return nil, fmt.Errorf("stepchange: update %s/%s/%s: %w", seg.BusinessType, seg.TimeKey, seg.Role, err)
			}
			p.eng.Invalidate(seg.BusinessType, seg.TimeKey, seg.Role)
		}
		report.Diffs = append(report.Diffs, d)
	}

	log.WithComponent("stepchange").Info().
		Str("business", business).
		Int32("new_step", newStep).
		Bool("preview", preview).
		Int("changed", report.Changed).
		Int("skipped", report.Skipped).
		Msg("change_step applied")

	return report, nil
}

// GlobalChange applies Change across every known business type in one
// sweep (the "global-sync variant" in spec §4.7).
func (p *Protocol) GlobalChange(ctx context.Context, newStep int32, preview bool) (*Report, error) {
	businesses, err := p.st.ListDistinctBusinessTypes(ctx)
	if err != nil {
		return nil, err
	}

	total := &Report{}
	for _, b := range businesses {
		r, err := p.Change(ctx, b, nil, newStep, preview)
		if err != nil {
			return nil, err
		}
		total.Diffs = append(total.Diffs, r.Diffs...)
		total.Changed += r.Changed
		total.Skipped += r.Skipped
	}
	return total, nil
}

// ExpireBefore deletes segments whose time_key is less than cutoff
// (spec §6 "Delete expired segments by time_key < cutoff").
func ExpireBefore(ctx context.Context, st store.Store, cutoff string) (int64, error) {
	return st.DeleteWhereTimeKeyLessThan(ctx, cutoff)
}

// ResolveConflicts scans every segment of both roles and flags any whose
// stored max_value/step_size parity does not match its role — the bulk
// form of the §4.4 corruption check, used by the admin "resolve
// conflicts after recovery" operation (spec §6).
func ResolveConflicts(ctx context.Context, st store.Store) (checked int, conflicted []store.Segment, err error) {
	for _, role := range []store.Role{store.RoleEven, store.RoleOdd} {
		segs, err := st.ListByRole(ctx, role)
		if err != nil {
			return checked, conflicted, err
		}
		for _, seg := range segs {
			checked++
			k := (seg.MaxValue - 1) / int64(seg.StepSize)
			even := k%2 == 0
			ok := even
			if role == store.RoleEven {
				ok = !even
			}
			if !ok {
				conflicted = append(conflicted, seg)
			}
		}
	}
	return checked, conflicted, nil
}

