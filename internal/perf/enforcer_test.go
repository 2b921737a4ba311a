package perf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/packages"
)

func TestRecurringOveruseDisablesPackage(t *testing.T) {
	h := newHarness(t)
	h.setDisplay(false)

	h.push(overused(uidGame, 3))
	h.flush()

	assert.Equal(t, []string{disabledUntilUsed(100, pkgGame)}, h.enabler.setCalls())
	assert.Equal(t, []KillRecord{{
		UID:           uidGame,
		ComponentType: overuse.ComponentTypeThirdParty,
		SystemState:   SystemStateUserNoInteraction,
		Threshold:     bytes3(30, 60, 90),
		WrittenBytes:  bytes3(300, 600, 900),
	}}, h.reporter.killRecords())

	disabled, err := h.handler.DisabledPackages(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int][]string{100: {pkgGame}}, disabled)

	stats, err := h.handler.UsageStats(h.ctx, 100, pkgGame, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTimesKilled)

	// The same counters again are not a new overuse.
	h.push(overused(uidGame, 3))
	h.flush()
	assert.Len(t, h.enabler.setCalls(), 1)
	assert.Len(t, h.reporter.killRecords(), 1)
}

func TestOveruseBelowRecurringTimes(t *testing.T) {
	h := newHarness(t)
	h.setDisplay(false)

	h.push(overused(uidGame, 2))
	h.flush()
	assert.Empty(t, h.enabler.setCalls())
	assert.Empty(t, h.reporter.killRecords())
	require.Len(t, h.reporter.overuseRecords(), 1)
	assert.Equal(t, OveruseRecord{
		UID:           uidGame,
		ComponentType: overuse.ComponentTypeThirdParty,
		Threshold:     bytes3(30, 60, 90),
		WrittenBytes:  bytes3(300, 600, 900),
	}, h.reporter.overuseRecords()[0])

	h.push(overused(uidGame, 3))
	h.flush()
	assert.Equal(t, []string{disabledUntilUsed(100, pkgGame)}, h.enabler.setCalls())
	assert.Len(t, h.reporter.overuseRecords(), 2)
}

func TestWithinBudgetIsNotAnOveruse(t *testing.T) {
	h := newHarness(t)
	h.setDisplay(false)

	s := withinBudget(uidGame, bytes3(1, 2, 3))
	s.Usage.TotalOveruses = 5
	h.push(s)
	h.flush()
	assert.Empty(t, h.reporter.overuseRecords())
	assert.Empty(t, h.enabler.setCalls())
}

func TestNeverKillableIsNotDisabled(t *testing.T) {
	h := newHarness(t)
	h.setDisplay(false)

	h.push(overused(uidVendorCritical, 5), overused(uidSystemCritical, 5))
	h.flush()
	assert.Empty(t, h.enabler.setCalls())
	assert.Empty(t, h.reporter.killRecords())
	assert.Len(t, h.reporter.overuseRecords(), 2)

	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.ElementsMatch(t, []string{pkgVendorCritical, pkgSystemCritical}, packageNames(sent[0].Entries()))
}

func TestNotKillableOnOveruseIsNotDisabled(t *testing.T) {
	h := newHarness(t)
	h.setDisplay(false)

	s := overused(uidGame, 3)
	s.Usage.KillableOnOveruse = false
	h.push(s)
	h.flush()
	assert.Empty(t, h.enabler.setCalls())
}

func TestKillsHeldWhileDisplayEnabled(t *testing.T) {
	h := newHarness(t)

	h.push(overused(uidGame, 3), overused(uidSystemKillable, 3))
	h.flush()
	assert.Empty(t, h.enabler.setCalls())

	h.setDisplay(false)
	h.flush()
	assert.Equal(t, []string{
		disabledUntilUsed(100, pkgSystemKillable),
		disabledUntilUsed(100, pkgGame),
	}, h.enabler.setCalls())

	kills := h.reporter.killRecords()
	require.Len(t, kills, 2)
	for _, k := range kills {
		assert.Equal(t, SystemStateUserNoInteraction, k.SystemState)
	}
	assert.Equal(t, uidSystemKillable, kills[0].UID)
	assert.Equal(t, overuse.ComponentTypeSystem, kills[0].ComponentType)
	assert.Equal(t, bytes3(10, 20, 30), kills[0].Threshold)
}

func TestKillsReleasedInIdleMaintenance(t *testing.T) {
	h := newHarness(t)

	h.push(overused(uidGame, 3))
	h.flush()
	assert.Empty(t, h.enabler.setCalls())

	require.NoError(t, h.handler.SetIdleMaintenance(h.ctx, true))
	h.flush()
	assert.Equal(t, []string{disabledUntilUsed(100, pkgGame)}, h.enabler.setCalls())
	kills := h.reporter.killRecords()
	require.Len(t, kills, 1)
	assert.Equal(t, SystemStateIdleMaintenance, kills[0].SystemState)
}

func TestKillableStateCheckedBeforeDisabling(t *testing.T) {
	h := newHarness(t)

	h.push(overused(uidGame, 3))
	require.NoError(t, h.handler.SetKillable(h.ctx, pkgGame, 100, false))
	h.setDisplay(false)
	h.flush()
	assert.Empty(t, h.enabler.setCalls())
	assert.Empty(t, h.reporter.killRecords())
}

func TestSharedIdentityDisablesEveryPackage(t *testing.T) {
	h := newHarness(t)
	h.setDisplay(false)

	h.push(overused(uidShared, 3))
	h.flush()
	assert.Equal(t, []string{
		disabledUntilUsed(100, pkgSharedB),
		disabledUntilUsed(100, pkgSharedC),
	}, h.enabler.setCalls())

	kills := h.reporter.killRecords()
	require.Len(t, kills, 1)
	assert.Equal(t, uidShared, kills[0].UID)

	disabled, err := h.handler.DisabledPackages(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int][]string{100: {pkgSharedB, pkgSharedC}}, disabled)
}

func TestMissingPackageCountsAsAttempted(t *testing.T) {
	h := newHarness(t)
	h.setDisplay(false)
	h.enabler.notFound[enablerKey(100, pkgSharedC)] = true
	h.enabler.notFound[enablerKey(100, pkgGame)] = true

	h.push(overused(uidShared, 3), overused(uidGame, 3))
	h.flush()

	assert.Equal(t, []string{disabledUntilUsed(100, pkgSharedB)}, h.enabler.setCalls())
	kills := h.reporter.killRecords()
	require.Len(t, kills, 1)
	assert.Equal(t, uidShared, kills[0].UID)

	disabled, err := h.handler.DisabledPackages(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int][]string{100: {pkgSharedB}}, disabled)
}

func TestAlreadyDisabledPackageIsLeftAlone(t *testing.T) {
	h := newHarness(t)
	h.setDisplay(false)
	h.enabler.setState(100, pkgGame, packages.EnabledStateDisabledUser)

	h.push(overused(uidGame, 3))
	h.flush()
	assert.Empty(t, h.enabler.setCalls())
	assert.Empty(t, h.reporter.killRecords())
}
