package perf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/iowatchdog/internal/packages"
)

func TestUserRemoved(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveUserSetting(h.ctx, 101, DisabledPackagesSetting, pkgGame))
	h.push(withinBudget(uidGame, bytes3(10, 20, 30)), withinBudget(uidOtherUserGame, bytes3(1, 2, 3)))
	h.restart()

	stored, err := h.store.TodayIoUsageStats(h.ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	require.NoError(t, h.handler.UserRemoved(h.ctx, 101))

	stored, err = h.store.TodayIoUsageStats(h.ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 100, stored[0].UserID)
	settings, err := h.store.UserPackageSettings(h.ctx)
	require.NoError(t, err)
	for _, s := range settings {
		assert.NotEqual(t, 101, s.UserID, "settings row left for %s", s.PackageName)
	}
	_, ok, err := h.store.UserSetting(h.ctx, 101, DisabledPackagesSetting)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.handler.UsageStats(h.ctx, 101, pkgGame, 1)
	assert.ErrorIs(t, err, ErrUnknownPackage)
	disabled, err := h.handler.DisabledPackages(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, disabled)

	// Nothing of the user is written back.
	h.restart()
	usage, err := h.handler.TodayIoUsageStats(h.ctx)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, 100, usage[0].UserID)
}

func TestPackageRemoved(t *testing.T) {
	h := newHarness(t)
	h.push(withinBudget(uidGame, bytes3(10, 20, 30)), withinBudget(uidSystemKillable, bytes3(1, 1, 1)))
	h.restart()

	require.NoError(t, h.handler.PackageRemoved(h.ctx, 100, pkgGame))

	stored, err := h.store.TodayIoUsageStats(h.ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, pkgSystemKillable, stored[0].PackageName)
	settings, err := h.store.UserPackageSettings(h.ctx)
	require.NoError(t, err)
	for _, s := range settings {
		assert.False(t, s.UserID == 100 && s.PackageName == pkgGame, "settings row left for %s", pkgGame)
	}
	_, err = h.handler.UsageStats(h.ctx, 100, pkgGame, 1)
	assert.ErrorIs(t, err, ErrUnknownPackage)

	// Unknown packages are not an error.
	require.NoError(t, h.handler.PackageRemoved(h.ctx, 100, "no.such.package"))
}

func TestPackageRemovedCoHosted(t *testing.T) {
	h := newHarness(t)
	h.setDisplay(false)
	h.push(overused(uidShared, 3))
	h.flush()
	disabled, err := h.handler.DisabledPackages(h.ctx)
	require.NoError(t, err)
	require.Equal(t, map[int][]string{100: {pkgSharedB, pkgSharedC}}, disabled)

	// One member leaves, the identity stays.
	require.NoError(t, h.handler.PackageRemoved(h.ctx, 100, pkgSharedB))
	disabled, err = h.handler.DisabledPackages(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int][]string{100: {pkgSharedC}}, disabled)
	_, err = h.handler.UsageStats(h.ctx, 100, pkgSharedC, 1)
	require.NoError(t, err)
	_, err = h.handler.UsageStats(h.ctx, 100, pkgSharedB, 1)
	assert.ErrorIs(t, err, ErrUnknownPackage)

	require.NoError(t, h.handler.PackageRemoved(h.ctx, 100, pkgSharedC))
	disabled, err = h.handler.DisabledPackages(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, disabled)
	_, err = h.handler.UsageStats(h.ctx, 100, sharedName, 1)
	assert.ErrorIs(t, err, ErrUnknownPackage)

	h.restart()
	stored, err := h.store.TodayIoUsageStats(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
	disabled, err = h.handler.DisabledPackages(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, disabled)
}

func TestPackageChanged(t *testing.T) {
	h := newHarness(t)
	h.setDisplay(false)
	h.push(overused(uidGame, 3))
	h.flush()
	require.Equal(t, []string{disabledUntilUsed(100, pkgGame)}, h.enabler.setCalls())

	// Still in the state the watchdog set.
	require.NoError(t, h.handler.PackageChanged(h.ctx, 100, pkgGame))
	disabled, err := h.handler.DisabledPackages(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int][]string{100: {pkgGame}}, disabled)

	h.enabler.setState(100, pkgGame, packages.EnabledStateDisabledUser)
	require.NoError(t, h.handler.PackageChanged(h.ctx, 100, pkgGame))
	disabled, err = h.handler.DisabledPackages(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, disabled)

	// A later reset leaves the user's choice alone.
	require.NoError(t, h.handler.ResetStats(h.ctx, []string{pkgGame}))
	assert.Equal(t, []string{disabledUntilUsed(100, pkgGame)}, h.enabler.setCalls())

	// Packages never disabled on overuse are ignored.
	require.NoError(t, h.handler.PackageChanged(h.ctx, 100, pkgSystemKillable))
}

func TestPackageChangedUninstalled(t *testing.T) {
	h := newHarness(t)
	h.setDisplay(false)
	h.push(overused(uidGame, 3))
	h.flush()

	h.enabler.mu.Lock()
	h.enabler.notFound[enablerKey(100, pkgGame)] = true
	h.enabler.mu.Unlock()
	require.NoError(t, h.handler.PackageChanged(h.ctx, 100, pkgGame))

	disabled, err := h.handler.DisabledPackages(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, disabled)
}
