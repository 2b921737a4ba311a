package overuse_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/overuse/overusetest"
)

func newSampleCache(t *testing.T) *overuse.Cache {
	t.Helper()
	c := overuse.NewCache()
	require.NoError(t, c.Set(overusetest.SampleConfigs()))
	return c
}

func TestFetchThreshold(t *testing.T) {
	t.Parallel()

	c := newSampleCache(t)
	b := overusetest.Bytes

	tests := []struct {
		name string
		pkg  string
		ct   overuse.ComponentType
		want overuse.PerStateBytes
	}{
		{"package specific wins over category", "vendor_package.A", overuse.ComponentTypeVendor, b(80, 100, 120)},
		{"system package specific", "system_package.A", overuse.ComponentTypeSystem, b(40, 50, 60)},
		{"category from vendor config", "system_package.MEDIA", overuse.ComponentTypeSystem, b(200, 400, 600)},
		{"category applies to any class", "third_party_package.MAPS", overuse.ComponentTypeVendor, b(2200, 4400, 6600)},
		{"system default", "system_package.B", overuse.ComponentTypeSystem, b(10, 20, 30)},
		{"vendor default", "vendor_package.B", overuse.ComponentTypeVendor, b(20, 40, 60)},
		{"third party default", "third_party_package.A", overuse.ComponentTypeThirdParty, b(30, 60, 90)},
		{"unknown class", "whatever", overuse.ComponentTypeUnknown, overuse.DefaultThreshold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, c.FetchThreshold(tt.pkg, tt.ct))
		})
	}
}

func TestFetchThresholdEmptyCache(t *testing.T) {
	t.Parallel()

	c := overuse.NewCache()
	assert.Equal(t, overuse.DefaultThreshold, c.FetchThreshold("any", overuse.ComponentTypeThirdParty))
	assert.Empty(t, c.VendorPackagePrefixes())
}

func TestIsSafeToKill(t *testing.T) {
	t.Parallel()

	c := newSampleCache(t)

	tests := []struct {
		name     string
		pkg      string
		ct       overuse.ComponentType
		coHosted []string
		want     bool
	}{
		{"third party always", "third_party_package.A", overuse.ComponentTypeThirdParty, nil, true},
		{"system safe", "system_package.non_critical.A", overuse.ComponentTypeSystem, nil, true},
		{"system critical", "system_package.critical.A", overuse.ComponentTypeSystem, nil, false},
		{"system shared member safe", "shared:system_shared", overuse.ComponentTypeSystem,
			[]string{"system_package.critical.B", "system_package.non_critical.B"}, true},
		{"vendor safe", "vendor_package.non_critical.A", overuse.ComponentTypeVendor, nil, true},
		{"vendor critical", "vendor_package.critical.A", overuse.ComponentTypeVendor, nil, false},
		{"system list entry reclassified as vendor", "vendor_package.non_critical.from_system", overuse.ComponentTypeVendor, nil, true},
		{"reclassified entry no longer system", "vendor_package.non_critical.from_system", overuse.ComponentTypeSystem, nil, false},
		{"unknown never", "third_party_package.A", overuse.ComponentTypeUnknown, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, c.IsSafeToKill(tt.pkg, tt.ct, tt.coHosted))
		})
	}
}

func TestVendorPackagePrefixes(t *testing.T) {
	t.Parallel()

	c := newSampleCache(t)
	assert.ElementsMatch(t, []string{"vendor_package.", "some_pkg_as_vendor_pkg."}, c.VendorPackagePrefixes())
}

func TestSetRejectsInvalid(t *testing.T) {
	t.Parallel()

	c := newSampleCache(t)

	dup := overusetest.SampleConfigs()
	dup = append(dup, dup[0])
	err := c.Set(dup)
	require.Error(t, err)
	require.True(t, errors.Is(err, overuse.ErrInvalidArgument))

	nilIo := overusetest.SampleConfigs()
	nilIo[1].IoOveruse = nil
	require.ErrorIs(t, c.Set(nilIo), overuse.ErrInvalidArgument)

	// The previous configuration is still in effect.
	assert.Equal(t, overusetest.Bytes(80, 100, 120), c.FetchThreshold("vendor_package.A", overuse.ComponentTypeVendor))
}

func TestSetReplacesWholesale(t *testing.T) {
	t.Parallel()

	c := newSampleCache(t)
	only := overusetest.SampleConfigs()[2:]
	require.NoError(t, c.Set(only))

	assert.Equal(t, overuse.DefaultThreshold, c.FetchThreshold("system_package.A", overuse.ComponentTypeSystem))
	assert.Empty(t, c.VendorPackagePrefixes())
	// Category thresholds fall back to the remaining classes.
	assert.Equal(t, overusetest.Bytes(300, 600, 900), c.FetchThreshold("system_package.MEDIA", overuse.ComponentTypeSystem))
	assert.Len(t, c.Configurations(), 1)
}

func TestConfigurationsIsACopy(t *testing.T) {
	t.Parallel()

	c := newSampleCache(t)
	got := c.Configurations()
	got[0].SafeToKillPackages[0] = "mutated"
	got[0].IoOveruse.ComponentLevelThresholds.Foreground = 1

	again := c.Configurations()
	assert.Equal(t, "system_package.non_critical.A", again[0].SafeToKillPackages[0])
	assert.Equal(t, int64(10), again[0].IoOveruse.ComponentLevelThresholds.Foreground)
}

func TestConcurrentSetAndRead(t *testing.T) {
	t.Parallel()

	c := newSampleCache(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Set(overusetest.SampleConfigs())
		}()
		go func() {
			defer wg.Done()
			got := c.FetchThreshold("vendor_package.A", overuse.ComponentTypeVendor)
			assert.Equal(t, overusetest.Bytes(80, 100, 120), got)
		}()
	}
	wg.Wait()
}
