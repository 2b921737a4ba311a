// Package overusetest provides overuse configurations shared by tests.
package overusetest

import "github.com/blackwell-systems/iowatchdog/internal/overuse"

// Bytes builds a PerStateBytes.
func Bytes(fg, bg, idle int64) overuse.PerStateBytes {
	return overuse.PerStateBytes{Foreground: fg, Background: bg, IdleMaintenance: idle}
}

// SampleConfigs returns one configuration per component type. Thresholds
// scale with the component type's numeric value: system x1, vendor x2,
// third party x3.
//
//	component level      10/20/30
//	<class>_package.A    40/50/60
//	MEDIA category       100/200/300
//	MAPS category        1100/2200/3300
//
// Category thresholds are resolved from the vendor configuration.
func SampleConfigs() []overuse.ResourceOveruseConfiguration {
	return []overuse.ResourceOveruseConfiguration{
		sample(overuse.ComponentTypeSystem, "system_package",
			[]string{"system_package.non_critical.A", "system_package.non_critical.B", "vendor_package.non_critical.from_system"},
			nil),
		sample(overuse.ComponentTypeVendor, "vendor_package",
			[]string{"vendor_package.non_critical.A", "vendor_package.non_critical", "some_pkg_as_vendor_pkg.non_critical"},
			[]string{"vendor_package.", "some_pkg_as_vendor_pkg."}),
		sample(overuse.ComponentTypeThirdParty, "third_party_package", nil, nil),
	}
}

func sample(ct overuse.ComponentType, prefix string, safeToKill, vendorPrefixes []string) overuse.ResourceOveruseConfiguration {
	m := int64(ct)
	cfg := overuse.ResourceOveruseConfiguration{
		ComponentType:         ct,
		SafeToKillPackages:    safeToKill,
		VendorPackagePrefixes: vendorPrefixes,
		PackageMetadata: []overuse.PackageMetadata{
			{PackageName: "system_package.MEDIA", Category: overuse.CategoryMedia},
			{PackageName: "third_party_package.MAPS", Category: overuse.CategoryMaps},
			{PackageName: "vendor_package.A", Category: overuse.CategoryMaps},
		},
		IoOveruse: &overuse.IoOveruseConfiguration{
			ComponentLevelThresholds: Bytes(10*m, 20*m, 30*m),
			PackageSpecificThresholds: []overuse.PerStateThreshold{
				{Name: prefix + ".A", Bytes: Bytes(40*m, 50*m, 60*m)},
			},
			CategorySpecificThresholds: []overuse.PerStateThreshold{
				{Name: string(overuse.CategoryMedia), Bytes: Bytes(100*m, 200*m, 300*m)},
				{Name: string(overuse.CategoryMaps), Bytes: Bytes(1100*m, 2200*m, 3300*m)},
			},
		},
	}
	if ct == overuse.ComponentTypeSystem {
		cfg.IoOveruse.SystemWideThresholds = []overuse.AlertThreshold{
			{DurationSeconds: 30, WrittenBytesPerSecond: 100},
			{DurationSeconds: 60, WrittenBytesPerSecond: 50},
		}
	}
	return cfg
}
