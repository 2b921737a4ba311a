// Package overuse holds the resource overuse data model and the process-wide
// cache of overuse configurations.
package overuse

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument marks a rejected configuration.
var ErrInvalidArgument = errors.New("invalid argument")

// PerStateThreshold names a write threshold. Name is a package name or a
// category, depending on where it appears.
type PerStateThreshold struct {
	Name  string        `json:"name" yaml:"name"`
	Bytes PerStateBytes `json:"bytes" yaml:"bytes"`
}

// AlertThreshold is a system-wide write rate limit.
type AlertThreshold struct {
	DurationSeconds       int64 `json:"duration_seconds" yaml:"duration_seconds"`
	WrittenBytesPerSecond int64 `json:"written_bytes_per_second" yaml:"written_bytes_per_second"`
}

// IoOveruseConfiguration holds the disk-write thresholds of one component type.
type IoOveruseConfiguration struct {
	ComponentLevelThresholds   PerStateBytes       `json:"component_level_thresholds" yaml:"component_level_thresholds"`
	PackageSpecificThresholds  []PerStateThreshold `json:"package_specific_thresholds,omitempty" yaml:"package_specific_thresholds,omitempty"`
	CategorySpecificThresholds []PerStateThreshold `json:"category_specific_thresholds,omitempty" yaml:"category_specific_thresholds,omitempty"`
	SystemWideThresholds       []AlertThreshold    `json:"system_wide_thresholds,omitempty" yaml:"system_wide_thresholds,omitempty"`
}

// PackageMetadata maps a package to its application category.
type PackageMetadata struct {
	PackageName string              `json:"package_name" yaml:"package_name"`
	Category    ApplicationCategory `json:"category" yaml:"category"`
}

// ResourceOveruseConfiguration is the configuration of one component type.
type ResourceOveruseConfiguration struct {
	ComponentType         ComponentType           `json:"component_type" yaml:"component_type"`
	SafeToKillPackages    []string                `json:"safe_to_kill_packages,omitempty" yaml:"safe_to_kill_packages,omitempty"`
	VendorPackagePrefixes []string                `json:"vendor_package_prefixes,omitempty" yaml:"vendor_package_prefixes,omitempty"`
	PackageMetadata       []PackageMetadata       `json:"package_metadata,omitempty" yaml:"package_metadata,omitempty"`
	IoOveruse             *IoOveruseConfiguration `json:"io_overuse" yaml:"io_overuse"`
}

// Clone returns a deep copy.
func (c ResourceOveruseConfiguration) Clone() ResourceOveruseConfiguration {
	out := c
	out.SafeToKillPackages = append([]string(nil), c.SafeToKillPackages...)
	out.VendorPackagePrefixes = append([]string(nil), c.VendorPackagePrefixes...)
	out.PackageMetadata = append([]PackageMetadata(nil), c.PackageMetadata...)
	if c.IoOveruse != nil {
		io := *c.IoOveruse
		io.PackageSpecificThresholds = append([]PerStateThreshold(nil), c.IoOveruse.PackageSpecificThresholds...)
		io.CategorySpecificThresholds = append([]PerStateThreshold(nil), c.IoOveruse.CategorySpecificThresholds...)
		io.SystemWideThresholds = append([]AlertThreshold(nil), c.IoOveruse.SystemWideThresholds...)
		out.IoOveruse = &io
	}
	return out
}

// Validate checks a full set of configurations before it is applied.
func Validate(configs []ResourceOveruseConfiguration) error {
	if len(configs) == 0 {
		return fmt.Errorf("%w: configurations must not be empty", ErrInvalidArgument)
	}
	if err := checkStructure(configs); err != nil {
		return err
	}
	for _, cfg := range configs {
		io := cfg.IoOveruse
		if !io.ComponentLevelThresholds.AllPositive() {
			return fmt.Errorf("%w: %s component level thresholds must be greater than zero",
				ErrInvalidArgument, cfg.ComponentType)
		}
		if cfg.ComponentType == ComponentTypeSystem && len(io.SystemWideThresholds) == 0 {
			return fmt.Errorf("%w: system configuration must define system wide thresholds", ErrInvalidArgument)
		}
		for _, t := range io.SystemWideThresholds {
			if t.DurationSeconds <= 0 || t.WrittenBytesPerSecond <= 0 {
				return fmt.Errorf("%w: malformed alert threshold {duration=%d, bytes_per_second=%d}",
					ErrInvalidArgument, t.DurationSeconds, t.WrittenBytesPerSecond)
			}
		}
		for _, t := range io.PackageSpecificThresholds {
			if t.Name == "" {
				return fmt.Errorf("%w: %s package specific threshold without a package name",
					ErrInvalidArgument, cfg.ComponentType)
			}
		}
	}
	return nil
}

// checkStructure enforces what the cache itself needs: known and unique
// component types with a non-nil I/O configuration.
func checkStructure(configs []ResourceOveruseConfiguration) error {
	seen := make(map[ComponentType]bool, len(configs))
	for _, cfg := range configs {
		switch cfg.ComponentType {
		case ComponentTypeSystem, ComponentTypeVendor, ComponentTypeThirdParty:
		default:
			return fmt.Errorf("%w: invalid component type %s", ErrInvalidArgument, cfg.ComponentType)
		}
		if seen[cfg.ComponentType] {
			return fmt.Errorf("%w: duplicate configuration for %s", ErrInvalidArgument, cfg.ComponentType)
		}
		seen[cfg.ComponentType] = true
		if cfg.IoOveruse == nil {
			return fmt.Errorf("%w: %s configuration has no I/O overuse configuration",
				ErrInvalidArgument, cfg.ComponentType)
		}
	}
	return nil
}
