package overuse

import (
	"strings"
	"sync"
)

// Cache is the process-wide view of the current overuse configurations.
// Set swaps in a fully built snapshot, so readers never see a mix of old and
// new configurations.
type Cache struct {
	mu   sync.RWMutex
	snap *snapshot
}

type snapshot struct {
	configs            []ResourceOveruseConfiguration
	safeToKillSystem   map[string]bool
	safeToKillVendor   map[string]bool
	vendorPrefixes     []string
	categoryByPackage  map[string]ApplicationCategory
	componentThreshold map[ComponentType]PerStateBytes
	packageThreshold   map[ComponentType]map[string]PerStateBytes
	categoryThreshold  map[ApplicationCategory]PerStateBytes
}

// NewCache returns an empty cache. Every lookup falls back to defaults until
// Set is called.
func NewCache() *Cache {
	return &Cache{snap: buildSnapshot(nil)}
}

// Set replaces every cached configuration.
func (c *Cache) Set(configs []ResourceOveruseConfiguration) error {
	if err := checkStructure(configs); err != nil {
		return err
	}
	snap := buildSnapshot(configs)

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	return nil
}

func (c *Cache) current() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Configurations returns a copy of the cached configurations.
func (c *Cache) Configurations() []ResourceOveruseConfiguration {
	snap := c.current()
	out := make([]ResourceOveruseConfiguration, 0, len(snap.configs))
	for _, cfg := range snap.configs {
		out = append(out, cfg.Clone())
	}
	return out
}

// VendorPackagePrefixes returns the prefixes that classify a package as vendor.
func (c *Cache) VendorPackagePrefixes() []string {
	return append([]string(nil), c.current().vendorPrefixes...)
}

// FetchThreshold resolves the write threshold of pkg. Package specific
// thresholds win over category thresholds, which win over the component
// default.
func (c *Cache) FetchThreshold(pkg string, componentType ComponentType) PerStateBytes {
	snap := c.current()
	if t, ok := snap.packageThreshold[componentType][pkg]; ok {
		return t
	}
	if cat, ok := snap.categoryByPackage[pkg]; ok {
		if t, ok := snap.categoryThreshold[cat]; ok {
			return t
		}
	}
	if t, ok := snap.componentThreshold[componentType]; ok {
		return t
	}
	return DefaultThreshold
}

// IsSafeToKill reports whether pkg, or any package co-hosted with it, may be
// disabled on overuse.
func (c *Cache) IsSafeToKill(pkg string, componentType ComponentType, coHosted []string) bool {
	snap := c.current()
	var set map[string]bool
	switch componentType {
	case ComponentTypeThirdParty:
		return true
	case ComponentTypeSystem:
		set = snap.safeToKillSystem
	case ComponentTypeVendor:
		set = snap.safeToKillVendor
	default:
		return false
	}
	if set[pkg] {
		return true
	}
	for _, name := range coHosted {
		if set[name] {
			return true
		}
	}
	return false
}

// Category returns the configured category of pkg, or CategoryOthers.
func (c *Cache) Category(pkg string) ApplicationCategory {
	if cat, ok := c.current().categoryByPackage[pkg]; ok {
		return cat
	}
	return CategoryOthers
}

func buildSnapshot(configs []ResourceOveruseConfiguration) *snapshot {
	s := &snapshot{
		safeToKillSystem:   make(map[string]bool),
		safeToKillVendor:   make(map[string]bool),
		categoryByPackage:  make(map[string]ApplicationCategory),
		componentThreshold: make(map[ComponentType]PerStateBytes),
		packageThreshold:   make(map[ComponentType]map[string]PerStateBytes),
		categoryThreshold:  make(map[ApplicationCategory]PerStateBytes),
	}
	for _, cfg := range configs {
		s.configs = append(s.configs, cfg.Clone())
		if cfg.ComponentType == ComponentTypeVendor {
			s.vendorPrefixes = append(s.vendorPrefixes, cfg.VendorPackagePrefixes...)
		}
	}

	// Category thresholds come from the vendor configuration. Other classes
	// only fill categories the vendor left unset.
	var fallbackCategories []PerStateThreshold
	for _, cfg := range s.configs {
		io := cfg.IoOveruse
		s.componentThreshold[cfg.ComponentType] = io.ComponentLevelThresholds
		pkgs := make(map[string]PerStateBytes, len(io.PackageSpecificThresholds))
		for _, t := range io.PackageSpecificThresholds {
			pkgs[t.Name] = t.Bytes
		}
		s.packageThreshold[cfg.ComponentType] = pkgs
		for _, m := range cfg.PackageMetadata {
			s.categoryByPackage[m.PackageName] = m.Category
		}
		if cfg.ComponentType == ComponentTypeVendor {
			for _, t := range io.CategorySpecificThresholds {
				s.categoryThreshold[ApplicationCategory(t.Name)] = t.Bytes
			}
		} else {
			fallbackCategories = append(fallbackCategories, io.CategorySpecificThresholds...)
		}
	}
	for _, t := range fallbackCategories {
		if _, ok := s.categoryThreshold[ApplicationCategory(t.Name)]; !ok {
			s.categoryThreshold[ApplicationCategory(t.Name)] = t.Bytes
		}
	}

	for _, cfg := range s.configs {
		switch cfg.ComponentType {
		case ComponentTypeSystem:
			for _, name := range cfg.SafeToKillPackages {
				if HasAnyPrefix(name, s.vendorPrefixes) {
					s.safeToKillVendor[name] = true
				} else {
					s.safeToKillSystem[name] = true
				}
			}
		case ComponentTypeVendor:
			for _, name := range cfg.SafeToKillPackages {
				s.safeToKillVendor[name] = true
			}
		}
	}
	return s
}

// HasAnyPrefix reports whether name starts with one of prefixes.
func HasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
