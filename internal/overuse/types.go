package overuse

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ComponentType is the criticality class of a package.
type ComponentType int

const (
	ComponentTypeUnknown ComponentType = iota
	ComponentTypeSystem
	ComponentTypeVendor
	ComponentTypeThirdParty
)

var componentTypeNames = map[ComponentType]string{
	ComponentTypeUnknown:    "unknown",
	ComponentTypeSystem:     "system",
	ComponentTypeVendor:     "vendor",
	ComponentTypeThirdParty: "third_party",
}

func (c ComponentType) String() string {
	if s, ok := componentTypeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("component(%d)", int(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c ComponentType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ComponentType) UnmarshalText(text []byte) error {
	v, err := ParseComponentType(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseComponentType parses the names produced by ComponentType.String.
func ParseComponentType(s string) (ComponentType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	for k, v := range componentTypeNames {
		if v == s {
			return k, nil
		}
	}
	return ComponentTypeUnknown, fmt.Errorf("unknown component type %q", s)
}

// ApplicationCategory groups packages that share category thresholds.
type ApplicationCategory string

const (
	CategoryOthers ApplicationCategory = "OTHERS"
	CategoryMaps   ApplicationCategory = "MAPS"
	CategoryMedia  ApplicationCategory = "MEDIA"
)

// KillableState controls whether a package may be disabled on overuse.
type KillableState int

const (
	KillableStateYes KillableState = iota + 1
	KillableStateNo
	KillableStateNever
)

func (k KillableState) String() string {
	switch k {
	case KillableStateYes:
		return "YES"
	case KillableStateNo:
		return "NO"
	case KillableStateNever:
		return "NEVER"
	default:
		return fmt.Sprintf("killable(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k KillableState) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *KillableState) UnmarshalText(text []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(text))) {
	case "YES":
		*k = KillableStateYes
	case "NO":
		*k = KillableStateNo
	case "NEVER":
		*k = KillableStateNever
	default:
		return fmt.Errorf("unknown killable state %q", text)
	}
	return nil
}

// PerStateBytes holds byte counters split by system state.
type PerStateBytes struct {
	Foreground      int64 `json:"foreground" yaml:"foreground"`
	Background      int64 `json:"background" yaml:"background"`
	IdleMaintenance int64 `json:"idle_maintenance" yaml:"idle_maintenance"`
}

// DefaultThreshold applies when nothing is configured for a package.
var DefaultThreshold = PerStateBytes{
	Foreground:      math.MaxInt64,
	Background:      math.MaxInt64,
	IdleMaintenance: math.MaxInt64,
}

// Add returns the saturating sum of p and o.
func (p PerStateBytes) Add(o PerStateBytes) PerStateBytes {
	return PerStateBytes{
		Foreground:      addSat(p.Foreground, o.Foreground),
		Background:      addSat(p.Background, o.Background),
		IdleMaintenance: addSat(p.IdleMaintenance, o.IdleMaintenance),
	}
}

// Sub returns p - o, clamped at zero.
func (p PerStateBytes) Sub(o PerStateBytes) PerStateBytes {
	return PerStateBytes{
		Foreground:      max(p.Foreground-o.Foreground, 0),
		Background:      max(p.Background-o.Background, 0),
		IdleMaintenance: max(p.IdleMaintenance-o.IdleMaintenance, 0),
	}
}

// Total sums every state.
func (p PerStateBytes) Total() int64 {
	return addSat(addSat(p.Foreground, p.Background), p.IdleMaintenance)
}

// AnyExhausted reports whether any state has reached zero.
func (p PerStateBytes) AnyExhausted() bool {
	return p.Foreground <= 0 || p.Background <= 0 || p.IdleMaintenance <= 0
}

// AllPositive reports whether every state is above zero.
func (p PerStateBytes) AllPositive() bool {
	return p.Foreground > 0 && p.Background > 0 && p.IdleMaintenance > 0
}

// IsZero reports whether all counters are zero.
func (p PerStateBytes) IsZero() bool {
	return p == PerStateBytes{}
}

func addSat(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// IoUsageSnapshot is the daemon's view of one identity for the current day.
type IoUsageSnapshot struct {
	StartTime           time.Time     `json:"start_time"`
	DurationSeconds     int64         `json:"duration_seconds"`
	KillableOnOveruse   bool          `json:"killable_on_overuse"`
	RemainingWriteBytes PerStateBytes `json:"remaining_write_bytes"`
	WrittenBytes        PerStateBytes `json:"written_bytes"`
	TotalOveruses       int           `json:"total_overuses"`
}

// PackageIoOveruseStats is one record of a daemon stats push.
type PackageIoOveruseStats struct {
	UID                int             `json:"uid"`
	ShouldNotify       bool            `json:"should_notify"`
	ForgivenWriteBytes PerStateBytes   `json:"forgiven_write_bytes"`
	Usage              IoUsageSnapshot `json:"usage"`
}

// Overused reports whether the snapshot has exhausted a write budget.
func (s IoUsageSnapshot) Overused() bool {
	return s.RemainingWriteBytes.AnyExhausted()
}

// UserPackageIoUsage carries an identity's totals for the current day.
type UserPackageIoUsage struct {
	UserID             int           `json:"user_id"`
	PackageName        string        `json:"package_name"`
	WrittenBytes       PerStateBytes `json:"written_bytes"`
	ForgivenWriteBytes PerStateBytes `json:"forgiven_write_bytes"`
	TotalOveruses      int           `json:"total_overuses"`
}
