package store

import (
	"time"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
)

// UserPackageSettingsEntry is the persisted killable state of a package.
type UserPackageSettingsEntry struct {
	UserID                    int
	PackageName               string
	KillableState             overuse.KillableState
	KillableStateLastModified time.Time
}

// IoUsage is one day of I/O usage for a package.
type IoUsage struct {
	Snapshot           overuse.IoUsageSnapshot
	ForgivenWriteBytes overuse.PerStateBytes
	ForgivenOveruses   int
	TotalTimesKilled   int
}

// IoUsageStatsEntry ties a day of usage to a user package.
type IoUsageStatsEntry struct {
	UserID      int
	PackageName string
	Usage       IoUsage
}

// HistoricalIoOveruseStats aggregates the days before today.
type HistoricalIoOveruseStats struct {
	StartTime         time.Time
	DurationSeconds   int64
	TotalOveruses     int
	TotalTimesKilled  int
	TotalBytesWritten int64
}

// NotForgivenOverusesEntry counts overuses not yet pardoned.
type NotForgivenOverusesEntry struct {
	UserID              int
	PackageName         string
	NotForgivenOveruses int
}

// DailySummary is the usage of one day.
type DailySummary struct {
	Date         time.Time
	WrittenBytes overuse.PerStateBytes
	OveruseCount int
}

// UserPackageDailySummaries holds the per-day usage of one package.
type UserPackageDailySummaries struct {
	UserID      int
	PackageName string
	Summaries   []DailySummary
}

// TotalWritten sums written bytes over every day.
func (u UserPackageDailySummaries) TotalWritten() int64 {
	var total int64
	for _, s := range u.Summaries {
		total += s.WrittenBytes.Total()
	}
	return total
}
