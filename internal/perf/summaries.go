package perf

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cdr.dev/slog/v3"

	"github.com/blackwell-systems/iowatchdog/internal/store"
	"github.com/blackwell-systems/iowatchdog/internal/timesource"
)

// UsageStats returns today's usage of the identity pkg belongs to, plus its
// history over the periodDays-1 days before today.
func (h *Handler) UsageStats(ctx context.Context, userID int, pkg string, periodDays int) (*UsageStats, error) {
	var out *UsageStats
	err := h.do(ctx, func() {
		h.checkDateChangeLocked(ctx)
		key, e := h.findEntryLocked(userID, pkg)
		if e == nil {
			return
		}
		stats := h.usageStatsLocked(key, e)
		out = &stats
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %s for user %d", ErrUnknownPackage, pkg, userID)
	}
	h.addHistory(ctx, out, periodDays)
	return out, nil
}

// AllUsageStats returns the usage of every identity seen today.
func (h *Handler) AllUsageStats(ctx context.Context, periodDays int) ([]UsageStats, error) {
	var out []UsageStats
	err := h.do(ctx, func() {
		h.checkDateChangeLocked(ctx)
		for key, e := range h.st.entries {
			if e.usage != nil {
				out = append(out, h.usageStatsLocked(key, e))
			}
		}
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		h.addHistory(ctx, &out[i], periodDays)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalBytesWritten != out[j].TotalBytesWritten {
			return out[i].TotalBytesWritten > out[j].TotalBytesWritten
		}
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].PackageName < out[j].PackageName
	})
	return out, nil
}

func (h *Handler) usageStatsLocked(key userPackage, e *entry) UsageStats {
	stats := UsageStats{
		UserID:        key.userID,
		UID:           e.info.Identity.UID,
		PackageName:   key.name,
		ComponentType: e.info.ComponentType,
		KillableState: h.killableStateLocked(e),
		StartTime:     h.st.day,
	}
	if e.usage != nil {
		snap := e.usage.snapshot
		if !snap.StartTime.IsZero() {
			stats.StartTime = snap.StartTime
		}
		stats.DurationSeconds = snap.DurationSeconds
		stats.TodayWrittenBytes = snap.WrittenBytes
		stats.RemainingBytes = snap.RemainingWriteBytes
		stats.TotalBytesWritten = snap.WrittenBytes.Total()
		stats.TotalOveruses = snap.TotalOveruses
		stats.TotalTimesKilled = e.usage.totalTimesKilled
	}
	return stats
}

func (h *Handler) addHistory(ctx context.Context, stats *UsageStats, periodDays int) {
	if periodDays <= 1 {
		return
	}
	hist, err := h.storage.HistoricalIoOveruseStats(ctx, stats.UserID, stats.PackageName, periodDays-1)
	if err != nil {
		h.logger.Warn(ctx, "failed to load usage history",
			slog.F("user_id", stats.UserID), slog.F("package", stats.PackageName), slog.Error(err))
		return
	}
	if hist == nil {
		return
	}
	stats.StartTime = hist.StartTime
	stats.DurationSeconds += hist.DurationSeconds
	stats.TotalBytesWritten += hist.TotalBytesWritten
	stats.TotalOveruses += hist.TotalOveruses
	stats.TotalTimesKilled += hist.TotalTimesKilled
}

// WeeklySummaries summarizes the previous full week: one system wide
// summary and one per top writer. Nothing is returned when the system
// wrote less than MinSystemTotalWrittenBytes.
func (h *Handler) WeeklySummaries(ctx context.Context) ([]WeeklySummary, error) {
	from := h.clock.WeekStart().AddDate(0, 0, -7)
	to := from.AddDate(0, 0, 7)

	system, err := h.storage.DailySystemIoUsageSummaries(ctx, MinSystemTotalWrittenBytes, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get system summaries: %w", err)
	}
	if system == nil {
		return nil, nil
	}
	top, err := h.storage.TopUsersDailyIoUsageSummaries(ctx, TopUsersToReport, MinSystemTotalWrittenBytes, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get top user summaries: %w", err)
	}

	uids := make([]int, len(top))
	err = h.do(ctx, func() {
		for i, t := range top {
			if e, ok := h.st.entries[userPackage{userID: t.UserID, name: t.PackageName}]; ok {
				uids[i] = e.info.Identity.UID
			}
		}
	})
	if err != nil {
		return nil, err
	}
	h.resolveSummaryUIDs(ctx, top, uids)

	out := []WeeklySummary{toWeeklySummary(SummaryScopeSystem, 0, "", from, system)}
	for i, t := range top {
		out = append(out, toWeeklySummary(SummaryScopeUID, uids[i], t.PackageName, from, t.Summaries))
	}
	return out, nil
}

// resolveSummaryUIDs fills the uids of top writers not seen today from the
// packages installed for their user. Uninstalled packages keep uid 0.
func (h *Handler) resolveSummaryUIDs(ctx context.Context, top []store.UserPackageDailySummaries, uids []int) {
	byUser := make(map[int]map[string]int)
	prefixes := h.cache.VendorPackagePrefixes()
	for i, t := range top {
		if uids[i] != 0 {
			continue
		}
		names, ok := byUser[t.UserID]
		if !ok {
			names = make(map[string]int)
			infos, err := h.resolver.IdentitiesForUser(ctx, t.UserID, prefixes)
			if err != nil {
				h.logger.Warn(ctx, "failed to resolve summary uids",
					slog.F("user_id", t.UserID), slog.Error(err))
			}
			for _, info := range infos {
				names[info.Identity.GenericName] = info.Identity.UID
			}
			byUser[t.UserID] = names
		}
		uids[i] = names[t.PackageName]
	}
}

func toWeeklySummary(scope SummaryScope, uid int, pkg string, weekStart time.Time, days []store.DailySummary) WeeklySummary {
	s := WeeklySummary{
		Scope:          scope,
		UID:            uid,
		PackageName:    pkg,
		WeekStartEpoch: timesource.DayEpoch(weekStart),
	}
	for i, d := range days {
		if i >= len(s.PerDay) {
			break
		}
		s.PerDay[i] = DailyUsage{
			WrittenBytes: d.WrittenBytes.Total(),
			OveruseCount: d.OveruseCount,
		}
	}
	return s
}
