package perf

import (
	"context"
	"sort"

	"cdr.dev/slog/v3"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/packages"
)

// LatestIoOveruseStats processes one batch of usage pushed by the daemon.
func (h *Handler) LatestIoOveruseStats(ctx context.Context, stats []overuse.PackageIoOveruseStats) error {
	if len(stats) == 0 {
		return nil
	}
	uids := make([]int, 0, len(stats))
	for _, s := range stats {
		uids = append(uids, s.UID)
	}
	infos, err := h.resolver.Resolve(ctx, uids, h.cache.VendorPackagePrefixes())
	if err != nil {
		h.logger.Warn(ctx, "failed to resolve some uids", slog.Error(err))
	}
	currentUser := h.currentUser(ctx)

	var (
		n        *Notification
		schedule bool
	)
	err = h.do(ctx, func() {
		n, schedule = h.processStatsLocked(ctx, infos, stats, currentUser)
	})
	if err != nil {
		return err
	}
	if schedule {
		h.enforcer.schedule()
	}
	h.sendNotification(ctx, n)
	return nil
}

type mergedStats struct {
	key   userPackage
	info  packages.PackageInfo
	stats overuse.PackageIoOveruseStats
}

// mergeStats collapses records billed to the same identity. Written bytes
// add up, the highest overuse count wins and a budget is exhausted when any
// record exhausted it. Records of unresolved uids are dropped.
func mergeStats(infos map[int]packages.PackageInfo, stats []overuse.PackageIoOveruseStats) []*mergedStats {
	var out []*mergedStats
	byKey := make(map[userPackage]*mergedStats)
	for _, s := range stats {
		info, ok := infos[s.UID]
		if !ok {
			continue
		}
		key := userPackage{userID: info.UserID, name: info.Identity.GenericName}
		m, ok := byKey[key]
		if !ok {
			m = &mergedStats{key: key, info: info, stats: s}
			byKey[key] = m
			out = append(out, m)
			continue
		}
		m.stats.ShouldNotify = m.stats.ShouldNotify || s.ShouldNotify
		m.stats.ForgivenWriteBytes = m.stats.ForgivenWriteBytes.Add(s.ForgivenWriteBytes)
		u := &m.stats.Usage
		u.WrittenBytes = u.WrittenBytes.Add(s.Usage.WrittenBytes)
		u.RemainingWriteBytes = overuse.PerStateBytes{
			Foreground:      min(u.RemainingWriteBytes.Foreground, s.Usage.RemainingWriteBytes.Foreground),
			Background:      min(u.RemainingWriteBytes.Background, s.Usage.RemainingWriteBytes.Background),
			IdleMaintenance: min(u.RemainingWriteBytes.IdleMaintenance, s.Usage.RemainingWriteBytes.IdleMaintenance),
		}
		u.TotalOveruses = max(u.TotalOveruses, s.Usage.TotalOveruses)
		u.DurationSeconds = max(u.DurationSeconds, s.Usage.DurationSeconds)
		u.KillableOnOveruse = u.KillableOnOveruse && s.Usage.KillableOnOveruse
		if s.Usage.StartTime.Before(u.StartTime) {
			u.StartTime = s.Usage.StartTime
		}
	}
	return out
}

func (h *Handler) processStatsLocked(ctx context.Context, infos map[int]packages.PackageInfo, stats []overuse.PackageIoOveruseStats, currentUser int) (*Notification, bool) {
	h.checkDateChangeLocked(ctx)

	var (
		toNotify []userPackage
		schedule bool
	)
	for _, m := range mergeStats(infos, stats) {
		e := h.entryLocked(m.key)
		e.setInfo(m.info)

		prevOveruses := 0
		if e.usage == nil {
			e.usage = &dayUsage{}
		} else {
			prevOveruses = e.usage.snapshot.TotalOveruses
		}
		e.usage.snapshot = m.stats.Usage
		if e.usage.snapshot.StartTime.IsZero() {
			e.usage.snapshot.StartTime = h.clock.Now()
		}
		e.usage.forgivenWriteBytes = m.stats.ForgivenWriteBytes
		e.usage.shouldNotify = m.stats.ShouldNotify
		e.killableOnOveruse = m.stats.Usage.KillableOnOveruse
		e.lastWritten = m.stats.Usage.WrittenBytes
		h.storage.MarkDirty()

		if m.stats.Usage.TotalOveruses <= prevOveruses || !m.stats.Usage.Overused() {
			continue
		}
		threshold := h.cache.FetchThreshold(m.key.name, m.info.ComponentType)
		h.reporter.ReportOveruse(OveruseRecord{
			UID:           m.info.Identity.UID,
			ComponentType: m.info.ComponentType,
			Threshold:     threshold,
			WrittenBytes:  m.stats.Usage.WrittenBytes,
		})
		h.logger.Debug(ctx, "overuse detected",
			slog.F("identity", m.info.Identity.String()),
			slog.F("total_overuses", m.stats.Usage.TotalOveruses),
		)

		if !h.isRecurringLocked(e) {
			continue
		}
		if h.canKillLocked(e) {
			if h.st.displayEnabled && !h.st.idleMaintenance {
				h.st.pendingKill[m.key] = struct{}{}
			} else {
				h.st.queuedKill[m.key] = struct{}{}
				schedule = true
			}
		}
		if m.stats.ShouldNotify {
			toNotify = append(toNotify, m.key)
		}
	}
	return h.notifyLocked(toNotify, currentUser), schedule
}

// TodayIoUsageStats returns today's totals of every identity, so the daemon
// can restore its counters after a restart.
func (h *Handler) TodayIoUsageStats(ctx context.Context) ([]overuse.UserPackageIoUsage, error) {
	var out []overuse.UserPackageIoUsage
	err := h.do(ctx, func() {
		h.checkDateChangeLocked(ctx)
		for key, e := range h.st.entries {
			if e.usage == nil {
				continue
			}
			out = append(out, overuse.UserPackageIoUsage{
				UserID:             key.userID,
				PackageName:        key.name,
				WrittenBytes:       e.usage.snapshot.WrittenBytes,
				ForgivenWriteBytes: e.usage.forgivenWriteBytes,
				TotalOveruses:      e.usage.snapshot.TotalOveruses,
			})
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].PackageName < out[j].PackageName
	})
	return out, nil
}
