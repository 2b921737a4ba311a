package perf

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"cdr.dev/slog/v3"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/store"
)

type storeEntry = store.IoUsageStatsEntry

// loadLocked restores the persisted state. Read failures are logged and
// treated as no history.
func (h *Handler) loadLocked(ctx context.Context, alive []int) {
	if len(alive) > 0 {
		if err := h.storage.SyncUsers(ctx, alive); err != nil {
			h.logger.Warn(ctx, "failed to drop removed users", slog.Error(err))
		}
	}

	settings, err := h.storage.UserPackageSettings(ctx)
	if err != nil {
		h.logger.Warn(ctx, "failed to load user package settings", slog.Error(err))
	}
	for _, s := range settings {
		e := h.entryLocked(userPackage{userID: s.UserID, name: s.PackageName})
		e.killable = s.KillableState
		e.killableModified = s.KillableStateLastModified
	}

	today, err := h.storage.TodayIoUsageStats(ctx)
	if err != nil {
		h.logger.Warn(ctx, "failed to load today's usage", slog.Error(err))
	}
	for _, u := range today {
		e := h.entryLocked(userPackage{userID: u.UserID, name: u.PackageName})
		e.usage = &dayUsage{
			snapshot:           u.Usage.Snapshot,
			forgivenWriteBytes: u.Usage.ForgivenWriteBytes,
			forgivenOveruses:   u.Usage.ForgivenOveruses,
			totalTimesKilled:   u.Usage.TotalTimesKilled,
		}
		e.killableOnOveruse = u.Usage.Snapshot.KillableOnOveruse
		e.lastWritten = u.Usage.Snapshot.WrittenBytes
	}

	h.loadNotForgivenLocked(ctx)

	disabled, err := h.storage.UserSettings(ctx, DisabledPackagesSetting)
	if err != nil {
		h.logger.Warn(ctx, "failed to load packages disabled on overuse", slog.Error(err))
	}
	for userID, value := range disabled {
		if set := decodeDisabled(value); len(set) > 0 {
			h.st.disabled[userID] = set
		}
	}

	h.st.day = h.clock.Today()
	h.resetKillableStatesLocked(ctx)
	h.logger.Info(ctx, "loaded persisted state",
		slog.F("settings", len(settings)),
		slog.F("today_usage", len(today)),
		slog.F("users_with_disabled_packages", len(h.st.disabled)),
	)
}

func (h *Handler) loadNotForgivenLocked(ctx context.Context) {
	for _, e := range h.st.entries {
		e.historicalNotForgiven = 0
	}
	entries, err := h.storage.NotForgivenHistoricalIoOveruses(ctx, h.recurringPeriodDays)
	if err != nil {
		h.logger.Warn(ctx, "failed to load historical overuses", slog.Error(err))
		return
	}
	for _, nf := range entries {
		e := h.entryLocked(userPackage{userID: nf.UserID, name: nf.PackageName})
		e.historicalNotForgiven = nf.NotForgivenOveruses
	}
}

// resetKillableStatesLocked turns NO back into YES once the user's choice
// is older than the reset window.
func (h *Handler) resetKillableStatesLocked(ctx context.Context) {
	now := h.clock.Now()
	for key, e := range h.st.entries {
		if e.killable != overuse.KillableStateNo {
			continue
		}
		if now.Before(e.killableModified.AddDate(0, 0, h.killableResetDays)) {
			continue
		}
		e.killable = overuse.KillableStateYes
		e.killableModified = now
		h.storage.MarkDirty()
		h.logger.Info(ctx, "reset killable state",
			slog.F("user_id", key.userID), slog.F("package", key.name))
	}
}

// checkDateChangeLocked moves the previous day's usage out of memory,
// writes it and reloads the historical overuses.
func (h *Handler) checkDateChangeLocked(ctx context.Context) {
	today := h.clock.Today()
	if !today.After(h.st.day) {
		return
	}
	h.logger.Info(ctx, "date changed", slog.F("previous", h.st.day), slog.F("today", today))

	for key, e := range h.st.entries {
		if e.usage == nil {
			continue
		}
		h.st.unsaved = append(h.st.unsaved, h.storeEntryLocked(key, e))
		e.usage = nil
	}
	clear(h.st.notified)
	h.st.headline = nil
	h.st.deferred = nil
	h.st.day = today
	h.storage.MarkDirty()

	if err := h.writeToDatabaseLocked(ctx); err != nil {
		h.logger.Warn(ctx, "failed to write usage at date change", slog.Error(err))
	}
	h.loadNotForgivenLocked(ctx)
	h.resetKillableStatesLocked(ctx)
}

func (h *Handler) storeEntryLocked(key userPackage, e *entry) store.IoUsageStatsEntry {
	return store.IoUsageStatsEntry{
		UserID:      key.userID,
		PackageName: key.name,
		Usage: store.IoUsage{
			Snapshot:           e.usage.snapshot,
			ForgivenWriteBytes: e.usage.forgivenWriteBytes,
			ForgivenOveruses:   e.usage.forgivenOveruses,
			TotalTimesKilled:   e.usage.totalTimesKilled,
		},
	}
}

// persistedKillableLocked is the state stored for an entry. Entries never
// resolved keep what was stored.
func (h *Handler) persistedKillableLocked(e *entry) overuse.KillableState {
	if e.resolved {
		return h.killableStateLocked(e)
	}
	if e.killable == 0 {
		return overuse.KillableStateYes
	}
	return e.killable
}

// writeToDatabaseLocked writes settings, usage, forgiven overuses and the
// disabled package lists. Parts that fail stay pending and the storage
// stays dirty for the next trigger.
func (h *Handler) writeToDatabaseLocked(ctx context.Context) error {
	if !h.storage.StartWrite() {
		return nil
	}
	defer h.storage.EndWrite()

	var errs []error
	now := h.clock.Now()

	settings := make([]store.UserPackageSettingsEntry, 0, len(h.st.entries))
	usage := append([]store.IoUsageStatsEntry(nil), h.st.unsaved...)
	for key, e := range h.st.entries {
		modified := e.killableModified
		if modified.IsZero() {
			modified = now
		}
		settings = append(settings, store.UserPackageSettingsEntry{
			UserID:                    key.userID,
			PackageName:               key.name,
			KillableState:             h.persistedKillableLocked(e),
			KillableStateLastModified: modified,
		})
		if e.usage != nil {
			usage = append(usage, h.storeEntryLocked(key, e))
		}
	}
	sort.Slice(settings, func(i, j int) bool {
		if settings[i].UserID != settings[j].UserID {
			return settings[i].UserID < settings[j].UserID
		}
		return settings[i].PackageName < settings[j].PackageName
	})

	if err := h.storage.SaveUserPackageSettings(ctx, settings); err != nil {
		errs = append(errs, err)
	}
	if len(usage) > 0 {
		n, err := h.storage.SaveIoUsageStats(ctx, usage)
		if err != nil {
			errs = append(errs, err)
		} else {
			h.st.unsaved = nil
			h.logger.Debug(ctx, "saved usage stats", slog.F("rows", n))
		}
	}

	if len(h.st.forgive) > 0 {
		byUser := make(map[int][]string, len(h.st.forgive))
		for userID, names := range h.st.forgive {
			if len(names) > 0 {
				byUser[userID] = sortedNames(names)
			}
		}
		if err := h.storage.ForgiveHistoricalOveruses(ctx, byUser, h.recurringPeriodDays); err != nil {
			errs = append(errs, err)
		} else {
			clear(h.st.forgive)
		}
	}

	for userID := range h.st.dirtyDisabled {
		value := encodeDisabled(h.st.disabled[userID])
		if err := h.storage.SaveUserSetting(ctx, userID, DisabledPackagesSetting, value); err != nil {
			errs = append(errs, fmt.Errorf("failed to save disabled packages of user %d: %w", userID, err))
			continue
		}
		delete(h.st.dirtyDisabled, userID)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	h.storage.MarkWriteSuccessful()
	return nil
}
