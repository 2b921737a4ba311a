package perf

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"cdr.dev/slog/v3"

	"github.com/blackwell-systems/iowatchdog/internal/packages"
)

// forgetEntryLocked drops everything tracked in memory for key and returns
// the notifications to cancel. Stored rows are left to the caller.
func (h *Handler) forgetEntryLocked(key userPackage) []notificationCancel {
	delete(h.st.entries, key)
	delete(h.st.pendingKill, key)
	delete(h.st.queuedKill, key)
	if names, ok := h.st.forgive[key.userID]; ok {
		delete(names, key.name)
	}
	h.st.deferred = slices.DeleteFunc(h.st.deferred, func(k userPackage) bool { return k == key })
	h.st.unsaved = slices.DeleteFunc(h.st.unsaved, func(u storeEntry) bool {
		return u.UserID == key.userID && u.PackageName == key.name
	})
	return h.resolveNotificationLocked(key)
}

// UserRemoved forgets every identity of userID and deletes the user's stored
// settings, usage and disabled list.
func (h *Handler) UserRemoved(ctx context.Context, userID int) error {
	var deleteErr error
	err := h.do(ctx, func() {
		for key := range h.st.entries {
			if key.userID == userID {
				// The user is gone so there is nothing left to cancel.
				h.forgetEntryLocked(key)
			}
		}
		for key := range h.st.notified {
			if key.userID == userID {
				h.resolveNotificationLocked(key)
			}
		}
		h.st.deferred = slices.DeleteFunc(h.st.deferred, func(k userPackage) bool { return k.userID == userID })
		h.st.unsaved = slices.DeleteFunc(h.st.unsaved, func(u storeEntry) bool { return u.UserID == userID })
		delete(h.st.forgive, userID)
		delete(h.st.disabled, userID)
		delete(h.st.dirtyDisabled, userID)

		if err := h.storage.DeleteUser(ctx, userID); err != nil {
			deleteErr = fmt.Errorf("failed to delete stored state of user %d: %w", userID, err)
		}
	})
	if err != nil {
		return err
	}
	h.logger.Info(ctx, "removed user", slog.F("user_id", userID))
	return deleteErr
}

// PackageRemoved forgets pkg for userID. A package co-hosted with others
// only leaves its identity; otherwise the identity and its stored rows are
// dropped. The package leaves the disabled list either way.
func (h *Handler) PackageRemoved(ctx context.Context, userID int, pkg string) error {
	var (
		cancels   []notificationCancel
		deleteErr error
	)
	err := h.do(ctx, func() {
		h.removeDisabledLocked(userID, pkg)
		key, e := h.findEntryLocked(userID, pkg)
		if e == nil {
			return
		}
		if key.name != pkg && len(e.info.CoHosted) > 1 {
			e.info.CoHosted = slices.DeleteFunc(slices.Clone(e.info.CoHosted), func(n string) bool { return n == pkg })
			return
		}
		for _, member := range e.info.CoHosted {
			h.removeDisabledLocked(userID, member)
		}
		cancels = h.forgetEntryLocked(key)
		if err := h.storage.DeleteUserPackage(ctx, key.userID, key.name); err != nil {
			deleteErr = fmt.Errorf("failed to delete stored usage of %s: %w", key.name, err)
		}
	})
	if err != nil {
		return err
	}
	h.cancelNotifications(ctx, cancels)
	h.logger.Info(ctx, "removed package", slog.F("user_id", userID), slog.F("package", pkg))
	return deleteErr
}

// PackageChanged drops pkg from the disabled list once its enabled state
// is no longer the one the watchdog set, so a later reset leaves it alone.
func (h *Handler) PackageChanged(ctx context.Context, userID int, pkg string) error {
	var tracked bool
	if err := h.do(ctx, func() { tracked = h.isDisabledLocked(userID, pkg) }); err != nil {
		return err
	}
	if !tracked {
		return nil
	}
	state, err := h.enabler.EnabledState(ctx, pkg, userID)
	switch {
	case errors.Is(err, packages.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to read enabled state of %s: %w", pkg, err)
	case state == packages.EnabledStateDisabledUntilUsed:
		return nil
	}
	h.logger.Debug(ctx, "package left the overuse disable state",
		slog.F("user_id", userID), slog.F("package", pkg), slog.F("state", state))
	return h.do(ctx, func() { h.removeDisabledLocked(userID, pkg) })
}
