package perf

import (
	"context"
	"fmt"
	"slices"

	"cdr.dev/slog/v3"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/packages"
)

type notificationCancel struct {
	userID int
	id     int
}

// notifyLocked builds the notification for identities with a new recurring
// overuse. Only the current user is notified, and an identity is notified
// once until its notification is resolved.
func (h *Handler) notifyLocked(keys []userPackage, currentUser int) *Notification {
	var eligible []userPackage
	for _, key := range keys {
		if key.userID != currentUser {
			continue
		}
		if _, ok := h.st.notified[key]; ok {
			continue
		}
		if h.st.doRequired {
			h.deferLocked(key)
			continue
		}
		if h.killableStateLocked(h.st.entries[key]) == overuse.KillableStateNo {
			continue
		}
		eligible = append(eligible, key)
	}
	return h.buildNotificationLocked(currentUser, eligible)
}

func (h *Handler) deferLocked(key userPackage) {
	if !slices.Contains(h.st.deferred, key) {
		h.st.deferred = append(h.st.deferred, key)
	}
}

// flushDeferredLocked re-evaluates notifications held back while
// distraction optimization was required.
func (h *Handler) flushDeferredLocked(currentUser int) *Notification {
	deferred := h.st.deferred
	h.st.deferred = nil

	var eligible []userPackage
	for _, key := range deferred {
		e, ok := h.st.entries[key]
		if !ok || key.userID != currentUser || e.usage == nil || !e.usage.shouldNotify {
			continue
		}
		if _, ok := h.st.notified[key]; ok {
			continue
		}
		if !h.isRecurringLocked(e) || h.killableStateLocked(e) == overuse.KillableStateNo {
			continue
		}
		eligible = append(eligible, key)
	}
	return h.buildNotificationLocked(currentUser, eligible)
}

// buildNotificationLocked hands out one id per package. The package of the
// most recent identity becomes the headline when the display is on and no
// headline is unresolved.
func (h *Handler) buildNotificationLocked(userID int, keys []userPackage) *Notification {
	if len(keys) == 0 {
		return nil
	}
	var all []NotificationEntry
	headlineKeys := make(map[int]userPackage)
	for _, key := range keys {
		e := h.st.entries[key]
		ids := make([]int, 0, len(e.info.Packages()))
		for _, pkg := range e.info.Packages() {
			id := h.nextNotificationIDLocked()
			all = append(all, NotificationEntry{
				ID:          id,
				UID:         e.info.Identity.UID,
				PackageName: pkg,
				Packages:    e.info.Packages(),
			})
			ids = append(ids, id)
			headlineKeys[id] = key
		}
		h.st.notified[key] = ids
	}

	n := &Notification{UserID: userID}
	if h.st.displayEnabled && h.st.headline == nil {
		last := all[len(all)-1]
		n.Headline = &last
		all = all[:len(all)-1]
		key := headlineKeys[last.ID]
		h.st.headline = &key
	}
	n.List = all
	return n
}

func (h *Handler) nextNotificationIDLocked() int {
	id := h.notificationBaseID + h.st.notificationOffset
	h.st.notificationOffset = (h.st.notificationOffset + 1) % NotificationMaxOffset
	return id
}

// resolveNotificationLocked forgets the notification of key so a later
// recurrence notifies again.
func (h *Handler) resolveNotificationLocked(key userPackage) []notificationCancel {
	ids, ok := h.st.notified[key]
	if !ok {
		return nil
	}
	delete(h.st.notified, key)
	if h.st.headline != nil && *h.st.headline == key {
		h.st.headline = nil
	}
	cancels := make([]notificationCancel, 0, len(ids))
	for _, id := range ids {
		cancels = append(cancels, notificationCancel{userID: key.userID, id: id})
	}
	return cancels
}

func (h *Handler) sendNotification(ctx context.Context, n *Notification) {
	if n == nil || h.notifier == nil {
		return
	}
	if err := h.notifier.NotifyOveruse(ctx, *n); err != nil {
		h.logger.Warn(ctx, "failed to notify resource overuse",
			slog.F("user_id", n.UserID), slog.Error(err))
	}
}

func (h *Handler) cancelNotifications(ctx context.Context, cancels []notificationCancel) {
	if h.notifier == nil {
		return
	}
	for _, c := range cancels {
		if err := h.notifier.CancelNotification(ctx, c.userID, c.id); err != nil {
			h.logger.Warn(ctx, "failed to cancel notification",
				slog.F("user_id", c.userID), slog.F("id", c.id), slog.Error(err))
		}
	}
}

// HandleNotificationAction applies the user's response to the notification
// about pkg. Disabling acts on the package alone and records it as disabled
// on overuse. Every action resolves the identity's notification.
func (h *Handler) HandleNotificationAction(ctx context.Context, action NotificationAction, userID int, pkg string) error {
	switch action {
	case NotificationActionDismiss, NotificationActionDisable:
	default:
		return fmt.Errorf("unknown notification action %q", action)
	}

	var (
		found   bool
		cancels []notificationCancel
	)
	err := h.do(ctx, func() {
		key, e := h.findEntryLocked(userID, pkg)
		if e == nil {
			return
		}
		found = true
		cancels = h.resolveNotificationLocked(key)
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s for user %d", ErrUnknownPackage, pkg, userID)
	}
	h.cancelNotifications(ctx, cancels)

	if action != NotificationActionDisable {
		return nil
	}
	disabled, err := h.disablePackage(ctx, userID, pkg)
	if err != nil {
		return err
	}
	if !disabled {
		return nil
	}
	return h.do(ctx, func() { h.addDisabledLocked(userID, pkg) })
}

// disablePackage disables pkg unless it is already disabled and reports
// whether the watchdog disabled it.
func (h *Handler) disablePackage(ctx context.Context, userID int, pkg string) (bool, error) {
	state, err := h.enabler.EnabledState(ctx, pkg, userID)
	if err != nil {
		return false, fmt.Errorf("failed to read enabled state of %s: %w", pkg, err)
	}
	if state.IsDisabled() {
		return false, nil
	}
	if err := h.enabler.SetEnabledState(ctx, pkg, userID, packages.EnabledStateDisabledUntilUsed); err != nil {
		return false, fmt.Errorf("failed to disable %s: %w", pkg, err)
	}
	state, err = h.enabler.EnabledState(ctx, pkg, userID)
	if err != nil {
		return false, fmt.Errorf("failed to read enabled state of %s: %w", pkg, err)
	}
	return state == packages.EnabledStateDisabledUntilUsed, nil
}
