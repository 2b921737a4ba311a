package service

import (
	"context"

	"cdr.dev/slog/v3"

	"github.com/blackwell-systems/iowatchdog/internal/perf"
)

// LogNotifier presents overuse notifications as log entries.
type LogNotifier struct {
	Logger slog.Logger
}

var _ perf.Notifier = LogNotifier{}

func (n LogNotifier) NotifyOveruse(ctx context.Context, notification perf.Notification) error {
	if h := notification.Headline; h != nil {
		n.Logger.Warn(ctx, "package is writing too much to storage",
			slog.F("user_id", notification.UserID),
			slog.F("id", h.ID),
			slog.F("package", h.PackageName),
			slog.F("packages", h.Packages),
		)
	}
	for _, e := range notification.List {
		n.Logger.Info(ctx, "package overused storage",
			slog.F("user_id", notification.UserID),
			slog.F("id", e.ID),
			slog.F("package", e.PackageName),
			slog.F("packages", e.Packages),
		)
	}
	return nil
}

func (n LogNotifier) CancelNotification(ctx context.Context, userID, id int) error {
	n.Logger.Debug(ctx, "overuse notification resolved", slog.F("user_id", userID), slog.F("id", id))
	return nil
}
