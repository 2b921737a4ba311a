package perf

import (
	"context"
	"errors"
	"time"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/packages"
	"github.com/blackwell-systems/iowatchdog/internal/store"
)

// AllUsers selects every alive user in SetKillable and KillableStates.
const AllUsers = -1

const (
	DefaultOveruseHandlingDelay       = time.Second
	DefaultRecurringOveruseTimes      = 2
	DefaultRecurringOverusePeriodDays = 14
	DefaultKillableStateResetDays     = 90
	DefaultNotificationBaseID         = 1000
	// NotificationMaxOffset bounds the ids handed out above the base id.
	NotificationMaxOffset = 50

	// MinSystemTotalWrittenBytes gates the weekly summaries.
	MinSystemTotalWrittenBytes = 500 * 1024 * 1024
	// TopUsersToReport is the number of uids in the weekly summaries.
	TopUsersToReport = 3

	// DisabledPackagesSetting is the user setting holding the packages
	// disabled on overuse, as a comma separated list.
	DisabledPackagesSetting = "packages_disabled_on_resource_overuse"
)

var (
	// ErrNotKillable is returned when the killable state of a package that
	// is never safe to kill is changed.
	ErrNotKillable = errors.New("package is not killable")
	// ErrUnknownPackage is returned when a package is not installed.
	ErrUnknownPackage = errors.New("unknown package")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("usage handler is closed")
)

// SystemState is the interaction state a kill happened in.
type SystemState string

const (
	SystemStateUserInteraction   SystemState = "USER_INTERACTION"
	SystemStateUserNoInteraction SystemState = "USER_NO_INTERACTION"
	SystemStateIdleMaintenance   SystemState = "IDLE_MAINTENANCE"
)

// OveruseRecord is emitted for every overuse event.
type OveruseRecord struct {
	UID           int                   `json:"uid"`
	ComponentType overuse.ComponentType `json:"component_type"`
	Threshold     overuse.PerStateBytes `json:"threshold"`
	WrittenBytes  overuse.PerStateBytes `json:"written_bytes"`
}

// KillRecord is emitted for every identity disabled on overuse.
type KillRecord struct {
	UID           int                   `json:"uid"`
	ComponentType overuse.ComponentType `json:"component_type"`
	SystemState   SystemState           `json:"system_state"`
	Threshold     overuse.PerStateBytes `json:"threshold"`
	WrittenBytes  overuse.PerStateBytes `json:"written_bytes"`
}

// SummaryScope tells the system wide summary apart from per uid ones.
type SummaryScope string

const (
	SummaryScopeSystem SummaryScope = "system"
	SummaryScopeUID    SummaryScope = "uid"
)

// DailyUsage is one day of a weekly summary.
type DailyUsage struct {
	WrittenBytes int64 `json:"written_bytes"`
	OveruseCount int   `json:"overuse_count"`
}

// WeeklySummary is the usage of one scope over a full week.
type WeeklySummary struct {
	Scope          SummaryScope  `json:"scope"`
	UID            int           `json:"uid,omitempty"`
	PackageName    string        `json:"package_name,omitempty"`
	WeekStartEpoch int64         `json:"week_start_epoch"`
	PerDay         [7]DailyUsage `json:"per_day"`
}

// Reporter receives telemetry records. Calls are made from the usage actor
// and must not block.
type Reporter interface {
	ReportOveruse(OveruseRecord)
	ReportKill(KillRecord)
}

// NotificationEntry is one identity in an overuse notification.
type NotificationEntry struct {
	ID          int      `json:"id"`
	UID         int      `json:"uid"`
	PackageName string   `json:"package_name"`
	Packages    []string `json:"packages"`
}

// Notification is one batch of recurring overuse notifications for a user.
// Headline is shown prominently and is nil when the display is off or an
// earlier headline is still unresolved.
type Notification struct {
	UserID   int                 `json:"user_id"`
	Headline *NotificationEntry  `json:"headline,omitempty"`
	List     []NotificationEntry `json:"list"`
}

// Entries returns every entry, headline first.
func (n Notification) Entries() []NotificationEntry {
	var out []NotificationEntry
	if n.Headline != nil {
		out = append(out, *n.Headline)
	}
	return append(out, n.List...)
}

// Notifier presents overuse notifications to the user.
type Notifier interface {
	NotifyOveruse(ctx context.Context, n Notification) error
	CancelNotification(ctx context.Context, userID, id int) error
}

// NotificationAction is a user response to a notification.
type NotificationAction string

const (
	NotificationActionDismiss NotificationAction = "dismiss"
	NotificationActionDisable NotificationAction = "disable"
)

// Users reports the foreground user and the users that exist.
type Users interface {
	CurrentUser(ctx context.Context) (int, error)
	AliveUsers(ctx context.Context) ([]int, error)
}

// Resolver maps uids to package identities.
type Resolver interface {
	Resolve(ctx context.Context, uids []int, vendorPrefixes []string) (map[int]packages.PackageInfo, error)
	IdentitiesForUser(ctx context.Context, userID int, vendorPrefixes []string) ([]packages.PackageInfo, error)
}

// Storage is the subset of the store the handler persists through.
type Storage interface {
	UserPackageSettings(ctx context.Context) ([]store.UserPackageSettingsEntry, error)
	SaveUserPackageSettings(ctx context.Context, entries []store.UserPackageSettingsEntry) error
	DeleteUserPackage(ctx context.Context, userID int, packageName string) error
	DeleteUser(ctx context.Context, userID int) error
	SyncUsers(ctx context.Context, aliveUserIDs []int) error
	TodayIoUsageStats(ctx context.Context) ([]store.IoUsageStatsEntry, error)
	SaveIoUsageStats(ctx context.Context, entries []store.IoUsageStatsEntry) (int, error)
	HistoricalIoOveruseStats(ctx context.Context, userID int, packageName string, numDaysAgo int) (*store.HistoricalIoOveruseStats, error)
	NotForgivenHistoricalIoOveruses(ctx context.Context, numDaysAgo int) ([]store.NotForgivenOverusesEntry, error)
	ForgiveHistoricalOveruses(ctx context.Context, packagesByUserID map[int][]string, numDaysAgo int) error
	DailySystemIoUsageSummaries(ctx context.Context, minSystemTotalWritten int64, from, to time.Time) ([]store.DailySummary, error)
	TopUsersDailyIoUsageSummaries(ctx context.Context, numTop int, minSystemTotalWritten int64, from, to time.Time) ([]store.UserPackageDailySummaries, error)
	UserSettings(ctx context.Context, key string) (map[int]string, error)
	SaveUserSetting(ctx context.Context, userID int, key, value string) error

	MarkDirty()
	StartWrite() bool
	MarkWriteSuccessful()
	EndWrite()
}

// PackageKillableState is the killable state of one installed package.
type PackageKillableState struct {
	UserID        int                   `json:"user_id"`
	PackageName   string                `json:"package_name"`
	KillableState overuse.KillableState `json:"killable_state"`
}

// UsageStats combines today's usage of an identity with its history.
type UsageStats struct {
	UserID            int                   `json:"user_id"`
	UID               int                   `json:"uid"`
	PackageName       string                `json:"package_name"`
	ComponentType     overuse.ComponentType `json:"component_type"`
	KillableState     overuse.KillableState `json:"killable_state"`
	StartTime         time.Time             `json:"start_time"`
	DurationSeconds   int64                 `json:"duration_seconds"`
	TodayWrittenBytes overuse.PerStateBytes `json:"today_written_bytes"`
	RemainingBytes    overuse.PerStateBytes `json:"remaining_bytes"`
	TotalBytesWritten int64                 `json:"total_bytes_written"`
	TotalOveruses     int                   `json:"total_overuses"`
	TotalTimesKilled  int                   `json:"total_times_killed"`
}
