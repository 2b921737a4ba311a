package perf

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/overuse/overusetest"
	"github.com/blackwell-systems/iowatchdog/internal/packages"
	"github.com/blackwell-systems/iowatchdog/internal/store"
	"github.com/blackwell-systems/iowatchdog/internal/timesource"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

const (
	uidSystemKillable = 10010001
	uidVendorCritical = 10010002
	uidGame           = 10010003
	uidShared         = 10010004
	uidSystemCritical = 10010005
	uidOtherUserGame  = 10110003
)

const (
	pkgSystemKillable = "system_package.non_critical.A"
	pkgVendorCritical = "vendor_package.critical"
	pkgGame           = "third_party_package.game"
	pkgSharedB        = "third_party_package.B"
	pkgSharedC        = "third_party_package.C"
	sharedName        = "shared:third_party.shared"
	pkgSystemCritical = "system_package.critical"
)

func installedPackages() []packages.InstalledPackage {
	return []packages.InstalledPackage{
		{Name: pkgSystemKillable, AppID: 10001, Partition: packages.PartitionSystem},
		{Name: pkgVendorCritical, AppID: 10002, Partition: packages.PartitionVendor},
		{Name: pkgGame, AppID: 10003, Partition: packages.PartitionData},
		{Name: pkgSharedB, AppID: 10004, SharedUserID: "third_party.shared", Partition: packages.PartitionData},
		{Name: pkgSharedC, AppID: 10004, SharedUserID: "third_party.shared", Partition: packages.PartitionData},
		{Name: pkgSystemCritical, AppID: 10005, Partition: packages.PartitionSystem},
	}
}

type fakeSource struct{}

func (fakeSource) InstalledPackages(_ context.Context, userID int) ([]packages.InstalledPackage, error) {
	if userID != 100 && userID != 101 {
		return nil, nil
	}
	return installedPackages(), nil
}

type fakeUsers struct {
	current int
	alive   []int
}

func (f fakeUsers) CurrentUser(context.Context) (int, error) { return f.current, nil }
func (f fakeUsers) AliveUsers(context.Context) ([]int, error) { return f.alive, nil }

type fakeEnabler struct {
	mu       sync.Mutex
	states   map[string]packages.EnabledState
	notFound map[string]bool
	sets     []string
}

func newFakeEnabler() *fakeEnabler {
	return &fakeEnabler{
		states:   make(map[string]packages.EnabledState),
		notFound: make(map[string]bool),
	}
}

func enablerKey(userID int, pkg string) string {
	return fmt.Sprintf("%d:%s", userID, pkg)
}

func (f *fakeEnabler) EnabledState(_ context.Context, pkg string, userID int) (packages.EnabledState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := enablerKey(userID, pkg)
	if f.notFound[key] {
		return "", packages.ErrNotFound
	}
	if st, ok := f.states[key]; ok {
		return st, nil
	}
	return packages.EnabledStateDefault, nil
}

func (f *fakeEnabler) SetEnabledState(_ context.Context, pkg string, userID int, state packages.EnabledState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := enablerKey(userID, pkg)
	if f.notFound[key] {
		return packages.ErrNotFound
	}
	f.states[key] = state
	f.sets = append(f.sets, key+"="+string(state))
	return nil
}

func (f *fakeEnabler) setState(userID int, pkg string, state packages.EnabledState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[enablerKey(userID, pkg)] = state
}

func (f *fakeEnabler) setCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.sets...)
	sort.Strings(out)
	return out
}

type fakeNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	cancels       []int
}

func (f *fakeNotifier) NotifyOveruse(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeNotifier) CancelNotification(_ context.Context, _ int, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeNotifier) sent() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.notifications...)
}

func (f *fakeNotifier) cancelled() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.cancels...)
}

type fakeReporter struct {
	mu       sync.Mutex
	overuses []OveruseRecord
	kills    []KillRecord
}

func (f *fakeReporter) ReportOveruse(r OveruseRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overuses = append(f.overuses, r)
}

func (f *fakeReporter) ReportKill(r KillRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, r)
}

func (f *fakeReporter) killRecords() []KillRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]KillRecord(nil), f.kills...)
}

func (f *fakeReporter) overuseRecords() []OveruseRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OveruseRecord(nil), f.overuses...)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	logger   slog.Logger
	clock    *quartz.Mock
	source   *timesource.Source
	store    *store.Store
	storage  Storage
	cache    *overuse.Cache
	enabler  *fakeEnabler
	notifier *fakeNotifier
	reporter *fakeReporter
	users    fakeUsers
	handler  *Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	mClock := quartz.NewMock(t)
	mClock.Set(testNow).MustWait(ctx)
	source := timesource.New(mClock)

	st, err := store.New(":memory:", source)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreateSchema())

	cache := overuse.NewCache()
	require.NoError(t, cache.Set(overusetest.SampleConfigs()))

	h := &harness{
		t:        t,
		ctx:      ctx,
		logger:   slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug),
		clock:    mClock,
		source:   source,
		store:    st,
		storage:  st,
		cache:    cache,
		enabler:  newFakeEnabler(),
		notifier: &fakeNotifier{},
		reporter: &fakeReporter{},
		users:    fakeUsers{current: 100, alive: []int{100, 101}},
	}
	h.start()
	return h
}

// start creates and starts a handler over the harness state.
func (h *harness) start() {
	h.t.Helper()
	h.handler = New(Options{
		Logger:                     h.logger,
		Clock:                      h.source,
		Cache:                      h.cache,
		Resolver:                   packages.NewResolver(fakeSource{}),
		Storage:                    h.storage,
		Enabler:                    h.enabler,
		Notifier:                   h.notifier,
		Reporter:                   h.reporter,
		Users:                      h.users,
		RecurringOverusePeriodDays: 2,
	})
	handler := h.handler
	h.t.Cleanup(func() { _ = handler.Close(context.Background()) })
	require.NoError(h.t, h.handler.Start(h.ctx))
}

// restart persists the state and starts a fresh handler over the same store.
func (h *harness) restart() {
	h.t.Helper()
	require.NoError(h.t, h.handler.Close(h.ctx))
	h.start()
}

func (h *harness) push(stats ...overuse.PackageIoOveruseStats) {
	h.t.Helper()
	require.NoError(h.t, h.handler.LatestIoOveruseStats(h.ctx, stats))
}

func (h *harness) flush() {
	h.t.Helper()
	h.clock.Advance(DefaultOveruseHandlingDelay).MustWait(h.ctx)
}

func (h *harness) setDisplay(enabled bool) {
	h.t.Helper()
	require.NoError(h.t, h.handler.SetDisplayEnabled(h.ctx, enabled))
}

func (h *harness) setDO(required bool) {
	h.t.Helper()
	require.NoError(h.t, h.handler.SetDistractionOptimizationRequired(h.ctx, required))
}

func bytes3(fg, bg, idle int64) overuse.PerStateBytes {
	return overusetest.Bytes(fg, bg, idle)
}

// overused builds a record whose budget is exhausted after n overuses.
func overused(uid, n int) overuse.PackageIoOveruseStats {
	return overuse.PackageIoOveruseStats{
		UID:                uid,
		ShouldNotify:       true,
		ForgivenWriteBytes: bytes3(100, 200, 300),
		Usage: overuse.IoUsageSnapshot{
			DurationSeconds:     1800,
			KillableOnOveruse:   true,
			RemainingWriteBytes: bytes3(0, 0, 0),
			WrittenBytes:        bytes3(300, 600, 900),
			TotalOveruses:       n,
		},
	}
}

// withinBudget builds a record that has not exhausted its budget.
func withinBudget(uid int, written overuse.PerStateBytes) overuse.PackageIoOveruseStats {
	return overuse.PackageIoOveruseStats{
		UID: uid,
		Usage: overuse.IoUsageSnapshot{
			DurationSeconds:     1800,
			KillableOnOveruse:   true,
			RemainingWriteBytes: bytes3(10, 10, 10),
			WrittenBytes:        written,
		},
	}
}

func disabledUntilUsed(userID int, pkg string) string {
	return enablerKey(userID, pkg) + "=" + string(packages.EnabledStateDisabledUntilUsed)
}

func enabled(userID int, pkg string) string {
	return enablerKey(userID, pkg) + "=" + string(packages.EnabledStateEnabled)
}

func packageNames(entries []NotificationEntry) []string {
	var names []string
	for _, e := range entries {
		names = append(names, e.PackageName)
	}
	return names
}
