// Package perf implements the usage handler: it consumes the I/O usage pushed
// by the counterpart daemon, detects recurring overuse, notifies the user and
// disables the offending packages.
//
// All per identity state is owned by one actor goroutine. Public methods
// submit closures to it and wait. Calls into the package manager, the
// notifier and the resolver are made outside the actor.
package perf

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/packages"
	"github.com/blackwell-systems/iowatchdog/internal/store"
	"github.com/blackwell-systems/iowatchdog/internal/timesource"
)

// Options configures a Handler. Zero values select the defaults.
type Options struct {
	Logger   slog.Logger
	Clock    *timesource.Source
	Cache    *overuse.Cache
	Resolver Resolver
	Storage  Storage
	Enabler  packages.Enabler
	Notifier Notifier
	Reporter Reporter
	Users    Users

	OveruseHandlingDelay       time.Duration
	RecurringOveruseTimes      int
	RecurringOverusePeriodDays int
	KillableStateResetDays     int
	NotificationBaseID         int
}

// Handler is the usage actor.
type Handler struct {
	logger   slog.Logger
	clock    *timesource.Source
	cache    *overuse.Cache
	resolver Resolver
	storage  Storage
	enabler  packages.Enabler
	notifier Notifier
	reporter Reporter
	users    Users

	handlingDelay       time.Duration
	recurringTimes      int
	recurringPeriodDays int
	killableResetDays   int
	notificationBaseID  int

	ops       chan func()
	closing   chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	enforcer *enforcer

	// st is only touched by the actor goroutine.
	st state
}

type userPackage struct {
	userID int
	name   string
}

type state struct {
	displayEnabled  bool
	doRequired      bool
	idleMaintenance bool
	day             time.Time

	entries     map[userPackage]*entry
	pendingKill map[userPackage]struct{}
	queuedKill  map[userPackage]struct{}

	notified           map[userPackage][]int
	headline           *userPackage
	deferred           []userPackage
	notificationOffset int

	disabled      map[int]map[string]struct{}
	dirtyDisabled map[int]struct{}
	forgive       map[int]map[string]struct{}
	unsaved       []store.IoUsageStatsEntry
}

// entry is everything tracked for one identity of one user.
type entry struct {
	info     packages.PackageInfo
	resolved bool

	killable         overuse.KillableState
	killableModified time.Time

	usage                 *dayUsage
	historicalNotForgiven int
	killableOnOveruse     bool
	lastWritten           overuse.PerStateBytes
}

type dayUsage struct {
	snapshot           overuse.IoUsageSnapshot
	forgivenWriteBytes overuse.PerStateBytes
	forgivenOveruses   int
	totalTimesKilled   int
	shouldNotify       bool
}

// New returns a running Handler. Call Start to load persisted state and
// Close to persist it.
func New(opts Options) *Handler {
	h := &Handler{
		logger:              opts.Logger.Named("perf"),
		clock:               opts.Clock,
		cache:               opts.Cache,
		resolver:            opts.Resolver,
		storage:             opts.Storage,
		enabler:             opts.Enabler,
		notifier:            opts.Notifier,
		reporter:            opts.Reporter,
		users:               opts.Users,
		handlingDelay:       opts.OveruseHandlingDelay,
		recurringTimes:      opts.RecurringOveruseTimes,
		recurringPeriodDays: opts.RecurringOverusePeriodDays,
		killableResetDays:   opts.KillableStateResetDays,
		notificationBaseID:  opts.NotificationBaseID,
		ops:                 make(chan func()),
		closing:             make(chan struct{}),
		loopDone:            make(chan struct{}),
		st: state{
			displayEnabled: true,
			entries:        make(map[userPackage]*entry),
			pendingKill:    make(map[userPackage]struct{}),
			queuedKill:     make(map[userPackage]struct{}),
			notified:       make(map[userPackage][]int),
			disabled:       make(map[int]map[string]struct{}),
			dirtyDisabled:  make(map[int]struct{}),
			forgive:        make(map[int]map[string]struct{}),
		},
	}
	if h.clock == nil {
		h.clock = timesource.New(nil)
	}
	if h.cache == nil {
		h.cache = overuse.NewCache()
	}
	if h.handlingDelay <= 0 {
		h.handlingDelay = DefaultOveruseHandlingDelay
	}
	if h.recurringTimes <= 0 {
		h.recurringTimes = DefaultRecurringOveruseTimes
	}
	if h.recurringPeriodDays <= 0 {
		h.recurringPeriodDays = DefaultRecurringOverusePeriodDays
	}
	if h.killableResetDays <= 0 {
		h.killableResetDays = DefaultKillableStateResetDays
	}
	if h.notificationBaseID <= 0 {
		h.notificationBaseID = DefaultNotificationBaseID
	}
	if h.reporter == nil {
		h.reporter = nopReporter{}
	}
	h.st.day = h.clock.Today()
	h.enforcer = &enforcer{h: h}

	go h.run()
	return h
}

func (h *Handler) run() {
	defer close(h.loopDone)
	for {
		select {
		case op := <-h.ops:
			op()
		case <-h.closing:
			return
		}
	}
}

// do runs fn on the actor and waits for it. fn may still run after do
// returns a context error.
func (h *Handler) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case h.ops <- op:
	case <-h.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start loads the persisted settings, today's usage, the historical
// overuses not yet forgiven and the packages disabled on overuse.
func (h *Handler) Start(ctx context.Context) error {
	alive, err := h.users.AliveUsers(ctx)
	if err != nil {
		h.logger.Warn(ctx, "failed to list alive users", slog.Error(err))
	}
	return h.do(ctx, func() { h.loadLocked(ctx, alive) })
}

// Close stops enforcement, writes the in-memory state to storage and stops
// the actor.
func (h *Handler) Close(ctx context.Context) error {
	h.enforcer.stop()

	var writeErr error
	err := h.do(ctx, func() { writeErr = h.writeToDatabaseLocked(ctx) })
	h.closeOnce.Do(func() { close(h.closing) })
	<-h.loopDone
	if err != nil && err != ErrClosed {
		return err
	}
	return writeErr
}

// Ping returns once the actor has run an empty operation.
func (h *Handler) Ping(ctx context.Context) error {
	return h.do(ctx, func() {})
}

// CheckDateChange rolls the in-memory usage over when the day changed.
func (h *Handler) CheckDateChange(ctx context.Context) error {
	return h.do(ctx, func() { h.checkDateChangeLocked(ctx) })
}

// SetDisplayEnabled records whether the user can see the display. Packages
// held while the display was enabled are disabled once it turns off.
func (h *Handler) SetDisplayEnabled(ctx context.Context, enabled bool) error {
	var schedule bool
	err := h.do(ctx, func() {
		h.st.displayEnabled = enabled
		if !enabled {
			schedule = h.releasePendingLocked()
		}
	})
	if err != nil {
		return err
	}
	if schedule {
		h.enforcer.schedule()
	}
	return nil
}

// SetIdleMaintenance records whether the system runs idle maintenance, in
// which held packages may be disabled even with the display on.
func (h *Handler) SetIdleMaintenance(ctx context.Context, enabled bool) error {
	var schedule bool
	err := h.do(ctx, func() {
		h.st.idleMaintenance = enabled
		if enabled {
			schedule = h.releasePendingLocked()
		}
	})
	if err != nil {
		return err
	}
	if schedule {
		h.enforcer.schedule()
	}
	return nil
}

// SetDistractionOptimizationRequired records whether notifications must be
// held back. Held notifications are re-evaluated and sent once it turns off.
func (h *Handler) SetDistractionOptimizationRequired(ctx context.Context, required bool) error {
	currentUser := h.currentUser(ctx)
	var n *Notification
	err := h.do(ctx, func() {
		h.st.doRequired = required
		if !required {
			n = h.flushDeferredLocked(currentUser)
		}
	})
	if err != nil {
		return err
	}
	h.sendNotification(ctx, n)
	return nil
}

func (h *Handler) releasePendingLocked() bool {
	if len(h.st.pendingKill) == 0 {
		return false
	}
	for key := range h.st.pendingKill {
		h.st.queuedKill[key] = struct{}{}
	}
	clear(h.st.pendingKill)
	return true
}

func (h *Handler) currentUser(ctx context.Context) int {
	if h.users == nil {
		return -1
	}
	userID, err := h.users.CurrentUser(ctx)
	if err != nil {
		h.logger.Warn(ctx, "failed to get current user", slog.Error(err))
		return -1
	}
	return userID
}

func (h *Handler) entryLocked(key userPackage) *entry {
	e, ok := h.st.entries[key]
	if !ok {
		e = &entry{info: packages.PackageInfo{
			Identity: packages.Identity{GenericName: key.name},
			UserID:   key.userID,
		}}
		h.st.entries[key] = e
	}
	return e
}

func (e *entry) setInfo(info packages.PackageInfo) {
	e.info = info
	e.resolved = true
}

// killableStateLocked returns the effective killable state. Identities
// that are not safe to kill are always NEVER, and a stored NEVER of an
// identity that became safe to kill reads as YES.
func (h *Handler) killableStateLocked(e *entry) overuse.KillableState {
	if !h.cache.IsSafeToKill(e.info.Identity.GenericName, e.info.ComponentType, e.info.CoHosted) {
		return overuse.KillableStateNever
	}
	if e.killable == overuse.KillableStateNo {
		return overuse.KillableStateNo
	}
	return overuse.KillableStateYes
}

func (h *Handler) isRecurringLocked(e *entry) bool {
	n := e.historicalNotForgiven
	if e.usage != nil {
		n += e.usage.snapshot.TotalOveruses - e.usage.forgivenOveruses
	}
	return n > h.recurringTimes
}

func (h *Handler) canKillLocked(e *entry) bool {
	return e.killableOnOveruse && h.killableStateLocked(e) == overuse.KillableStateYes
}

func (h *Handler) systemStateLocked() SystemState {
	switch {
	case h.st.idleMaintenance:
		return SystemStateIdleMaintenance
	case h.st.displayEnabled:
		return SystemStateUserInteraction
	default:
		return SystemStateUserNoInteraction
	}
}

// findEntryLocked looks up an identity by generic name or by the name of a
// package co-hosted in it.
func (h *Handler) findEntryLocked(userID int, name string) (userPackage, *entry) {
	key := userPackage{userID: userID, name: name}
	if e, ok := h.st.entries[key]; ok {
		return key, e
	}
	for key, e := range h.st.entries {
		if key.userID != userID {
			continue
		}
		for _, pkg := range e.info.CoHosted {
			if pkg == name {
				return key, e
			}
		}
	}
	return userPackage{}, nil
}

type nopReporter struct{}

func (nopReporter) ReportOveruse(OveruseRecord) {}
func (nopReporter) ReportKill(KillRecord)       {}
