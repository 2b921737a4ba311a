package perf

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/packages"
)

const killTimeout = 30 * time.Second

// enforcer coalesces kill requests. The first request arms a timer; when it
// fires every queued identity is handled in one batch.
type enforcer struct {
	h *Handler

	mu      sync.Mutex
	timer   *quartz.Timer
	stopped bool
	wg      sync.WaitGroup
}

func (e *enforcer) schedule() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.timer != nil {
		return
	}
	e.wg.Add(1)
	e.timer = e.h.clock.Clock().AfterFunc(e.h.handlingDelay, func() {
		defer e.wg.Done()
		e.mu.Lock()
		e.timer = nil
		e.mu.Unlock()
		e.h.flushKills()
	}, "perf", "enforce")
}

// stop cancels an armed timer and waits for a running flush.
func (e *enforcer) stop() {
	e.mu.Lock()
	e.stopped = true
	if e.timer != nil && e.timer.Stop() {
		e.timer = nil
		e.wg.Done()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

type killAction struct {
	key         userPackage
	info        packages.PackageInfo
	threshold   overuse.PerStateBytes
	written     overuse.PerStateBytes
	systemState SystemState
}

type killResult struct {
	action   killAction
	disabled []string
}

func (h *Handler) flushKills() {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()

	var actions []killAction
	if err := h.do(ctx, func() { actions = h.takeKillActionsLocked() }); err != nil {
		if !errors.Is(err, ErrClosed) {
			h.logger.Warn(ctx, "failed to collect packages to disable", slog.Error(err))
		}
		return
	}
	if len(actions) == 0 {
		return
	}

	results := make([]killResult, 0, len(actions))
	for _, a := range actions {
		results = append(results, h.disableIdentity(ctx, a))
	}
	if err := h.do(ctx, func() { h.applyKillResultsLocked(ctx, results) }); err != nil {
		h.logger.Warn(ctx, "failed to record disabled packages", slog.Error(err))
	}
}

// takeKillActionsLocked drains the queue. Killability is checked again
// since the user may have changed the killable state after the identity
// was queued.
func (h *Handler) takeKillActionsLocked() []killAction {
	var actions []killAction
	for key := range h.st.queuedKill {
		delete(h.st.queuedKill, key)
		e, ok := h.st.entries[key]
		if !ok || !h.isRecurringLocked(e) || !h.canKillLocked(e) {
			continue
		}
		if h.st.displayEnabled && !h.st.idleMaintenance {
			h.st.pendingKill[key] = struct{}{}
			continue
		}
		actions = append(actions, killAction{
			key:         key,
			info:        e.info,
			threshold:   h.cache.FetchThreshold(key.name, e.info.ComponentType),
			written:     e.lastWritten,
			systemState: h.systemStateLocked(),
		})
	}
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].key.userID != actions[j].key.userID {
			return actions[i].key.userID < actions[j].key.userID
		}
		return actions[i].key.name < actions[j].key.name
	})
	return actions
}

// disableIdentity disables every package of the identity. A package that is
// not installed counts as attempted, not disabled.
func (h *Handler) disableIdentity(ctx context.Context, a killAction) killResult {
	res := killResult{action: a}
	for _, pkg := range a.info.Packages() {
		disabled, err := h.disablePackage(ctx, a.key.userID, pkg)
		switch {
		case errors.Is(err, packages.ErrNotFound):
			h.logger.Info(ctx, "package to disable is not installed",
				slog.F("user_id", a.key.userID), slog.F("package", pkg))
		case err != nil:
			h.logger.Warn(ctx, "failed to disable package",
				slog.F("user_id", a.key.userID), slog.F("package", pkg), slog.Error(err))
		case disabled:
			res.disabled = append(res.disabled, pkg)
		}
	}
	return res
}

func (h *Handler) applyKillResultsLocked(ctx context.Context, results []killResult) {
	for _, r := range results {
		a := r.action
		if len(r.disabled) == 0 {
			h.logger.Info(ctx, "no package disabled on recurring overuse",
				slog.F("identity", a.info.Identity.String()))
			continue
		}
		if e, ok := h.st.entries[a.key]; ok {
			if e.usage != nil {
				e.usage.totalTimesKilled++
				e.usage.forgivenOveruses = e.usage.snapshot.TotalOveruses
			}
			if e.historicalNotForgiven > 0 {
				e.historicalNotForgiven = 0
				h.queueForgiveLocked(a.key)
			}
		}
		for _, pkg := range r.disabled {
			h.addDisabledLocked(a.key.userID, pkg)
		}
		h.reporter.ReportKill(KillRecord{
			UID:           a.info.Identity.UID,
			ComponentType: a.info.ComponentType,
			SystemState:   a.systemState,
			Threshold:     a.threshold,
			WrittenBytes:  a.written,
		})
		h.logger.Info(ctx, "disabled packages on recurring overuse",
			slog.F("identity", a.info.Identity.String()),
			slog.F("packages", r.disabled),
			slog.F("system_state", a.systemState),
		)
		h.storage.MarkDirty()
	}
}

func (h *Handler) queueForgiveLocked(key userPackage) {
	names, ok := h.st.forgive[key.userID]
	if !ok {
		names = make(map[string]struct{})
		h.st.forgive[key.userID] = names
	}
	names[key.name] = struct{}{}
}
