package perf

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"cdr.dev/slog/v3"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/packages"
)

type userPackageName struct {
	userID int
	pkg    string
}

// identitiesFor returns the identities pkg belongs to, for one user or for
// every alive user.
func (h *Handler) identitiesFor(ctx context.Context, userID int, pkg string) ([]packages.PackageInfo, error) {
	userIDs := []int{userID}
	if userID == AllUsers {
		var err error
		userIDs, err = h.users.AliveUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list alive users: %w", err)
		}
	}
	prefixes := h.cache.VendorPackagePrefixes()

	var out []packages.PackageInfo
	for _, u := range userIDs {
		infos, err := h.resolver.IdentitiesForUser(ctx, u, prefixes)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if info.Identity.GenericName == pkg || slices.Contains(info.Packages(), pkg) {
				out = append(out, info)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, pkg)
	}
	return out, nil
}

// SetKillable changes the killable state of the identity pkg belongs to.
// Packages of an identity that is never safe to kill yield ErrNotKillable.
// Making an identity not killable re-enables the packages the watchdog
// disabled.
func (h *Handler) SetKillable(ctx context.Context, pkg string, userID int, killable bool) error {
	infos, err := h.identitiesFor(ctx, userID, pkg)
	if err != nil {
		return err
	}

	var (
		targets []userPackageName
		opErr   error
	)
	err = h.do(ctx, func() { targets, opErr = h.setKillableLocked(infos, killable) })
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	return h.reenablePackages(ctx, targets)
}

func (h *Handler) setKillableLocked(infos []packages.PackageInfo, killable bool) ([]userPackageName, error) {
	for _, info := range infos {
		if !h.cache.IsSafeToKill(info.Identity.GenericName, info.ComponentType, info.CoHosted) {
			return nil, fmt.Errorf("%w: %s", ErrNotKillable, info.Identity.GenericName)
		}
	}

	state := overuse.KillableStateYes
	if !killable {
		state = overuse.KillableStateNo
	}
	now := h.clock.Now()
	var targets []userPackageName
	for _, info := range infos {
		key := userPackage{userID: info.UserID, name: info.Identity.GenericName}
		e := h.entryLocked(key)
		e.setInfo(info)
		if e.killable != state {
			e.killable = state
			e.killableModified = now
			h.storage.MarkDirty()
		}
		if killable {
			continue
		}
		delete(h.st.pendingKill, key)
		delete(h.st.queuedKill, key)
		for _, pkg := range info.Packages() {
			if h.isDisabledLocked(key.userID, pkg) {
				targets = append(targets, userPackageName{userID: key.userID, pkg: pkg})
			}
		}
	}
	return targets, nil
}

// KillableStates lists the killable state of every package installed for
// userID, or for every alive user.
func (h *Handler) KillableStates(ctx context.Context, userID int) ([]PackageKillableState, error) {
	userIDs := []int{userID}
	if userID == AllUsers {
		var err error
		userIDs, err = h.users.AliveUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list alive users: %w", err)
		}
	}
	prefixes := h.cache.VendorPackagePrefixes()
	var infos []packages.PackageInfo
	for _, u := range userIDs {
		userInfos, err := h.resolver.IdentitiesForUser(ctx, u, prefixes)
		if err != nil {
			return nil, err
		}
		infos = append(infos, userInfos...)
	}

	var out []PackageKillableState
	err := h.do(ctx, func() {
		for _, info := range infos {
			e := h.entryLocked(userPackage{userID: info.UserID, name: info.Identity.GenericName})
			e.setInfo(info)
			state := h.killableStateLocked(e)
			for _, pkg := range info.Packages() {
				out = append(out, PackageKillableState{
					UserID:        info.UserID,
					PackageName:   pkg,
					KillableState: state,
				})
			}
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

// ResetStats drops the usage of the named identities in every user, deletes
// their stored rows and re-enables their packages disabled on overuse.
// Names may be generic names or co-hosted package names.
func (h *Handler) ResetStats(ctx context.Context, names []string) error {
	var (
		targets []userPackageName
		cancels []notificationCancel
	)
	if err := h.do(ctx, func() { targets, cancels = h.resetStatsLocked(ctx, names) }); err != nil {
		return err
	}
	h.cancelNotifications(ctx, cancels)
	return h.reenablePackages(ctx, targets)
}

func (h *Handler) resetStatsLocked(ctx context.Context, names []string) ([]userPackageName, []notificationCancel) {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	matches := func(key userPackage, e *entry) bool {
		if _, ok := wanted[key.name]; ok {
			return true
		}
		for _, pkg := range e.info.CoHosted {
			if _, ok := wanted[pkg]; ok {
				return true
			}
		}
		return false
	}

	var (
		targets []userPackageName
		cancels []notificationCancel
		seen    = make(map[userPackageName]bool)
	)
	addTarget := func(userID int, pkg string) {
		t := userPackageName{userID: userID, pkg: pkg}
		if !seen[t] && h.isDisabledLocked(userID, pkg) {
			seen[t] = true
			targets = append(targets, t)
		}
	}

	for key, e := range h.st.entries {
		if !matches(key, e) {
			continue
		}
		cancels = append(cancels, h.forgetEntryLocked(key)...)
		if err := h.storage.DeleteUserPackage(ctx, key.userID, key.name); err != nil {
			h.logger.Warn(ctx, "failed to delete stored usage",
				slog.F("user_id", key.userID), slog.F("package", key.name), slog.Error(err))
		}
		addTarget(key.userID, key.name)
		for _, pkg := range e.info.CoHosted {
			addTarget(key.userID, pkg)
		}
	}
	for userID, pkgs := range h.st.disabled {
		for pkg := range pkgs {
			if _, ok := wanted[pkg]; ok {
				addTarget(userID, pkg)
			}
		}
	}
	h.logger.Info(ctx, "reset resource overuse stats", slog.F("names", names))
	return targets, cancels
}

// reenablePackages re-enables packages the watchdog disabled. A package
// whose state changed since, for example one the user disabled explicitly,
// is left alone. Every target leaves the disabled list.
func (h *Handler) reenablePackages(ctx context.Context, targets []userPackageName) error {
	if len(targets) == 0 {
		return nil
	}
	var errs []error
	for _, t := range targets {
		if err := h.reenablePackage(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	err := h.do(ctx, func() {
		for _, t := range targets {
			h.removeDisabledLocked(t.userID, t.pkg)
		}
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Handler) reenablePackage(ctx context.Context, t userPackageName) error {
	state, err := h.enabler.EnabledState(ctx, t.pkg, t.userID)
	if errors.Is(err, packages.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read enabled state of %s: %w", t.pkg, err)
	}
	if state != packages.EnabledStateDisabledUntilUsed {
		h.logger.Debug(ctx, "package no longer in the overuse disable state",
			slog.F("user_id", t.userID), slog.F("package", t.pkg), slog.F("state", state))
		return nil
	}
	if err := h.enabler.SetEnabledState(ctx, t.pkg, t.userID, packages.EnabledStateEnabled); err != nil {
		return fmt.Errorf("failed to enable %s: %w", t.pkg, err)
	}
	state, err = h.enabler.EnabledState(ctx, t.pkg, t.userID)
	if err != nil {
		return fmt.Errorf("failed to read enabled state of %s: %w", t.pkg, err)
	}
	if state.IsDisabled() {
		return fmt.Errorf("package %s is still %s after enabling", t.pkg, state)
	}
	h.logger.Info(ctx, "re-enabled package disabled on overuse",
		slog.F("user_id", t.userID), slog.F("package", t.pkg))
	return nil
}

func (h *Handler) isDisabledLocked(userID int, pkg string) bool {
	_, ok := h.st.disabled[userID][pkg]
	return ok
}

func (h *Handler) addDisabledLocked(userID int, pkg string) {
	pkgs, ok := h.st.disabled[userID]
	if !ok {
		pkgs = make(map[string]struct{})
		h.st.disabled[userID] = pkgs
	}
	if _, ok := pkgs[pkg]; ok {
		return
	}
	pkgs[pkg] = struct{}{}
	h.st.dirtyDisabled[userID] = struct{}{}
	h.storage.MarkDirty()
}

func (h *Handler) removeDisabledLocked(userID int, pkg string) {
	pkgs, ok := h.st.disabled[userID]
	if !ok {
		return
	}
	if _, ok := pkgs[pkg]; !ok {
		return
	}
	delete(pkgs, pkg)
	h.st.dirtyDisabled[userID] = struct{}{}
	h.storage.MarkDirty()
}

// DisabledPackages returns the packages disabled on overuse per user.
func (h *Handler) DisabledPackages(ctx context.Context) (map[int][]string, error) {
	out := make(map[int][]string)
	err := h.do(ctx, func() {
		for userID, pkgs := range h.st.disabled {
			if len(pkgs) > 0 {
				out[userID] = sortedNames(pkgs)
			}
		}
	})
	return out, err
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func encodeDisabled(set map[string]struct{}) string {
	return strings.Join(sortedNames(set), ",")
}

func decodeDisabled(value string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, pkg := range strings.Split(value, ",") {
		if pkg = strings.TrimSpace(pkg); pkg != "" {
			set[pkg] = struct{}{}
		}
	}
	return set
}
