package packages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
)

// Resolver maps uids to identities. Resolved names are cached so a uid whose
// package metadata later disappears still resolves, with unknown criticality.
type Resolver struct {
	source Source

	mu            sync.Mutex
	nameByUID     map[int]string
	coHostedByUID map[int][]string
}

// NewResolver returns a Resolver reading installed packages from source.
func NewResolver(source Source) *Resolver {
	return &Resolver{
		source:        source,
		nameByUID:     make(map[int]string),
		coHostedByUID: make(map[int][]string),
	}
}

// Resolve returns the identity of every resolvable uid. Uids that cannot be
// resolved are left out. Listing errors are returned alongside whatever
// could still be resolved.
func (r *Resolver) Resolve(ctx context.Context, uids []int, vendorPrefixes []string) (map[int]PackageInfo, error) {
	byUser := make(map[int][]int)
	for _, uid := range uids {
		byUser[UserID(uid)] = append(byUser[UserID(uid)], uid)
	}

	out := make(map[int]PackageInfo, len(uids))
	var errs []error
	for userID, userUIDs := range byUser {
		installed, err := r.source.InstalledPackages(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list packages for user %d: %w", userID, err))
		}
		byApp := groupByAppID(installed)
		for _, uid := range userUIDs {
			info, ok := r.resolveUID(uid, byApp[AppID(uid)], vendorPrefixes)
			if ok {
				out[uid] = info
			}
		}
	}
	return out, errors.Join(errs...)
}

// IdentitiesForUser resolves every package installed for userID.
func (r *Resolver) IdentitiesForUser(ctx context.Context, userID int, vendorPrefixes []string) ([]PackageInfo, error) {
	installed, err := r.source.InstalledPackages(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages for user %d: %w", userID, err)
	}
	byApp := groupByAppID(installed)
	appIDs := make([]int, 0, len(byApp))
	for appID := range byApp {
		appIDs = append(appIDs, appID)
	}
	sort.Ints(appIDs)

	infos := make([]PackageInfo, 0, len(appIDs))
	for _, appID := range appIDs {
		if info, ok := r.resolveUID(UID(userID, appID), byApp[appID], vendorPrefixes); ok {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// GenericName returns the cached generic name of uid.
func (r *Resolver) GenericName(uid int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.nameByUID[uid]
	return name, ok
}

func (r *Resolver) resolveUID(uid int, members []InstalledPackage, vendorPrefixes []string) (PackageInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := PackageInfo{
		UserID:        UserID(uid),
		UIDType:       UIDTypeApplication,
		ComponentType: overuse.ComponentTypeUnknown,
	}
	if AppID(uid) < FirstApplicationAppID {
		info.UIDType = UIDTypeNative
	}

	if len(members) == 0 {
		name, ok := r.nameByUID[uid]
		if !ok {
			return PackageInfo{}, false
		}
		info.Identity = Identity{UID: uid, GenericName: name}
		info.CoHosted = append([]string(nil), r.coHostedByUID[uid]...)
		return info, true
	}

	name, coHosted := genericName(members)
	info.Identity = Identity{UID: uid, GenericName: name}
	info.CoHosted = coHosted
	info.ComponentType = classify(members, name, vendorPrefixes)

	r.nameByUID[uid] = name
	if len(coHosted) > 0 {
		r.coHostedByUID[uid] = coHosted
	} else {
		delete(r.coHostedByUID, uid)
	}
	return info, true
}

func groupByAppID(installed []InstalledPackage) map[int][]InstalledPackage {
	byApp := make(map[int][]InstalledPackage)
	for _, p := range installed {
		byApp[p.AppID] = append(byApp[p.AppID], p)
	}
	return byApp
}

func genericName(members []InstalledPackage) (string, []string) {
	shared := ""
	for _, m := range members {
		if m.SharedUserID != "" {
			shared = m.SharedUserID
			break
		}
	}
	if shared == "" && len(members) == 1 {
		return members[0].Name, nil
	}

	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	if shared == "" {
		// Several packages on one uid without a shared id: bill the first.
		return names[0], names
	}
	return SharedPrefix + shared, names
}

// classify picks the most restrictive class among members: vendor, then
// system, then third party. Members without metadata do not count.
func classify(members []InstalledPackage, generic string, vendorPrefixes []string) overuse.ComponentType {
	best := overuse.ComponentTypeUnknown
	for _, m := range members {
		ct := memberType(m, generic, vendorPrefixes)
		if rank(ct) > rank(best) {
			best = ct
		}
	}
	return best
}

func memberType(m InstalledPackage, generic string, vendorPrefixes []string) overuse.ComponentType {
	switch m.Partition {
	case PartitionVendor:
		return overuse.ComponentTypeVendor
	case PartitionSystem, PartitionProduct:
		if overuse.HasAnyPrefix(m.Name, vendorPrefixes) || overuse.HasAnyPrefix(generic, vendorPrefixes) {
			return overuse.ComponentTypeVendor
		}
		return overuse.ComponentTypeSystem
	case PartitionData:
		return overuse.ComponentTypeThirdParty
	default:
		return overuse.ComponentTypeUnknown
	}
}

func rank(ct overuse.ComponentType) int {
	switch ct {
	case overuse.ComponentTypeVendor:
		return 3
	case overuse.ComponentTypeSystem:
		return 2
	case overuse.ComponentTypeThirdParty:
		return 1
	default:
		return 0
	}
}
