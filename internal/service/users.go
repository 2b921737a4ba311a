package service

import (
	"context"
	"sort"

	"github.com/blackwell-systems/iowatchdog/internal/daemonlink"
	"github.com/blackwell-systems/iowatchdog/internal/packages"
	"github.com/blackwell-systems/iowatchdog/internal/perf"
)

// UserLister lists the users that exist. FileSource and CommandSource
// implement it.
type UserLister interface {
	Users(ctx context.Context) ([]int, error)
}

// staticUsers reports a configured foreground user. The alive users come
// from the lister and always include the foreground user.
type staticUsers struct {
	current int
	lister  UserLister
}

func (u staticUsers) CurrentUser(context.Context) (int, error) {
	return u.current, nil
}

func (u staticUsers) AliveUsers(ctx context.Context) ([]int, error) {
	if u.lister == nil {
		return []int{u.current}, nil
	}
	ids, err := u.lister.Users(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if id == u.current {
			return ids, nil
		}
	}
	ids = append(ids, u.current)
	sort.Ints(ids)
	return ids, nil
}

// pushHandler answers daemon requests with the usage handler and the
// resolver.
type pushHandler struct {
	*perf.Handler
	resolver *packages.Resolver
}

var _ daemonlink.PushHandler = pushHandler{}

func (p pushHandler) PackageInfosForUIDs(ctx context.Context, uids []int, vendorPrefixes []string) ([]packages.PackageInfo, error) {
	byUID, err := p.resolver.Resolve(ctx, uids, vendorPrefixes)
	if err != nil {
		return nil, err
	}
	out := make([]packages.PackageInfo, 0, len(byUID))
	for _, uid := range uids {
		if info, ok := byUID[uid]; ok {
			out = append(out, info)
		}
	}
	return out, nil
}
