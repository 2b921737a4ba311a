package packages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
)

type fakeSource struct {
	byUser map[int][]InstalledPackage
	err    error
}

func (f *fakeSource) InstalledPackages(_ context.Context, userID int) ([]InstalledPackage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byUser[userID], nil
}

var testPrefixes = []string{"vendor_package.", "vendor_pkg.", "shared:vendor_package."}

func TestResolveClassification(t *testing.T) {
	t.Parallel()

	src := &fakeSource{byUser: map[int][]InstalledPackage{
		100: {
			{Name: "system_package.A", AppID: 1234, Partition: PartitionSystem},
			{Name: "vendor_package.A", AppID: 10001, Partition: PartitionVendor},
			{Name: "vendor_pkg.B", AppID: 10002, Partition: PartitionSystem},
			{Name: "third_party.C", AppID: 10003, Partition: PartitionData},
			{Name: "product.D", AppID: 10004, Partition: PartitionProduct},
			{Name: "vndr_pkg.G", AppID: 10005, SharedUserID: "vendor_package.shared", Partition: PartitionSystem},
			{Name: "third_party.H", AppID: 10005, SharedUserID: "vendor_package.shared", Partition: PartitionData},
			{Name: "imposter.I", AppID: 10006, SharedUserID: "vendor_package.imposter", Partition: PartitionData},
			{Name: "system_package.J", AppID: 10007, SharedUserID: "system_shared", Partition: PartitionSystem},
			{Name: "third_party.K", AppID: 10007, SharedUserID: "system_shared", Partition: PartitionData},
			{Name: "no_info.L", AppID: 10008},
		},
	}}
	r := NewResolver(src)

	uids := []int{10001234, 10010001, 10010002, 10010003, 10010004, 10010005, 10010006, 10010007, 10010008}
	got, err := r.Resolve(context.Background(), uids, testPrefixes)
	require.NoError(t, err)

	want := map[int]struct {
		name string
		ct   overuse.ComponentType
		typ  UIDType
	}{
		10001234: {"system_package.A", overuse.ComponentTypeSystem, UIDTypeNative},
		10010001: {"vendor_package.A", overuse.ComponentTypeVendor, UIDTypeApplication},
		10010002: {"vendor_pkg.B", overuse.ComponentTypeVendor, UIDTypeApplication},
		10010003: {"third_party.C", overuse.ComponentTypeThirdParty, UIDTypeApplication},
		10010004: {"product.D", overuse.ComponentTypeSystem, UIDTypeApplication},
		10010005: {"shared:vendor_package.shared", overuse.ComponentTypeVendor, UIDTypeApplication},
		10010006: {"shared:vendor_package.imposter", overuse.ComponentTypeThirdParty, UIDTypeApplication},
		10010007: {"shared:system_shared", overuse.ComponentTypeSystem, UIDTypeApplication},
		10010008: {"no_info.L", overuse.ComponentTypeUnknown, UIDTypeApplication},
	}
	require.Len(t, got, len(want))
	for uid, w := range want {
		info := got[uid]
		assert.Equal(t, w.name, info.Identity.GenericName, "uid %d", uid)
		assert.Equal(t, w.ct, info.ComponentType, "uid %d", uid)
		assert.Equal(t, w.typ, info.UIDType, "uid %d", uid)
		assert.Equal(t, 100, info.UserID)
	}
	assert.Equal(t, []string{"third_party.H", "vndr_pkg.G"}, got[10010005].CoHosted)
	assert.Equal(t, []string{"system_package.J", "third_party.K"}, got[10010007].Packages())
	assert.Equal(t, []string{"third_party.C"}, got[10010003].Packages())
}

func TestResolveMostRestrictiveWins(t *testing.T) {
	t.Parallel()

	src := &fakeSource{byUser: map[int][]InstalledPackage{
		100: {
			{Name: "system_package.A", AppID: 10001, SharedUserID: "mixed", Partition: PartitionSystem},
			{Name: "vendor_package.B", AppID: 10001, SharedUserID: "mixed", Partition: PartitionVendor},
			{Name: "third_party.C", AppID: 10001, SharedUserID: "mixed", Partition: PartitionData},
			{Name: "missing.D", AppID: 10001, SharedUserID: "mixed"},
		},
	}}
	got, err := NewResolver(src).Resolve(context.Background(), []int{10010001}, nil)
	require.NoError(t, err)
	assert.Equal(t, overuse.ComponentTypeVendor, got[10010001].ComponentType)
	assert.Len(t, got[10010001].CoHosted, 4)
}

func TestResolveKeepsCachedNameWhenMetadataDisappears(t *testing.T) {
	t.Parallel()

	src := &fakeSource{byUser: map[int][]InstalledPackage{
		100: {{Name: "third_party.A", AppID: 10001, Partition: PartitionData}},
	}}
	r := NewResolver(src)
	ctx := context.Background()

	_, err := r.Resolve(ctx, []int{10010001}, nil)
	require.NoError(t, err)

	src.byUser[100] = nil
	got, err := r.Resolve(ctx, []int{10010001, 10010002}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "third_party.A", got[10010001].Identity.GenericName)
	assert.Equal(t, overuse.ComponentTypeUnknown, got[10010001].ComponentType)

	name, ok := r.GenericName(10010001)
	assert.True(t, ok)
	assert.Equal(t, "third_party.A", name)
}

func TestResolveReportsListingErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	got, err := NewResolver(&fakeSource{err: boom}).Resolve(context.Background(), []int{10010001}, nil)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, got)
}

func TestIdentitiesForUser(t *testing.T) {
	t.Parallel()

	src := &fakeSource{byUser: map[int][]InstalledPackage{
		101: {
			{Name: "third_party.B", AppID: 10002, Partition: PartitionData},
			{Name: "third_party.A", AppID: 10001, Partition: PartitionData},
			{Name: "vendor_package.critical", AppID: 1278, Partition: PartitionVendor},
		},
	}}
	infos, err := NewResolver(src).IdentitiesForUser(context.Background(), 101, testPrefixes)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, 10101278, infos[0].Identity.UID)
	assert.Equal(t, "third_party.A", infos[1].Identity.GenericName)
	assert.Equal(t, "third_party.B", infos[2].Identity.GenericName)
}

func TestUIDHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 101, UserID(10103456))
	assert.Equal(t, 3456, AppID(10103456))
	assert.Equal(t, 10103456, UID(101, 3456))
	assert.True(t, Identity{UID: 1, GenericName: "shared:x"}.IsShared())
	assert.False(t, Identity{UID: 1, GenericName: "shared:"}.IsShared())
	assert.False(t, Identity{UID: 1, GenericName: "x"}.IsShared())
}
