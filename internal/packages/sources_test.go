package packages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "packages.json")
	manifest := `{
	  "users": [
	    {"user_id": 101, "packages": [{"name": "third_party.A", "app_id": 10001, "partition": "data"}]},
	    {"user_id": 100, "packages": [
	      {"name": "vendor.B", "app_id": 10002, "shared_user_id": "vendor.shared", "partition": "vendor"}
	    ]}
	  ]
	}`
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o600))

	src := FileSource{Path: path}
	ctx := context.Background()

	pkgs, err := src.InstalledPackages(ctx, 100)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, InstalledPackage{Name: "vendor.B", AppID: 10002, SharedUserID: "vendor.shared", Partition: PartitionVendor}, pkgs[0])

	pkgs, err = src.InstalledPackages(ctx, 999)
	require.NoError(t, err)
	assert.Empty(t, pkgs)

	users, err := src.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 101}, users)
}

func TestFileSourceErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := FileSource{Path: filepath.Join(dir, "missing.json")}.InstalledPackages(context.Background(), 100)
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
	_, err = FileSource{Path: bad}.InstalledPackages(context.Background(), 100)
	require.ErrorContains(t, err, "failed to parse package manifest")
}

func TestCommandSource(t *testing.T) {
	t.Parallel()

	src := CommandSource{
		Command:      []string{"sh", "-c", `echo '[{"name":"pkg.{user}","app_id":10001,"partition":"data"}]'`},
		UsersCommand: []string{"sh", "-c", "echo '[101, 100]'"},
	}
	ctx := context.Background()

	pkgs, err := src.InstalledPackages(ctx, 100)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "pkg.100", pkgs[0].Name)

	users, err := src.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 101}, users)

	_, err = CommandSource{Command: []string{"sh", "-c", "echo oops >&2; exit 3"}}.InstalledPackages(ctx, 100)
	require.ErrorContains(t, err, "oops")

	_, err = CommandSource{}.InstalledPackages(ctx, 100)
	require.Error(t, err)
}

func TestCommandEnabler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := CommandEnabler{
		StateCommand: []string{"sh", "-c", "echo disabled-until-used"},
		SetCommand:   []string{"sh", "-c", `test "$0 $1 $2" = "pkg.A 100 enabled"`, "{package}", "{user}", "{state}"},
	}

	state, err := e.EnabledState(ctx, "pkg.A", 100)
	require.NoError(t, err)
	assert.Equal(t, EnabledStateDisabledUntilUsed, state)
	assert.True(t, state.IsDisabled())

	require.NoError(t, e.SetEnabledState(ctx, "pkg.A", 100, EnabledStateEnabled))
	require.Error(t, e.SetEnabledState(ctx, "pkg.A", 101, EnabledStateEnabled))

	missing := CommandEnabler{StateCommand: []string{"sh", "-c", "echo 'package {package} not found'; exit 1"}}
	_, err = missing.EnabledState(ctx, "pkg.B", 100)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestParseEnabledState(t *testing.T) {
	t.Parallel()

	st, err := ParseEnabledState(" Enabled\n")
	require.NoError(t, err)
	assert.Equal(t, EnabledStateEnabled, st)
	assert.False(t, st.IsDisabled())

	_, err = ParseEnabledState("frozen")
	require.Error(t, err)
}
