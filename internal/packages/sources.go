package packages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// manifest is the on-disk package listing read by FileSource.
//
//	{"users": [{"user_id": 100, "packages": [{"name": "com.example", "app_id": 10005, "partition": "data"}]}]}
type manifest struct {
	Users []manifestUser `json:"users"`
}

type manifestUser struct {
	UserID   int                `json:"user_id"`
	Packages []InstalledPackage `json:"packages"`
}

// FileSource reads installed packages from a JSON manifest. The file is read
// on every call so edits are picked up without a restart.
type FileSource struct {
	Path string
}

func (f FileSource) load() (*manifest, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse package manifest %s: %w", f.Path, err)
	}
	return &m, nil
}

// InstalledPackages implements Source.
func (f FileSource) InstalledPackages(_ context.Context, userID int) ([]InstalledPackage, error) {
	m, err := f.load()
	if err != nil {
		return nil, err
	}
	for _, u := range m.Users {
		if u.UserID == userID {
			return u.Packages, nil
		}
	}
	return nil, nil
}

// Users returns the users listed in the manifest.
func (f FileSource) Users(_ context.Context) ([]int, error) {
	m, err := f.load()
	if err != nil {
		return nil, err
	}
	users := make([]int, 0, len(m.Users))
	for _, u := range m.Users {
		users = append(users, u.UserID)
	}
	sort.Ints(users)
	return users, nil
}

// CommandSource runs an external lister and parses a JSON array of
// InstalledPackage from its stdout. Every "{user}" argument is replaced with
// the user id.
type CommandSource struct {
	Command []string
	// UsersCommand prints a JSON array of user ids. Optional.
	UsersCommand []string
}

// InstalledPackages implements Source.
func (c CommandSource) InstalledPackages(ctx context.Context, userID int) ([]InstalledPackage, error) {
	if len(c.Command) == 0 {
		return nil, errors.New("package list command is not configured")
	}
	args := substituteUser(c.Command, userID)
	output, err := runCommand(ctx, args)
	if err != nil {
		return nil, err
	}

	var pkgs []InstalledPackage
	if err := json.Unmarshal(output, &pkgs); err != nil {
		return nil, fmt.Errorf("failed to parse %s output: %w", args[0], err)
	}
	return pkgs, nil
}

// Users implements the user listing used by the service.
func (c CommandSource) Users(ctx context.Context) ([]int, error) {
	if len(c.UsersCommand) == 0 {
		return nil, errors.New("user list command is not configured")
	}
	output, err := runCommand(ctx, c.UsersCommand)
	if err != nil {
		return nil, err
	}
	var users []int
	if err := json.Unmarshal(output, &users); err != nil {
		return nil, fmt.Errorf("failed to parse %s output: %w", c.UsersCommand[0], err)
	}
	sort.Ints(users)
	return users, nil
}

func substituteUser(command []string, userID int) []string {
	args := make([]string, len(command))
	for i, a := range command {
		args[i] = strings.ReplaceAll(a, "{user}", strconv.Itoa(userID))
	}
	return args
}

func runCommand(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s failed: %w (stderr: %s)", args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s failed: %w", args[0], err)
	}
	return output, nil
}
