package packages

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a package is not installed for the user.
var ErrNotFound = errors.New("package not found")

// EnabledState mirrors the package manager's enabled setting.
type EnabledState string

const (
	EnabledStateDefault  EnabledState = "default"
	EnabledStateEnabled  EnabledState = "enabled"
	EnabledStateDisabled EnabledState = "disabled"
	// EnabledStateDisabledUser is an explicit disable by the user.
	EnabledStateDisabledUser EnabledState = "disabled-user"
	// EnabledStateDisabledUntilUsed is the state the watchdog disables into.
	EnabledStateDisabledUntilUsed EnabledState = "disabled-until-used"
)

// IsDisabled reports whether the state keeps the package from running.
func (s EnabledState) IsDisabled() bool {
	switch s {
	case EnabledStateDisabled, EnabledStateDisabledUser, EnabledStateDisabledUntilUsed:
		return true
	}
	return false
}

// ParseEnabledState parses a state name.
func ParseEnabledState(s string) (EnabledState, error) {
	st := EnabledState(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case EnabledStateDefault, EnabledStateEnabled, EnabledStateDisabled,
		EnabledStateDisabledUser, EnabledStateDisabledUntilUsed:
		return st, nil
	}
	return "", fmt.Errorf("unknown enabled state %q", s)
}

// Enabler reads and changes whether a package may run.
type Enabler interface {
	EnabledState(ctx context.Context, pkg string, userID int) (EnabledState, error)
	SetEnabledState(ctx context.Context, pkg string, userID int, state EnabledState) error
}

// CommandEnabler drives the package manager through external commands.
// Arguments may contain {package}, {user} and {state} placeholders. The
// state command must print one EnabledState name. A command whose output
// mentions "not found" yields ErrNotFound.
type CommandEnabler struct {
	StateCommand []string
	SetCommand   []string
}

// EnabledState implements Enabler.
func (c CommandEnabler) EnabledState(ctx context.Context, pkg string, userID int) (EnabledState, error) {
	if len(c.StateCommand) == 0 {
		return "", errors.New("enabled state command is not configured")
	}
	args := expand(c.StateCommand, pkg, userID, "")
	output, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return "", commandError(args[0], pkg, err, output)
	}
	return ParseEnabledState(string(output))
}

// SetEnabledState implements Enabler.
func (c CommandEnabler) SetEnabledState(ctx context.Context, pkg string, userID int, state EnabledState) error {
	if len(c.SetCommand) == 0 {
		return errors.New("set enabled state command is not configured")
	}
	args := expand(c.SetCommand, pkg, userID, state)
	output, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return commandError(args[0], pkg, err, output)
	}
	return nil
}

func expand(command []string, pkg string, userID int, state EnabledState) []string {
	r := strings.NewReplacer("{package}", pkg, "{user}", strconv.Itoa(userID), "{state}", string(state))
	args := make([]string, len(command))
	for i, a := range command {
		args[i] = r.Replace(a)
	}
	return args
}

func commandError(name, pkg string, err error, output []byte) error {
	out := strings.TrimSpace(string(output))
	if strings.Contains(strings.ToLower(out), "not found") {
		return fmt.Errorf("%s %s: %w", name, pkg, ErrNotFound)
	}
	return fmt.Errorf("%s %s failed: %w (output: %s)", name, pkg, err, out)
}
