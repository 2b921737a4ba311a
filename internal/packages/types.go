// Package packages resolves process uids into the package identities that
// usage is billed to, and classifies them by criticality.
package packages

import (
	"context"
	"fmt"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
)

const (
	// PerUserRange is the number of uids reserved for each user.
	PerUserRange = 100000
	// FirstApplicationAppID is the lowest app id of an installed application.
	FirstApplicationAppID = 10000
	// SharedPrefix marks the generic name of co-hosted packages.
	SharedPrefix = "shared:"
)

// UserID returns the user a uid belongs to.
func UserID(uid int) int {
	return uid / PerUserRange
}

// AppID returns the per-user part of a uid.
func AppID(uid int) int {
	return uid % PerUserRange
}

// UID composes a uid from a user and an app id.
func UID(userID, appID int) int {
	return userID*PerUserRange + appID
}

// Partition is where a package is installed from.
type Partition string

const (
	// PartitionUnknown means no application metadata is available.
	PartitionUnknown Partition = ""
	PartitionSystem  Partition = "system"
	PartitionProduct Partition = "product"
	PartitionVendor  Partition = "vendor"
	PartitionData    Partition = "data"
)

// InstalledPackage is one package installed for a user.
type InstalledPackage struct {
	Name         string    `json:"name"`
	AppID        int       `json:"app_id"`
	SharedUserID string    `json:"shared_user_id,omitempty"`
	Partition    Partition `json:"partition,omitempty"`
}

// Source lists installed packages.
type Source interface {
	InstalledPackages(ctx context.Context, userID int) ([]InstalledPackage, error)
}

// UIDType distinguishes native processes from applications.
type UIDType int

const (
	UIDTypeApplication UIDType = iota
	UIDTypeNative
)

func (t UIDType) String() string {
	if t == UIDTypeNative {
		return "native"
	}
	return "application"
}

// Identity is the unit usage is billed and enforced under.
type Identity struct {
	UID         int    `json:"uid"`
	GenericName string `json:"generic_name"`
}

// UserID returns the identity's user.
func (i Identity) UserID() int {
	return UserID(i.UID)
}

// IsShared reports whether the identity aggregates co-hosted packages.
func (i Identity) IsShared() bool {
	return len(i.GenericName) > len(SharedPrefix) && i.GenericName[:len(SharedPrefix)] == SharedPrefix
}

func (i Identity) String() string {
	return fmt.Sprintf("%d:%s", i.UID, i.GenericName)
}

// PackageInfo is a resolved identity with its classification.
type PackageInfo struct {
	Identity      Identity              `json:"identity"`
	UserID        int                   `json:"user_id"`
	UIDType       UIDType               `json:"uid_type"`
	ComponentType overuse.ComponentType `json:"component_type"`
	// CoHosted lists every package sharing the uid. It is empty for a
	// single package identity.
	CoHosted []string `json:"co_hosted,omitempty"`
}

// Packages returns the package names to act on for the identity.
func (p PackageInfo) Packages() []string {
	if len(p.CoHosted) > 0 {
		return p.CoHosted
	}
	return []string{p.Identity.GenericName}
}
