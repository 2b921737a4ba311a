package daemonlink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
)

// MessageType names the operation an Envelope carries.
type MessageType string

const (
	// TypeResponse answers the request with the same id.
	TypeResponse MessageType = "response"

	// Sent by the watchdog.
	TypeRegisterService           MessageType = "register_service"
	TypeSyncConfigurations        MessageType = "sync_configurations"
	TypeGetConfigurations         MessageType = "get_configurations"
	TypeControlProcessHealthCheck MessageType = "control_process_health_check"
	TypeLivenessCheck             MessageType = "liveness_check"
	TypeTellClientsAlive          MessageType = "tell_clients_alive"

	// Sent by the daemon.
	TypeLatestIoOveruseStats      MessageType = "latest_io_overuse_stats"
	TypeGetPackageInfosForUIDs    MessageType = "get_package_infos_for_uids"
	TypeGetTodayIoUsageStats      MessageType = "get_today_io_usage_stats"
	TypeResetResourceOveruseStats MessageType = "reset_resource_overuse_stats"
	TypeCheckIfAlive              MessageType = "check_if_alive"
	TypeUserRemoved               MessageType = "user_removed"
	TypePackageRemoved            MessageType = "package_removed"
	TypePackageChanged            MessageType = "package_changed"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// RegisterService announces the watchdog after connecting.
type RegisterService struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

// SyncConfigurations carries the overuse configurations.
type SyncConfigurations struct {
	Configurations []overuse.ResourceOveruseConfiguration `json:"configurations"`
}

// ControlProcessHealthCheck toggles the daemon's process health checking.
type ControlProcessHealthCheck struct {
	Enable bool `json:"enable"`
}

// LivenessCheck must be echoed by the daemon before Deadline.
type LivenessCheck struct {
	Token    string    `json:"token"`
	Deadline time.Time `json:"deadline"`
}

// CheckIfAlive asks the watchdog to check its clients of one timeout class.
type CheckIfAlive struct {
	SessionID int          `json:"session_id"`
	Timeout   TimeoutClass `json:"timeout"`
}

// TellClientsAlive reports the clients that missed a liveness check.
type TellClientsAlive struct {
	SessionID     int      `json:"session_id"`
	NotResponding []string `json:"not_responding"`
}

// PackageInfosRequest asks for the identities of uids.
type PackageInfosRequest struct {
	UIDs                  []int    `json:"uids"`
	VendorPackagePrefixes []string `json:"vendor_package_prefixes,omitempty"`
}

// ResetStatsRequest asks to drop the usage of the named packages.
type ResetStatsRequest struct {
	PackageNames []string `json:"package_names"`
}

// UserEvent reports a user removed from the system.
type UserEvent struct {
	UserID int `json:"user_id"`
}

// PackageEvent reports a package of one user that was uninstalled or whose
// enabled state changed.
type PackageEvent struct {
	UserID      int    `json:"user_id"`
	PackageName string `json:"package_name"`
}

// RemoteError is an error reply from the daemon.
type RemoteError struct {
	Type    MessageType
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon failed %s: %s", e.Type, e.Message)
}
