// Package platform installs the backup as a periodic system service.
package platform

import (
	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// InstallOptions contains options for service installation.
type InstallOptions = domain.InstallOptions

// ServiceStatus contains service status information.
type ServiceStatus = domain.ServiceStatus

// ServiceState represents service state.
type ServiceState = domain.ServiceState

// ServiceManager installs and controls the service.
type ServiceManager = domain.ServiceManager

// Service state constants.
const (
	ServiceStateUnknown      = domain.ServiceStateUnknown
	ServiceStateStopped      = domain.ServiceStateStopped
	ServiceStateRunning      = domain.ServiceStateRunning
	ServiceStateNotInstalled = domain.ServiceStateNotInstalled
)

const (
	// UnitName is the base name of the systemd units.
	UnitName = "backup-btrfs"

	// DefaultUnitDir is where system units are installed.
	DefaultUnitDir = "/etc/systemd/system"
)
