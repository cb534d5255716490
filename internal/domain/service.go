package domain

import (
	"context"
	"time"
)

// ServiceState represents the state of the installed timer.
type ServiceState string

const (
	// ServiceStateUnknown indicates the state cannot be determined.
	ServiceStateUnknown ServiceState = "unknown"
	// ServiceStateStopped indicates the timer is installed but inactive.
	ServiceStateStopped ServiceState = "stopped"
	// ServiceStateRunning indicates the timer is active.
	ServiceStateRunning ServiceState = "running"
	// ServiceStateNotInstalled indicates the units are not installed.
	ServiceStateNotInstalled ServiceState = "not_installed"
)

// String returns the string representation of the service state.
func (s ServiceState) String() string {
	return string(s)
}

// ServiceStatus contains information about the installed timer.
type ServiceStatus struct {
	State ServiceState `json:"state"`

	// NextRun is the next scheduled activation, if known.
	NextRun string `json:"next_run,omitempty"`

	// LastResult is the result of the last service run, e.g. "success".
	LastResult string `json:"last_result,omitempty"`

	Message string `json:"message,omitempty"`
}

// InstallOptions contains options for service installation.
type InstallOptions struct {
	// ConfigPath is passed to the service via --config.
	ConfigPath string

	// Interval between runs.
	Interval time.Duration

	// AutoStart enables and starts the timer after installation.
	AutoStart bool
}

// ServiceManager installs the run command as a periodic system service.
type ServiceManager interface {
	Install(ctx context.Context, opts InstallOptions) error
	Uninstall(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (*ServiceStatus, error)
	IsSupported() bool
}
