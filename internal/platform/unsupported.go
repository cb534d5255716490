//go:build !linux

package platform

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("service management requires systemd on Linux")

// UnsupportedManager is the service manager outside Linux.
type UnsupportedManager struct{}

// NewServiceManager creates a new service manager for the current platform.
func NewServiceManager() ServiceManager {
	return &UnsupportedManager{}
}

// IsSupported returns false.
func (u *UnsupportedManager) IsSupported() bool {
	return false
}

// Install is not supported.
func (u *UnsupportedManager) Install(context.Context, InstallOptions) error {
	return errUnsupported
}

// Uninstall is not supported.
func (u *UnsupportedManager) Uninstall(context.Context) error {
	return errUnsupported
}

// Start is not supported.
func (u *UnsupportedManager) Start(context.Context) error {
	return errUnsupported
}

// Stop is not supported.
func (u *UnsupportedManager) Stop(context.Context) error {
	return errUnsupported
}

// Status reports an unknown state.
func (u *UnsupportedManager) Status(context.Context) (*ServiceStatus, error) {
	return &ServiceStatus{State: ServiceStateUnknown, Message: errUnsupported.Error()}, nil
}
