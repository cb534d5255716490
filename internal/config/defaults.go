// Package config handles application configuration loading and validation.
package config

import "time"

// Default configuration values.
const (
	DefaultInterval     = time.Hour
	DefaultRunOnStartup = true

	DefaultBTRFSSudo = true

	DefaultMetricsEnabled        = false
	DefaultMetricsPushgatewayURL = ""
	DefaultMetricsJob            = "backup_btrfs"

	DefaultRetryMaxAttempts  = 3
	DefaultRetryInitialDelay = 5 * time.Second
	DefaultRetryMaxDelay     = 30 * time.Second

	DefaultAppriseEnabled = false
	DefaultAppriseURL     = ""
	DefaultAppriseKey     = ""
	DefaultAppriseTag     = ""
	DefaultAppriseNotify  = NotifyError

	DefaultLogLevel     = "info"
	DefaultLogMaxSizeMB = 10
)

// LogOutputStderr as log.output logs to stderr instead of a file.
const LogOutputStderr = "stderr"

// NotifyLevel represents when to send notifications.
type NotifyLevel string

const (
	// NotifyError sends notifications only on failed runs.
	NotifyError NotifyLevel = "error"
	// NotifyWarning also notifies on runs that completed with warnings.
	NotifyWarning NotifyLevel = "warning"
	// NotifyAlways sends notifications on every run.
	NotifyAlways NotifyLevel = "always"
)

// IsValid returns true if the notify level is valid.
func (n NotifyLevel) IsValid() bool {
	switch n {
	case NotifyError, NotifyWarning, NotifyAlways:
		return true
	default:
		return false
	}
}

// String returns the string representation of the notify level.
func (n NotifyLevel) String() string {
	return string(n)
}
