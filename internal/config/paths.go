package config

import (
	"os"
	"path/filepath"
)

const (
	// AppName is the application name used for config directories.
	AppName = "backup-btrfs"
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.toml"
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "BACKUP_BTRFS"
	// EnvConfigPath names a config file, like the --config flag.
	EnvConfigPath = EnvPrefix + "_CONFIG"
	// SystemConfigDir is searched after the user config directory.
	SystemConfigDir = "/etc/" + AppName
)

// DefaultConfigDir returns $XDG_CONFIG_HOME/backup-btrfs or
// ~/.config/backup-btrfs.
func DefaultConfigDir() (string, error) {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", AppName), nil
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// DefaultLogDir returns $XDG_STATE_HOME/backup-btrfs or
// ~/.local/state/backup-btrfs.
func DefaultLogDir() (string, error) {
	if xdgState := os.Getenv("XDG_STATE_HOME"); xdgState != "" {
		return filepath.Join(xdgState, AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", AppName), nil
}

// DefaultLogPath returns the log file used when log.output is empty.
func DefaultLogPath() (string, error) {
	dir, err := DefaultLogDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName+".log"), nil
}
