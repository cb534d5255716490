package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Suffix labels the snapshots of this backup set, "<timestamp>_<suffix>".
	Suffix string `mapstructure:"suffix"`

	Source SourceConfig `mapstructure:"source"`
	Backup BackupConfig `mapstructure:"backup"`
	BTRFS  BTRFSConfig  `mapstructure:"btrfs"`

	Interval     time.Duration `mapstructure:"interval"`
	RunOnStartup bool          `mapstructure:"run_on_startup"`
	DryRun       bool          `mapstructure:"dry_run"`
	Retry        RetryConfig   `mapstructure:"retry"`
	Metrics      MetricsConfig `mapstructure:"metrics"`
	Apprise      AppriseConfig `mapstructure:"apprise"`
	Log          LogConfig     `mapstructure:"log"`
}

// SourceConfig describes the machine whose subvolume is backed up.
type SourceConfig struct {
	SubvolumePath         string                 `mapstructure:"subvolume_path"`
	Device                string                 `mapstructure:"device"`
	SnapshotSubvolumePath string                 `mapstructure:"snapshot_subvolume_path"`
	SnapshotPath          string                 `mapstructure:"snapshot_path"`
	User                  string                 `mapstructure:"user"`
	Policy                domain.RetentionPolicy `mapstructure:"policy"`
}

// BackupConfig describes the backup machine. An empty SSHHost means the
// backup filesystem is attached to the local machine.
type BackupConfig struct {
	SSHHost       string                 `mapstructure:"ssh_host"`
	SSHConfig     string                 `mapstructure:"ssh_config"`
	SSHUser       string                 `mapstructure:"ssh_user"`
	Device        string                 `mapstructure:"device"`
	SubvolumePath string                 `mapstructure:"subvolume_path"`
	Path          string                 `mapstructure:"path"`
	Policy        domain.RetentionPolicy `mapstructure:"policy"`
}

// IsRemote reports whether the backup is reached over SSH.
func (b BackupConfig) IsRemote() bool {
	return b.SSHHost != ""
}

// BTRFSConfig holds btrfs tool settings.
type BTRFSConfig struct {
	// Sudo runs btrfs through "sudo -n".
	Sudo bool `mapstructure:"sudo"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// RetryConfig holds HTTP retry configuration.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// AppriseConfig holds Apprise notification configuration.
type AppriseConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	URL     string      `mapstructure:"url"`
	Key     string      `mapstructure:"key"`
	Tag     string      `mapstructure:"tag"`
	Notify  NotifyLevel `mapstructure:"notify"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Output    string `mapstructure:"output"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configPath string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// WithConfigPath sets a specific config file path.
func (l *Loader) WithConfigPath(configPath string) *Loader {
	l.configPath = configPath
	return l
}

// Load reads configuration from all sources and returns the merged config.
// Precedence (highest to lowest): CLI flags > environment > config file > defaults.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()
	l.setupEnvBindings()

	if err := l.loadConfigFile(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// The default log path depends on the environment, so it is resolved
	// after loading.
	if cfg.Log.Output == "" {
		if logPath, err := DefaultLogPath(); err == nil {
			cfg.Log.Output = logPath
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for all configuration options. Every key
// gets a default so that AutomaticEnv can override it.
func (l *Loader) setDefaults() {
	l.v.SetDefault("suffix", "")

	l.v.SetDefault("source.subvolume_path", "")
	l.v.SetDefault("source.device", "")
	l.v.SetDefault("source.snapshot_subvolume_path", "")
	l.v.SetDefault("source.snapshot_path", "")
	l.v.SetDefault("source.user", "")

	l.v.SetDefault("backup.ssh_host", "")
	l.v.SetDefault("backup.ssh_config", "")
	l.v.SetDefault("backup.ssh_user", "")
	l.v.SetDefault("backup.device", "")
	l.v.SetDefault("backup.subvolume_path", "")
	l.v.SetDefault("backup.path", "")

	l.v.SetDefault("btrfs.sudo", DefaultBTRFSSudo)

	l.v.SetDefault("interval", DefaultInterval)
	l.v.SetDefault("run_on_startup", DefaultRunOnStartup)
	l.v.SetDefault("dry_run", false)

	l.v.SetDefault("retry.max_attempts", DefaultRetryMaxAttempts)
	l.v.SetDefault("retry.initial_delay", DefaultRetryInitialDelay)
	l.v.SetDefault("retry.max_delay", DefaultRetryMaxDelay)

	l.v.SetDefault("metrics.enabled", DefaultMetricsEnabled)
	l.v.SetDefault("metrics.pushgateway_url", DefaultMetricsPushgatewayURL)
	l.v.SetDefault("metrics.job", DefaultMetricsJob)

	l.v.SetDefault("apprise.enabled", DefaultAppriseEnabled)
	l.v.SetDefault("apprise.url", DefaultAppriseURL)
	l.v.SetDefault("apprise.key", DefaultAppriseKey)
	l.v.SetDefault("apprise.tag", DefaultAppriseTag)
	l.v.SetDefault("apprise.notify", string(DefaultAppriseNotify))

	l.v.SetDefault("log.level", DefaultLogLevel)
	l.v.SetDefault("log.output", "")
	l.v.SetDefault("log.max_size_mb", DefaultLogMaxSizeMB)
}

// setupEnvBindings configures environment variable bindings.
func (l *Loader) setupEnvBindings() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
}

// loadConfigFile loads configuration from a file.
func (l *Loader) loadConfigFile() error {
	configPath := l.configPath
	if configPath == "" {
		configPath = os.Getenv(EnvConfigPath)
	}

	if configPath != "" {
		l.v.SetConfigFile(configPath)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("toml")
		if configDir, err := DefaultConfigDir(); err == nil {
			l.v.AddConfigPath(configDir)
		}
		l.v.AddConfigPath(SystemConfigDir)
		l.v.AddConfigPath(".")
	}

	if err := l.v.ReadInConfig(); err != nil {
		// Config file not found is not an error - Validate reports what is missing
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// Set sets a configuration value (for CLI flag overrides).
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// ConfigFileUsed returns the path of the config file used, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// normalize canonicalizes retention units, accepting e.g. "Hour".
func (c *Config) normalize() error {
	for name, policy := range map[string]domain.RetentionPolicy{
		"source.policy": c.Source.Policy,
		"backup.policy": c.Backup.Policy,
	} {
		for i := range policy {
			unit, err := domain.ParseTimeUnit(string(policy[i].Unit))
			if err != nil {
				return fmt.Errorf("%s: tier %d: %w", name, i, err)
			}
			policy[i].Unit = unit
		}
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Suffix == "" {
		return errors.New("suffix is required")
	}
	if strings.ContainsAny(c.Suffix, "/ \t\n") {
		return fmt.Errorf("suffix must not contain slashes or whitespace, got %q", c.Suffix)
	}

	if err := c.Source.validate(); err != nil {
		return err
	}
	if err := c.Backup.validate(); err != nil {
		return err
	}

	if c.Interval < time.Minute {
		return fmt.Errorf("interval must be at least 1 minute, got %s", c.Interval)
	}

	if c.Metrics.Enabled {
		if c.Metrics.PushgatewayURL == "" {
			return errors.New("metrics.pushgateway_url is required when metrics is enabled")
		}
		if c.Metrics.Job == "" {
			return errors.New("metrics.job is required when metrics is enabled")
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}

	if c.Retry.InitialDelay < 0 {
		return errors.New("retry.initial_delay cannot be negative")
	}

	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return errors.New("retry.max_delay must be >= retry.initial_delay")
	}

	if c.Apprise.Enabled {
		if c.Apprise.URL == "" {
			return errors.New("apprise.url is required when apprise is enabled")
		}
		if c.Apprise.Key == "" {
			return errors.New("apprise.key is required when apprise is enabled")
		}
		if !c.Apprise.Notify.IsValid() {
			return errors.New("apprise.notify must be one of: error, warning, always")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return errors.New("log.level must be one of: debug, info, warn, error")
	}

	if c.Log.MaxSizeMB < 1 {
		return errors.New("log.max_size_mb must be at least 1")
	}

	return nil
}

func (s SourceConfig) validate() error {
	for _, p := range []struct{ key, value string }{
		{"source.subvolume_path", s.SubvolumePath},
		{"source.device", s.Device},
		{"source.snapshot_subvolume_path", s.SnapshotSubvolumePath},
		{"source.snapshot_path", s.SnapshotPath},
	} {
		if err := absolute(p.key, p.value); err != nil {
			return err
		}
	}
	if path.Clean(s.SnapshotPath) == "/" {
		return errors.New("source.snapshot_path must not be /")
	}
	if err := s.Policy.Validate(); err != nil {
		return fmt.Errorf("source.policy: %w", err)
	}
	return nil
}

func (b BackupConfig) validate() error {
	for _, p := range []struct{ key, value string }{
		{"backup.device", b.Device},
		{"backup.subvolume_path", b.SubvolumePath},
		{"backup.path", b.Path},
	} {
		if err := absolute(p.key, p.value); err != nil {
			return err
		}
	}
	if path.Clean(b.Path) == "/" {
		return errors.New("backup.path must not be /")
	}
	if b.SSHHost == "" && (b.SSHConfig != "" || b.SSHUser != "") {
		return errors.New("backup.ssh_host is required when backup.ssh_config or backup.ssh_user is set")
	}
	if strings.HasPrefix(b.SSHHost, "-") {
		return fmt.Errorf("backup.ssh_host must not start with '-', got %q", b.SSHHost)
	}
	if err := b.Policy.Validate(); err != nil {
		return fmt.Errorf("backup.policy: %w", err)
	}
	return nil
}

func absolute(key, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", key)
	}
	if !path.IsAbs(value) {
		return fmt.Errorf("%s must be an absolute path, got %q", key, value)
	}
	return nil
}

// WriteExampleConfig writes an example config file to the given path.
func WriteExampleConfig(configPath string) error {
	content := `# backup-btrfs configuration

# Snapshots are named "<timestamp>_<suffix>"
suffix = "home"

# Backup schedule interval (serve mode)
interval = "1h"

# Run a backup immediately on service start
run_on_startup = true

[source]
subvolume_path = "/home"
device = "/dev/disk/by-label/system"
# Mount point of the subvolume that holds the snapshot directory
snapshot_subvolume_path = "/mnt/btrfs-root"
snapshot_path = "/mnt/btrfs-root/snapshots"
# Run local commands as this user (via sudo) when set
# user = "backup"
policy = [
  { value = 24, unit = "hours" },
  { value = 7, unit = "days" },
]

[backup]
# Leave empty for a backup disk attached to this machine
ssh_host = "backup.example.com"
# ssh_config = "/etc/backup-btrfs/ssh_config"
# ssh_user = "backup"
device = "/dev/disk/by-label/backup"
subvolume_path = "/data"
path = "/data/snapshots"
policy = [
  { value = 7, unit = "days" },
  { value = 8, unit = "weeks" },
]

[btrfs]
# Run btrfs through "sudo -n"
sudo = true

# HTTP retry configuration
[retry]
max_attempts = 3
initial_delay = "5s"
max_delay = "30s"

# Prometheus Pushgateway (optional, disabled by default)
[metrics]
enabled = false
pushgateway_url = "http://pushgateway:9091"
job = "backup_btrfs"

# Apprise notifications (optional, disabled by default)
[apprise]
enabled = false
url = "http://localhost:8000"
key = "backup-btrfs"
# tag = "backups"
# Notification level: "error", "warning", "always"
notify = "error"

# Logging configuration
[log]
# Level: debug, info, warn, error
level = "info"
# Output file path (defaults to backup-btrfs.log in the state directory,
# "stderr" logs to standard error)
# output = ""
# Max log file size before rotation (MB)
max_size_mb = 10
`
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(configPath, []byte(content), 0600)
}
