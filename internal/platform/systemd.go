//go:build linux

package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
	"github.com/hannes-hochreiner/backup-btrfs/internal/executor"
)

var serviceUnit = template.Must(template.New("service").Parse(`[Unit]
Description=btrfs snapshot backup
Wants=network-online.target
After=network-online.target

[Service]
Type=oneshot
ExecStart={{.Exec}} run{{if .ConfigPath}} --config {{.ConfigPath}}{{end}}
Nice=10
IOSchedulingClass=idle
`))

var timerUnit = template.Must(template.New("timer").Parse(`[Unit]
Description=Periodic btrfs snapshot backup

[Timer]
OnBootSec=5min
OnUnitActiveSec={{.Interval}}
Persistent=true

[Install]
WantedBy=timers.target
`))

// SystemdManager installs a oneshot service running "run" and a timer that
// triggers it.
type SystemdManager struct {
	exec       domain.Executor
	unitDir    string
	executable string
	euid       func() int
	logger     *slog.Logger
}

// SystemdOption configures a SystemdManager.
type SystemdOption func(*SystemdManager)

// WithExecutor sets the executor that runs systemctl.
func WithExecutor(e domain.Executor) SystemdOption {
	return func(m *SystemdManager) {
		m.exec = e
	}
}

// WithUnitDir sets the directory the unit files are written to.
func WithUnitDir(dir string) SystemdOption {
	return func(m *SystemdManager) {
		m.unitDir = dir
	}
}

// WithExecutable sets the binary path used in ExecStart.
func WithExecutable(p string) SystemdOption {
	return func(m *SystemdManager) {
		m.executable = p
	}
}

// WithEUID overrides the effective user id check.
func WithEUID(euid func() int) SystemdOption {
	return func(m *SystemdManager) {
		m.euid = euid
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SystemdOption {
	return func(m *SystemdManager) {
		m.logger = logger
	}
}

// NewServiceManager creates the systemd manager.
func NewServiceManager(opts ...SystemdOption) ServiceManager {
	return NewSystemdManager(opts...)
}

// NewSystemdManager creates a SystemdManager.
func NewSystemdManager(opts ...SystemdOption) *SystemdManager {
	m := &SystemdManager{
		unitDir: DefaultUnitDir,
		euid:    unix.Geteuid,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.exec == nil {
		m.exec = executor.NewLocal("", executor.WithLogger(m.logger))
	}
	return m
}

// IsSupported returns true when systemd is the init system.
func (m *SystemdManager) IsSupported() bool {
	_, err := os.Stat("/run/systemd/system")
	return err == nil
}

// Install writes and loads the units. The timer is enabled and started
// when opts.AutoStart is set.
func (m *SystemdManager) Install(ctx context.Context, opts InstallOptions) error {
	if err := m.requireRoot(); err != nil {
		return err
	}

	exe := m.executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
	}
	exe, err := filepath.Abs(exe)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	configPath := opts.ConfigPath
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return fmt.Errorf("failed to get absolute config path: %w", err)
		}
	}

	interval := opts.Interval
	if interval < time.Minute {
		interval = time.Hour
	}

	service, err := render(serviceUnit, map[string]string{"Exec": exe, "ConfigPath": configPath})
	if err != nil {
		return err
	}
	timer, err := render(timerUnit, map[string]string{"Interval": systemdSpan(interval)})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.unitDir, 0755); err != nil {
		return fmt.Errorf("failed to create unit directory: %w", err)
	}
	if err := os.WriteFile(m.unitPath("service"), service, 0644); err != nil {
		return fmt.Errorf("failed to write service unit: %w", err)
	}
	if err := os.WriteFile(m.unitPath("timer"), timer, 0644); err != nil {
		return fmt.Errorf("failed to write timer unit: %w", err)
	}
	m.logger.Info("systemd units written", "dir", m.unitDir, "interval", interval)

	if err := m.systemctl(ctx, "daemon-reload"); err != nil {
		return err
	}
	if opts.AutoStart {
		return m.systemctl(ctx, "enable", "--now", UnitName+".timer")
	}
	return nil
}

// Uninstall disables the timer and removes the units.
func (m *SystemdManager) Uninstall(ctx context.Context) error {
	if err := m.requireRoot(); err != nil {
		return err
	}
	if !m.installed() {
		return fmt.Errorf("service %s is not installed", UnitName)
	}

	if err := m.systemctl(ctx, "disable", "--now", UnitName+".timer"); err != nil {
		m.logger.Warn("failed to disable timer", "error", err)
	}

	for _, kind := range []string{"timer", "service"} {
		if err := os.Remove(m.unitPath(kind)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s unit: %w", kind, err)
		}
	}

	return m.systemctl(ctx, "daemon-reload")
}

// Start starts the timer.
func (m *SystemdManager) Start(ctx context.Context) error {
	if !m.installed() {
		return fmt.Errorf("service %s is not installed", UnitName)
	}
	return m.systemctl(ctx, "start", UnitName+".timer")
}

// Stop stops the timer. A run in progress is not interrupted.
func (m *SystemdManager) Stop(ctx context.Context) error {
	if !m.installed() {
		return fmt.Errorf("service %s is not installed", UnitName)
	}
	return m.systemctl(ctx, "stop", UnitName+".timer")
}

// Status reports the timer state, the next activation and the result of
// the last run.
func (m *SystemdManager) Status(ctx context.Context) (*ServiceStatus, error) {
	if !m.installed() {
		return &ServiceStatus{State: ServiceStateNotInstalled}, nil
	}

	timer, err := m.show(ctx, UnitName+".timer", "ActiveState", "NextElapseUSecRealtime")
	if err != nil {
		return &ServiceStatus{State: ServiceStateUnknown, Message: err.Error()}, nil
	}
	service, err := m.show(ctx, UnitName+".service", "Result")
	if err != nil {
		return &ServiceStatus{State: ServiceStateUnknown, Message: err.Error()}, nil
	}

	status := &ServiceStatus{
		State:      ServiceStateStopped,
		NextRun:    timer["NextElapseUSecRealtime"],
		LastResult: service["Result"],
	}
	if timer["ActiveState"] == "active" {
		status.State = ServiceStateRunning
	}
	return status, nil
}

func (m *SystemdManager) show(ctx context.Context, unit string, props ...string) (map[string]string, error) {
	out, err := m.exec.Run(ctx, "systemctl", "show", unit, "--property="+strings.Join(props, ","))
	if err != nil {
		return nil, err
	}
	return parseProperties(string(out.Stdout)), nil
}

func (m *SystemdManager) systemctl(ctx context.Context, args ...string) error {
	if _, err := m.exec.Run(ctx, append([]string{"systemctl"}, args...)...); err != nil {
		return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

func (m *SystemdManager) requireRoot() error {
	if m.euid() != 0 {
		return errors.New("installing system units requires root")
	}
	return nil
}

func (m *SystemdManager) installed() bool {
	_, err := os.Stat(m.unitPath("timer"))
	return err == nil
}

func (m *SystemdManager) unitPath(kind string) string {
	return filepath.Join(m.unitDir, UnitName+"."+kind)
}

func render(t *template.Template, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render %s unit: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}

// parseProperties parses "Key=Value" lines of systemctl show.
func parseProperties(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok {
			props[key] = value
		}
	}
	return props
}

// systemdSpan formats d as a systemd time span, e.g. "1h30min".
func systemdSpan(d time.Duration) string {
	d = d.Round(time.Second)
	var b strings.Builder
	for _, u := range []struct {
		unit   time.Duration
		suffix string
	}{
		{24 * time.Hour, "d"},
		{time.Hour, "h"},
		{time.Minute, "min"},
		{time.Second, "s"},
	} {
		if n := d / u.unit; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.suffix)
			d -= n * u.unit
		}
	}
	if b.Len() == 0 {
		return "0"
	}
	return b.String()
}

var _ ServiceManager = (*SystemdManager)(nil)
