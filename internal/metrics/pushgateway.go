// Package metrics pushes run metrics to a Prometheus Pushgateway.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
	"github.com/hannes-hochreiner/backup-btrfs/internal/http"
	"github.com/hannes-hochreiner/backup-btrfs/pkg/version"
)

const (
	namespace = "backup_btrfs"

	// DefaultJob is the Pushgateway job label.
	DefaultJob = "backup_btrfs"
)

// PushgatewayClient pushes metrics to a Prometheus Pushgateway.
type PushgatewayClient struct {
	url        string
	job        string
	httpClient *http.Client
	logger     *slog.Logger
}

// PushgatewayOption configures a PushgatewayClient.
type PushgatewayOption func(*PushgatewayClient)

// WithHTTPClient sets the HTTP client; its retry settings apply to pushes.
func WithHTTPClient(client *http.Client) PushgatewayOption {
	return func(p *PushgatewayClient) {
		p.httpClient = client
	}
}

// WithJob sets the job label.
func WithJob(job string) PushgatewayOption {
	return func(p *PushgatewayClient) {
		p.job = job
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PushgatewayOption {
	return func(p *PushgatewayClient) {
		p.logger = logger
	}
}

// NewPushgatewayClient creates a new PushgatewayClient.
func NewPushgatewayClient(url string, opts ...PushgatewayOption) *PushgatewayClient {
	p := &PushgatewayClient{
		url:        strings.TrimSuffix(url, "/"),
		job:        DefaultJob,
		httpClient: http.NewClient(),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Push sends metrics to the Pushgateway, grouped by instance and suffix.
// Metrics are added with POST semantics, so a service-down update keeps
// the last run's values.
func (p *PushgatewayClient) Push(ctx context.Context, m *domain.Metrics) error {
	reg, _ := buildRegistry(m)

	pusher := push.New(p.url, p.job).
		Gatherer(reg).
		Client(p.httpClient.Doer()).
		Grouping("instance", m.Hostname)
	if m.Suffix != "" {
		pusher = pusher.Grouping("suffix", m.Suffix)
	}

	p.logger.Debug("pushing metrics to pushgateway",
		"url", p.url,
		"job", p.job,
		"service_up", m.ServiceUp,
		"has_run", m.Run != nil,
	)

	if err := pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}

	p.logger.Debug("metrics pushed successfully")
	return nil
}

// Validate checks if the Pushgateway is reachable.
func (p *PushgatewayClient) Validate(ctx context.Context) error {
	readyURL := p.url + "/-/ready"

	if err := p.httpClient.CheckConnectivity(ctx, readyURL); err != nil {
		if err2 := p.httpClient.CheckConnectivity(ctx, p.url); err2 != nil {
			return fmt.Errorf("pushgateway not reachable at %s: %w", p.url, err)
		}
	}

	return nil
}

// collectors are the gauges of one push.
type collectors struct {
	up        prometheus.Gauge
	info      *prometheus.GaugeVec
	timestamp prometheus.Gauge
	success   prometheus.Gauge
	duration  prometheus.Gauge
	failed    *prometheus.GaugeVec
	warnings  prometheus.Gauge

	transferIncremental prometheus.Gauge
	transferDuration    prometheus.Gauge

	snapshots *prometheus.GaugeVec
	deleted   *prometheus.GaugeVec
	undeleted *prometheus.GaugeVec
}

func newCollectors() *collectors {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	vec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	return &collectors{
		up:        gauge("up", "Service is running"),
		info:      vec("info", "Build information", "version", "go_version"),
		timestamp: gauge("last_run_timestamp_seconds", "Unix timestamp of the end of the last run"),
		success:   gauge("last_run_success", "Whether the last run reached done"),
		duration:  gauge("last_run_duration_seconds", "Duration of the last run"),
		failed:    vec("last_run_failed", "Phase and error kind of the last failed run", "phase", "kind"),
		warnings:  gauge("last_run_warnings", "Warnings recorded by the last run"),

		transferIncremental: gauge("last_transfer_incremental", "Whether the last transfer was incremental"),
		transferDuration:    gauge("last_transfer_duration_seconds", "Duration of the last send/receive"),

		snapshots: vec("snapshots", "Snapshots present after the last run", "role"),
		deleted:   vec("retention_deleted", "Snapshots deleted by retention in the last run", "role"),
		undeleted: vec("retention_failed", "Snapshot deletions that failed in the last run", "role"),
	}
}

// buildRegistry registers the collectors that apply to m and sets them.
func buildRegistry(m *domain.Metrics) (*prometheus.Registry, *collectors) {
	reg := prometheus.NewRegistry()
	c := newCollectors()

	reg.MustRegister(c.up, c.info)
	c.up.Set(boolValue(m.ServiceUp))
	c.info.WithLabelValues(version.Version, runtime.Version()).Set(1)

	run := m.Run
	if run == nil {
		return reg, c
	}

	reg.MustRegister(c.timestamp, c.success, c.duration, c.warnings, c.snapshots)
	c.timestamp.Set(float64(run.EndTime.Unix()))
	c.success.Set(boolValue(run.Success))
	c.duration.Set(run.Duration.Seconds())
	c.warnings.Set(float64(len(run.Warnings)))
	c.snapshots.WithLabelValues("source").Set(float64(m.SourceSnapshots))
	c.snapshots.WithLabelValues("backup").Set(float64(m.BackupSnapshots))

	if !run.Success {
		reg.MustRegister(c.failed)
		c.failed.WithLabelValues(run.FailedPhase.String(), string(run.ErrorKind)).Set(1)
	}

	if run.Transfer != nil {
		reg.MustRegister(c.transferIncremental, c.transferDuration)
		c.transferIncremental.Set(boolValue(run.Transfer.Plan.IsIncremental()))
		c.transferDuration.Set(run.Transfer.Duration.Seconds())
	}

	if run.SourceRetention != nil || run.BackupRetention != nil {
		reg.MustRegister(c.deleted, c.undeleted)
		for role, r := range map[string]*domain.RetentionResult{
			"source": run.SourceRetention,
			"backup": run.BackupRetention,
		} {
			if r == nil {
				continue
			}
			c.deleted.WithLabelValues(role).Set(float64(len(r.Deleted)))
			c.undeleted.WithLabelValues(role).Set(float64(len(r.Failed)))
		}
	}

	return reg, c
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Ensure PushgatewayClient implements domain.MetricsPusher.
var _ domain.MetricsPusher = (*PushgatewayClient)(nil)
