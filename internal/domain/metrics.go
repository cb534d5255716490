package domain

import (
	"context"
	"time"
)

// Metrics contains all metrics to be pushed.
type Metrics struct {
	// Timestamp when metrics were collected.
	Timestamp time.Time

	// Hostname of the machine.
	Hostname string

	// Suffix of the snapshot stream, used as a grouping label.
	Suffix string

	// ServiceUp indicates if the service is running.
	ServiceUp bool

	// Run is the finished run, nil for a service-down update.
	Run *RunResult

	// Snapshot counts per host after the run.
	SourceSnapshots int
	BackupSnapshots int
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(hostname, suffix string) *Metrics {
	return &Metrics{
		Timestamp: time.Now(),
		Hostname:  hostname,
		Suffix:    suffix,
		ServiceUp: true,
	}
}

// MetricsPusher defines the interface for pushing metrics to a remote endpoint.
type MetricsPusher interface {
	// Push sends metrics to the remote endpoint.
	Push(ctx context.Context, metrics *Metrics) error

	// Validate checks if the pusher is properly configured.
	Validate(ctx context.Context) error
}
