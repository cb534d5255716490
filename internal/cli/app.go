package cli

import (
	"log/slog"

	"github.com/hannes-hochreiner/backup-btrfs/internal/app"
	"github.com/hannes-hochreiner/backup-btrfs/internal/config"
	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
	"github.com/hannes-hochreiner/backup-btrfs/internal/http"
	"github.com/hannes-hochreiner/backup-btrfs/internal/metrics"
	"github.com/hannes-hochreiner/backup-btrfs/internal/notify"
)

// newHTTPClient creates the HTTP client shared by metrics and notifications.
func newHTTPClient(cfg *config.Config, logger *slog.Logger) *http.Client {
	return http.NewClient(
		http.WithRetryConfig(http.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		}),
		http.WithLogger(logger),
	)
}

// newPusher returns the Pushgateway client, nil when metrics are disabled.
func newPusher(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) *metrics.PushgatewayClient {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.NewPushgatewayClient(
		cfg.Metrics.PushgatewayURL,
		metrics.WithJob(cfg.Metrics.Job),
		metrics.WithHTTPClient(httpClient),
		metrics.WithLogger(logger),
	)
}

// newApprise returns the Apprise client, nil when notifications are disabled.
func newApprise(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) *notify.AppriseClient {
	if !cfg.Apprise.Enabled {
		return nil
	}
	return notify.NewAppriseClient(
		cfg.Apprise.URL,
		cfg.Apprise.Key,
		notify.WithTag(cfg.Apprise.Tag),
		notify.WithHTTPClient(httpClient),
		notify.WithLogger(logger),
	)
}

// newRunner wires the runner from the configuration. Notifications always
// go to the log and, when enabled, to Apprise.
func newRunner(cfg *config.Config, logger *slog.Logger) *app.Runner {
	httpClient := newHTTPClient(cfg, logger)

	notifiers := []domain.Notifier{notify.NewLogNotifier(logger)}
	if apprise := newApprise(cfg, httpClient, logger); apprise != nil {
		notifiers = append(notifiers, apprise)
	}

	opts := []app.RunnerOption{
		app.WithLogger(logger),
		app.WithNotifier(notify.NewMultiNotifier(notifiers...).WithLogger(logger)),
	}
	if pusher := newPusher(cfg, httpClient, logger); pusher != nil {
		opts = append(opts, app.WithMetricsPusher(pusher))
	}

	return app.NewRunner(cfg, opts...)
}
