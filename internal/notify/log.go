package notify

import (
	"context"
	"log/slog"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// LogNotifier writes notifications to the log, so that the journal holds
// the same summary the push channels deliver.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notification at the matching level.
func (l *LogNotifier) Notify(ctx context.Context, n *domain.Notification) error {
	level := slog.LevelInfo
	switch n.Level {
	case domain.NotificationLevelWarning:
		level = slog.LevelWarn
	case domain.NotificationLevelError:
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, n.Title, "body", n.Body)
	return nil
}

// Validate always succeeds.
func (l *LogNotifier) Validate(_ context.Context) error {
	return nil
}

var _ domain.Notifier = (*LogNotifier)(nil)
