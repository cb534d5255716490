package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// MultiNotifier sends notifications to multiple notifiers.
type MultiNotifier struct {
	notifiers []domain.Notifier
	logger    *slog.Logger
}

// NewMultiNotifier creates a new MultiNotifier. Nil notifiers are skipped.
func NewMultiNotifier(notifiers ...domain.Notifier) *MultiNotifier {
	m := &MultiNotifier{logger: slog.Default()}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// WithLogger sets the logger used to report failing notifiers.
func (m *MultiNotifier) WithLogger(logger *slog.Logger) *MultiNotifier {
	m.logger = logger
	return m
}

// Len returns the number of notifiers.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// Notify sends the notification to every notifier, even after a failure,
// and returns the joined errors.
func (m *MultiNotifier) Notify(ctx context.Context, notification *domain.Notification) error {
	var errs []error

	for _, notifier := range m.notifiers {
		if err := notifier.Notify(ctx, notification); err != nil {
			m.logger.Warn("notifier failed", "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Validate validates all configured notifiers.
func (m *MultiNotifier) Validate(ctx context.Context) error {
	var errs []error

	for _, notifier := range m.notifiers {
		if err := notifier.Validate(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Ensure MultiNotifier implements domain.Notifier.
var _ domain.Notifier = (*MultiNotifier)(nil)
