package notify

import (
	"context"
	"sync"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// MockNotifier records notifications instead of sending them. It is safe
// for use by a scheduler goroutine while a test inspects it.
type MockNotifier struct {
	NotifyFunc   func(ctx context.Context, n *domain.Notification) error
	ValidateFunc func(ctx context.Context) error

	mu   sync.Mutex
	sent []*domain.Notification
}

func (m *MockNotifier) Notify(ctx context.Context, n *domain.Notification) error {
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()

	if m.NotifyFunc != nil {
		return m.NotifyFunc(ctx, n)
	}
	return nil
}

func (m *MockNotifier) Validate(ctx context.Context) error {
	if m.ValidateFunc != nil {
		return m.ValidateFunc(ctx)
	}
	return nil
}

// Sent returns the recorded notifications in order.
func (m *MockNotifier) Sent() []*domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Notification(nil), m.sent...)
}

// Levels returns the level of every recorded notification.
func (m *MockNotifier) Levels() []domain.NotificationLevel {
	sent := m.Sent()
	levels := make([]domain.NotificationLevel, len(sent))
	for i, n := range sent {
		levels[i] = n.Level
	}
	return levels
}

var _ domain.Notifier = (*MockNotifier)(nil)
