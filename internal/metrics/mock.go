package metrics

import (
	"context"
	"sync"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// MockPusher records pushed metrics. It is safe for concurrent use.
type MockPusher struct {
	PushFunc     func(ctx context.Context, m *domain.Metrics) error
	ValidateFunc func(ctx context.Context) error

	mu     sync.Mutex
	pushed []*domain.Metrics
}

func (p *MockPusher) Push(ctx context.Context, m *domain.Metrics) error {
	p.mu.Lock()
	p.pushed = append(p.pushed, m)
	p.mu.Unlock()

	if p.PushFunc != nil {
		return p.PushFunc(ctx, m)
	}
	return nil
}

func (p *MockPusher) Validate(ctx context.Context) error {
	if p.ValidateFunc != nil {
		return p.ValidateFunc(ctx)
	}
	return nil
}

// Pushed returns the recorded pushes in order.
func (p *MockPusher) Pushed() []*domain.Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.Metrics(nil), p.pushed...)
}

var _ domain.MetricsPusher = (*MockPusher)(nil)
