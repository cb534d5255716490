package executor

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// MockExecutor is a mock implementation of domain.Executor for testing.
type MockExecutor struct {
	HostName string

	// RunFunc handles Run calls. It receives the argv and returns stdout.
	RunFunc func(ctx context.Context, argv []string) ([]byte, error)

	// StreamFunc handles Stream calls.
	StreamFunc func(ctx context.Context, stdin io.Reader, stdout io.Writer, argv []string) error

	mu    sync.Mutex
	calls [][]string
}

// Host returns HostName, "mock" if unset.
func (m *MockExecutor) Host() string {
	if m.HostName == "" {
		return "mock"
	}
	return m.HostName
}

// Run records the call and delegates to RunFunc.
func (m *MockExecutor) Run(ctx context.Context, argv ...string) (*domain.Output, error) {
	m.record(argv)
	if m.RunFunc == nil {
		return &domain.Output{}, nil
	}
	stdout, err := m.RunFunc(ctx, argv)
	out := &domain.Output{Stdout: stdout}
	if execErr, ok := err.(*domain.ExecError); ok {
		out.ExitStatus = execErr.ExitStatus
		out.Stderr = []byte(execErr.Stderr)
	}
	return out, err
}

// Stream records the call and delegates to StreamFunc. Without a StreamFunc
// stdin is drained and RunFunc's stdout is written out.
func (m *MockExecutor) Stream(ctx context.Context, stdin io.Reader, stdout io.Writer, argv ...string) error {
	if m.StreamFunc != nil {
		m.record(argv)
		return m.StreamFunc(ctx, stdin, stdout, argv)
	}
	if stdin != nil {
		_, _ = io.Copy(io.Discard, stdin)
	}
	out, err := m.Run(ctx, argv...)
	if err != nil {
		return err
	}
	if stdout != nil {
		_, err = io.Copy(stdout, bytes.NewReader(out.Stdout))
	}
	return err
}

// Calls returns every recorded argv, joined with spaces.
func (m *MockExecutor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

// Reset clears the recorded calls.
func (m *MockExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MockExecutor) record(argv []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]string(nil), argv...))
}

// Fail builds the error a command exiting with status would produce.
func Fail(host string, argv []string, status int, stderr string) error {
	return &domain.ExecError{Host: host, Command: argv, ExitStatus: status, Stderr: stderr}
}

// Ensure MockExecutor implements domain.Executor.
var _ domain.Executor = (*MockExecutor)(nil)
