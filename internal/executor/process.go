// Package executor runs commands on the local host or on a remote host
// reached through ssh.
package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// DefaultWaitDelay bounds how long a finished command may hold its I/O
// pipes open, e.g. through an orphaned grandchild.
const DefaultWaitDelay = time.Minute

// maxStderr limits the stderr text kept in errors.
const maxStderr = 4096

// Option configures an executor.
type Option func(*base)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *base) {
		b.logger = logger
	}
}

// WithEnv sets additional environment variables for every command.
func WithEnv(env map[string]string) Option {
	return func(b *base) {
		b.env = env
	}
}

// WithWaitDelay overrides DefaultWaitDelay.
func WithWaitDelay(d time.Duration) Option {
	return func(b *base) {
		b.waitDelay = d
	}
}

// base holds what Local and Remote share: the actual process handling.
type base struct {
	host      string
	env       map[string]string
	waitDelay time.Duration
	logger    *slog.Logger
}

func newBase(host string, opts []Option) base {
	b := base{
		host:      host,
		waitDelay: DefaultWaitDelay,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// exec runs the already wrapped argv. logical is the command as the caller
// asked for it and is what errors report.
func (b *base) exec(ctx context.Context, stdin io.Reader, stdout io.Writer, logical, argv []string) error {
	if len(argv) == 0 {
		return &domain.ExecError{Host: b.host, Command: logical, ExitStatus: -1, Err: errors.New("empty command")}
	}

	b.logger.Debug("executing command", "host", b.host, "command", strings.Join(logical, " "))

	// #nosec G204 -- argv is built from configuration, never from remote input
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = b.waitDelay
	cmd.Stdin = stdin
	cmd.Stdout = stdout

	if len(b.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range b.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	execErr := &domain.ExecError{
		Host:       b.host,
		Command:    logical,
		ExitStatus: -1,
		Stderr:     trimStderr(stderr.String()),
		Err:        err,
	}

	if ctx.Err() != nil {
		execErr.Err = ctx.Err()
		return execErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		execErr.ExitStatus = exitErr.ExitCode()
	}

	return execErr
}

// run captures stdout and stderr into an Output.
func (b *base) run(ctx context.Context, logical, argv []string) (*domain.Output, error) {
	var stdout bytes.Buffer
	err := b.exec(ctx, nil, &stdout, logical, argv)

	out := &domain.Output{Stdout: stdout.Bytes()}
	var execErr *domain.ExecError
	if errors.As(err, &execErr) {
		out.Stderr = []byte(execErr.Stderr)
		out.ExitStatus = execErr.ExitStatus
	}
	return out, err
}

func trimStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = s[len(s)-maxStderr:]
	}
	return s
}
