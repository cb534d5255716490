package executor

import (
	"context"
	"io"
	"os/user"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// LocalHost is the host name reported by Local.
const LocalHost = "localhost"

// Local runs commands on this machine, optionally as another user.
type Local struct {
	base
	user string
}

// NewLocal creates a Local executor. When runAs names a user other than the
// current one, commands are run through "sudo -n -u <runAs> --".
func NewLocal(runAs string, opts ...Option) *Local {
	l := &Local{base: newBase(LocalHost, opts)}

	if runAs != "" {
		if current, err := user.Current(); err != nil || current.Username != runAs {
			l.user = runAs
		}
	}

	return l
}

// Host returns LocalHost.
func (l *Local) Host() string {
	return l.host
}

// Run executes argv and captures its output.
func (l *Local) Run(ctx context.Context, argv ...string) (*domain.Output, error) {
	return l.run(ctx, argv, l.wrap(argv))
}

// Stream executes argv wired to the given streams.
func (l *Local) Stream(ctx context.Context, stdin io.Reader, stdout io.Writer, argv ...string) error {
	return l.exec(ctx, stdin, stdout, argv, l.wrap(argv))
}

func (l *Local) wrap(argv []string) []string {
	if l.user == "" {
		return argv
	}
	return append([]string{"sudo", "-n", "-u", l.user, "--"}, argv...)
}

var _ domain.Executor = (*Local)(nil)
