package executor

import (
	"context"
	"io"

	"github.com/alessio/shellescape"
	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// Remote runs commands on another host through the ssh client. The remote
// side receives a single shell-quoted command line.
type Remote struct {
	base
	configFile string
	user       string
	sshPath    string
}

// NewRemote creates a Remote executor for host.
func NewRemote(host string, opts ...Option) *Remote {
	return &Remote{
		base:    newBase(host, opts),
		sshPath: "ssh",
	}
}

// WithSSHConfig sets the ssh client configuration file (ssh -F).
func (r *Remote) WithSSHConfig(path string) *Remote {
	r.configFile = path
	return r
}

// WithSSHUser sets the remote login name (ssh -l).
func (r *Remote) WithSSHUser(name string) *Remote {
	r.user = name
	return r
}

// WithSSHBinary overrides the ssh binary.
func (r *Remote) WithSSHBinary(path string) *Remote {
	r.sshPath = path
	return r
}

// Host returns the ssh destination.
func (r *Remote) Host() string {
	return r.host
}

// Run executes argv on the remote host and captures its output.
func (r *Remote) Run(ctx context.Context, argv ...string) (*domain.Output, error) {
	return r.run(ctx, argv, r.Argv(argv))
}

// Stream executes argv on the remote host; stdin and stdout travel through
// the ssh channel.
func (r *Remote) Stream(ctx context.Context, stdin io.Reader, stdout io.Writer, argv ...string) error {
	return r.exec(ctx, stdin, stdout, argv, r.Argv(argv))
}

// Argv returns the local ssh invocation for the remote argv.
func (r *Remote) Argv(argv []string) []string {
	out := []string{r.sshPath}
	if r.configFile != "" {
		out = append(out, "-F", r.configFile)
	}
	if r.user != "" {
		out = append(out, "-l", r.user)
	}
	out = append(out, "-o", "BatchMode=yes", "--", r.host, shellescape.QuoteCommand(argv))
	return out
}

var _ domain.Executor = (*Remote)(nil)
