package btrfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// FSType is the filesystem type reported by findmnt.
const FSType = "btrfs"

// Commander issues btrfs and helper commands through an executor.
type Commander struct {
	exec   domain.Executor
	sudo   bool
	logger *slog.Logger
}

// CommanderOption configures a Commander.
type CommanderOption func(*Commander)

// WithSudo prefixes btrfs invocations with "sudo -n".
func WithSudo(enabled bool) CommanderOption {
	return func(c *Commander) {
		c.sudo = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CommanderOption {
	return func(c *Commander) {
		c.logger = logger
	}
}

// NewCommander creates a Commander for exec.
func NewCommander(exec domain.Executor, opts ...CommanderOption) *Commander {
	c := &Commander{
		exec:   exec,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Executor returns the underlying executor.
func (c *Commander) Executor() domain.Executor {
	return c.exec
}

// Host returns the executor's host name.
func (c *Commander) Host() string {
	return c.exec.Host()
}

// BTRFS returns the argv for a btrfs invocation.
func (c *Commander) BTRFS(args ...string) []string {
	return c.privileged(append([]string{"btrfs"}, args...)...)
}

// privileged prefixes argv with "sudo -n" when sudo is enabled. Commands
// that look inside snapshot directories need the same rights as btrfs
// itself, otherwise an unreadable directory looks empty.
func (c *Commander) privileged(argv ...string) []string {
	if !c.sudo {
		return argv
	}
	return append([]string{"sudo", "-n"}, argv...)
}

// ResolvePath canonicalizes p, following every symlink.
func (c *Commander) ResolvePath(ctx context.Context, p string) (string, error) {
	out, err := c.exec.Run(ctx, "readlink", "-e", "--", p)
	if err != nil {
		return "", err
	}
	return ParseResolvedPath(string(out.Stdout))
}

// ResolveDevice resolves a configured device path and checks that it is a
// block device node.
func (c *Commander) ResolveDevice(ctx context.Context, p string) (domain.Device, error) {
	canonical, err := c.ResolvePath(ctx, p)
	if err != nil {
		var execErr *domain.ExecError
		if errors.As(err, &execErr) && execErr.ExitStatus == 1 {
			return domain.Device{}, &domain.PreconditionError{
				Check:  "device " + p,
				Reason: fmt.Sprintf("does not resolve to an existing path on %s", c.Host()),
			}
		}
		return domain.Device{}, err
	}

	if _, err := c.exec.Run(ctx, "test", "-b", canonical); err != nil {
		var execErr *domain.ExecError
		if errors.As(err, &execErr) && execErr.ExitStatus == 1 {
			return domain.Device{}, &domain.PreconditionError{
				Check:  "device " + p,
				Reason: fmt.Sprintf("%s is not a block device on %s", canonical, c.Host()),
			}
		}
		return domain.Device{}, err
	}

	return domain.Device{Path: p, Canonical: canonical}, nil
}

// MountTable returns the btrfs mounts of the host.
func (c *Commander) MountTable(ctx context.Context) ([]domain.MountPoint, error) {
	out, err := c.exec.Run(ctx, "findmnt", "-rn", "-t", FSType, "-o", MountColumns)
	if err != nil {
		// findmnt exits 1 when nothing matches.
		var execErr *domain.ExecError
		if errors.As(err, &execErr) && execErr.ExitStatus == 1 && (out == nil || len(out.Stdout) == 0) {
			return nil, nil
		}
		return nil, err
	}
	return ParseMountTable(string(out.Stdout))
}

// CheckMount confirms that target is a btrfs mount backed by dev.
func (c *Commander) CheckMount(ctx context.Context, dev domain.Device, target string) (*domain.MountPoint, error) {
	mounts, err := c.MountTable(ctx)
	if err != nil {
		return nil, err
	}

	target = path.Clean(target)
	for i := range mounts {
		m := mounts[i]
		if path.Clean(m.Target) != target {
			continue
		}
		if m.FSType != FSType {
			return nil, &domain.PreconditionError{
				Check:  "mount " + target,
				Reason: fmt.Sprintf("filesystem type is %s, expected %s", m.FSType, FSType),
			}
		}

		source := domain.Device{Path: m.Source, Canonical: m.Source}
		if resolved, err := c.ResolvePath(ctx, m.Source); err == nil {
			source.Canonical = resolved
		}
		if !dev.SameAs(source) {
			return nil, &domain.PreconditionError{
				Check:  "mount " + target,
				Reason: fmt.Sprintf("backed by %s, expected %s (%s)", source.Canonical, dev.Canonical, dev.Path),
			}
		}

		c.logger.Debug("mount verified", "host", c.Host(), "target", target, "source", m.Source)
		return &m, nil
	}

	return nil, &domain.PreconditionError{
		Check:  "mount " + target,
		Reason: fmt.Sprintf("not a btrfs mount point on %s", c.Host()),
	}
}

// ListDir returns the entries of dir, including hidden ones.
func (c *Commander) ListDir(ctx context.Context, dir string) ([]string, error) {
	out, err := c.exec.Run(ctx, c.privileged("ls", "-1A", "--", dir)...)
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(string(out.Stdout)), nil
}

// Exists reports whether p exists.
func (c *Commander) Exists(ctx context.Context, p string) (bool, error) {
	_, err := c.exec.Run(ctx, c.privileged("test", "-e", p)...)
	if err == nil {
		return true, nil
	}
	var execErr *domain.ExecError
	if errors.As(err, &execErr) && execErr.ExitStatus == 1 {
		return false, nil
	}
	return false, err
}

// Show reads the metadata of the subvolume at p.
func (c *Commander) Show(ctx context.Context, p string) (*SubvolumeInfo, error) {
	out, err := c.exec.Run(ctx, c.BTRFS("subvolume", "show", p)...)
	if err != nil {
		return nil, err
	}
	return ParseSubvolumeShow(string(out.Stdout))
}

// Snapshot creates a read-only snapshot of subvolume at dest.
func (c *Commander) Snapshot(ctx context.Context, subvolume, dest string) error {
	_, err := c.exec.Run(ctx, c.BTRFS("subvolume", "snapshot", "-r", subvolume, dest)...)
	return err
}

// Delete removes the subvolume at p. An absent subvolume is not an error.
func (c *Commander) Delete(ctx context.Context, p string) error {
	exists, err := c.Exists(ctx, p)
	if err != nil {
		return err
	}
	if !exists {
		c.logger.Debug("subvolume already absent", "host", c.Host(), "path", p)
		return nil
	}
	_, err = c.exec.Run(ctx, c.BTRFS("subvolume", "delete", p)...)
	return err
}

// SendArgv returns the argv streaming snapshot, as a delta against base
// when base is non-empty.
func (c *Commander) SendArgv(snapshot, base string) []string {
	if base != "" {
		return c.BTRFS("send", "-p", base, snapshot)
	}
	return c.BTRFS("send", snapshot)
}

// ReceiveArgv returns the argv receiving a stream into dir.
func (c *Commander) ReceiveArgv(dir string) []string {
	return c.BTRFS("receive", dir)
}

// Version returns the btrfs-progs version string.
func (c *Commander) Version(ctx context.Context) (string, error) {
	out, err := c.exec.Run(ctx, "btrfs", "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out.Stdout)), nil
}
