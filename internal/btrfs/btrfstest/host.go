// Package btrfstest provides an in-memory btrfs host for tests. It answers
// the commands the btrfs package issues and keeps subvolumes in a map.
package btrfstest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// Subvolume is one simulated subvolume.
type Subvolume struct {
	Path         string
	UUID         uuid.UUID
	ParentUUID   uuid.NullUUID
	ReceivedUUID uuid.NullUUID
	ReadOnly     bool
	Created      time.Time
}

// Host simulates one machine with btrfs filesystems.
type Host struct {
	name string

	mu         sync.Mutex
	subvolumes map[string]*Subvolume
	dirs       map[string]bool
	links      map[string]string
	devices    map[string]bool
	mounts     []string
	failures   map[string]int
	partial    bool
	calls      []string
	now        func() time.Time
}

// NewHost creates an empty host.
func NewHost(name string) *Host {
	return &Host{
		name:       name,
		subvolumes: make(map[string]*Subvolume),
		dirs:       make(map[string]bool),
		links:      make(map[string]string),
		devices:    make(map[string]bool),
		failures:   make(map[string]int),
		now:        time.Now,
	}
}

// AddDevice registers a block device at canonical with an alias symlink.
func (h *Host) AddDevice(alias, canonical string) *Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[canonical] = true
	if alias != canonical {
		h.links[alias] = canonical
	}
	return h
}

// AddMount registers a btrfs mount of source at target.
func (h *Host) AddMount(fsroot, target, source string) *Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dirs[target] = true
	h.mounts = append(h.mounts, fmt.Sprintf("%s %s btrfs %s rw,relatime,subvol=%s", fsroot, target, source, fsroot))
	return h
}

// AddDir registers a plain directory.
func (h *Host) AddDir(p string) *Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dirs[p] = true
	return h
}

// AddSubvolume registers a writable subvolume and returns it.
func (h *Host) AddSubvolume(p string) *Subvolume {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &Subvolume{Path: p, UUID: uuid.New(), Created: h.now()}
	h.subvolumes[p] = s
	return s
}

// Put stores s as is, for arranging existing snapshots.
func (h *Host) Put(s *Subvolume) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subvolumes[s.Path] = s
}

// Get returns the subvolume at p.
func (h *Host) Get(p string) (*Subvolume, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subvolumes[p]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Names returns the names of the subvolumes directly under dir, sorted.
func (h *Host) Names(dir string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.namesLocked(dir)
}

// FailCommand makes the next n commands starting with prefix exit 1. The
// sudo prefix is ignored when matching.
func (h *Host) FailCommand(prefix string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[prefix] = n
}

// LeavePartialReceive makes failing receives leave a writable, incomplete
// subvolume behind, like an interrupted btrfs receive.
func (h *Host) LeavePartialReceive(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partial = enabled
}

// Calls returns every command run on the host.
func (h *Host) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// Host implements domain.Executor.
func (h *Host) Host() string {
	return h.name
}

// Run implements domain.Executor.
func (h *Host) Run(ctx context.Context, argv ...string) (*domain.Output, error) {
	var stdout strings.Builder
	err := h.Stream(ctx, nil, &stdout, argv...)
	out := &domain.Output{Stdout: []byte(stdout.String())}
	if execErr, ok := err.(*domain.ExecError); ok {
		out.ExitStatus = execErr.ExitStatus
		out.Stderr = []byte(execErr.Stderr)
	}
	return out, err
}

// Stream implements domain.Executor.
func (h *Host) Stream(ctx context.Context, stdin io.Reader, stdout io.Writer, argv ...string) error {
	if err := ctx.Err(); err != nil {
		return &domain.ExecError{Host: h.name, Command: argv, ExitStatus: -1, Err: err}
	}

	args := argv
	if len(args) >= 2 && args[0] == "sudo" && args[1] == "-n" {
		args = args[2:]
	}
	line := strings.Join(args, " ")

	h.mu.Lock()
	h.calls = append(h.calls, strings.Join(argv, " "))
	for prefix, n := range h.failures {
		if n > 0 && strings.HasPrefix(line, prefix) {
			h.failures[prefix] = n - 1
			partial := h.partial
			h.mu.Unlock()
			if partial && stdin != nil && strings.HasPrefix(line, "btrfs receive") {
				h.leavePartial(args[len(args)-1], stdin)
			}
			if stdin != nil {
				_, _ = io.Copy(io.Discard, stdin)
			}
			return h.fail(argv, 1, "simulated failure")
		}
	}
	h.mu.Unlock()

	if stdout == nil {
		stdout = io.Discard
	}

	switch {
	case len(args) == 4 && args[0] == "readlink" && args[1] == "-e" && args[2] == "--":
		return h.readlink(argv, args[3], stdout)
	case len(args) == 3 && args[0] == "test" && args[1] == "-b":
		return h.test(argv, func() bool { return h.isDevice(args[2]) })
	case len(args) == 3 && args[0] == "test" && args[1] == "-e":
		return h.test(argv, func() bool { return h.exists(args[2]) })
	case len(args) >= 1 && args[0] == "findmnt":
		return h.findmnt(argv, stdout)
	case len(args) == 4 && args[0] == "ls" && args[1] == "-1A" && args[2] == "--":
		return h.ls(argv, args[3], stdout)
	case len(args) == 4 && line == "btrfs subvolume show "+args[3]:
		return h.show(argv, args[3], stdout)
	case len(args) == 6 && strings.HasPrefix(line, "btrfs subvolume snapshot -r "):
		return h.snapshot(argv, args[4], args[5])
	case len(args) == 4 && strings.HasPrefix(line, "btrfs subvolume delete "):
		return h.delete(argv, args[3])
	case len(args) >= 3 && args[0] == "btrfs" && args[1] == "send":
		base := ""
		if len(args) == 5 && args[2] == "-p" {
			base = args[3]
		}
		return h.send(argv, args[len(args)-1], base, stdout)
	case len(args) == 3 && args[0] == "btrfs" && args[1] == "receive":
		return h.receive(argv, args[2], stdin, stdout)
	case len(args) == 2 && args[0] == "btrfs" && args[1] == "--version":
		_, err := io.WriteString(stdout, "btrfs-progs v6.6.3\n")
		return err
	}

	return h.fail(argv, 127, "command not simulated: "+line)
}

func (h *Host) fail(argv []string, status int, stderr string) error {
	return &domain.ExecError{Host: h.name, Command: argv, ExitStatus: status, Stderr: stderr}
}

func (h *Host) exists(p string) bool {
	p = path.Clean(p)
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subvolumes[p]
	return ok || h.dirs[p] || h.devices[p]
}

func (h *Host) readlink(argv []string, p string, stdout io.Writer) error {
	h.mu.Lock()
	target, ok := h.links[p]
	h.mu.Unlock()
	if !ok {
		if !h.exists(p) {
			return h.fail(argv, 1, "")
		}
		target = path.Clean(p)
	}
	_, err := fmt.Fprintln(stdout, target)
	return err
}

func (h *Host) isDevice(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[p]
}

func (h *Host) test(argv []string, cond func() bool) error {
	if cond() {
		return nil
	}
	return h.fail(argv, 1, "")
}

func (h *Host) findmnt(argv []string, stdout io.Writer) error {
	h.mu.Lock()
	mounts := append([]string(nil), h.mounts...)
	h.mu.Unlock()
	if len(mounts) == 0 {
		return h.fail(argv, 1, "")
	}
	_, err := io.WriteString(stdout, strings.Join(mounts, "\n")+"\n")
	return err
}

func (h *Host) ls(argv []string, dir string, stdout io.Writer) error {
	dir = path.Clean(dir)
	h.mu.Lock()
	_, isSubvol := h.subvolumes[dir]
	known := h.dirs[dir] || isSubvol
	names := h.namesLocked(dir)
	h.mu.Unlock()
	if !known {
		return h.fail(argv, 2, fmt.Sprintf("ls: cannot access '%s': No such file or directory", dir))
	}
	for _, n := range names {
		if _, err := fmt.Fprintln(stdout, n); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) namesLocked(dir string) []string {
	var names []string
	for p := range h.subvolumes {
		if path.Dir(p) == path.Clean(dir) {
			names = append(names, path.Base(p))
		}
	}
	sort.Strings(names)
	return names
}

func (h *Host) show(argv []string, p string, stdout io.Writer) error {
	s, ok := h.Get(path.Clean(p))
	if !ok {
		return h.fail(argv, 1, fmt.Sprintf("ERROR: cannot find real path for '%s': No such file or directory", p))
	}

	flags := "-"
	if s.ReadOnly {
		flags = "readonly"
	}
	_, err := fmt.Fprintf(stdout, "%s\n\tName: \t\t\t%s\n\tUUID: \t\t\t%s\n\tParent UUID: \t\t%s\n\tReceived UUID: \t\t%s\n\tCreation time: \t\t%s\n\tFlags: \t\t\t%s\n\tSnapshot(s):\n",
		strings.TrimPrefix(s.Path, "/"), path.Base(s.Path), s.UUID,
		nullUUID(s.ParentUUID), nullUUID(s.ReceivedUUID),
		s.Created.Format("2006-01-02 15:04:05 -0700"), flags)
	return err
}

func (h *Host) snapshot(argv []string, src, dst string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	source, ok := h.subvolumes[path.Clean(src)]
	if !ok {
		return h.fail(argv, 1, fmt.Sprintf("ERROR: Not a Btrfs subvolume: %s", src))
	}
	dst = path.Clean(dst)
	if _, exists := h.subvolumes[dst]; exists {
		return h.fail(argv, 1, fmt.Sprintf("ERROR: target path already exists: %s", dst))
	}
	if !h.dirs[path.Dir(dst)] {
		return h.fail(argv, 1, fmt.Sprintf("ERROR: cannot access '%s'", path.Dir(dst)))
	}

	h.subvolumes[dst] = &Subvolume{
		Path:       dst,
		UUID:       uuid.New(),
		ParentUUID: uuid.NullUUID{UUID: source.UUID, Valid: true},
		ReadOnly:   true,
		Created:    h.now(),
	}
	return nil
}

func (h *Host) delete(argv []string, p string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	if _, ok := h.subvolumes[p]; !ok {
		return h.fail(argv, 1, fmt.Sprintf("ERROR: cannot access subvolume %s: No such file or directory", p))
	}
	delete(h.subvolumes, p)
	return nil
}

// The simulated stream is a single header line.
func (h *Host) send(argv []string, p, base string, stdout io.Writer) error {
	s, ok := h.Get(path.Clean(p))
	if !ok || !s.ReadOnly {
		return h.fail(argv, 1, fmt.Sprintf("ERROR: subvolume %s is not read-only", p))
	}
	baseID := "-"
	if base != "" {
		b, ok := h.Get(path.Clean(base))
		if !ok {
			return h.fail(argv, 1, fmt.Sprintf("ERROR: cannot find parent subvolume %s", base))
		}
		baseID = b.OriginUUIDString()
	}
	_, err := fmt.Fprintf(stdout, "STREAM %s %s %s\n", path.Base(s.Path), s.UUID, baseID)
	if err != nil {
		return &domain.ExecError{Host: h.name, Command: argv, ExitStatus: 141, Err: err}
	}
	return nil
}

func (h *Host) receive(argv []string, dir string, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil {
		return h.fail(argv, 1, "ERROR: empty stream is not considered valid")
	}
	header, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && header == "" {
		return h.fail(argv, 1, "ERROR: empty stream is not considered valid")
	}
	_, _ = io.Copy(io.Discard, stdin)

	var name, id, base string
	if _, err := fmt.Sscanf(strings.TrimSpace(header), "STREAM %s %s %s", &name, &id, &base); err != nil {
		return h.fail(argv, 1, "ERROR: invalid stream header")
	}
	origin, err := uuid.Parse(id)
	if err != nil {
		return h.fail(argv, 1, "ERROR: invalid stream uuid")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	dir = path.Clean(dir)
	if !h.dirs[dir] {
		return h.fail(argv, 1, fmt.Sprintf("ERROR: cannot open %s", dir))
	}
	dst := path.Join(dir, name)
	if _, exists := h.subvolumes[dst]; exists {
		return h.fail(argv, 1, fmt.Sprintf("ERROR: creating subvolume %s failed: File exists", name))
	}

	var parent uuid.NullUUID
	if base != "-" {
		found := false
		for _, s := range h.subvolumes {
			if s.ReceivedUUID.Valid && s.ReceivedUUID.UUID.String() == base {
				parent = uuid.NullUUID{UUID: s.UUID, Valid: true}
				found = true
				break
			}
		}
		if !found {
			return h.fail(argv, 1, "ERROR: cannot find parent subvolume")
		}
	}

	h.subvolumes[dst] = &Subvolume{
		Path:         dst,
		UUID:         uuid.New(),
		ParentUUID:   parent,
		ReceivedUUID: uuid.NullUUID{UUID: origin, Valid: true},
		ReadOnly:     true,
		Created:      h.now(),
	}
	_, _ = fmt.Fprintf(stdout, "At subvol %s\n", name)
	return nil
}

// leavePartial creates the writable subvolume an interrupted receive of the
// stream on stdin leaves behind.
func (h *Host) leavePartial(dir string, stdin io.Reader) {
	header, _ := bufio.NewReader(stdin).ReadString('\n')
	var name, id, base string
	if _, err := fmt.Sscanf(strings.TrimSpace(header), "STREAM %s %s %s", &name, &id, &base); err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	dst := path.Join(path.Clean(dir), name)
	h.subvolumes[dst] = &Subvolume{Path: dst, UUID: uuid.New(), Created: h.now()}
}

// OriginUUIDString returns the received UUID if set, the UUID otherwise.
func (s *Subvolume) OriginUUIDString() string {
	if s.ReceivedUUID.Valid {
		return s.ReceivedUUID.UUID.String()
	}
	return s.UUID.String()
}

func nullUUID(id uuid.NullUUID) string {
	if !id.Valid {
		return "-"
	}
	return id.UUID.String()
}

var _ domain.Executor = (*Host)(nil)
