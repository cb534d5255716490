// Package btrfs wraps the btrfs and util-linux command line tools and parses
// their output.
package btrfs

import (
	"bufio"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// NameLayout is the timestamp layout used in snapshot names.
const NameLayout = "2006-01-02T15:04:05Z07:00"

// creationLayout is the "Creation time" layout of btrfs subvolume show.
const creationLayout = "2006-01-02 15:04:05 -0700"

// emptyField is what btrfs prints for an unset UUID.
const emptyField = "-"

// SubvolumeInfo is the parsed output of "btrfs subvolume show".
type SubvolumeInfo struct {
	// BTRFSPath is the path relative to the filesystem root.
	BTRFSPath    string
	Name         string
	UUID         uuid.UUID
	ParentUUID   uuid.NullUUID
	ReceivedUUID uuid.NullUUID
	CreationTime time.Time
	ReadOnly     bool
}

// SnapshotName returns "<RFC3339 UTC timestamp>_<suffix>" for ts.
func SnapshotName(ts time.Time, suffix string) string {
	return ts.UTC().Truncate(time.Second).Format(NameLayout) + "_" + suffix
}

// ParseSnapshotName extracts the timestamp from a snapshot name. ok is false
// when name does not follow the naming convention for suffix.
func ParseSnapshotName(name, suffix string) (time.Time, bool) {
	stamp, ok := strings.CutSuffix(name, "_"+suffix)
	if !ok || stamp == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(NameLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// ParseResolvedPath parses the output of "readlink -e": exactly one absolute
// path.
func ParseResolvedPath(out string) (string, error) {
	lines := nonEmptyLines(out)
	if len(lines) != 1 {
		return "", &domain.ParseError{Field: "resolved path", Input: out, Reason: fmt.Sprintf("expected one line, got %d", len(lines))}
	}
	p := lines[0]
	if !path.IsAbs(p) {
		return "", &domain.ParseError{Field: "resolved path", Input: out, Reason: "path is not absolute"}
	}
	return path.Clean(p), nil
}

// MountColumns are the findmnt columns ParseMountTable expects, in order.
const MountColumns = "FSROOT,TARGET,FSTYPE,SOURCE,OPTIONS"

// ParseMountTable parses "findmnt -rn -o FSROOT,TARGET,FSTYPE,SOURCE,OPTIONS".
// Every non-empty line must have four or five fields; the options column may
// be absent. Records are returned in input order.
func ParseMountTable(out string) ([]domain.MountPoint, error) {
	var mounts []domain.MountPoint

	for i, line := range nonEmptyLines(out) {
		fields := strings.Fields(line)
		if len(fields) < 4 || len(fields) > 5 {
			return nil, &domain.ParseError{
				Field:  fmt.Sprintf("mount table line %d", i+1),
				Input:  line,
				Reason: fmt.Sprintf("expected 4 or 5 fields, got %d", len(fields)),
			}
		}

		for j, f := range fields {
			decoded, err := unescape(f)
			if err != nil {
				return nil, &domain.ParseError{Field: fmt.Sprintf("mount table line %d", i+1), Input: line, Reason: err.Error()}
			}
			fields[j] = decoded
		}

		m := domain.MountPoint{
			FSRoot: fields[0],
			Target: fields[1],
			FSType: fields[2],
			Source: stripSubvolSuffix(fields[3]),
		}
		if len(fields) == 5 {
			m.Options = parseOptions(fields[4])
		}
		mounts = append(mounts, m)
	}

	return mounts, nil
}

// ParseSubvolumeShow parses the output of "btrfs subvolume show <path>".
// The UUID is required; parent and received UUIDs may be "-". Parsing stops
// at the list of snapshots.
func ParseSubvolumeShow(out string) (*SubvolumeInfo, error) {
	info := &SubvolumeInfo{}
	var haveUUID bool

	scanner := bufio.NewScanner(strings.NewReader(out))
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, value, found := strings.Cut(line, ":")
		if first {
			first = false
			if !found || !knownLabels[strings.TrimSpace(key)] {
				info.BTRFSPath = line
				if !strings.HasPrefix(info.BTRFSPath, "/") {
					info.BTRFSPath = "/" + info.BTRFSPath
				}
				continue
			}
		}
		if !found {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "Name":
			info.Name = value
		case "UUID":
			id, err := uuid.Parse(value)
			if err != nil {
				return nil, &domain.ParseError{Field: "UUID", Input: value, Reason: err.Error()}
			}
			info.UUID = id
			haveUUID = true
		case "Parent UUID":
			id, err := parseOptionalUUID("Parent UUID", value)
			if err != nil {
				return nil, err
			}
			info.ParentUUID = id
		case "Received UUID":
			id, err := parseOptionalUUID("Received UUID", value)
			if err != nil {
				return nil, err
			}
			info.ReceivedUUID = id
		case "Creation time":
			if value != emptyField {
				ts, err := time.Parse(creationLayout, value)
				if err != nil {
					return nil, &domain.ParseError{Field: "Creation time", Input: value, Reason: err.Error()}
				}
				info.CreationTime = ts
			}
		case "Flags":
			for _, flag := range strings.Fields(value) {
				if flag == "readonly" {
					info.ReadOnly = true
				}
			}
		case "Snapshot(s)":
			return finish(info, haveUUID, out)
		}
	}

	return finish(info, haveUUID, out)
}

// knownLabels are the labels of "btrfs subvolume show" this parser reads.
var knownLabels = map[string]bool{
	"Name":          true,
	"UUID":          true,
	"Parent UUID":   true,
	"Received UUID": true,
	"Creation time": true,
	"Flags":         true,
	"Snapshot(s)":   true,
}

func finish(info *SubvolumeInfo, haveUUID bool, out string) (*SubvolumeInfo, error) {
	if !haveUUID {
		return nil, &domain.ParseError{Field: "UUID", Input: out, Reason: "field missing"}
	}
	return info, nil
}

func parseOptionalUUID(field, value string) (uuid.NullUUID, error) {
	if value == emptyField || value == "" {
		return uuid.NullUUID{}, nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.NullUUID{}, &domain.ParseError{Field: field, Input: value, Reason: err.Error()}
	}
	return uuid.NullUUID{UUID: id, Valid: true}, nil
}

// parseOptions splits a comma-separated option list into ordered key or
// key=value tokens.
func parseOptions(s string) []domain.MountOption {
	var opts []domain.MountOption
	for _, tok := range strings.Split(s, ",") {
		if tok == "" {
			continue
		}
		key, value, hasValue := strings.Cut(tok, "=")
		opts = append(opts, domain.MountOption{Key: key, Value: value, HasValue: hasValue})
	}
	return opts
}

// stripSubvolSuffix turns "/dev/sda1[/home]" into "/dev/sda1".
func stripSubvolSuffix(source string) string {
	if strings.HasSuffix(source, "]") {
		if i := strings.LastIndex(source, "["); i > 0 {
			return source[:i]
		}
	}
	return source
}

// unescape decodes the \xNN escapes findmnt uses in raw output.
func unescape(s string) (string, error) {
	if !strings.Contains(s, `\x`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if strings.HasPrefix(s[i:], `\x`) && i+4 <= len(s) {
			v, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
			if err != nil {
				return "", fmt.Errorf("invalid escape %q", s[i:i+4])
			}
			b.WriteByte(byte(v))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String(), nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
