package domain

import "strings"

// Device is a block device identity. Two devices are the same physical
// device iff their canonical paths are equal.
type Device struct {
	// Path is the path as configured, e.g. /dev/disk/by-uuid/....
	Path string `json:"path"`

	// Canonical is the path with all symlinks resolved.
	Canonical string `json:"canonical"`
}

// SameAs reports whether d and other name the same device node.
func (d Device) SameAs(other Device) bool {
	return d.Canonical != "" && d.Canonical == other.Canonical
}

// MountOption is one entry of a mount option list.
type MountOption struct {
	Key      string `json:"key"`
	Value    string `json:"value,omitempty"`
	HasValue bool   `json:"has_value,omitempty"`
}

// String renders the option as it appears in the mount table.
func (o MountOption) String() string {
	if o.HasValue {
		return o.Key + "=" + o.Value
	}
	return o.Key
}

// MountPoint is one entry of the live mount table.
type MountPoint struct {
	FSRoot  string        `json:"fsroot"`
	Target  string        `json:"target"`
	FSType  string        `json:"fstype"`
	Source  string        `json:"source"`
	Options []MountOption `json:"options"`
}

// Option returns the value of the named option and whether it is present.
func (m MountPoint) Option(key string) (string, bool) {
	for _, o := range m.Options {
		if o.Key == key {
			return o.Value, true
		}
	}
	return "", false
}

// OptionString renders the options back into their comma-separated form.
func (m MountPoint) OptionString() string {
	parts := make([]string, len(m.Options))
	for i, o := range m.Options {
		parts[i] = o.String()
	}
	return strings.Join(parts, ",")
}
