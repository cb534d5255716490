package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// TimeUnit is the granularity of a retention tier.
type TimeUnit string

const (
	UnitMinutes TimeUnit = "minutes"
	UnitHours   TimeUnit = "hours"
	UnitDays    TimeUnit = "days"
	UnitWeeks   TimeUnit = "weeks"
)

// ParseTimeUnit accepts the unit names case-insensitively, singular or plural.
func ParseTimeUnit(s string) (TimeUnit, error) {
	u := TimeUnit(strings.ToLower(strings.TrimSpace(s)))
	if !strings.HasSuffix(string(u), "s") {
		u += "s"
	}
	if !u.IsValid() {
		return "", fmt.Errorf("unknown time unit %q (expected minutes, hours, days or weeks)", s)
	}
	return u, nil
}

// IsValid returns true for the four supported units.
func (u TimeUnit) IsValid() bool {
	switch u {
	case UnitMinutes, UnitHours, UnitDays, UnitWeeks:
		return true
	default:
		return false
	}
}

// Duration returns the length of one unit.
func (u TimeUnit) Duration() time.Duration {
	switch u {
	case UnitMinutes:
		return time.Minute
	case UnitHours:
		return time.Hour
	case UnitDays:
		return 24 * time.Hour
	case UnitWeeks:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// RetentionTier keeps one snapshot per Unit-wide bucket for Value buckets.
type RetentionTier struct {
	Value int      `mapstructure:"value" json:"value"`
	Unit  TimeUnit `mapstructure:"unit" json:"unit"`
}

// Width is the bucket width of the tier.
func (t RetentionTier) Width() time.Duration {
	return t.Unit.Duration()
}

// Reach is the maximum snapshot age the tier covers. It saturates at the
// largest representable duration instead of overflowing.
func (t RetentionTier) Reach() time.Duration {
	width := t.Unit.Duration()
	if width <= 0 || t.Value <= 0 {
		return 0
	}
	if int64(t.Value) > math.MaxInt64/int64(width) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(t.Value) * width
}

// Validate checks the tier is usable.
func (t RetentionTier) Validate() error {
	if !t.Unit.IsValid() {
		return fmt.Errorf("unit must be one of: minutes, hours, days, weeks (got %q)", t.Unit)
	}
	if t.Value < 1 {
		return fmt.Errorf("value must be at least 1 (got %d)", t.Value)
	}
	if limit := math.MaxInt64 / int64(t.Unit.Duration()); int64(t.Value) > limit {
		return fmt.Errorf("value must be at most %d %s (got %d)", limit, t.Unit, t.Value)
	}
	return nil
}

// String returns e.g. "24 hours".
func (t RetentionTier) String() string {
	return fmt.Sprintf("%d %s", t.Value, t.Unit)
}

// RetentionPolicy is the ordered set of tiers applied to one host.
type RetentionPolicy []RetentionTier

// MaxReach returns the largest reach across all tiers.
func (p RetentionPolicy) MaxReach() time.Duration {
	var longest time.Duration
	for _, t := range p {
		if r := t.Reach(); r > longest {
			longest = r
		}
	}
	return longest
}

// Validate checks every tier.
func (p RetentionPolicy) Validate() error {
	for i, t := range p {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tier %d: %w", i, err)
		}
	}
	return nil
}

// String joins the tiers, e.g. "24 hours, 7 days".
func (p RetentionPolicy) String() string {
	if len(p) == 0 {
		return "keep newest only"
	}
	parts := make([]string, len(p))
	for i, t := range p {
		parts[i] = t.String()
	}
	return strings.Join(parts, ", ")
}
