// Package duration provides human-readable duration parsing.
// It extends Go's standard time.ParseDuration with support for days and weeks.
//
// Examples:
//   - "30d" = 30 days
//   - "2w" = 2 weeks
//   - "1w2d12h" = 1 week, 2 days, 12 hours
//   - "720h" = 720 hours (standard Go format still works)
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day represents 24 hours.
	Day = 24 * time.Hour
	// Week represents 7 days.
	Week = 7 * Day
)

// unitHours maps extended unit names to their hour multiplier. Hours are the
// base for conversion since time.ParseDuration supports up to hours natively.
var unitHours = map[string]int64{
	"w":     7 * 24,
	"wk":    7 * 24,
	"wks":   7 * 24,
	"week":  7 * 24,
	"weeks": 7 * 24,

	"d":    24,
	"day":  24,
	"days": 24,
}

// extendedUnitPattern matches day/week units with optional whitespace between
// number and unit. Examples: "30d", "30 days", "2weeks".
var extendedUnitPattern = regexp.MustCompile(`(?i)(\d+)\s*(weeks?|wks?|w|days?|d)`)

// Parse parses a human-readable duration string. Extended units (days, weeks)
// are converted to hours before delegating to time.ParseDuration.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}

	var totalHours int64
	remaining := extendedUnitPattern.ReplaceAllStringFunc(s, func(match string) string {
		matches := extendedUnitPattern.FindStringSubmatch(match)
		if len(matches) == 3 {
			value, _ := strconv.ParseInt(matches[1], 10, 64)
			if multiplier, ok := unitHours[strings.ToLower(matches[2])]; ok {
				totalHours += value * multiplier
			}
		}
		return ""
	})

	remaining = strings.TrimSpace(remaining)

	var d time.Duration
	if remaining != "" {
		parsed, err := time.ParseDuration(remaining)
		if err != nil {
			return 0, fmt.Errorf("duration: invalid format %q: %w", s, err)
		}
		d = parsed
	}

	d += time.Duration(totalHours) * time.Hour
	if negative {
		d = -d
	}
	return d, nil
}

// Format returns a compact human-readable representation, preferring the
// largest whole unit. Example: Format(36 * time.Hour) => "1d12h0m0s".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	negative := d < 0
	if negative {
		d = -d
	}

	var b strings.Builder
	if weeks := d / Week; weeks > 0 {
		fmt.Fprintf(&b, "%dw", weeks)
		d -= weeks * Week
	}
	if days := d / Day; days > 0 {
		fmt.Fprintf(&b, "%dd", days)
		d -= days * Day
	}
	if d > 0 {
		b.WriteString(d.String())
	}

	if negative {
		return "-" + b.String()
	}
	return b.String()
}
