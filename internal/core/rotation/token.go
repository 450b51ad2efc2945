package rotation

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultInterval applies when an interval string cannot be parsed.
const DefaultInterval = 5 * time.Minute

const (
	encodedSeparator = "%3A%3A"
	plainSeparator   = "::"
)

var intervalPattern = regexp.MustCompile(`^(\d+)([smh])$`)

// Split breaks a raw credential string into its trimmed, non-empty entries.
func Split(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ExtractToken returns the usable token of a credential entry. Entries of the
// form "label::token" (or the percent-encoded separator) yield the part after
// the first separator.
func ExtractToken(entry string) string {
	entry = strings.TrimSpace(entry)
	if _, after, ok := strings.Cut(entry, encodedSeparator); ok {
		return after
	}
	if _, after, ok := strings.Cut(entry, plainSeparator); ok {
		return after
	}
	return entry
}

// ParseInterval parses "<n>[smh]" into a duration, falling back to DefaultInterval.
func ParseInterval(value string) time.Duration {
	m := intervalPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return DefaultInterval
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return DefaultInterval
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second
	case "m":
		return time.Duration(n) * time.Minute
	default:
		return time.Duration(n) * time.Hour
	}
}
