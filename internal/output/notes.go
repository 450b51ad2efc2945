package output

import (
	"strings"
	"time"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/rotation"
)

const timeLayout = "2006-01-02 15:04"

// MaskValue shortens a credential for display, keeping the user prefix and
// the last four characters of the token.
func MaskValue(value string) string {
	token := rotation.ExtractToken(value)
	prefix := ""
	if token != value {
		prefix = strings.TrimSuffix(value, token)
	}
	if len(token) <= 8 {
		return prefix + strings.Repeat("*", len(token))
	}
	return prefix + token[:4] + "…" + token[len(token)-4:]
}

func statusLabel(c core.Credential) string {
	switch {
	case !c.Enabled:
		return "disabled"
	case c.Throttle.RateLimited:
		return "rate-limited"
	default:
		return "usable"
	}
}

func credentialNotes(c core.Credential) string {
	var notes []string
	if c.Throttle.RateLimited && c.Throttle.NextRetryAt != nil {
		notes = append(notes, "next probe "+formatTime(c.Throttle.NextRetryAt))
	}
	if strings.TrimSpace(c.Description) != "" {
		notes = append(notes, c.Description)
	}
	return strings.Join(notes, "; ")
}

func keyStatus(k core.APIKey) string {
	if k.Enabled {
		return "enabled"
	}
	return "revoked"
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}
