package frame

import "strings"

// Rate-limit sentinels the upstream embeds in answer text when a credential is throttled.
const (
	SentinelURL      = "https://www.cursor.com/api/auth/checkoutDeepControl?tier=pro"
	SentinelPlain    = "You've reached your usage limit. Upgrade to Pro to continue: " + SentinelURL
	SentinelMarkdown = "You've reached your usage limit. [Upgrade to Pro](" + SentinelURL + ") to continue."
)

var sentinels = []string{SentinelPlain, SentinelMarkdown, SentinelURL}

// IsRateLimited reports whether text carries any rate-limit sentinel.
func IsRateLimited(text string) bool {
	if text == "" {
		return false
	}
	for _, s := range sentinels {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}
