package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottleWindow(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	throttle := Limit(start)

	require.True(t, throttle.RateLimited)
	require.Equal(t, start.Add(2*time.Hour), *throttle.NextRetryAt)

	require.False(t, throttle.DueForProbe(start.Add(time.Hour)))
	require.True(t, throttle.DueForProbe(start.Add(2*time.Hour)))

	require.False(t, throttle.Expired(start.Add(11*time.Hour+59*time.Minute)))
	require.True(t, throttle.Expired(start.Add(12*time.Hour)))
}

func TestThrottleInactive(t *testing.T) {
	var throttle Throttle
	now := time.Now()
	require.False(t, throttle.Expired(now))
	require.False(t, throttle.DueForProbe(now))
}

func TestParseKind(t *testing.T) {
	require.Equal(t, KindPremium, ParseKind(" Premium "))
	require.Equal(t, KindNormal, ParseKind(""))
	require.Equal(t, KindNormal, ParseKind("gold"))
}
