package core

import (
	"strings"
	"time"
)

// Kind separates credential tiers when privileged routing is enabled.
type Kind string

const (
	KindNormal  Kind = "normal"
	KindPremium Kind = "premium"
)

// ParseKind normalizes a tier name, defaulting to KindNormal.
func ParseKind(value string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindPremium:
		return KindPremium
	default:
		return KindNormal
	}
}

// Credential is one registered upstream session credential.
type Credential struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Value       string     `json:"value"`
	Description string     `json:"description"`
	Kind        Kind       `json:"kind"`
	Enabled     bool       `json:"enabled"`
	Throttle    Throttle   `json:"throttle"`
	UsageCount  int64      `json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Usable reports whether the credential may be offered to the selector.
func (c Credential) Usable() bool {
	return c.Enabled && !c.Throttle.RateLimited
}

// APIKey is a client key accepted by the OpenAI-compatible API.
type APIKey struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Key           string     `json:"key"`
	Enabled       bool       `json:"enabled"`
	TotalRequests int64      `json:"total_requests"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// PoolStats summarizes credential availability.
type PoolStats struct {
	Total       int `json:"total"`
	Enabled     int `json:"enabled"`
	RateLimited int `json:"rate_limited"`
	Available   int `json:"available"`
	Normal      int `json:"normal"`
	Premium     int `json:"premium"`
}

// KeyStats summarizes client API key usage.
type KeyStats struct {
	Total         int   `json:"total"`
	Enabled       int   `json:"enabled"`
	TotalRequests int64 `json:"total_requests"`
	TodayRequests int64 `json:"today_requests"`
}

// Role values accepted in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
