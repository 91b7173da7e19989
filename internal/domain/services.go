package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Result sources reported to the UI.
const (
	SourceGateway  = "gateway"
	SourceCache    = "cache"
	SourceFallback = "fallback"
)

// Model is one entry of the gateway's models.list payload.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Provider      string `json:"provider,omitempty"`
	ContextWindow int    `json:"contextWindow,omitempty"`
}

// ModelsResult is returned to the UI. OK is true even when the gateway failed
// and the list came from the cache or the built-in fallback.
type ModelsResult struct {
	OK       bool       `json:"ok"`
	Models   []Model    `json:"models"`
	Source   string     `json:"source"`
	CachedAt *time.Time `json:"cachedAt,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// ChatMessage is one turn of the conversation sent for follow-up generation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FollowUpRequest asks for suggested next questions.
type FollowUpRequest struct {
	Messages []ChatMessage `json:"messages"`
	Count    int           `json:"count,omitempty"`
}

// FollowUpResult carries suggestions. A gateway failure yields an empty list
// with OK still true.
type FollowUpResult struct {
	OK          bool     `json:"ok"`
	Suggestions []string `json:"suggestions"`
	Error       string   `json:"error,omitempty"`
}

// HealthStatus is the outcome of the latest gateway probe.
type HealthStatus struct {
	Reachable bool          `json:"reachable"`
	CheckedAt time.Time     `json:"checkedAt"`
	Latency   time.Duration `json:"-"`
	LatencyMS int64         `json:"latencyMs"`
	Code      ErrorCode     `json:"code,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// CachedPayload is a gateway payload stored after a successful call.
type CachedPayload struct {
	Key      string
	Payload  json.RawMessage
	StoredAt time.Time
}

// PayloadCache keeps the last good payload per key.
type PayloadCache interface {
	Put(ctx context.Context, key string, payload json.RawMessage) error
	// Get returns ok=false when key has no entry.
	Get(ctx context.Context, key string) (entry CachedPayload, ok bool, err error)
	Close() error
}
