package linkpreview

import "time"

const (
	// CacheTTL is how long successful fetches are cached.
	CacheTTL = 24 * time.Hour
	// ErrorCacheTTL is how long failed fetches are cached.
	ErrorCacheTTL = 1 * time.Hour
)

// CacheEntry is a URL-level cache row shared across messages.
type CacheEntry struct {
	URL         string
	Title       string
	Description string
	ImageURL    string
	SiteName    string
	FetchedAt   time.Time
	ExpiresAt   time.Time
	FetchError  string
}

// Preview is a per-message link preview row. It rides message responses and
// message:updated payloads, so the JSON shape is part of the wire contract.
type Preview struct {
	ID          string    `json:"id,omitempty"`
	MessageID   string    `json:"messageId,omitempty"`
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	SiteName    string    `json:"siteName,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}
