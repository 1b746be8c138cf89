// Package directory holds the wire types of the Directory Service, the
// external system of record for subscriber lines and the stream catalog.
// The relay only ever reads these records; it never mutates them.
package directory

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Directory Service lookups when no such record
// exists. Shared here so consumers don't couple to a client implementation.
var ErrNotFound = errors.New("directory: record not found")

// Stream categories
const (
	CategoryLive   = "live"
	CategoryMovie  = "movie"
	CategorySeries = "series"
)

// Line is a subscriber account with a playback concurrency quota.
type Line struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	Enabled        bool       `json:"enabled"`
	MaxConnections int        `json:"max_connections"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the line's expiration timestamp is in the past.
// A line without an expiration never expires.
func (l *Line) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// Stream is a catalog entry describing an origin URL and playback metadata.
type Stream struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	// Category is one of live, movie, series.
	Category  string `json:"category"`
	SourceURL string `json:"source_url"`
	// CustomHeaders is a raw JSON object of extra upstream request headers
	// (string values). Operators edit this by hand in the panel, so the relay
	// tolerates malformed content by ignoring it.
	CustomHeaders string `json:"custom_headers,omitempty"`
}

// ConnectionOpen is the audit event recorded when a playback session starts.
type ConnectionOpen struct {
	ConnectionID string    `json:"connection_id"`
	LineID       int64     `json:"line_id"`
	StreamID     int64     `json:"stream_id"`
	Username     string    `json:"username"`
	StreamName   string    `json:"stream_name"`
	StreamType   string    `json:"stream_type"`
	ClientIP     string    `json:"client_ip"`
	UserAgent    string    `json:"user_agent"`
	CountryCode  string    `json:"country_code,omitempty"`
	City         string    `json:"city,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// ConnectionClose is the audit event recorded when a playback session ends.
type ConnectionClose struct {
	ConnectionID string    `json:"connection_id"`
	BytesSent    int64     `json:"bytes_sent"`
	Reason       string    `json:"reason"`
	EndedAt      time.Time `json:"ended_at"`
}
