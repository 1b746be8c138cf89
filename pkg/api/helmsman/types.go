package helmsman

import (
	"time"

	"helmsman/pkg/api/common"
)

// Message is the envelope for every real-time event pushed to observers.
type Message struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// SubscriptionMessage is a control frame sent by an observer.
type SubscriptionMessage struct {
	// Action is subscribe, unsubscribe or request.
	Action   string   `json:"action"`
	Channels []string `json:"channels,omitempty"`
	// Kind selects the payload for an on-demand request:
	// dashboard, connections, bandwidth or system.
	Kind string `json:"kind,omitempty"`
}

// SubscriptionConfirmation acknowledges a subscribe/unsubscribe action.
type SubscriptionConfirmation struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Subscription channels
const (
	ChannelDashboard   = "dashboard"
	ChannelConnections = "connections"
	ChannelBandwidth   = "bandwidth"
	ChannelSystem      = "system"
	ChannelAll         = "all"
)

// Event names of the telemetry push protocol
const (
	EventDashboardUpdate   = "dashboard:update"
	EventConnectionsUpdate = "connections:update"
	EventBandwidthUpdate   = "bandwidth:update"
	EventSystemMetrics     = "system:metrics"
	EventStreamStatus      = "stream:status"
)

// Subscription actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionRequest     = "request"
)

// Payload kinds for on-demand requests
const (
	KindDashboard   = "dashboard"
	KindConnections = "connections"
	KindBandwidth   = "bandwidth"
	KindSystem      = "system"
)

// StreamCounts summarizes the stream catalog for the dashboard.
type StreamCounts struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// LineCounts summarizes subscriber lines for the dashboard.
type LineCounts struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// DashboardUpdate is the dashboard:update payload.
type DashboardUpdate struct {
	Streams           StreamCounts `json:"streams"`
	Lines             LineCounts   `json:"lines"`
	ActiveConnections int          `json:"active_connections"`
	BytesPerSecond    float64      `json:"bytes_per_second"`
	Bandwidth         string       `json:"bandwidth"`
	Timestamp         string       `json:"timestamp"`
}

// ConnectionSummary is one entry of the connections:update payload.
type ConnectionSummary struct {
	ID               string    `json:"id"`
	LineID           int64     `json:"line_id"`
	Username         string    `json:"username"`
	StreamID         int64     `json:"stream_id"`
	StreamName       string    `json:"stream_name"`
	StreamType       string    `json:"stream_type"`
	ClientIP         string    `json:"client_ip"`
	CountryCode      string    `json:"country_code,omitempty"`
	City             string    `json:"city,omitempty"`
	UserAgent        string    `json:"user_agent"`
	ConnectedAt      time.Time `json:"connected_at"`
	DurationSeconds  int64     `json:"duration_seconds"`
	BytesTransferred int64     `json:"bytes_transferred"`
}

// BandwidthSample is one history point of the global bandwidth ring.
type BandwidthSample struct {
	Timestamp      time.Time `json:"timestamp"`
	TotalBytes     int64     `json:"total_bytes"`
	BytesPerSecond float64   `json:"bytes_per_second"`
}

// StreamBandwidth is the per-stream breakdown of the bandwidth:update payload.
type StreamBandwidth struct {
	StreamID       int64   `json:"stream_id"`
	Bandwidth      string  `json:"bandwidth"`
	BytesPerSecond float64 `json:"bytes_per_second"`
	Viewers        int     `json:"viewers"`
}

// BandwidthUpdate is the bandwidth:update payload.
type BandwidthUpdate struct {
	Total      string            `json:"total"`
	TotalBytes int64             `json:"total_bytes"`
	PerSecond  float64           `json:"per_second"`
	PerStream  []StreamBandwidth `json:"per_stream"`
	History    []BandwidthSample `json:"history"`
	Timestamp  string            `json:"timestamp"`
}

// CPUMetrics is the CPU section of system:metrics.
type CPUMetrics struct {
	UsagePercent float64 `json:"usage_percent"`
	Load1        float64 `json:"load1"`
	Load5        float64 `json:"load5"`
	Load15       float64 `json:"load15"`
	Cores        int     `json:"cores"`
}

// MemoryMetrics is the memory section of system:metrics.
type MemoryMetrics struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// DiskMetrics is the primary-disk section of system:metrics.
type DiskMetrics struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// NetworkMetrics carries cumulative host network counters.
type NetworkMetrics struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// SystemMetrics is the system:metrics payload.
type SystemMetrics struct {
	CPU       CPUMetrics     `json:"cpu"`
	Memory    MemoryMetrics  `json:"memory"`
	Disk      DiskMetrics    `json:"disk"`
	Network   NetworkMetrics `json:"network"`
	Timestamp string         `json:"timestamp"`
}

// Stream status values
const (
	StreamStatusOnline = "online"
	StreamStatusIdle   = "idle"
)

// StreamStatus is the stream:status payload, emitted ad hoc on session
// open/close in addition to the broadcast tick.
type StreamStatus struct {
	StreamID    int64  `json:"stream_id"`
	Status      string `json:"status"`
	ViewerCount int    `json:"viewer_count"`
	Timestamp   string `json:"timestamp"`
}

// StreamHealth is the admin stream-health response.
type StreamHealth struct {
	StreamID         int64  `json:"stream_id"`
	Status           string `json:"status"`
	BitrateKbps      int64  `json:"bitrate_kbps"`
	ActiveViewers    int    `json:"active_viewers"`
	BytesTransferred int64  `json:"bytes_transferred"`
}

// KickRequest is the admin kick request body.
type KickRequest struct {
	LineID   int64  `json:"line_id"`
	StreamID *int64 `json:"stream_id,omitempty"`
}

// KickResponse reports how many sessions a kick terminated.
type KickResponse struct {
	Kicked int `json:"kicked"`
}

// ErrorResponse is the service error envelope.
type ErrorResponse struct {
	common.ErrorResponse
	Message string `json:"message,omitempty"`
}
