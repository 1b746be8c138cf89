package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	api "helmsman/pkg/api/helmsman"
)

// Session termination reasons. Whichever trigger fires first wins; all
// others become no-ops.
const (
	ReasonOriginEnd        = "origin-end"
	ReasonOriginError      = "origin-error"
	ReasonUpstreamFailed   = "upstream-failed"
	ReasonClientDisconnect = "client-disconnect"
	ReasonKicked           = "kicked"
)

// Session states.
const (
	stateConnecting int32 = iota
	stateStreaming
	stateClosed
)

// session is one active client-to-origin relay. The descriptive fields are
// snapshots taken at creation; profile edits mid-session never touch an open
// session. The transport handles live only in the Proxy call frame and are
// never stored here, so nothing outside the engine can write to the client.
type session struct {
	id         string
	lineID     int64
	streamID   int64
	username   string
	streamName string
	streamType string
	clientIP   string
	userAgent  string

	// Filled by the audit pipeline when a GeoIP database is loaded.
	countryCode string
	city        string

	connectedAt time.Time

	bytesSent  atomic.Int64
	lastActive atomic.Int64 // unix nanos

	state  atomic.Int32
	cancel context.CancelFunc
	once   sync.Once
}

func (s *session) touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

// summary returns the externally visible view of the session. No transport
// handle escapes.
func (s *session) summary(now time.Time) api.ConnectionSummary {
	return api.ConnectionSummary{
		ID:               s.id,
		LineID:           s.lineID,
		Username:         s.username,
		StreamID:         s.streamID,
		StreamName:       s.streamName,
		StreamType:       s.streamType,
		ClientIP:         s.clientIP,
		CountryCode:      s.countryCode,
		City:             s.city,
		UserAgent:        s.userAgent,
		ConnectedAt:      s.connectedAt,
		DurationSeconds:  int64(now.Sub(s.connectedAt).Seconds()),
		BytesTransferred: s.bytesSent.Load(),
	}
}
