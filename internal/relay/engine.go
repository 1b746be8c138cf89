// Package relay implements the live playback path: resolving a line and a
// stream against the Directory Service, enforcing the line's concurrency
// quota, proxying the origin byte stream to the client and accounting every
// relayed byte in the bandwidth meter.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"helmsman/internal/metrics"
	directoryapi "helmsman/pkg/api/directory"
	api "helmsman/pkg/api/helmsman"
	"helmsman/pkg/geoip"
	"helmsman/pkg/kafka"
	"helmsman/pkg/logging"
)

// Directory is the slice of the Directory Service the engine needs: record
// lookups on the hot path and best-effort audit writes off it.
type Directory interface {
	GetLine(ctx context.Context, lineID int64) (*directoryapi.Line, error)
	GetStream(ctx context.Context, streamID int64) (*directoryapi.Stream, error)
	RecordConnectionOpen(ctx context.Context, event *directoryapi.ConnectionOpen) error
	RecordConnectionClose(ctx context.Context, event *directoryapi.ConnectionClose) error
}

// EventPublisher publishes relay lifecycle events to the analytics pipeline.
type EventPublisher interface {
	Publish(event *kafka.RelayEvent) error
}

// Config holds the engine's tunables.
type Config struct {
	// ConnectTimeout bounds the origin dial plus response headers. It never
	// applies to an established stream.
	ConnectTimeout time.Duration
	// MeterInterval is the bandwidth sampling tick.
	MeterInterval time.Duration
	// PlayerUserAgent is presented to origins in place of the client's own
	// User-Agent, which is never forwarded.
	PlayerUserAgent string
	// ChunkSize is the relay copy buffer size.
	ChunkSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  10 * time.Second,
		MeterInterval:   time.Second,
		PlayerUserAgent: "VLC/3.0.20 LibVLC/3.0.20",
		ChunkSize:       32 * 1024,
	}
}

// Snapshot is a point-in-time view of everything the engine knows, consumed
// by the telemetry publisher and the admin API.
type Snapshot struct {
	ActiveConnections   int                     `json:"active_connections"`
	ConnectionsByStream map[int64]int           `json:"connections_by_stream"`
	ConnectionsByLine   map[int64]int           `json:"connections_by_line"`
	Connections         []api.ConnectionSummary `json:"connections"`
	TotalBytes          int64                   `json:"total_bytes"`
	BytesPerSecond      float64                 `json:"bytes_per_second"`
	PerStream           []api.StreamBandwidth   `json:"per_stream"`
	History             []api.BandwidthSample   `json:"history"`
}

// Engine owns the session table and the relay loops.
type Engine struct {
	cfg       Config
	directory Directory
	meter     *Meter
	logger    logging.Logger
	metrics   *metrics.Metrics
	geo       *geoip.Reader
	events    EventPublisher
	onStatus  func(api.StreamStatus)
	upstream  *http.Client
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewEngine creates a relay engine. Geo reader, metrics, event publisher and
// status listener are optional and attached via setters.
func NewEngine(cfg Config, dir Directory, logger logging.Logger) *Engine {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MeterInterval <= 0 {
		cfg.MeterInterval = def.MeterInterval
	}
	if cfg.PlayerUserAgent == "" {
		cfg.PlayerUserAgent = def.PlayerUserAgent
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}

	return &Engine{
		cfg:       cfg,
		directory: dir,
		meter:     NewMeter(cfg.MeterInterval),
		logger:    logger,
		upstream: &http.Client{
			// No overall client timeout: a live stream is open-ended. The
			// connect phase is bounded by the dial and header timeouts.
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   cfg.ConnectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.ConnectTimeout,
				MaxIdleConnsPerHost:   8,
			},
		},
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// SetGeoReader attaches an optional GeoIP reader for audit enrichment.
func (e *Engine) SetGeoReader(geo *geoip.Reader) { e.geo = geo }

// SetMetrics attaches the Prometheus metric set.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// SetEventPublisher attaches an optional Kafka publisher.
func (e *Engine) SetEventPublisher(p EventPublisher) { e.events = p }

// SetStatusListener registers the callback invoked with a stream:status
// payload whenever a session opens or closes.
func (e *Engine) SetStatusListener(fn func(api.StreamStatus)) { e.onStatus = fn }

// Meter exposes the bandwidth meter for telemetry consumers.
func (e *Engine) Meter() *Meter { return e.meter }

// Run drives the meter tick until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MeterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.meter.Tick()
		}
	}
}

// Proxy serves one playback request: authorization, quota, origin fetch and
// the relay loop. A non-nil return means nothing was written to the client
// and the caller should render the error; once streaming has begun all
// failures are handled internally and Proxy returns nil.
func (e *Engine) Proxy(w http.ResponseWriter, r *http.Request, lineID, streamID int64, streamType string) error {
	ctx := r.Context()

	line, err := e.directory.GetLine(ctx, lineID)
	if err != nil {
		if errors.Is(err, directoryapi.ErrNotFound) {
			return ErrLineNotFound
		}
		return fmt.Errorf("resolving line %d: %w", lineID, err)
	}
	// Disabled and expired lines are indistinguishable from unknown ones so
	// probing can't enumerate accounts.
	if !line.Enabled || line.Expired(e.now()) {
		return ErrLineNotFound
	}

	stream, err := e.directory.GetStream(ctx, streamID)
	if err != nil {
		if errors.Is(err, directoryapi.ErrNotFound) {
			return ErrStreamNotFound
		}
		return fmt.Errorf("resolving stream %d: %w", streamID, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:          uuid.New().String(),
		lineID:      lineID,
		streamID:    streamID,
		username:    line.Username,
		streamName:  stream.Name,
		streamType:  streamType,
		clientIP:    clientAddr(r),
		userAgent:   r.UserAgent(),
		connectedAt: e.now(),
		cancel:      cancel,
	}
	s.touch(s.connectedAt)
	if geo := e.geo.Lookup(s.clientIP); geo != nil {
		s.countryCode = geo.CountryCode
		s.city = geo.City
	}

	// Quota check and registration happen in one critical section so two
	// concurrent requests can never both pass an at-limit check. The session
	// counts against the quota from here on, even while still connecting.
	e.mu.Lock()
	if line.MaxConnections > 0 && e.activeForLineLocked(lineID) >= line.MaxConnections {
		e.mu.Unlock()
		cancel()
		return ErrQuotaExceeded
	}
	e.sessions[s.id] = s
	e.mu.Unlock()
	e.metrics.SessionStarted(streamType)

	resp, err := e.openUpstream(sctx, stream)
	if err != nil {
		e.terminate(s, ReasonUpstreamFailed)
		return err
	}
	defer resp.Body.Close()

	s.state.Store(stateStreaming)
	e.logger.WithFields(logging.Fields{
		"connection_id": s.id,
		"line_id":       lineID,
		"stream_id":     streamID,
		"stream_type":   streamType,
		"client_ip":     s.clientIP,
	}).Info("Playback session started")

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp2t"
	}
	header := w.Header()
	header.Set("Content-Type", contentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	e.auditOpen(s)
	e.notifyStreamStatus(streamID)
	e.publishSessionEvent(kafka.EventConnectionOpen, s, "")

	e.relay(sctx, w, resp.Body, s)
	return nil
}

// relay is the copy loop. Byte ordering per chunk: meter first, then the
// client write, and the session counter only after the write succeeded, so
// bytesTransferred never exceeds what the client actually received.
func (e *Engine) relay(sctx context.Context, w http.ResponseWriter, body io.Reader, s *session) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, e.cfg.ChunkSize)

	for {
		if sctx.Err() != nil {
			e.terminate(s, ReasonClientDisconnect)
			return
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			e.meter.Record(s.streamID, n)
			e.metrics.BytesRelayed(s.streamType, n)

			if _, werr := w.Write(buf[:n]); werr != nil {
				e.terminate(s, ReasonClientDisconnect)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			s.bytesSent.Add(int64(n))
			s.touch(e.now())
		}

		if rerr != nil {
			switch {
			case errors.Is(rerr, io.EOF):
				e.terminate(s, ReasonOriginEnd)
			case sctx.Err() != nil:
				// The read failed because we cancelled the origin request.
				e.terminate(s, ReasonClientDisconnect)
			default:
				e.metrics.UpstreamError("mid-stream")
				e.logger.WithError(rerr).WithFields(logging.Fields{
					"connection_id": s.id,
					"stream_id":     s.streamID,
				}).Warn("Origin read failed mid-stream")
				e.terminate(s, ReasonOriginError)
			}
			return
		}
	}
}

func (e *Engine) openUpstream(ctx context.Context, stream *directoryapi.Stream) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stream.SourceURL, nil)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	// The client's request headers are never forwarded. A fixed player
	// identity keeps origins that fingerprint players happy regardless of
	// the subscriber's device.
	req.Header.Set("User-Agent", e.cfg.PlayerUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "keep-alive")
	// Interleaved ICY metadata would corrupt the raw byte relay.
	req.Header.Set("Icy-MetaData", "0")
	for k, v := range parseCustomHeaders(stream.CustomHeaders) {
		req.Header.Set(k, v)
	}

	resp, err := e.upstream.Do(req)
	if err != nil {
		if isTimeout(err) {
			e.metrics.UpstreamError("timeout")
			return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		e.metrics.UpstreamError("connect")
		return nil, &UpstreamError{Err: err}
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		e.metrics.UpstreamError("status")
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// terminate is the single cleanup funnel. Safe to call any number of times
// from any goroutine; only the first call per session does work. Returns
// whether this call was the one that fired.
func (e *Engine) terminate(s *session, reason string) bool {
	fired := false
	s.once.Do(func() {
		fired = true
		prev := s.state.Swap(stateClosed)
		s.cancel()

		// Removed from the table synchronously so quota and kick counts are
		// correct the moment terminate returns.
		e.mu.Lock()
		delete(e.sessions, s.id)
		e.mu.Unlock()

		e.metrics.SessionEnded(s.streamType, reason)
		e.logger.WithFields(logging.Fields{
			"connection_id": s.id,
			"line_id":       s.lineID,
			"stream_id":     s.streamID,
			"reason":        reason,
			"bytes_sent":    s.bytesSent.Load(),
			"duration_s":    int64(e.now().Sub(s.connectedAt).Seconds()),
		}).Info("Playback session ended")

		// A session that never reached streaming has no open audit, status
		// broadcast or open event to pair with.
		if prev == stateStreaming {
			e.auditClose(s, reason)
			e.notifyStreamStatus(s.streamID)
			e.publishSessionEvent(kafka.EventConnectionClose, s, reason)
		}
	})
	return fired
}

// Kick terminates every session of a line, optionally narrowed to one
// stream, and returns how many it terminated.
func (e *Engine) Kick(lineID int64, streamID *int64) int {
	return e.kick(func(s *session) bool {
		if s.lineID != lineID {
			return false
		}
		return streamID == nil || s.streamID == *streamID
	})
}

// KickAll terminates every active session.
func (e *Engine) KickAll() int {
	return e.kick(func(*session) bool { return true })
}

func (e *Engine) kick(match func(*session) bool) int {
	e.mu.Lock()
	victims := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		if match(s) {
			victims = append(victims, s)
		}
	}
	e.mu.Unlock()

	// Terminations run outside the table lock; terminate re-acquires it.
	count := 0
	for _, s := range victims {
		if e.terminate(s, ReasonKicked) {
			count++
		}
	}
	return count
}

// ActiveCount returns the number of sessions currently held by a line,
// connecting ones included.
func (e *Engine) ActiveCount(lineID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeForLineLocked(lineID)
}

func (e *Engine) activeForLineLocked(lineID int64) int {
	n := 0
	for _, s := range e.sessions {
		if s.lineID == lineID {
			n++
		}
	}
	return n
}

// ViewerCount returns the number of sessions currently playing a stream.
func (e *Engine) ViewerCount(streamID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.sessions {
		if s.streamID == streamID {
			n++
		}
	}
	return n
}

// Connections returns summaries of every active session, oldest first.
func (e *Engine) Connections() []api.ConnectionSummary {
	now := e.now()
	e.mu.Lock()
	out := make([]api.ConnectionSummary, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.summary(now))
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// StreamHealth reports one stream's live status, last-tick bitrate and
// lifetime byte count.
func (e *Engine) StreamHealth(streamID int64) api.StreamHealth {
	viewers := e.ViewerCount(streamID)
	status := api.StreamStatusIdle
	if viewers > 0 {
		status = api.StreamStatusOnline
	}
	return api.StreamHealth{
		StreamID:         streamID,
		Status:           status,
		BitrateKbps:      int64(math.Round(e.meter.StreamRate(streamID) * 8 / 1000)),
		ActiveViewers:    viewers,
		BytesTransferred: e.meter.StreamTotal(streamID),
	}
}

// Snapshot assembles the full telemetry view: session table plus meter state.
func (e *Engine) Snapshot() Snapshot {
	now := e.now()

	e.mu.Lock()
	byStream := make(map[int64]int)
	byLine := make(map[int64]int)
	conns := make([]api.ConnectionSummary, 0, len(e.sessions))
	for _, s := range e.sessions {
		byStream[s.streamID]++
		byLine[s.lineID]++
		conns = append(conns, s.summary(now))
	}
	e.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})

	perStream := make([]api.StreamBandwidth, 0)
	for _, u := range e.meter.PerStream() {
		perStream = append(perStream, api.StreamBandwidth{
			StreamID:       u.StreamID,
			Bandwidth:      humanize.IBytes(uint64(u.BytesPerSecond)) + "/s",
			BytesPerSecond: u.BytesPerSecond,
			Viewers:        byStream[u.StreamID],
		})
	}
	sort.Slice(perStream, func(i, j int) bool {
		return perStream[i].BytesPerSecond > perStream[j].BytesPerSecond
	})
	// The dashboard only charts the busiest streams.
	if len(perStream) > 10 {
		perStream = perStream[:10]
	}

	return Snapshot{
		ActiveConnections:   len(conns),
		ConnectionsByStream: byStream,
		ConnectionsByLine:   byLine,
		Connections:         conns,
		TotalBytes:          e.meter.GlobalTotal(),
		BytesPerSecond:      e.meter.GlobalRate(),
		PerStream:           perStream,
		History:             e.meter.History(),
	}
}

func (e *Engine) auditOpen(s *session) {
	event := &directoryapi.ConnectionOpen{
		ConnectionID: s.id,
		LineID:       s.lineID,
		StreamID:     s.streamID,
		Username:     s.username,
		StreamName:   s.streamName,
		StreamType:   s.streamType,
		ClientIP:     s.clientIP,
		UserAgent:    s.userAgent,
		CountryCode:  s.countryCode,
		City:         s.city,
		StartedAt:    s.connectedAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.directory.RecordConnectionOpen(ctx, event); err != nil {
			e.logger.WithError(err).WithField("connection_id", event.ConnectionID).
				Warn("Failed to record connection-open audit event")
		}
	}()
}

func (e *Engine) auditClose(s *session, reason string) {
	event := &directoryapi.ConnectionClose{
		ConnectionID: s.id,
		BytesSent:    s.bytesSent.Load(),
		Reason:       reason,
		EndedAt:      e.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.directory.RecordConnectionClose(ctx, event); err != nil {
			e.logger.WithError(err).WithField("connection_id", event.ConnectionID).
				Warn("Failed to record connection-close audit event")
		}
	}()
}

func (e *Engine) notifyStreamStatus(streamID int64) {
	if e.onStatus == nil {
		return
	}
	viewers := e.ViewerCount(streamID)
	status := api.StreamStatusIdle
	if viewers > 0 {
		status = api.StreamStatusOnline
	}
	e.onStatus(api.StreamStatus{
		StreamID:    streamID,
		Status:      status,
		ViewerCount: viewers,
		Timestamp:   e.now().UTC().Format(time.RFC3339),
	})
}

func (e *Engine) publishSessionEvent(eventType string, s *session, reason string) {
	if e.events == nil {
		return
	}
	event := &kafka.RelayEvent{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		Timestamp:    e.now().UTC(),
		ConnectionID: s.id,
		LineID:       s.lineID,
		StreamID:     s.streamID,
		Data: map[string]interface{}{
			"username":    s.username,
			"stream_type": s.streamType,
		},
	}
	if reason != "" {
		event.Data["reason"] = reason
		event.Data["bytes_sent"] = s.bytesSent.Load()
	}
	go func() {
		if err := e.events.Publish(event); err != nil {
			e.metrics.EventPublished(eventType, "error")
			e.logger.WithError(err).Debug("Relay event publish failed")
			return
		}
		e.metrics.EventPublished(eventType, "ok")
	}()
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// parseCustomHeaders decodes the operator-managed header JSON from the
// stream record. Malformed input means default headers only.
func parseCustomHeaders(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil
	}
	return headers
}

// clientAddr extracts the client IP, preferring the first X-Forwarded-For
// entry when the relay sits behind a proxy.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
