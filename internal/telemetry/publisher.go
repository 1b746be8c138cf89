package telemetry

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"helmsman/internal/metrics"
	"helmsman/internal/relay"
	directoryapi "helmsman/pkg/api/directory"
	api "helmsman/pkg/api/helmsman"
	"helmsman/pkg/logging"
)

// catalogTimeout bounds the Directory Service list calls inside one
// broadcast tick.
const catalogTimeout = 3 * time.Second

// RelaySource is the slice of the relay engine the publisher reads.
type RelaySource interface {
	Snapshot() relay.Snapshot
}

// CatalogSource lists the full line and stream catalog for dashboard
// aggregates.
type CatalogSource interface {
	ListLines(ctx context.Context) ([]directoryapi.Line, error)
	ListStreams(ctx context.Context) ([]directoryapi.Stream, error)
}

// SystemSource samples host metrics.
type SystemSource interface {
	Collect() api.SystemMetrics
}

// Publisher assembles telemetry payloads from the relay engine, the
// Directory Service catalog and the host, and broadcasts them on a fixed
// tick. It also relays ad hoc stream status events between ticks.
type Publisher struct {
	hub      *Hub
	engine   RelaySource
	catalog  CatalogSource
	system   SystemSource
	interval time.Duration
	logger   logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewPublisher creates a publisher broadcasting every interval.
func NewPublisher(hub *Hub, engine RelaySource, catalog CatalogSource, system SystemSource, interval time.Duration, logger logging.Logger) *Publisher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	p := &Publisher{
		hub:      hub,
		engine:   engine,
		catalog:  catalog,
		system:   system,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
	hub.SetSnapshotFunc(p.SnapshotMessages)
	hub.SetRequestFunc(p.BuildMessage)
	return p
}

// SetMetrics attaches the Prometheus metric set.
func (p *Publisher) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// Run broadcasts on every tick until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.broadcastAll()
		}
	}
}

// PublishStreamStatus pushes one stream:status event immediately, outside
// the broadcast tick. Wired as the relay engine's status listener.
func (p *Publisher) PublishStreamStatus(status api.StreamStatus) {
	p.hub.Broadcast(api.ChannelDashboard, api.Message{
		Event:     api.EventStreamStatus,
		Data:      status,
		Timestamp: p.now().UTC(),
	})
	p.metrics.EventPublished(api.EventStreamStatus, "ok")
}

// SnapshotMessages builds the full set of payloads pushed to a freshly
// connected observer.
func (p *Publisher) SnapshotMessages() []api.Message {
	snap := p.engine.Snapshot()
	return []api.Message{
		p.dashboardMessage(snap),
		p.connectionsMessage(snap),
		p.bandwidthMessage(snap),
		p.systemMessage(),
	}
}

// BuildMessage serves an observer's on-demand pull of one payload kind.
func (p *Publisher) BuildMessage(kind string) (api.Message, bool) {
	switch kind {
	case api.KindDashboard:
		return p.dashboardMessage(p.engine.Snapshot()), true
	case api.KindConnections:
		return p.connectionsMessage(p.engine.Snapshot()), true
	case api.KindBandwidth:
		return p.bandwidthMessage(p.engine.Snapshot()), true
	case api.KindSystem:
		return p.systemMessage(), true
	}
	return api.Message{}, false
}

func (p *Publisher) broadcastAll() {
	snap := p.engine.Snapshot()

	p.broadcast(api.ChannelDashboard, p.dashboardMessage(snap))
	p.broadcast(api.ChannelConnections, p.connectionsMessage(snap))
	p.broadcast(api.ChannelBandwidth, p.bandwidthMessage(snap))
	p.broadcast(api.ChannelSystem, p.systemMessage())
}

func (p *Publisher) broadcast(channel string, msg api.Message) {
	start := time.Now()
	p.hub.Broadcast(channel, msg)
	p.metrics.EventPublished(msg.Event, "ok")
	p.metrics.ObserveBroadcast(msg.Event, time.Since(start).Seconds())
}

func (p *Publisher) dashboardMessage(snap relay.Snapshot) api.Message {
	now := p.now()
	update := api.DashboardUpdate{
		ActiveConnections: snap.ActiveConnections,
		BytesPerSecond:    snap.BytesPerSecond,
		Bandwidth:         humanize.IBytes(uint64(snap.BytesPerSecond)) + "/s",
		Timestamp:         now.UTC().Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
	defer cancel()

	streams, err := p.catalog.ListStreams(ctx)
	if err != nil {
		// Connection and bandwidth figures are still worth pushing when the
		// Directory Service is down; catalog counts stay zero.
		p.logger.WithError(err).Warn("Failed to list streams for dashboard update")
	} else {
		update.Streams.Total = len(streams)
		for _, stream := range streams {
			if snap.ConnectionsByStream[stream.ID] > 0 {
				update.Streams.Online++
			}
		}
		update.Streams.Offline = update.Streams.Total - update.Streams.Online
	}

	lines, err := p.catalog.ListLines(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to list lines for dashboard update")
	} else {
		update.Lines.Total = len(lines)
		for i := range lines {
			line := &lines[i]
			switch {
			case line.Expired(now):
				update.Lines.Expired++
			case line.Enabled:
				update.Lines.Active++
			}
		}
	}

	return api.Message{
		Event:     api.EventDashboardUpdate,
		Data:      update,
		Timestamp: now.UTC(),
	}
}

func (p *Publisher) connectionsMessage(snap relay.Snapshot) api.Message {
	return api.Message{
		Event:     api.EventConnectionsUpdate,
		Data:      snap.Connections,
		Timestamp: p.now().UTC(),
	}
}

func (p *Publisher) bandwidthMessage(snap relay.Snapshot) api.Message {
	return api.Message{
		Event: api.EventBandwidthUpdate,
		Data: api.BandwidthUpdate{
			Total:      humanize.IBytes(uint64(snap.TotalBytes)),
			TotalBytes: snap.TotalBytes,
			PerSecond:  snap.BytesPerSecond,
			PerStream:  snap.PerStream,
			History:    snap.History,
			Timestamp:  p.now().UTC().Format(time.RFC3339),
		},
		Timestamp: p.now().UTC(),
	}
}

func (p *Publisher) systemMessage() api.Message {
	return api.Message{
		Event:     api.EventSystemMetrics,
		Data:      p.system.Collect(),
		Timestamp: p.now().UTC(),
	}
}
