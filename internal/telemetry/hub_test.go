package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"helmsman/internal/metrics"
	api "helmsman/pkg/api/helmsman"
	"helmsman/pkg/monitoring"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) api.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestHubSendsInitialSnapshot(t *testing.T) {
	hub, srv := startHub(t)
	hub.SetSnapshotFunc(func() []api.Message {
		return []api.Message{
			{Event: api.EventDashboardUpdate, Timestamp: time.Now()},
			{Event: api.EventBandwidthUpdate, Timestamp: time.Now()},
		}
	})

	conn := dialHub(t, srv)

	if msg := readMessage(t, conn); msg.Event != api.EventDashboardUpdate {
		t.Errorf("first snapshot event = %q, want %q", msg.Event, api.EventDashboardUpdate)
	}
	if msg := readMessage(t, conn); msg.Event != api.EventBandwidthUpdate {
		t.Errorf("second snapshot event = %q, want %q", msg.Event, api.EventBandwidthUpdate)
	}
}

func TestHubRoutesByChannel(t *testing.T) {
	hub, srv := startHub(t)

	firehose := dialHub(t, srv)
	narrow := dialHub(t, srv)

	// Both registrations must land before anything is broadcast.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.ClientCount() != 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("ClientCount() = %d, want 2", got)
	}

	// Narrow the second client down to the system channel.
	if err := narrow.WriteJSON(api.SubscriptionMessage{
		Action:   api.ActionSubscribe,
		Channels: []string{api.ChannelSystem},
	}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	narrow.SetReadDeadline(time.Now().Add(2 * time.Second))
	var confirmation api.SubscriptionConfirmation
	if err := narrow.ReadJSON(&confirmation); err != nil {
		t.Fatalf("reading confirmation: %v", err)
	}
	if confirmation.Type != "subscription_confirmed" {
		t.Fatalf("confirmation type = %q", confirmation.Type)
	}

	hub.Broadcast(api.ChannelBandwidth, api.Message{Event: api.EventBandwidthUpdate, Timestamp: time.Now()})
	hub.Broadcast(api.ChannelSystem, api.Message{Event: api.EventSystemMetrics, Timestamp: time.Now()})

	// The firehose client sees both events in order.
	if msg := readMessage(t, firehose); msg.Event != api.EventBandwidthUpdate {
		t.Errorf("firehose client got %q, want %q", msg.Event, api.EventBandwidthUpdate)
	}
	if msg := readMessage(t, firehose); msg.Event != api.EventSystemMetrics {
		t.Errorf("firehose client got %q, want %q", msg.Event, api.EventSystemMetrics)
	}

	// The narrowed client's first message must be the system event; receiving
	// the bandwidth event here would mean channel routing leaked.
	if msg := readMessage(t, narrow); msg.Event != api.EventSystemMetrics {
		t.Errorf("narrow client got %q, want %q", msg.Event, api.EventSystemMetrics)
	}
}

func TestHubSlowConsumerCountedOnce(t *testing.T) {
	logger := discardLogger()
	hub := NewHub(logger)
	m := metrics.New(monitoring.NewMetricsCollector("hub-test", "test", "test"))
	hub.SetMetrics(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	waitCount := func(want int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && hub.ClientCount() != want {
			time.Sleep(5 * time.Millisecond)
		}
		if got := hub.ClientCount(); got != want {
			t.Fatalf("ClientCount() = %d, want %d", got, want)
		}
	}

	// A stalled client whose send buffer is already full.
	stalled := &Client{
		hub:      hub,
		send:     make(chan []byte, 1),
		channels: map[string]bool{api.ChannelAll: true},
		logger:   logger,
	}
	stalled.send <- []byte("backlog")
	hub.register <- stalled
	waitCount(1)

	// The broadcast drops the stalled client and counts the disconnect.
	hub.Broadcast(api.ChannelAll, api.Message{Event: api.EventBandwidthUpdate, Timestamp: time.Now()})
	waitCount(0)

	// Its pump unregisters afterwards; that must not decrement again.
	hub.unregister <- stalled

	healthy := &Client{
		hub:      hub,
		send:     make(chan []byte, 16),
		channels: map[string]bool{api.ChannelAll: true},
		logger:   logger,
	}
	hub.register <- healthy
	waitCount(1)

	if got := testutil.ToFloat64(m.HubClients.WithLabelValues("all")); got != 1 {
		t.Errorf("observer gauge = %v, want 1 connected client", got)
	}
}

func TestHubOnDemandRequest(t *testing.T) {
	hub, srv := startHub(t)
	hub.SetRequestFunc(func(kind string) (api.Message, bool) {
		if kind != api.KindBandwidth {
			return api.Message{}, false
		}
		return api.Message{Event: api.EventBandwidthUpdate, Timestamp: time.Now()}, true
	})

	conn := dialHub(t, srv)
	if err := conn.WriteJSON(api.SubscriptionMessage{
		Action: api.ActionRequest,
		Kind:   api.KindBandwidth,
	}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	if msg := readMessage(t, conn); msg.Event != api.EventBandwidthUpdate {
		t.Errorf("on-demand reply event = %q, want %q", msg.Event, api.EventBandwidthUpdate)
	}
}

func TestHubClientCount(t *testing.T) {
	hub, srv := startHub(t)

	first := dialHub(t, srv)
	dialHub(t, srv)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.ClientCount() != 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("ClientCount() = %d, want 2", got)
	}

	first.Close()
	for time.Now().Before(deadline) && hub.ClientCount() != 1 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := hub.ClientCount(); got != 1 {
		t.Errorf("ClientCount() after close = %d, want 1", got)
	}
}
