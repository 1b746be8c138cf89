package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"helmsman/internal/relay"
	"helmsman/internal/telemetry"
	directoryapi "helmsman/pkg/api/directory"
	api "helmsman/pkg/api/helmsman"
	"helmsman/pkg/logging"
)

const testToken = "secret-token"

type stubDirectory struct {
	lines   map[int64]*directoryapi.Line
	streams map[int64]*directoryapi.Stream
}

func (d *stubDirectory) GetLine(_ context.Context, id int64) (*directoryapi.Line, error) {
	if line, ok := d.lines[id]; ok {
		return line, nil
	}
	return nil, directoryapi.ErrNotFound
}

func (d *stubDirectory) GetStream(_ context.Context, id int64) (*directoryapi.Stream, error) {
	if stream, ok := d.streams[id]; ok {
		return stream, nil
	}
	return nil, directoryapi.ErrNotFound
}

func (d *stubDirectory) RecordConnectionOpen(context.Context, *directoryapi.ConnectionOpen) error {
	return nil
}

func (d *stubDirectory) RecordConnectionClose(context.Context, *directoryapi.ConnectionClose) error {
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *Handlers) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)

	dir := &stubDirectory{
		lines:   map[int64]*directoryapi.Line{},
		streams: map[int64]*directoryapi.Stream{},
	}
	engine := relay.NewEngine(relay.Config{}, dir, logger)
	hub := telemetry.NewHub(logger)

	h := NewHandlers(engine, hub, logger)
	router := gin.New()
	h.RegisterRoutes(router, testToken)
	return router, h
}

func TestPlaybackRejectsBadPaths(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name string
		path string
	}{
		{"unknown stream type", "/radio/1/7"},
		{"non-numeric line", "/live/abc/7"},
		{"non-numeric stream", "/live/1/abc"},
		{"unknown line", "/live/99/7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != http.StatusNotFound {
				t.Errorf("GET %s = %d, want 404", tt.path, rec.Code)
			}
		})
	}
}

func TestRenderRelayErrorStatusMapping(t *testing.T) {
	_, h := newTestRouter(t)

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"line not found", relay.ErrLineNotFound, http.StatusNotFound},
		{"stream not found", relay.ErrStreamNotFound, http.StatusNotFound},
		{"quota exceeded", relay.ErrQuotaExceeded, http.StatusForbidden},
		{"upstream timeout", fmt.Errorf("%w: dial tcp", relay.ErrUpstreamTimeout), http.StatusGatewayTimeout},
		{"upstream status", &relay.UpstreamError{StatusCode: 503}, http.StatusBadGateway},
		{"upstream connect", &relay.UpstreamError{Err: errors.New("refused")}, http.StatusBadGateway},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			h.renderRelayError(c, tt.err)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body api.ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid error body: %v", err)
			}
			if body.Error == "" {
				t.Error("error body missing error field")
			}
		})
	}
}

func TestAdminAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusForbidden},
		{"valid token", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/connections", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestKickValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"missing line_id", `{}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
		{"valid request", `{"line_id": 42}`, http.StatusOK},
		{"valid with stream", `{"line_id": 42, "stream_id": 7}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/kick", strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+testToken)
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				var resp api.KickResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatalf("invalid kick response: %v", err)
				}
				if resp.Kicked != 0 {
					t.Errorf("Kicked = %d, want 0 with no sessions", resp.Kicked)
				}
			}
		})
	}
}

func TestKickAll(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/kick-all", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp api.KickResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
}

func TestStreamHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/streams/7/health", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var health api.StreamHealth
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("invalid health body: %v", err)
	}
	if health.StreamID != 7 || health.Status != api.StreamStatusIdle {
		t.Errorf("health = %+v, want idle stream 7", health)
	}
}

func TestStatsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid stats body: %v", err)
	}
	for _, key := range []string{"relay", "observers"} {
		if _, ok := body[key]; !ok {
			t.Errorf("stats body missing %q", key)
		}
	}
}
