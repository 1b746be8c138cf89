// Package handlers wires the relay engine and the telemetry hub into the
// HTTP surface: subscriber playback routes, the authenticated admin API and
// the WebSocket observer endpoint.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"helmsman/internal/relay"
	"helmsman/internal/telemetry"
	directoryapi "helmsman/pkg/api/directory"
	api "helmsman/pkg/api/helmsman"
	"helmsman/pkg/logging"
	"helmsman/pkg/middleware"
)

const serviceName = "helmsman"

// Handlers holds the dependencies of the HTTP surface.
type Handlers struct {
	engine *relay.Engine
	hub    *telemetry.Hub
	logger logging.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(engine *relay.Engine, hub *telemetry.Hub, logger logging.Logger) *Handlers {
	return &Handlers{
		engine: engine,
		hub:    hub,
		logger: logger,
	}
}

// RegisterRoutes attaches all routes to the router. The admin group is
// guarded by the shared service token.
func (h *Handlers) RegisterRoutes(router *gin.Engine, serviceToken string) {
	router.GET("/ws", h.WebSocket)
	router.GET("/:streamType/:lineID/:streamID", h.Playback)

	admin := router.Group("/admin")
	admin.Use(middleware.ServiceAuthMiddleware(serviceToken))
	{
		admin.POST("/kick", h.Kick)
		admin.POST("/kick-all", h.KickAll)
		admin.GET("/stats", h.Stats)
		admin.GET("/connections", h.Connections)
		admin.GET("/streams/:id/health", h.StreamHealth)
	}
}

// Playback serves GET /{live|movie|series}/{lineID}/{streamID}. On success
// the engine owns the response for the lifetime of the stream.
func (h *Handlers) Playback(c *gin.Context) {
	streamType := c.Param("streamType")
	switch streamType {
	case directoryapi.CategoryLive, directoryapi.CategoryMovie, directoryapi.CategorySeries:
	default:
		c.JSON(http.StatusNotFound, errorBody("unknown stream type"))
		return
	}

	lineID, err := strconv.ParseInt(c.Param("lineID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody("invalid line id"))
		return
	}
	streamID, err := strconv.ParseInt(c.Param("streamID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody("invalid stream id"))
		return
	}

	if err := h.engine.Proxy(c.Writer, c.Request, lineID, streamID, streamType); err != nil {
		h.renderRelayError(c, err)
	}
}

// renderRelayError maps pre-stream relay failures to status codes. The
// engine guarantees err is non-nil only when no bytes have been written.
func (h *Handlers) renderRelayError(c *gin.Context, err error) {
	var upstreamErr *relay.UpstreamError
	switch {
	case errors.Is(err, relay.ErrLineNotFound):
		c.JSON(http.StatusNotFound, errorBody("line not found"))
	case errors.Is(err, relay.ErrStreamNotFound):
		c.JSON(http.StatusNotFound, errorBody("stream not found"))
	case errors.Is(err, relay.ErrQuotaExceeded):
		c.JSON(http.StatusForbidden, errorBody("connection limit reached"))
	case errors.Is(err, relay.ErrUpstreamTimeout):
		c.JSON(http.StatusGatewayTimeout, errorBody("origin connect timeout"))
	case errors.As(err, &upstreamErr):
		c.JSON(http.StatusBadGateway, errorBody("origin unavailable"))
	default:
		h.logger.WithError(err).Error("Playback request failed")
		c.JSON(http.StatusInternalServerError, errorBody("internal error"))
	}
}

// WebSocket upgrades the request into a telemetry observer connection.
func (h *Handlers) WebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// Kick terminates all sessions of a line, optionally narrowed to one stream.
func (h *Handlers) Kick(c *gin.Context) {
	var req api.KickRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.LineID <= 0 {
		c.JSON(http.StatusBadRequest, errorBody("line_id is required"))
		return
	}

	kicked := h.engine.Kick(req.LineID, req.StreamID)
	h.logger.WithFields(logging.Fields{
		"line_id": req.LineID,
		"kicked":  kicked,
	}).Info("Kicked line sessions")
	c.JSON(http.StatusOK, api.KickResponse{Kicked: kicked})
}

// KickAll terminates every active session.
func (h *Handlers) KickAll(c *gin.Context) {
	kicked := h.engine.KickAll()
	h.logger.WithField("kicked", kicked).Info("Kicked all sessions")
	c.JSON(http.StatusOK, api.KickResponse{Kicked: kicked})
}

// Stats returns the full relay snapshot plus observer hub statistics.
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"relay": h.engine.Snapshot(),
		"observers": gin.H{
			"total_clients":         h.hub.ClientCount(),
			"channel_subscriptions": h.hub.ChannelStats(),
		},
	})
}

// Connections lists every active playback session.
func (h *Handlers) Connections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"connections": h.engine.Connections()})
}

// StreamHealth reports live status and bitrate for one stream.
func (h *Handlers) StreamHealth(c *gin.Context) {
	streamID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid stream id"))
		return
	}
	c.JSON(http.StatusOK, h.engine.StreamHealth(streamID))
}

func errorBody(msg string) api.ErrorResponse {
	resp := api.ErrorResponse{Message: msg}
	resp.Error = msg
	resp.Service = serviceName
	return resp
}
