package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openfms/atlgateway/internal/observability"
	"openfms/atlgateway/internal/protocol"
	"openfms/atlgateway/internal/registry"
)

// commandRequest is the body of POST /send-command and of downlink messages
type commandRequest struct {
	DeviceID string                 `json:"device_id"`
	Type     string                 `json:"type"`
	Params   map[string]interface{} `json:"params"`
}

// Router builds the management API
func (s *TCPServer) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	observability.RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/sessions", s.handleSessions)
	r.GET("/sessions/:device_id", s.handleSession)
	r.GET("/ws/messages", s.tap.Handle)
	r.POST("/send-command", JWTAuth(s.config.JWTSecret), s.handleSendCommand)
	return r
}

func (s *TCPServer) startHTTPServer() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	s.log.Info().Str("addr", addr).Msg("HTTP server listening")
	return nil
}

func (s *TCPServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

func (s *TCPServer) handleHealth(c *gin.Context) {
	count := 0
	s.sessions.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"gateway_id":  s.config.GatewayID,
		"devices":     count,
		"tap_clients": s.tap.ClientCount(),
	})
}

func (s *TCPServer) handleSessions(c *gin.Context) {
	sessions := make([]SessionSnapshot, 0)
	s.conns.Range(func(key, value interface{}) bool {
		if session, ok := value.(*Session); ok {
			sessions = append(sessions, session.Snapshot())
		}
		return true
	})
	c.JSON(http.StatusOK, sessions)
}

// handleSession reports a local session, or which gateway holds the device
func (s *TCPServer) handleSession(c *gin.Context) {
	deviceID := c.Param("device_id")
	if session, ok := s.lookupSession(deviceID); ok {
		c.JSON(http.StatusOK, gin.H{"local": true, "session": session.Snapshot()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), registryTimeout)
	defer cancel()
	info, err := s.store.Lookup(ctx, deviceID)
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not connected"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"local": false, "session": info})
}

func (s *TCPServer) handleSendCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.DeviceID == "" || req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id and type are required"})
		return
	}

	err := s.SendCommand(req.DeviceID, protocol.StandardCommand{Type: req.Type, Params: req.Params})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "queued"})
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "device not connected"})
	case errors.Is(err, ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
