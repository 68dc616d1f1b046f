// Package operatorapi — server.go
//
// HTTP introspection/override API for the agent runtime.
//
// Transport: HTTP/JSON over a loopback TCP listener (contrast with the
// teacher's Unix domain socket protocol — this runtime is expected to
// run alongside other HTTP-speaking infrastructure, so a socket would
// be an unusual outlier rather than the ecosystem default).
// Bind: 127.0.0.1 only, configurable port.
//
// Routes:
//
//	GET  /healthz                 → {"ok":true}
//	GET  /status                  → tick count, stress level + active-tier mask,
//	                                 queue depth by priority, loaded plugin count, wake state
//	GET  /plugins                 → loaded plugins (id -> manifest version)
//	POST /plugins/:id/pause       → unloads a plugin (best-effort pause)
//	POST /plugins/:id/resume      → 409; resume requires reloading the module via Load
//	GET  /recipients              → all known recipient records
//	POST /ack                     → sets an ack override for (signalType, source)
//
// Security: no auth is implemented — this surface is meant to sit behind
// a loopback bind or a reverse proxy that enforces access control, the
// same trust boundary the teacher's root-only Unix socket enforced.
package operatorapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shady2k/lifemodel-sub006/internal/ack"
	"github.com/shady2k/lifemodel-sub006/internal/model"
	"github.com/shady2k/lifemodel-sub006/internal/pluginloader"
	"github.com/shady2k/lifemodel-sub006/internal/recipient"
)

// StatusProvider is implemented by the core loop to expose a point-in-time
// snapshot for the /status route.
type StatusProvider interface {
	Status() StatusSnapshot
}

// StatusSnapshot is a point-in-time view of the core loop.
type StatusSnapshot struct {
	TickCount      uint64                   `json:"tickCount"`
	StressLevel    model.StressLevel        `json:"stressLevel"`
	TierMask       model.ActiveTierMask     `json:"tierMask"`
	QueueSizes     [model.NumPriorities]int `json:"queueSizesByPriority"`
	PluginCount    int                      `json:"pluginCount"`
	LastWake       bool                     `json:"lastWake"`
	LastWakeReason string                   `json:"lastWakeReason,omitempty"`
}

// Server is the operator HTTP server.
type Server struct {
	engine     *gin.Engine
	log        *zap.Logger
	status     StatusProvider
	plugins    *pluginloader.Loader
	recipients *recipient.Registry
	acks       *ack.Registry
}

// New creates an operator Server. Any of plugins/recipients/acks/status may
// be nil; the corresponding routes then report a 503 rather than panic.
func New(status StatusProvider, plugins *pluginloader.Loader, recipients *recipient.Registry, acks *ack.Registry, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:     gin.New(),
		log:        log,
		status:     status,
		plugins:    plugins,
		recipients: recipients,
		acks:       acks,
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/plugins", s.handlePlugins)
	s.engine.POST("/plugins/:id/pause", s.handlePluginPause)
	s.engine.POST("/plugins/:id/resume", s.handlePluginResume)
	s.engine.GET("/recipients", s.handleRecipients)
	s.engine.POST("/ack", s.handleSetAck)
}

// ListenAndServe starts the HTTP server on addr and blocks until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("operator API listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("operatorapi: listen %q: %w", addr, err)
	}
	return nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "status unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.status.Status())
}

func (s *Server) handlePlugins(c *gin.Context) {
	if s.plugins == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "plugin loader unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugins": s.plugins.HealthCheck()})
}

func (s *Server) handlePluginPause(c *gin.Context) {
	if s.plugins == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "plugin loader unavailable"})
		return
	}
	id := c.Param("id")
	if err := s.plugins.Unload(c.Request.Context(), id); err != nil {
		s.writePluginError(c, err)
		return
	}
	s.log.Info("operator: plugin paused", zap.String("pluginId", id))
	c.JSON(http.StatusOK, gin.H{"ok": true, "pluginId": id})
}

func (s *Server) handlePluginResume(c *gin.Context) {
	// Resuming a paused plugin requires re-supplying its Module instance
	// (the loader holds no reference to an unloaded plugin's code), so
	// this route reports the constraint rather than pretending to resume.
	id := c.Param("id")
	c.JSON(http.StatusConflict, gin.H{
		"ok":    false,
		"error": "resume requires reloading the plugin module via Load; the API cannot resurrect an unloaded module",
		"pluginId": id,
	})
}

// recipientView is the operator-facing projection of a recipient record:
// id and channel only, never the raw destination, so this surface can't
// leak PII by accident.
type recipientView struct {
	RecipientID  string    `json:"recipientId"`
	Channel      string    `json:"channel"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

func (s *Server) handleRecipients(c *gin.Context) {
	if s.recipients == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "recipient registry unavailable"})
		return
	}
	records := s.recipients.GetAll()
	views := make([]recipientView, len(records))
	for i, r := range records {
		views[i] = recipientView{
			RecipientID:  r.RecipientID,
			Channel:      r.Channel,
			RegisteredAt: r.RegisteredAt,
			LastSeenAt:   r.LastSeenAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"recipients": views})
}

// setAckRequest is the JSON body for POST /ack.
type setAckRequest struct {
	SignalType    string  `json:"signalType" binding:"required"`
	Source        string  `json:"source"`
	AckType       string  `json:"ackType" binding:"required"`
	ValueAtAck    float64 `json:"valueAtAck"`
	OverrideDelta float64 `json:"overrideDelta"`
	Reason        string  `json:"reason"`
}

func (s *Server) handleSetAck(c *gin.Context) {
	if s.acks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "ack registry unavailable"})
		return
	}
	var req setAckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	s.acks.Set(model.Ack{
		SignalType:    req.SignalType,
		Source:        req.Source,
		AckType:       model.AckType(req.AckType),
		ValueAtAck:    req.ValueAtAck,
		OverrideDelta: req.OverrideDelta,
		Reason:        req.Reason,
	})
	s.log.Info("operator: ack set",
		zap.String("signalType", req.SignalType),
		zap.String("source", req.Source),
		zap.String("ackType", req.AckType))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// writePluginError maps a model.CoreError kind to an HTTP status and writes
// the response, falling back to 500 for unclassified errors.
func (s *Server) writePluginError(c *gin.Context, err error) {
	kind, ok := model.KindOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch kind {
	case model.ErrNotLoaded:
		status = http.StatusNotFound
	case model.ErrRequiredPlugin, model.ErrDependencyMissing, model.ErrDependencyVersion:
		status = http.StatusConflict
	case model.ErrValidationFailed:
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"ok": false, "error": err.Error(), "kind": string(kind)})
}
