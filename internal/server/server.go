// Package server exposes the operational HTTP surface: health, readiness,
// stats, metrics, the WebSocket endpoint and a small admin API. Order intake
// itself happens on chain; this server never accepts trading requests.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/internal/bookcache"
	"github.com/veloxdex/veloxdex/internal/model"
	"github.com/veloxdex/veloxdex/internal/store"
)

// HealthReporter aggregates component health. The orchestrator satisfies it.
type HealthReporter interface {
	Health(ctx context.Context) map[string]string
	Ready() bool
	Stats() map[string]interface{}
}

// SnapshotCache is the book cache surface the server reads and repopulates.
type SnapshotCache interface {
	GetSnapshot(ctx context.Context, contract string) (*bookcache.Snapshot, error)
	Populate(ctx context.Context, contract string, orders []*model.Order) error
}

// Ingester accepts broadcast envelopes injected by operators.
type Ingester interface {
	Ingest(env model.BroadcastEnvelope)
}

// WSHandler upgrades and serves a WebSocket client.
type WSHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Server is the operational HTTP server.
type Server struct {
	logger     *zap.Logger
	health     HealthReporter
	orders     store.OrderStore
	cache      SnapshotCache
	dispatcher Ingester
	ws         WSHandler
}

// NewServer wires the server.
func NewServer(logger *zap.Logger, health HealthReporter, orders store.OrderStore, cache SnapshotCache, dispatcher Ingester, ws WSHandler) *Server {
	return &Server{
		logger:     logger,
		health:     health,
		orders:     orders,
		cache:      cache,
		dispatcher: dispatcher,
		ws:         ws,
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.Default())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/readyz", s.handleReadyz)
	router.GET("/stats", s.handleStats)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws", func(c *gin.Context) {
		s.ws.ServeWS(c.Writer, c.Request)
	})

	router.GET("/book/:contract", s.handleBookSnapshot)
	router.GET("/orders/:user", s.handleUserOrders)

	admin := router.Group("/admin")
	{
		admin.POST("/cache/refresh/:contract", s.handleCacheRefresh)
		admin.POST("/broadcast", s.handleAdminBroadcast)
	}

	return router
}

func (s *Server) handleHealthz(c *gin.Context) {
	components := s.health.Health(c.Request.Context())
	status := http.StatusOK
	for _, state := range components {
		if state != "healthy" && state != "pending" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(status, gin.H{"components": components})
}

func (s *Server) handleReadyz(c *gin.Context) {
	if !s.health.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.health.Stats())
}

// handleBookSnapshot serves the cached book, rebuilding it from the durable
// store when the cached sides have expired. An empty cache is a hint, never an
// answer.
func (s *Server) handleBookSnapshot(c *gin.Context) {
	contract := c.Param("contract")
	snap, err := s.cache.GetSnapshot(c.Request.Context(), contract)
	if err != nil {
		s.logger.Error("snapshot read failed", zap.Error(err), zap.String("contract", contract))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot unavailable"})
		return
	}
	if len(snap.Bids) == 0 && len(snap.Asks) == 0 {
		if rebuilt, ok := s.rebuildSnapshot(c.Request.Context(), contract); ok {
			snap = rebuilt
		}
	}
	c.JSON(http.StatusOK, snap)
}

// rebuildSnapshot repopulates one contract's book cache from the store and
// re-reads the snapshot. Returns false when the book is genuinely empty or the
// rebuild failed; the caller then serves the empty view it already has.
func (s *Server) rebuildSnapshot(ctx context.Context, contract string) (*bookcache.Snapshot, bool) {
	resting, err := s.orders.RestingOrders(ctx, contract)
	if err != nil {
		s.logger.Warn("snapshot store fallback failed", zap.Error(err), zap.String("contract", contract))
		return nil, false
	}
	if len(resting) == 0 {
		return nil, false
	}
	if err := s.cache.Populate(ctx, contract, resting); err != nil {
		s.logger.Warn("snapshot repopulate failed", zap.Error(err), zap.String("contract", contract))
		return nil, false
	}
	snap, err := s.cache.GetSnapshot(ctx, contract)
	if err != nil {
		s.logger.Warn("snapshot re-read failed", zap.Error(err), zap.String("contract", contract))
		return nil, false
	}
	return snap, true
}

func (s *Server) handleUserOrders(c *gin.Context) {
	user := c.Param("user")
	orders, err := s.orders.OrdersByUser(c.Request.Context(), user)
	if err != nil {
		s.logger.Error("user orders read failed", zap.Error(err), zap.String("user", user))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "orders unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "orders": orders})
}

// handleCacheRefresh rebuilds one contract's book cache from the store.
func (s *Server) handleCacheRefresh(c *gin.Context) {
	contract := c.Param("contract")
	resting, err := s.orders.RestingOrders(c.Request.Context(), contract)
	if err != nil {
		s.logger.Error("cache refresh read failed", zap.Error(err), zap.String("contract", contract))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store read failed"})
		return
	}
	if err := s.cache.Populate(c.Request.Context(), contract, resting); err != nil {
		s.logger.Error("cache refresh write failed", zap.Error(err), zap.String("contract", contract))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache write failed"})
		return
	}
	s.logger.Info("book cache refreshed", zap.String("contract", contract), zap.Int("orders", len(resting)))
	c.JSON(http.StatusOK, gin.H{"contract": contract, "orders": len(resting)})
}

type adminBroadcastRequest struct {
	Type    string          `json:"type" binding:"required"`
	Room    string          `json:"room" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// handleAdminBroadcast injects an envelope straight into the dispatcher,
// subject to the same rate limiting as queue traffic.
func (s *Server) handleAdminBroadcast(c *gin.Context) {
	var req adminBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env, err := model.NewBroadcastEnvelope(req.Type, req.Room, req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dispatcher.Ingest(*env)
	c.JSON(http.StatusAccepted, gin.H{"room": req.Room, "type": req.Type})
}
