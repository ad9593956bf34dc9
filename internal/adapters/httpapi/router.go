// Package httpapi wires the HTTP surface: the two WebSocket upgrade
// endpoints (downstream clients and recording agents) and the small
// REST query surface (session lookup, liveness).
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tapewire/relay/internal/config"
	"github.com/tapewire/relay/internal/relay"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 3 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, reg *relay.Registry, logger zerolog.Logger) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	gw := relay.NewGateway(reg, cfg.HandshakeTimeout, logger)
	log := logger.With().Str("module", "httpapi").Logger()

	// Downstream WebSocket: anonymous upgrade, authenticated by the
	// connection token inside the first LOGIN payload.
	r.GET("/", func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("downstream upgrade failed")
			return
		}
		ws.SetReadLimit(cfg.ReadLimit)
		go gw.Handle(ws)
	})

	// Agent WebSocket: shared-secret header compared by exact equality.
	r.GET("/shard", func(c *gin.Context) {
		if c.GetHeader("Authorization") != cfg.ShardSecret {
			c.Status(http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("agent upgrade failed")
			return
		}
		ws.SetReadLimit(cfg.ReadLimit)
		go handleAgent(ctx, cfg, reg, ws, logger)
	})

	// Session lookup by id and key.
	r.GET("/info/:id/:key", func(c *gin.Context) {
		id, key := c.Param("id"), c.Param("key")
		if id == "" || key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid id or key"})
			return
		}
		shard, ok := reg.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "Recording not found"})
			return
		}
		desc := shard.Descriptor()
		if desc.Key != key {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "Invalid key"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ok": true,
			"recording": gin.H{
				"connectionToken":   shard.Token(),
				"clientId":          desc.ClientID,
				"clientName":        desc.ClientName,
				"flacEnabled":       desc.FlacEnabled,
				"continuousEnabled": desc.ContinuousEnabled,
				"serverName":        desc.ServerName,
				"serverIcon":        desc.ServerIcon,
				"channelName":       desc.ChannelName,
				"channelType":       desc.ChannelType,
			},
		})
	})

	// Liveness probe with aggregate counts.
	r.GET("/health", func(c *gin.Context) {
		sessions, links := reg.Counts()
		c.JSON(http.StatusOK, gin.H{"ok": true, "shards": sessions, "clients": links})
	})

	return r
}

// handleAgent runs the identify handshake and then the shard loop.
func handleAgent(ctx context.Context, cfg *config.Config, reg *relay.Registry, ws *websocket.Conn, logger zerolog.Logger) {
	_ = ws.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	_, first, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	shard, err := relay.HandleIdentify(reg, ws, first, cfg.SendQueueSize, logger)
	if err != nil {
		logger.Warn().Err(err).Str("module", "httpapi").Msg("agent identify rejected")
		return
	}
	shard.Run(ctx)
}
