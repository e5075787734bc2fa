package hub

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/observability"
	"github.com/example/report-form-engine/internal/types"
)

// GatewayConfig controls the runtime behaviour of the websocket gateway.
type GatewayConfig struct {
	PingInterval  time.Duration
	PongTolerance time.Duration
	SendBuffer    int
	WriteTimeout  time.Duration

	// CheckOrigin overrides gorilla's default same-origin policy. Nil
	// keeps the default.
	CheckOrigin func(r *http.Request) bool
}

// Gateway upgrades HTTP requests into room-bound websocket connections and
// wires them into the registry and presence hooks.
type Gateway struct {
	registry *Registry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway creates a gateway with sane defaults.
func NewGateway(registry *Registry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) *Gateway {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTolerance == 0 {
		cfg.PongTolerance = 2 * cfg.PingInterval
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Gateway{
		registry: registry,
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "hub.upgrade")
	defer span.End()
	logger := observability.LoggerWithTrace(ctx, g.logger)

	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	room := types.ReportID(r.URL.Query().Get("room"))
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	opts := connOptions{
		pingInterval:   g.cfg.PingInterval,
		pongTolerance:  g.cfg.PongTolerance,
		sendBufferSize: g.cfg.SendBuffer,
		writeTimeout:   g.cfg.WriteTimeout,
	}

	var conn *Conn
	conn = newConn(ws, room, g.registry, g.logger, opts, func() {
		g.registry.Unregister(room, conn)
		if g.hooks.OnDisconnect != nil {
			g.hooks.OnDisconnect(conn)
		}
	})
	g.registry.Register(room, conn)

	go conn.Run(g.hooks)
}
