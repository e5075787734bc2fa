package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/types"
)

var errSendBufferFull = errors.New("send buffer full")

type connOptions struct {
	pingInterval   time.Duration
	pongTolerance  time.Duration
	sendBufferSize int
	writeTimeout   time.Duration
}

// Conn represents one upgraded websocket session bound to a report room.
type Conn struct {
	ws       *websocket.Conn
	room     types.ReportID
	registry *Registry
	logger   zerolog.Logger
	send     chan Envelope
	ctx      context.Context
	cancel   context.CancelFunc

	opts connOptions

	mu      sync.Mutex
	session types.SessionID

	closeOnce sync.Once
	onClose   func()
}

func newConn(ws *websocket.Conn, room types.ReportID, registry *Registry, logger zerolog.Logger, opts connOptions, onClose func()) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:       ws,
		room:     room,
		registry: registry,
		logger:   logger,
		send:     make(chan Envelope, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
}

// Room returns the bound report room.
func (c *Conn) Room() types.ReportID { return c.room }

// Session returns the session id announced by the join frame, empty until
// the client has joined.
func (c *Conn) Session() types.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conn) setSession(id types.SessionID) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

// Send enqueues an envelope for the writer goroutine. A full buffer drops
// the connection; a consumer that cannot keep up with roster churn would
// otherwise stall every room broadcast.
func (c *Conn) Send(env Envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		framesDropped.Inc()
		c.logger.Warn().Str("room", string(c.room)).Msg("send buffer full; closing connection")
		c.Close()
		return errSendBufferFull
	}
}

// Run pumps frames until the connection dies.
func (c *Conn) Run(hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears down the connection exactly once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Conn) readLoop(hooks Hooks) error {
	if c.opts.pongTolerance > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.pongTolerance))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(c.opts.pongTolerance))
		})
	}

	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		env, err := Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("malformed frame")
			continue
		}
		if err := c.handle(env, hooks); err != nil {
			return err
		}
	}
}

func (c *Conn) handle(env Envelope, hooks Hooks) error {
	switch env.Type {
	case FrameJoin:
		c.setSession(env.Session)
		if hooks.OnJoin != nil {
			return hooks.OnJoin(c.ctx, c, env)
		}
	case FramePresence:
		if hooks.OnPresence != nil {
			return hooks.OnPresence(c.ctx, c, env)
		}
	case FrameCommand:
		if hooks.OnCommand != nil {
			return hooks.OnCommand(c.ctx, c, env)
		}
	case FrameLeave:
		return errors.New("client left")
	default:
		c.logger.Debug().Str("type", string(env.Type)).Msg("ignoring client frame")
	}
	return nil
}

func (c *Conn) writeLoop() {
	var ping *time.Ticker
	if c.opts.pingInterval > 0 {
		ping = time.NewTicker(c.opts.pingInterval)
		defer ping.Stop()
	} else {
		ping = time.NewTicker(time.Hour)
		ping.Stop()
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.Close()
				return
			}
		case env := <-c.send:
			data, err := Encode(env)
			if err != nil {
				c.logger.Warn().Err(err).Msg("failed to encode outbound frame")
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		}
	}
}

// Hooks are the server-side callbacks wired by the presence service.
type Hooks struct {
	OnJoin       func(ctx context.Context, conn *Conn, env Envelope) error
	OnPresence   func(ctx context.Context, conn *Conn, env Envelope) error
	OnCommand    func(ctx context.Context, conn *Conn, env Envelope) error
	OnDisconnect func(conn *Conn)
}
