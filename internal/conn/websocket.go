package conn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/hub"
	"github.com/example/report-form-engine/internal/types"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultCommandTimeout   = 10 * time.Second
)

var errChannelClosed = errors.New("presence channel closed")

// WebsocketDialer dials the presence hub over websocket.
type WebsocketDialer struct {
	endpoint string
	logger   zerolog.Logger

	HandshakeTimeout time.Duration
}

// NewWebsocketDialer constructs a dialer for the hub endpoint, e.g.
// "ws://localhost:8080/rooms".
func NewWebsocketDialer(endpoint string, logger zerolog.Logger) *WebsocketDialer {
	return &WebsocketDialer{
		endpoint:         endpoint,
		logger:           logger,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, room types.ReportID) (Channel, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse hub endpoint: %w", err)
	}
	q := u.Query()
	q.Set("room", string(room))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	wsConn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	ch := &wsChannel{
		conn:        wsConn,
		room:        room,
		logger:      d.logger.With().Str("room", string(room)).Logger(),
		revisionFns: make(map[types.ReportID][]func(int64)),
		pending:     make(map[string]chan commandResult),
		done:        make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

type commandResult struct {
	state map[types.SessionID]types.Member
	err   error
}

type wsChannel struct {
	conn   *websocket.Conn
	room   types.ReportID
	logger zerolog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	session     types.SessionID
	presenceFns []func()
	revisionFns map[types.ReportID][]func(int64)
	pending     map[string]chan commandResult

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsChannel) Join(ctx context.Context, session types.SessionID, member types.Member) error {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return c.write(ctx, hub.Envelope{
		Type:    hub.FrameJoin,
		Room:    c.room,
		Session: session,
		Member:  &member,
	})
}

func (c *wsChannel) PublishPresence(ctx context.Context, member types.Member) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	return c.write(ctx, hub.Envelope{
		Type:    hub.FramePresence,
		Room:    c.room,
		Session: session,
		Member:  &member,
	})
}

func (c *wsChannel) OnPresenceChanged(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceFns = append(c.presenceFns, fn)
}

func (c *wsChannel) PresenceState(ctx context.Context) (map[types.SessionID]types.Member, error) {
	id := uuid.NewString()
	result := make(chan commandResult, 1)

	c.mu.Lock()
	c.pending[id] = result
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err := c.write(ctx, hub.Envelope{
		Type:      hub.FrameCommand,
		Room:      c.room,
		CommandID: id,
		Command:   hub.CommandPresenceState,
	})
	if err != nil {
		return nil, err
	}

	timeout := time.NewTimer(defaultCommandTimeout)
	defer timeout.Stop()
	select {
	case res := <-result:
		return res.state, res.err
	case <-timeout.C:
		return nil, fmt.Errorf("presence-state command timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errChannelClosed
	}
}

func (c *wsChannel) OnRevisionUpdated(report types.ReportID, fn func(int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revisionFns[report] = append(c.revisionFns[report], fn)
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		defer cancel()
		_ = c.write(leaveCtx, hub.Envelope{Type: hub.FrameLeave, Room: c.room})

		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *wsChannel) write(ctx context.Context, env hub.Envelope) error {
	data, err := hub.Encode(env)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) readLoop() {
	defer c.failPending()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					c.logger.Debug().Err(err).Msg("presence read loop exited")
				}
			}
			return
		}

		env, err := hub.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("malformed hub envelope")
			continue
		}
		c.dispatch(env)
	}
}

func (c *wsChannel) dispatch(env hub.Envelope) {
	switch env.Type {
	case hub.FramePresenceChanged:
		c.mu.Lock()
		fns := make([]func(), len(c.presenceFns))
		copy(fns, c.presenceFns)
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}

	case hub.FrameCommandResult:
		c.mu.Lock()
		result, ok := c.pending[env.CommandID]
		c.mu.Unlock()
		if !ok {
			return
		}
		res := commandResult{state: env.State}
		if env.Error != "" {
			res.err = errors.New(env.Error)
		}
		select {
		case result <- res:
		default:
		}

	case hub.FrameRevisionUpdated:
		if env.Revision == nil {
			return
		}
		c.mu.Lock()
		fns := make([]func(int64), len(c.revisionFns[env.Revision.ReportID]))
		copy(fns, c.revisionFns[env.Revision.ReportID])
		c.mu.Unlock()
		for _, fn := range fns {
			fn(env.Revision.Revision)
		}

	default:
		c.logger.Debug().Str("type", string(env.Type)).Msg("ignoring unexpected frame")
	}
}

func (c *wsChannel) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, result := range c.pending {
		select {
		case result <- commandResult{err: errChannelClosed}:
		default:
		}
		delete(c.pending, id)
	}
}
