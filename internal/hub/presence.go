package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/types"
)

const (
	defaultTTL         = 45 * time.Second
	defaultRosterKey   = "presence:room:"
	defaultEventPrefix = "hub:events:"
	scanBatchSize      = 100
)

type roomEvent struct {
	Type     FrameType      `json:"type"`
	Room     types.ReportID `json:"room"`
	Revision int64          `json:"revision,omitempty"`
	Origin   string         `json:"origin"`
}

// Service owns the presence rosters. Heartbeats live in Redis with a TTL;
// change notifications fan out over Redis pub/sub so every hub instance
// can nudge its local room members to pull a fresh snapshot.
type Service struct {
	client   *redis.Client
	registry *Registry
	logger   zerolog.Logger

	instance    string
	ttl         time.Duration
	rosterKey   string
	eventPrefix string

	mu     sync.RWMutex
	roster map[types.ReportID]map[types.SessionID]struct{}
}

// ServiceOption configures the presence service.
type ServiceOption func(*Service)

// WithHeartbeatTTL sets the lifetime of a presence heartbeat in Redis. A
// session that fails to refresh within the TTL is pruned from its room.
func WithHeartbeatTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// NewService constructs a presence service backed by Redis.
func NewService(client *redis.Client, registry *Registry, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		client:      client,
		registry:    registry,
		logger:      logger,
		instance:    uuid.NewString(),
		ttl:         defaultTTL,
		rosterKey:   defaultRosterKey,
		eventPrefix: defaultEventPrefix,
		roster:      make(map[types.ReportID]map[types.SessionID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins background maintenance goroutines.
func (s *Service) Start(ctx context.Context) {
	go s.subscribe(ctx)
	go s.expireLoop(ctx)
}

// Hooks wires the service into the gateway.
func (s *Service) Hooks() Hooks {
	return Hooks{
		OnJoin:     s.handleJoin,
		OnPresence: s.handlePresence,
		OnCommand:  s.handleCommand,
		OnDisconnect: func(conn *Conn) {
			s.Clear(context.Background(), conn.Room(), conn.Session())
		},
	}
}

func (s *Service) handleJoin(ctx context.Context, conn *Conn, env Envelope) error {
	if env.Session == "" || env.Member == nil {
		return errors.New("join frame missing session or member")
	}
	return s.record(ctx, conn.Room(), env.Session, *env.Member, conn)
}

func (s *Service) handlePresence(ctx context.Context, conn *Conn, env Envelope) error {
	session := env.Session
	if session == "" {
		session = conn.Session()
	}
	if session == "" || env.Member == nil {
		return errors.New("presence frame missing session or member")
	}
	return s.record(ctx, conn.Room(), session, *env.Member, conn)
}

func (s *Service) handleCommand(ctx context.Context, conn *Conn, env Envelope) error {
	if env.Command != CommandPresenceState {
		return fmt.Errorf("unknown command %q", env.Command)
	}
	reply := Envelope{Type: FrameCommandResult, CommandID: env.CommandID}
	state, err := s.Roster(ctx, conn.Room())
	if err != nil {
		s.logger.Warn().Err(err).Str("room", string(conn.Room())).Msg("roster query failed")
		reply.Error = "roster unavailable"
	} else {
		reply.State = state
	}
	return conn.Send(reply)
}

func (s *Service) record(ctx context.Context, room types.ReportID, session types.SessionID, member types.Member, origin *Conn) error {
	payload, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(room, string(session)), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}

	s.mu.Lock()
	if s.roster[room] == nil {
		s.roster[room] = make(map[types.SessionID]struct{})
	}
	s.roster[room][session] = struct{}{}
	s.mu.Unlock()

	s.notifyRoom(ctx, room, origin)
	return nil
}

// Clear drops the session's presence and notifies the room.
func (s *Service) Clear(ctx context.Context, room types.ReportID, session types.SessionID) {
	if room == "" || session == "" {
		return
	}
	key := s.sessionKey(room, string(session))
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
	}

	s.mu.Lock()
	if sessions := s.roster[room]; sessions != nil {
		delete(sessions, session)
		if len(sessions) == 0 {
			delete(s.roster, room)
		}
	}
	s.mu.Unlock()

	s.notifyRoom(ctx, room, nil)
}

// Roster loads the full presence snapshot for a room.
func (s *Service) Roster(ctx context.Context, room types.ReportID) (map[types.SessionID]types.Member, error) {
	pattern := s.sessionKey(room, "*")
	iter := s.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}

	state := make(map[types.SessionID]types.Member)
	if len(keys) == 0 {
		rosterSize.WithLabelValues(string(room)).Set(0)
		return state, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}

	prefix := s.sessionKey(room, "")
	for i, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		var member types.Member
		if err := json.Unmarshal([]byte(strVal), &member); err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		session := types.SessionID(keys[i][len(prefix):])
		state[session] = member
	}

	s.mu.Lock()
	sessions := make(map[types.SessionID]struct{}, len(state))
	for session := range state {
		sessions[session] = struct{}{}
	}
	if len(sessions) > 0 {
		s.roster[room] = sessions
	} else {
		delete(s.roster, room)
	}
	s.mu.Unlock()

	rosterSize.WithLabelValues(string(room)).Set(float64(len(state)))
	return state, nil
}

// NotifyRevision announces a save of the report to every room member, on
// this instance and every peer instance.
func (s *Service) NotifyRevision(ctx context.Context, report types.ReportID, revision int64) {
	s.registry.Broadcast(report, Envelope{
		Type:     FrameRevisionUpdated,
		Room:     report,
		Revision: &RevisionEvent{ReportID: report, Revision: revision},
	}, nil)
	s.publish(ctx, roomEvent{Type: FrameRevisionUpdated, Room: report, Revision: revision, Origin: s.instance})
}

func (s *Service) notifyRoom(ctx context.Context, room types.ReportID, origin *Conn) {
	s.registry.Broadcast(room, Envelope{Type: FramePresenceChanged, Room: room}, origin)
	s.publish(ctx, roomEvent{Type: FramePresenceChanged, Room: room, Origin: s.instance})
}

func (s *Service) publish(ctx context.Context, event roomEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Msg("marshal room event")
		return
	}
	if err := s.client.Publish(ctx, s.eventPrefix+string(event.Room), payload).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish room event")
	}
}

func (s *Service) subscribe(ctx context.Context) {
	if s.client == nil {
		return
	}
	pubsub := s.client.PSubscribe(ctx, s.eventPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(128))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event roomEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Warn().Err(err).Msg("failed to decode room event")
				continue
			}
			if event.Origin == s.instance {
				// Already broadcast locally when it was produced.
				continue
			}
			s.relay(event)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) relay(event roomEvent) {
	switch event.Type {
	case FramePresenceChanged:
		s.registry.Broadcast(event.Room, Envelope{Type: FramePresenceChanged, Room: event.Room}, nil)
	case FrameRevisionUpdated:
		s.registry.Broadcast(event.Room, Envelope{
			Type:     FrameRevisionUpdated,
			Room:     event.Room,
			Revision: &RevisionEvent{ReportID: event.Room, Revision: event.Revision},
		}, nil)
	default:
		s.logger.Debug().Str("type", string(event.Type)).Msg("ignoring relayed event")
	}
}

func (s *Service) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pruneExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) pruneExpired(ctx context.Context) {
	s.mu.RLock()
	snapshot := make(map[types.ReportID][]types.SessionID, len(s.roster))
	for room, sessions := range s.roster {
		ids := make([]types.SessionID, 0, len(sessions))
		for session := range sessions {
			ids = append(ids, session)
		}
		snapshot[room] = ids
	}
	s.mu.RUnlock()

	for room, sessions := range snapshot {
		for _, session := range sessions {
			exists, err := s.client.Exists(ctx, s.sessionKey(room, string(session))).Result()
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to check presence ttl")
				continue
			}
			if exists == 0 {
				s.logger.Debug().
					Str("room", string(room)).
					Str("session", string(session)).
					Msg("presence expired")
				s.Clear(ctx, room, session)
			}
		}
	}
}

func (s *Service) sessionKey(room types.ReportID, session string) string {
	return fmt.Sprintf("%s%s:session:%s", s.rosterKey, room, session)
}
