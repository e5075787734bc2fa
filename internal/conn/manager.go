package conn

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/types"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
)

// Channel is one established connection to a presence room.
type Channel interface {
	Join(ctx context.Context, session types.SessionID, member types.Member) error
	PublishPresence(ctx context.Context, member types.Member) error
	// OnPresenceChanged registers a roster-change notification handler.
	// Notifications carry no payload; callers pull a full snapshot.
	OnPresenceChanged(fn func())
	// PresenceState requests the full roster snapshot for the room.
	PresenceState(ctx context.Context) (map[types.SessionID]types.Member, error)
	// OnRevisionUpdated registers a handler for save events on the report.
	OnRevisionUpdated(report types.ReportID, fn func(revision int64))
	Close() error
}

// Dialer establishes a Channel to the room hosting a report.
type Dialer interface {
	Dial(ctx context.Context, room types.ReportID) (Channel, error)
}

// Config describes one room membership.
type Config struct {
	Room    types.ReportID
	Session types.SessionID
	Self    types.Member

	// OnPresence receives every full roster snapshot pulled after a
	// change notification (and once right after joining).
	OnPresence func(map[types.SessionID]types.Member)
	// OnRevision, when set, subscribes to revision-updated events for the
	// room's report.
	OnRevision func(revision int64)

	MaxAttempts int
	BaseDelay   time.Duration
}

// Manager maintains a single retrying connection to a presence room.
//
// Connect failures are retried with linear backoff: the delay before
// attempt n is BaseDelay*n, up to MaxAttempts attempts in total. After the
// final failure the manager gives up without surfacing an error to the
// caller; presence is advisory and the editor keeps working without it.
type Manager struct {
	dialer Dialer
	cfg    Config
	logger zerolog.Logger

	// sleep is swapped out by tests to observe backoff without timers.
	sleep func(ctx context.Context, d time.Duration) bool

	mu        sync.Mutex
	channel   Channel
	cancelled bool
	closeOnce sync.Once
}

// Option tweaks manager construction.
type Option func(*Manager)

// WithSleep replaces the backoff sleep. The function must return false
// when the wait was interrupted by context cancellation.
func WithSleep(fn func(ctx context.Context, d time.Duration) bool) Option {
	return func(m *Manager) { m.sleep = fn }
}

// NewManager constructs a manager for one room membership.
func NewManager(dialer Dialer, cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	m := &Manager{
		dialer: dialer,
		cfg:    cfg,
		logger: logger.With().Str("room", string(cfg.Room)).Logger(),
		sleep: func(ctx context.Context, d time.Duration) bool {
			select {
			case <-time.After(d):
				return true
			case <-ctx.Done():
				return false
			}
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open drives the connect loop. On success it joins the room, publishes the
// viewer's own presence, wires the pull-based presence reconciliation and,
// when configured, the revision-updated subscription. On terminal failure
// it logs a single giving-up report and returns; no error escapes.
func (m *Manager) Open(ctx context.Context) {
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if m.isCancelled() {
			return
		}
		if attempt > 1 {
			// Linear backoff: 1s before attempt 2, 2s before attempt 3.
			delay := m.cfg.BaseDelay * time.Duration(attempt-1)
			if !m.sleep(ctx, delay) {
				return
			}
			if m.isCancelled() {
				return
			}
		}

		connectAttempts.Inc()
		channel, err := m.dialer.Dial(ctx, m.cfg.Room)
		if err != nil {
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("presence connect failed")
			continue
		}

		if err := m.establish(ctx, channel); err != nil {
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("presence join failed")
			_ = channel.Close()
			continue
		}

		m.mu.Lock()
		if m.cancelled {
			// Close() raced the successful connect; tear down immediately
			// so an unmounted session cannot resurrect a connection.
			m.mu.Unlock()
			_ = channel.Close()
			return
		}
		m.channel = channel
		m.mu.Unlock()

		m.logger.Info().Int("attempt", attempt).Msg("presence connected")
		return
	}

	connectGiveUps.Inc()
	m.logger.Error().
		Int("attempts", m.cfg.MaxAttempts).
		Msgf("giving up after %d failed attempts", m.cfg.MaxAttempts)
}

func (m *Manager) establish(ctx context.Context, channel Channel) error {
	if err := channel.Join(ctx, m.cfg.Session, m.cfg.Self); err != nil {
		return err
	}
	if err := channel.PublishPresence(ctx, m.cfg.Self); err != nil {
		return err
	}

	channel.OnPresenceChanged(func() {
		m.refreshPresence(ctx, channel)
	})
	if m.cfg.OnRevision != nil {
		channel.OnRevisionUpdated(m.cfg.Room, m.cfg.OnRevision)
	}

	// Seed the tracker without waiting for the first change notification.
	m.refreshPresence(ctx, channel)
	return nil
}

// refreshPresence pulls one canonical snapshot and hands it to the
// consumer. Incremental patching is deliberately avoided; a full query per
// notification cannot drift.
func (m *Manager) refreshPresence(ctx context.Context, channel Channel) {
	if m.cfg.OnPresence == nil {
		return
	}
	state, err := channel.PresenceState(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("presence snapshot query failed")
		return
	}
	m.cfg.OnPresence(state)
}

// PublishPresence republishes the viewer's presence state, e.g. after the
// member metadata changed. A no-op while disconnected.
func (m *Manager) PublishPresence(ctx context.Context, member types.Member) error {
	m.mu.Lock()
	channel := m.channel
	m.mu.Unlock()
	if channel == nil {
		return nil
	}
	return channel.PublishPresence(ctx, member)
}

// Connected reports whether a channel is currently established.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel != nil
}

// Close tears the connection down exactly once. It is safe to call from
// both the explicit cleanup path and an unload hook; the second call is a
// no-op. A pending retry loop observes the cancel flag before its next
// attempt and before each backoff sleep.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.cancelled = true
		channel := m.channel
		m.channel = nil
		m.mu.Unlock()

		if channel != nil {
			if err := channel.Close(); err != nil {
				m.logger.Debug().Err(err).Msg("presence channel close failed")
			}
		}
		m.logger.Debug().Msg("presence connection closed")
	})
}

func (m *Manager) isCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}
