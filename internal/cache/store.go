package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/types"
)

const (
	defaultTTL       = 7 * 24 * time.Hour
	defaultKeyPrefix = "draft:report:"
)

type entry struct {
	Snapshot types.FormSnapshot `json:"snapshot"`
	SavedAt  time.Time          `json:"savedAt"`
}

// Store is the client-side draft cache: the last-known form snapshot per
// report plus the moment it was saved to storage. It resolves "which copy
// is newer" when a report is reopened; the local copy wins only if it is
// strictly newer and the report is still a draft.
type Store struct {
	client    *redis.Client
	logger    zerolog.Logger
	ttl       time.Duration
	keyPrefix string
}

// NewStore constructs a draft cache backed by Redis.
func NewStore(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		ttl:       defaultTTL,
		keyPrefix: defaultKeyPrefix,
	}
}

// Put records the snapshot for the report.
func (s *Store) Put(ctx context.Context, id types.ReportID, snapshot types.FormSnapshot, savedAt time.Time) error {
	payload, err := json.Marshal(entry{Snapshot: snapshot, SavedAt: savedAt})
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	if err := s.client.Set(ctx, s.key(id), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache draft: %w", err)
	}
	return nil
}

// Get returns the cached snapshot and its saved-at timestamp. The third
// return is false when no draft is cached.
func (s *Store) Get(ctx context.Context, id types.ReportID) (types.FormSnapshot, time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("read draft: %w", err)
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		// A corrupt entry is dropped rather than surfaced; the network
		// copy is always a valid fallback.
		s.logger.Warn().Err(err).Str("report", string(id)).Msg("discarding corrupt cached draft")
		_ = s.client.Del(ctx, s.key(id)).Err()
		return nil, time.Time{}, false, nil
	}
	return e.Snapshot, e.SavedAt, true, nil
}

// LocalWins decides whether a cached draft should replace the network copy:
// only when the report is still a draft and the cached copy is strictly
// newer than the network's updated-at stamp. Equal timestamps favor the
// network copy.
func LocalWins(savedAt, remoteUpdatedAt time.Time, status types.ReportStatus) bool {
	return status == types.StatusDraft && savedAt.After(remoteUpdatedAt)
}

// Delete removes the cached draft, e.g. after submission.
func (s *Store) Delete(ctx context.Context, id types.ReportID) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

func (s *Store) key(id types.ReportID) string {
	return s.keyPrefix + string(id)
}
